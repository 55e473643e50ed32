// Package llm invokes the models used by the quarantine review. The request
// type carries no tool definitions, so every model reached through this
// package is tool-less by construction.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// TimeoutLLMCall bounds a single model call when the caller sets no tighter
// deadline.
const TimeoutLLMCall = 60 * time.Second

var (
	// ErrUnknownProvider is returned by New for unsupported provider names.
	ErrUnknownProvider = errors.New("unknown model provider")
	// ErrEmptyResponse is wrapped when a model returns no content.
	ErrEmptyResponse = errors.New("model returned no content")
)

// Model generates text from a system prompt and messages.
type Model interface {
	// Name returns the provider identifier (e.g. "openai", "anthropic").
	Name() string
	Generate(ctx context.Context, req *Request) (*Response, error)
}

// Request is a tool-less completion request.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// Message is a chat message. Role is "user" or "assistant".
type Message struct {
	Role    string
	Content string
}

// Response is the model's reply.
type Response struct {
	Content      string
	FinishReason string
	InputTokens  int
	OutputTokens int
	Model        string
}

// ErrorKind classifies model invocation failures.
type ErrorKind string

const (
	KindTimeout   ErrorKind = "timeout"
	KindTransport ErrorKind = "transport"
	KindStatus    ErrorKind = "status"
	KindDecode    ErrorKind = "decode"
)

// InvocationError reports a failed model call. Callers treat every
// InvocationError as a reason to fail closed.
type InvocationError struct {
	Provider string
	Kind     ErrorKind
	Err      error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("%s model call failed (%s): %v", e.Provider, e.Kind, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

// invocationError classifies err, treating deadline expiry as a timeout.
func invocationError(ctx context.Context, provider string, kind ErrorKind, err error) *InvocationError {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		kind = KindTimeout
	}
	return &InvocationError{Provider: provider, Kind: kind, Err: err}
}

// withDefaultTimeout applies TimeoutLLMCall unless ctx already has a deadline.
func withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, TimeoutLLMCall)
}

// Config selects and configures a model provider.
type Config struct {
	Provider string
	APIKey   string
	BaseURL  string
}

// New builds the Model for cfg.Provider.
func New(cfg Config) (Model, error) {
	switch cfg.Provider {
	case "openai":
		if cfg.BaseURL != "" {
			return NewOpenAIProviderWithBaseURL(cfg.APIKey, cfg.BaseURL), nil
		}
		return NewOpenAIProvider(cfg.APIKey), nil
	case "anthropic":
		return NewAnthropicProvider(cfg.APIKey, cfg.BaseURL), nil
	case "ollama":
		return NewOllamaProvider(cfg.BaseURL), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}
}
