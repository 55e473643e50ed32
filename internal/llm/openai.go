package llm

import (
	"context"
	"errors"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/trace"

	wardenotel "github.com/dativo-io/warden/internal/otel"
)

var tracer = wardenotel.Tracer("github.com/dativo-io/warden/internal/llm")

// OpenAIProvider calls the OpenAI chat completions API, or any compatible
// endpoint.
type OpenAIProvider struct {
	client *openai.Client
	name   string
}

// NewOpenAIProvider creates an OpenAI provider with the given API key.
func NewOpenAIProvider(apiKey string) *OpenAIProvider {
	return &OpenAIProvider{client: openai.NewClient(apiKey), name: "openai"}
}

// NewOpenAIProviderWithBaseURL points the client at baseURL (scheme and
// host, optionally ending in /v1).
func NewOpenAIProviderWithBaseURL(apiKey, baseURL string) *OpenAIProvider {
	config := openai.DefaultConfig(apiKey)
	config.BaseURL = withV1(baseURL)
	return &OpenAIProvider{client: openai.NewClientWithConfig(config), name: "openai"}
}

func withV1(baseURL string) string {
	baseURL = strings.TrimRight(baseURL, "/")
	if strings.HasSuffix(baseURL, "/v1") {
		return baseURL
	}
	return baseURL + "/v1"
}

// Name returns the provider identifier.
func (p *OpenAIProvider) Name() string {
	return p.name
}

// Generate sends a chat completion request without tools.
func (p *OpenAIProvider) Generate(ctx context.Context, req *Request) (resp *Response, err error) {
	ctx, span := tracer.Start(ctx, "gen_ai.generate",
		trace.WithAttributes(wardenotel.LLMRequestAttributes(p.name, req.Model, req.Temperature)...))
	defer span.End()

	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	start := time.Now()
	defer func() { recordLatency(ctx, p.name, req.Model, start, err) }()

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, msg := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{Role: msg.Role, Content: msg.Content})
	}

	out, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		span.RecordError(err)
		kind := KindTransport
		var apiErr *openai.APIError
		var reqErr *openai.RequestError
		if errors.As(err, &apiErr) || errors.As(err, &reqErr) {
			kind = KindStatus
		}
		return nil, invocationError(ctx, p.name, kind, err)
	}
	if len(out.Choices) == 0 {
		return nil, &InvocationError{Provider: p.name, Kind: KindDecode, Err: ErrEmptyResponse}
	}

	span.SetAttributes(wardenotel.LLMUsageAttributes(out.Usage.PromptTokens, out.Usage.CompletionTokens)...)
	span.SetAttributes(wardenotel.GenAIResponseFinishReason.String(string(out.Choices[0].FinishReason)))

	return &Response{
		Content:      out.Choices[0].Message.Content,
		FinishReason: string(out.Choices[0].FinishReason),
		InputTokens:  out.Usage.PromptTokens,
		OutputTokens: out.Usage.CompletionTokens,
		Model:        out.Model,
	}, nil
}
