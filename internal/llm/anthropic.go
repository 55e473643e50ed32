package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	wardenotel "github.com/dativo-io/warden/internal/otel"
)

// DefaultAnthropicURL is used when no base URL is configured.
const DefaultAnthropicURL = "https://api.anthropic.com"

const defaultAnthropicMaxTokens = 1024

// AnthropicProvider calls the Anthropic Messages API.
type AnthropicProvider struct {
	apiKey     string
	httpClient *http.Client
	baseURL    string
}

// NewAnthropicProvider creates an Anthropic provider. An empty baseURL
// selects the public API.
func NewAnthropicProvider(apiKey, baseURL string) *AnthropicProvider {
	if baseURL == "" {
		baseURL = DefaultAnthropicURL
	}
	return &AnthropicProvider{
		apiKey:     apiKey,
		httpClient: &http.Client{},
		baseURL:    strings.TrimSuffix(strings.TrimRight(baseURL, "/"), "/v1"),
	}
}

// Name returns the provider identifier.
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Generate sends a tool-less messages request.
func (p *AnthropicProvider) Generate(ctx context.Context, req *Request) (resp *Response, err error) {
	ctx, span := tracer.Start(ctx, "gen_ai.generate",
		trace.WithAttributes(wardenotel.LLMRequestAttributes("anthropic", req.Model, req.Temperature)...))
	defer span.End()

	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	start := time.Now()
	defer func() { recordLatency(ctx, "anthropic", req.Model, start, err) }()

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	apiReq := anthropicRequest{
		Model:       req.Model,
		System:      req.System,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		Messages:    make([]anthropicMessage, 0, len(req.Messages)),
	}
	for _, msg := range req.Messages {
		apiReq.Messages = append(apiReq.Messages, anthropicMessage(msg))
	}

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("marshaling anthropic request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating anthropic request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		return nil, invocationError(ctx, "anthropic", KindTransport, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, &InvocationError{
			Provider: "anthropic",
			Kind:     KindStatus,
			Err:      fmt.Errorf("status %d: %s", httpResp.StatusCode, strings.TrimSpace(string(respBody))),
		}
	}

	var apiResp anthropicResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&apiResp); err != nil {
		return nil, invocationError(ctx, "anthropic", KindDecode, err)
	}

	var content strings.Builder
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}
	if content.Len() == 0 {
		return nil, &InvocationError{Provider: "anthropic", Kind: KindDecode, Err: ErrEmptyResponse}
	}

	span.SetAttributes(wardenotel.LLMUsageAttributes(apiResp.Usage.InputTokens, apiResp.Usage.OutputTokens)...)
	span.SetAttributes(wardenotel.GenAIResponseFinishReason.String(apiResp.StopReason))

	return &Response{
		Content:      content.String(),
		FinishReason: apiResp.StopReason,
		InputTokens:  apiResp.Usage.InputTokens,
		OutputTokens: apiResp.Usage.OutputTokens,
		Model:        req.Model,
	}, nil
}
