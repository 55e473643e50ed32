package gateway

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/warden/internal/testutil"
)

func forwardParams(url, body string, asm *assembler) ForwardParams {
	return ForwardParams{
		Context:       context.Background(),
		Client:        http.DefaultClient,
		Provider:      ProviderOpenAI,
		UpstreamURL:   url,
		Method:        http.MethodPost,
		Body:          strings.NewReader(body),
		ContentLength: int64(len(body)),
		Header:        http.Header{"Content-Type": []string{"application/json"}},
		assembler:     asm,
	}
}

func TestForward_NonStreaming(t *testing.T) {
	up := testutil.NewUpstream(t, testutil.OpenAIResponder("Hi there"))

	asm := newAssembler(FormatOpenAI)
	w := httptest.NewRecorder()
	status, err := Forward(w, forwardParams(up.URL+"/v1/chat/completions", `{"model":"gpt-4o","messages":[]}`, asm))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "chatcmpl-test")

	msg := asm.result()
	assert.Equal(t, "Hi there", msg.Text)
	assert.Equal(t, TokenUsage{Input: 10, Output: 20}, msg.Usage)
}

// A chunked JSON body must not be taken for an event stream.
func TestForward_ChunkedJSONNotTreatedAsStream(t *testing.T) {
	body := `{"id":"chunked-1","choices":[{"message":{"role":"assistant","content":"OK"}}],"usage":{"prompt_tokens":7,"completion_tokens":3}}`
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Transfer-Encoding", "chunked")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(body))
	}))
	defer upstream.Close()

	asm := newAssembler(FormatOpenAI)
	w := httptest.NewRecorder()
	_, err := Forward(w, forwardParams(upstream.URL, `{"model":"gpt-4o","messages":[]}`, asm))
	require.NoError(t, err)
	require.Equal(t, body, w.Body.String())
	require.Equal(t, TokenUsage{Input: 7, Output: 3}, asm.result().Usage)
}

func TestForward_StreamingOpenAI(t *testing.T) {
	up := testutil.NewUpstream(t, testutil.OpenAIResponder("streamed reply",
		testutil.MockToolCall{ID: "call_1", Name: "send_email", Arguments: `{"to":"a@example.com"}`}))

	asm := newAssembler(FormatOpenAI)
	w := httptest.NewRecorder()
	_, err := Forward(w, forwardParams(up.URL+"/v1/chat/completions", `{"model":"gpt-4o","messages":[],"stream":true}`, asm))
	require.NoError(t, err)
	require.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	require.True(t, w.Flushed, "events must be flushed as they arrive")
	require.Contains(t, w.Body.String(), "data: [DONE]")

	msg := asm.result()
	assert.Equal(t, "streamed reply", msg.Text)
	require.Len(t, msg.ToolCalls, 1)
	assert.Equal(t, "call_1", msg.ToolCalls[0].ID)
	assert.Equal(t, "send_email", msg.ToolCalls[0].Name)
	assert.JSONEq(t, `{"to":"a@example.com"}`, string(msg.ToolCalls[0].Arguments))
	assert.Equal(t, TokenUsage{Input: 10, Output: 20}, msg.Usage)
}

func TestForward_StreamingAnthropic(t *testing.T) {
	up := testutil.NewUpstream(t, testutil.AnthropicResponder("checking files",
		testutil.MockToolCall{ID: "toolu_1", Name: "read_file", Arguments: `{"path":"/tmp/a"}`}))

	asm := newAssembler(FormatAnthropic)
	w := httptest.NewRecorder()
	p := forwardParams(up.URL+"/v1/messages", `{"model":"claude","messages":[],"stream":true}`, asm)
	p.Provider = ProviderAnthropic
	_, err := Forward(w, p)
	require.NoError(t, err)
	require.Contains(t, w.Body.String(), "event: message_stop")

	msg := asm.result()
	assert.Equal(t, "checking files", msg.Text)
	require.Len(t, msg.ToolCalls, 1)
	assert.Equal(t, "toolu_1", msg.ToolCalls[0].ID)
	assert.JSONEq(t, `{"path":"/tmp/a"}`, string(msg.ToolCalls[0].Arguments))
	assert.Equal(t, TokenUsage{Input: 12, Output: 7}, msg.Usage)
}

// Error responses are relayed as a single readable body, even when the
// upstream labels them as an event stream.
func TestForward_ErrorResponseNotStreamed(t *testing.T) {
	tests := []struct {
		name        string
		statusCode  int
		contentType string
		body        string
	}{
		{"404_with_sse_content_type", http.StatusNotFound, "text/event-stream", `{"error":{"message":"Not found","type":"invalid_request_error"}}`},
		{"500_with_sse_content_type", http.StatusInternalServerError, "text/event-stream", `{"error":{"message":"Internal error","type":"server_error"}}`},
		{"429_rate_limited", http.StatusTooManyRequests, "application/json", `{"error":{"message":"Rate limit exceeded","type":"rate_limit_error"}}`},
		{"401_unauthorized", http.StatusUnauthorized, "application/json", `{"error":{"message":"Incorrect API key","type":"authentication_error"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", tt.contentType)
				w.WriteHeader(tt.statusCode)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer upstream.Close()

			w := httptest.NewRecorder()
			status, err := Forward(w, forwardParams(upstream.URL, `{}`, newAssembler(FormatOpenAI)))
			require.NoError(t, err)
			require.Equal(t, tt.statusCode, status)
			require.Equal(t, tt.statusCode, w.Code, "status code must be preserved")
			require.Equal(t, tt.body, w.Body.String(), "error body must be passed through as readable text")
		})
	}
}

// The client's Accept-Encoding is not forwarded, so compressed upstream
// bodies arrive decoded.
func TestForward_GzipDecompressed(t *testing.T) {
	successJSON := `{"id":"chatcmpl-gz","choices":[{"message":{"role":"assistant","content":"Hello!"}}],"usage":{"prompt_tokens":8,"completion_tokens":1}}`
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Header.Get("Accept-Encoding") != "" {
			var buf bytes.Buffer
			gz := gzip.NewWriter(&buf)
			_, _ = gz.Write([]byte(successJSON))
			_ = gz.Close()
			w.Header().Set("Content-Encoding", "gzip")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(buf.Bytes())
			return
		}
		_, _ = w.Write([]byte(successJSON))
	}))
	defer upstream.Close()

	asm := newAssembler(FormatOpenAI)
	p := forwardParams(upstream.URL, `{"model":"gpt-4o","messages":[]}`, asm)
	p.Header.Set("Accept-Encoding", "gzip, deflate, br")
	w := httptest.NewRecorder()
	_, err := Forward(w, p)
	require.NoError(t, err)
	require.JSONEq(t, successJSON, w.Body.String())
	require.Equal(t, "Hello!", asm.result().Text)
}

func TestForward_HeadersPassThrough(t *testing.T) {
	up := testutil.NewUpstream(t, testutil.OpenAIResponder("ok"))

	p := forwardParams(up.URL+"/v1/chat/completions", `{"model":"gpt-4o","messages":[]}`, nil)
	p.Header.Set("Authorization", "Bearer sk-client")
	p.Header.Set("Connection", "keep-alive")
	p.Header.Set(ConversationHeader, "conv-1")
	w := httptest.NewRecorder()
	_, err := Forward(w, p)
	require.NoError(t, err)

	got := up.Last(t).Header
	assert.Equal(t, "Bearer sk-client", got.Get("Authorization"), "client credentials pass through")
	assert.Empty(t, got.Get(ConversationHeader))
	assert.Equal(t, "application/json", got.Get("Content-Type"))
}

func TestForward_UpstreamUnreachable(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	url := upstream.URL
	upstream.Close()

	w := httptest.NewRecorder()
	_, err := Forward(w, forwardParams(url, `{}`, nil))
	var upErr *UpstreamError
	require.True(t, errors.As(err, &upErr), "err = %v", err)
	assert.Equal(t, ProviderOpenAI, upErr.Provider)
	assert.Zero(t, w.Body.Len(), "nothing may be written before the upstream answers")
}

func TestNewHTTPClient(t *testing.T) {
	client := NewHTTPClient(ParsedTimeouts{ConnectTimeout: 2 * time.Second, RequestTimeout: 10 * time.Second})
	require.NotNil(t, client)
	require.Equal(t, 10*time.Second, client.Timeout)
}
