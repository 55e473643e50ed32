package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// RecordedRequest is a request seen by an Upstream.
type RecordedRequest struct {
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     []byte
}

// Upstream is a mock provider that records every request before handing it
// to its responder.
type Upstream struct {
	*httptest.Server

	mu       sync.Mutex
	requests []RecordedRequest
}

// NewUpstream starts an Upstream and registers t.Cleanup to close it.
func NewUpstream(t *testing.T, respond http.HandlerFunc) *Upstream {
	t.Helper()
	u := &Upstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		u.mu.Lock()
		u.requests = append(u.requests, RecordedRequest{
			Method:   r.Method,
			Path:     r.URL.Path,
			RawQuery: r.URL.RawQuery,
			Header:   r.Header.Clone(),
			Body:     body,
		})
		u.mu.Unlock()
		r.Body = io.NopCloser(strings.NewReader(string(body)))
		respond(w, r)
	}))
	t.Cleanup(u.Close)
	return u
}

// Requests returns the requests received so far.
func (u *Upstream) Requests() []RecordedRequest {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]RecordedRequest(nil), u.requests...)
}

// Last returns the most recent request. It fails the test when there is none.
func (u *Upstream) Last(t *testing.T) RecordedRequest {
	t.Helper()
	reqs := u.Requests()
	if len(reqs) == 0 {
		t.Fatal("upstream received no requests")
	}
	return reqs[len(reqs)-1]
}

func wantsStream(r *http.Request) bool {
	var body struct {
		Stream bool `json:"stream"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	return body.Stream
}

// MockToolCall is a tool call a mock upstream returns.
type MockToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// OpenAIResponder answers chat completions with content (and tool calls),
// as JSON or as an SSE stream when the request sets stream. Other paths get
// a model listing.
func OpenAIResponder(content string, calls ...MockToolCall) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"object":"list","data":[{"id":"gpt-4o","object":"model"}]}`)
			return
		}
		if wantsStream(r) {
			writeOpenAIStream(w, content, calls)
			return
		}
		toolCalls := make([]map[string]interface{}, 0, len(calls))
		for _, c := range calls {
			toolCalls = append(toolCalls, map[string]interface{}{
				"id":       c.ID,
				"type":     "function",
				"function": map[string]string{"name": c.Name, "arguments": c.Arguments},
			})
		}
		msg := map[string]interface{}{"role": "assistant", "content": content}
		if len(toolCalls) > 0 {
			msg["tool_calls"] = toolCalls
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"id":      "chatcmpl-test",
			"object":  "chat.completion",
			"model":   "gpt-4o",
			"choices": []map[string]interface{}{{"index": 0, "message": msg, "finish_reason": "stop"}},
			"usage":   map[string]int{"prompt_tokens": 10, "completion_tokens": 20, "total_tokens": 30},
		})
	}
}

func writeOpenAIStream(w http.ResponseWriter, content string, calls []MockToolCall) {
	w.Header().Set("Content-Type", "text/event-stream")
	flusher, _ := w.(http.Flusher)
	send := func(delta map[string]interface{}) {
		chunk, _ := json.Marshal(map[string]interface{}{
			"id":      "chatcmpl-test",
			"object":  "chat.completion.chunk",
			"choices": []map[string]interface{}{{"index": 0, "delta": delta}},
		})
		fmt.Fprintf(w, "data: %s\n\n", chunk)
		if flusher != nil {
			flusher.Flush()
		}
	}
	send(map[string]interface{}{"role": "assistant"})
	for _, word := range strings.SplitAfter(content, " ") {
		if word != "" {
			send(map[string]interface{}{"content": word})
		}
	}
	for i, c := range calls {
		send(map[string]interface{}{"tool_calls": []map[string]interface{}{{
			"index": i, "id": c.ID, "type": "function",
			"function": map[string]string{"name": c.Name, "arguments": ""},
		}}})
		half := len(c.Arguments) / 2
		for _, part := range []string{c.Arguments[:half], c.Arguments[half:]} {
			send(map[string]interface{}{"tool_calls": []map[string]interface{}{{
				"index": i, "function": map[string]string{"arguments": part},
			}}})
		}
	}
	fmt.Fprint(w, "data: {\"id\":\"chatcmpl-test\",\"choices\":[],\"usage\":{\"prompt_tokens\":10,\"completion_tokens\":20}}\n\n")
	fmt.Fprint(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}

// AnthropicResponder answers /v1/messages with content (and tool_use
// blocks), as JSON or as an SSE stream when the request sets stream.
func AnthropicResponder(content string, calls ...MockToolCall) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/messages") {
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"data":[{"id":"claude-3-5-sonnet-latest","type":"model"}]}`)
			return
		}
		if wantsStream(r) {
			writeAnthropicStream(w, content, calls)
			return
		}
		blocks := []map[string]interface{}{{"type": "text", "text": content}}
		for _, c := range calls {
			blocks = append(blocks, map[string]interface{}{
				"type": "tool_use", "id": c.ID, "name": c.Name, "input": json.RawMessage(c.Arguments),
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"id":          "msg_test",
			"type":        "message",
			"role":        "assistant",
			"model":       "claude-3-5-sonnet-latest",
			"content":     blocks,
			"stop_reason": "end_turn",
			"usage":       map[string]int{"input_tokens": 12, "output_tokens": 7},
		})
	}
}

func writeAnthropicStream(w http.ResponseWriter, content string, calls []MockToolCall) {
	w.Header().Set("Content-Type", "text/event-stream")
	flusher, _ := w.(http.Flusher)
	send := func(event string, payload map[string]interface{}) {
		payload["type"] = event
		data, _ := json.Marshal(payload)
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
		if flusher != nil {
			flusher.Flush()
		}
	}
	send("message_start", map[string]interface{}{"message": map[string]interface{}{
		"id": "msg_test", "role": "assistant", "usage": map[string]int{"input_tokens": 12},
	}})
	send("content_block_start", map[string]interface{}{"index": 0, "content_block": map[string]string{"type": "text", "text": ""}})
	for _, word := range strings.SplitAfter(content, " ") {
		if word != "" {
			send("content_block_delta", map[string]interface{}{"index": 0, "delta": map[string]string{"type": "text_delta", "text": word}})
		}
	}
	send("content_block_stop", map[string]interface{}{"index": 0})
	for i, c := range calls {
		idx := i + 1
		send("content_block_start", map[string]interface{}{"index": idx, "content_block": map[string]interface{}{
			"type": "tool_use", "id": c.ID, "name": c.Name, "input": map[string]interface{}{},
		}})
		send("content_block_delta", map[string]interface{}{"index": idx, "delta": map[string]string{"type": "input_json_delta", "partial_json": c.Arguments}})
		send("content_block_stop", map[string]interface{}{"index": idx})
	}
	send("message_delta", map[string]interface{}{"delta": map[string]string{"stop_reason": "end_turn"}, "usage": map[string]int{"output_tokens": 7}})
	send("message_stop", map[string]interface{}{})
}
