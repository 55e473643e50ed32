package gateway

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/warden/internal/policy"
)

// denyDestructive refuses shell calls that delete files.
func denyDestructive(tc ToolCall) policy.InvocationDecision {
	cmd, _ := tc.ArgumentMap()["command"].(string)
	if tc.Name == "shell" && strings.HasPrefix(cmd, "rm ") {
		return policy.InvocationDecision{Reason: "destructive command", PolicyID: "ti-rm"}
	}
	return policy.InvocationDecision{Allowed: true}
}

func relay(g *responseGuard, events ...string) string {
	var sb strings.Builder
	for _, ev := range events {
		for _, out := range g.event([]byte(ev)) {
			sb.Write(out)
		}
	}
	for _, out := range g.finish() {
		sb.Write(out)
	}
	return sb.String()
}

func TestResponseGuard_BodyWithoutDeniedCallsUnchanged(t *testing.T) {
	body := []byte(`{"id":"chatcmpl-1","choices":[{"index":0,"message":{"role":"assistant","content":null,"tool_calls":[{"id":"call_ls","type":"function","function":{"name":"shell","arguments":"{\"command\":\"ls -la\"}"}}]},"finish_reason":"tool_calls"}]}`)
	asm := newAssembler(FormatOpenAI)
	asm.body(body)

	g := newResponseGuard(FormatOpenAI, denyDestructive)
	out, err := g.body(body, asm.result().ToolCalls)
	require.NoError(t, err)
	assert.Equal(t, string(body), string(out))
	assert.True(t, g.verdicts["call_ls"].Allowed)
}

func TestResponseGuard_OpenAIBody(t *testing.T) {
	body := []byte(`{"id":"chatcmpl-1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":null,"tool_calls":[{"id":"call_rm","type":"function","function":{"name":"shell","arguments":"{\"command\":\"rm -rf /\"}"}}]},"finish_reason":"tool_calls"}],"usage":{"prompt_tokens":5,"completion_tokens":9}}`)
	asm := newAssembler(FormatOpenAI)
	asm.body(body)

	g := newResponseGuard(FormatOpenAI, denyDestructive)
	out, err := g.body(body, asm.result().ToolCalls)
	require.NoError(t, err)
	assert.NotContains(t, string(out), "rm -rf")

	var resp struct {
		ID      string `json:"id"`
		Choices []struct {
			Message struct {
				Content   string            `json:"content"`
				ToolCalls []json.RawMessage `json:"tool_calls"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens int `json:"prompt_tokens"`
		} `json:"usage"`
	}
	require.NoError(t, json.Unmarshal(out, &resp))
	assert.Equal(t, "chatcmpl-1", resp.ID)
	assert.Equal(t, 5, resp.Usage.PromptTokens)
	require.Len(t, resp.Choices, 1)
	assert.Empty(t, resp.Choices[0].Message.ToolCalls)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
	assert.Contains(t, resp.Choices[0].Message.Content, `Tool call "shell" was blocked by security policy: destructive command`)
	assert.False(t, g.verdicts["call_rm"].Allowed)
}

func TestResponseGuard_AnthropicBody(t *testing.T) {
	body := []byte(`{"id":"msg_1","type":"message","role":"assistant","content":[{"type":"text","text":"Cleaning up."},{"type":"tool_use","id":"toolu_rm","name":"shell","input":{"command":"rm -rf /"}}],"stop_reason":"tool_use"}`)
	asm := newAssembler(FormatAnthropic)
	asm.body(body)

	g := newResponseGuard(FormatAnthropic, denyDestructive)
	out, err := g.body(body, asm.result().ToolCalls)
	require.NoError(t, err)

	var resp struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		StopReason string `json:"stop_reason"`
	}
	require.NoError(t, json.Unmarshal(out, &resp))
	require.Len(t, resp.Content, 2)
	assert.Equal(t, "Cleaning up.", resp.Content[0].Text)
	assert.Equal(t, "text", resp.Content[1].Type)
	assert.Contains(t, resp.Content[1].Text, "blocked by security policy")
	assert.Equal(t, "end_turn", resp.StopReason)
	assert.NotContains(t, string(out), "toolu_rm")
}

func TestResponseGuard_OpenAIStream(t *testing.T) {
	g := newResponseGuard(FormatOpenAI, denyDestructive)
	out := relay(g,
		"data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"role\":\"assistant\"}}]}\n\n",
		"data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"tool_calls\":[{\"index\":0,\"id\":\"call_rm\",\"type\":\"function\",\"function\":{\"name\":\"shell\",\"arguments\":\"\"}}]}}]}\n\n",
		"data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"tool_calls\":[{\"index\":0,\"function\":{\"arguments\":\"{\\\"command\\\":\\\"rm -rf /\\\"}\"}}]}}]}\n\n",
		"data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"tool_calls\":[{\"index\":1,\"id\":\"call_ls\",\"type\":\"function\",\"function\":{\"name\":\"shell\",\"arguments\":\"{\\\"command\\\":\\\"ls\\\"}\"}}]}}]}\n\n",
		"data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"tool_calls\"}]}\n\n",
		"data: [DONE]\n\n",
	)

	assert.NotContains(t, out, "call_rm")
	assert.NotContains(t, out, "rm -rf")
	assert.Contains(t, out, `"id":"call_ls","index":0`, "remaining calls are renumbered")
	assert.NotContains(t, out, `"index":1`)
	assert.Contains(t, out, "blocked by security policy")
	assert.Contains(t, out, `"finish_reason":"tool_calls"`)
	assert.True(t, strings.HasSuffix(out, "data: [DONE]\n\n"))
	assert.True(t, strings.Index(out, `"role":"assistant"`) < strings.Index(out, "blocked by security policy"))

	assert.False(t, g.verdicts["call_rm"].Allowed)
	assert.True(t, g.verdicts["call_ls"].Allowed)
}

func TestResponseGuard_OpenAIStreamAllDenied(t *testing.T) {
	g := newResponseGuard(FormatOpenAI, denyDestructive)
	out := relay(g,
		"data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"tool_calls\":[{\"index\":0,\"id\":\"call_rm\",\"type\":\"function\",\"function\":{\"name\":\"shell\",\"arguments\":\"{\\\"command\\\":\\\"rm -rf /\\\"}\"}}]}}]}\n\n",
		"data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"tool_calls\"}]}\n\n",
	)
	assert.NotContains(t, out, "tool_calls")
	assert.Contains(t, out, `"finish_reason":"stop"`)
	assert.Contains(t, out, "blocked by security policy")
}

func TestResponseGuard_OpenAIStreamWithoutCallsPassesThrough(t *testing.T) {
	events := []string{
		"data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"Hello\"}}]}\n\n",
		"data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n",
		"data: [DONE]\n\n",
	}
	out := relay(newResponseGuard(FormatOpenAI, denyDestructive), events...)
	assert.Equal(t, strings.Join(events, ""), out)
}

func TestResponseGuard_AnthropicStream(t *testing.T) {
	g := newResponseGuard(FormatAnthropic, denyDestructive)
	out := relay(g,
		"event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"id\":\"msg_1\"}}\n\n",
		"event: content_block_start\ndata: {\"type\":\"content_block_start\",\"index\":0,\"content_block\":{\"type\":\"tool_use\",\"id\":\"toolu_rm\",\"name\":\"shell\",\"input\":{}}}\n\n",
		"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"input_json_delta\",\"partial_json\":\"{\\\"command\\\":\\\"rm -rf /\\\"}\"}}\n\n",
		"event: content_block_stop\ndata: {\"type\":\"content_block_stop\",\"index\":0}\n\n",
		"event: message_delta\ndata: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"tool_use\"},\"usage\":{\"output_tokens\":9}}\n\n",
		"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n",
	)

	assert.NotContains(t, out, "toolu_rm")
	assert.NotContains(t, out, "tool_use")
	assert.Contains(t, out, "event: content_block_start\ndata: {\"content_block\":{\"text\":\"\",\"type\":\"text\"},\"index\":0")
	assert.Contains(t, out, "blocked by security policy")
	assert.Contains(t, out, `"stop_reason":"end_turn"`)
	assert.Contains(t, out, `"output_tokens":9`)
	assert.True(t, strings.HasSuffix(out, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n"))
}

func TestResponseGuard_AnthropicStreamAllowedCallRelayed(t *testing.T) {
	events := []string{
		"event: content_block_start\ndata: {\"type\":\"content_block_start\",\"index\":1,\"content_block\":{\"type\":\"tool_use\",\"id\":\"toolu_ls\",\"name\":\"shell\",\"input\":{}}}\n\n",
		"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":1,\"delta\":{\"type\":\"input_json_delta\",\"partial_json\":\"{\\\"command\\\":\\\"ls\\\"}\"}}\n\n",
		"event: content_block_stop\ndata: {\"type\":\"content_block_stop\",\"index\":1}\n\n",
		"event: message_delta\ndata: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"tool_use\"}}\n\n",
	}
	g := newResponseGuard(FormatAnthropic, denyDestructive)
	assert.Equal(t, strings.Join(events, ""), relay(g, events...))
	assert.True(t, g.verdicts["toolu_ls"].Allowed)
}

func TestResponseGuard_AnthropicIncompleteCallDropped(t *testing.T) {
	g := newResponseGuard(FormatAnthropic, denyDestructive)
	out := relay(g,
		"event: content_block_start\ndata: {\"type\":\"content_block_start\",\"index\":0,\"content_block\":{\"type\":\"tool_use\",\"id\":\"toolu_x\",\"name\":\"shell\",\"input\":{}}}\n\n",
		"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"input_json_delta\",\"partial_json\":\"{\\\"command\\\":\"}}\n\n",
	)
	assert.Empty(t, out)
}
