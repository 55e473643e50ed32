package gateway

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"

	"github.com/dativo-io/warden/internal/policy"
)

// TokenUsage holds input/output token counts reported by the upstream.
type TokenUsage struct {
	Input  int
	Output int
}

// Assembled is the assistant message rebuilt from an upstream response.
type Assembled struct {
	Model     string
	Text      string
	ToolCalls []ToolCall
	Usage     TokenUsage
	// Verdicts holds the invocation decisions made while relaying the
	// response, keyed by tool call id.
	Verdicts map[string]policy.InvocationDecision
}

type partialCall struct {
	id    string
	name  string
	args  strings.Builder
	input json.RawMessage
}

// assembler accumulates an assistant message from SSE events or a JSON body.
type assembler struct {
	format Format
	model  string
	text   strings.Builder
	calls  map[int]*partialCall
	usage  TokenUsage
}

func newAssembler(format Format) *assembler {
	return &assembler{format: format, calls: make(map[int]*partialCall)}
}

func (a *assembler) call(index int) *partialCall {
	c, ok := a.calls[index]
	if !ok {
		c = &partialCall{}
		a.calls[index] = c
	}
	return c
}

// event consumes one SSE event block (one or more "field: value" lines).
func (a *assembler) event(block []byte) {
	for _, line := range bytes.Split(block, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		payload := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
		if len(payload) == 0 || bytes.Equal(payload, []byte("[DONE]")) {
			continue
		}
		if a.format == FormatAnthropic {
			a.anthropicEvent(payload)
		} else {
			a.openAIChunk(payload)
		}
	}
}

func (a *assembler) openAIChunk(payload []byte) {
	var chunk struct {
		Model   string `json:"model"`
		Choices []struct {
			Delta struct {
				Content   string `json:"content"`
				ToolCalls []struct {
					Index    int    `json:"index"`
					ID       string `json:"id"`
					Function struct {
						Name      string `json:"name"`
						Arguments string `json:"arguments"`
					} `json:"function"`
				} `json:"tool_calls"`
			} `json:"delta"`
		} `json:"choices"`
		Usage *openAIUsage `json:"usage"`
	}
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return
	}
	if chunk.Model != "" {
		a.model = chunk.Model
	}
	for _, ch := range chunk.Choices {
		a.text.WriteString(ch.Delta.Content)
		for _, tc := range ch.Delta.ToolCalls {
			c := a.call(tc.Index)
			if tc.ID != "" {
				c.id = tc.ID
			}
			if tc.Function.Name != "" {
				c.name = tc.Function.Name
			}
			c.args.WriteString(tc.Function.Arguments)
		}
	}
	if chunk.Usage != nil {
		a.usage = chunk.Usage.tokens()
	}
}

func (a *assembler) anthropicEvent(payload []byte) {
	var ev struct {
		Type    string `json:"type"`
		Index   int    `json:"index"`
		Message struct {
			Model string         `json:"model"`
			Usage anthropicUsage `json:"usage"`
		} `json:"message"`
		ContentBlock struct {
			Type  string          `json:"type"`
			Text  string          `json:"text"`
			ID    string          `json:"id"`
			Name  string          `json:"name"`
			Input json.RawMessage `json:"input"`
		} `json:"content_block"`
		Delta struct {
			Type        string `json:"type"`
			Text        string `json:"text"`
			PartialJSON string `json:"partial_json"`
		} `json:"delta"`
		Usage anthropicUsage `json:"usage"`
	}
	if err := json.Unmarshal(payload, &ev); err != nil {
		return
	}
	switch ev.Type {
	case "message_start":
		a.model = ev.Message.Model
		a.usage.Input = ev.Message.Usage.InputTokens
	case "content_block_start":
		switch ev.ContentBlock.Type {
		case "text":
			a.text.WriteString(ev.ContentBlock.Text)
		case "tool_use":
			c := a.call(ev.Index)
			c.id, c.name, c.input = ev.ContentBlock.ID, ev.ContentBlock.Name, ev.ContentBlock.Input
		}
	case "content_block_delta":
		switch ev.Delta.Type {
		case "text_delta":
			a.text.WriteString(ev.Delta.Text)
		case "input_json_delta":
			a.call(ev.Index).args.WriteString(ev.Delta.PartialJSON)
		}
	case "message_delta":
		if ev.Usage.OutputTokens > 0 {
			a.usage.Output = ev.Usage.OutputTokens
		}
	}
}

// body consumes a complete non-streaming response.
func (a *assembler) body(body []byte) {
	if a.format == FormatAnthropic {
		var resp struct {
			Model   string `json:"model"`
			Content []struct {
				Type  string          `json:"type"`
				Text  string          `json:"text"`
				ID    string          `json:"id"`
				Name  string          `json:"name"`
				Input json.RawMessage `json:"input"`
			} `json:"content"`
			Usage anthropicUsage `json:"usage"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return
		}
		a.model = resp.Model
		for i, blk := range resp.Content {
			switch blk.Type {
			case "text":
				a.text.WriteString(blk.Text)
			case "tool_use":
				c := a.call(i)
				c.id, c.name, c.input = blk.ID, blk.Name, blk.Input
			}
		}
		a.usage = TokenUsage{Input: resp.Usage.InputTokens, Output: resp.Usage.OutputTokens}
		return
	}

	var resp struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content   json.RawMessage `json:"content"`
				ToolCalls []struct {
					ID       string `json:"id"`
					Function struct {
						Name      string `json:"name"`
						Arguments string `json:"arguments"`
					} `json:"function"`
				} `json:"tool_calls"`
			} `json:"message"`
		} `json:"choices"`
		Usage *openAIUsage `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return
	}
	a.model = resp.Model
	if len(resp.Choices) > 0 {
		msg := resp.Choices[0].Message
		a.text.WriteString(flattenText(msg.Content))
		for i, tc := range msg.ToolCalls {
			c := a.call(i)
			c.id, c.name = tc.ID, tc.Function.Name
			c.args.WriteString(tc.Function.Arguments)
		}
	}
	if resp.Usage != nil {
		a.usage = resp.Usage.tokens()
	}
}

func (a *assembler) result() *Assembled {
	out := &Assembled{Model: a.model, Text: a.text.String(), Usage: a.usage}
	indexes := make([]int, 0, len(a.calls))
	for i := range a.calls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	for _, i := range indexes {
		out.ToolCalls = append(out.ToolCalls, a.calls[i].toolCall())
	}
	return out
}

func (c *partialCall) toolCall() ToolCall {
	args := argumentsJSON(c.args.String())
	if c.args.Len() == 0 && len(c.input) > 0 {
		args = c.input
	}
	return ToolCall{ID: c.id, Name: c.name, Arguments: args}
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

func (u *openAIUsage) tokens() TokenUsage {
	return TokenUsage{Input: u.PromptTokens, Output: u.CompletionTokens}
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}
