package gateway

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Format tags the wire shape of a chat request.
type Format string

const (
	FormatOpenAI    Format = "openai"
	FormatAnthropic Format = "anthropic"
)

// FormatFor returns the wire format spoken by provider.
func FormatFor(provider string) Format {
	if provider == ProviderAnthropic {
		return FormatAnthropic
	}
	return FormatOpenAI
}

// ToolCall is a tool invocation requested by the assistant.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ArgumentMap decodes the call's arguments. Arguments that are not a JSON
// object yield an empty map.
func (c ToolCall) ArgumentMap() map[string]interface{} {
	var args map[string]interface{}
	if err := json.Unmarshal(c.Arguments, &args); err != nil || args == nil {
		return map[string]interface{}{}
	}
	return args
}

// ToolResult is the output of a tool call sent back to the model.
type ToolResult struct {
	CallID  string
	Text    string
	IsError bool
}

// Document returns the result decoded as JSON, or its text when it is not JSON.
func (r ToolResult) Document() interface{} {
	var doc interface{}
	if err := json.Unmarshal([]byte(r.Text), &doc); err == nil {
		return doc
	}
	return r.Text
}

// Content returns the result as a JSON value suitable for the ledger.
func (r ToolResult) Content() json.RawMessage {
	trimmed := bytes.TrimSpace([]byte(r.Text))
	if len(trimmed) > 0 && json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	b, _ := json.Marshal(r.Text)
	return b
}

// Message is the normalized view of one chat message. Fields the gateway
// does not understand are kept verbatim.
type Message struct {
	Role        string
	Text        string
	ToolCalls   []ToolCall
	ToolResults []ToolResult

	fields map[string]json.RawMessage
	// items holds tool_calls entries (OpenAI) or content blocks (Anthropic)
	// aligned for filtering by call id.
	items []item
}

type item struct {
	raw    json.RawMessage
	callID string
}

// Envelope is a provider-tagged chat request.
type Envelope struct {
	Provider string
	Format   Format
	Model    string
	Stream   bool
	Messages []Message

	fields   map[string]json.RawMessage
	body     []byte
	modified bool
}

var (
	openAIRoles    = map[string]bool{"system": true, "developer": true, "user": true, "assistant": true, "tool": true, "function": true}
	anthropicRoles = map[string]bool{"user": true, "assistant": true}
)

// ParseEnvelope validates body against the provider's chat envelope and
// extracts roles, text, tool calls and tool results.
func ParseEnvelope(provider string, body []byte) (*Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
		return nil, invalid(err, "request body must be a JSON object")
	}
	env := &Envelope{Provider: provider, Format: FormatFor(provider), fields: fields, body: body}

	if raw, ok := fields["model"]; ok {
		if err := json.Unmarshal(raw, &env.Model); err != nil {
			return nil, invalid(err, "model must be a string")
		}
	}
	if strings.TrimSpace(env.Model) == "" {
		return nil, invalid(nil, "model is required")
	}
	if raw, ok := fields["stream"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &env.Stream); err != nil {
			return nil, invalid(err, "stream must be a boolean")
		}
	}

	var rawMsgs []json.RawMessage
	if err := json.Unmarshal(fields["messages"], &rawMsgs); err != nil {
		return nil, invalid(err, "messages must be an array")
	}
	if len(rawMsgs) == 0 {
		return nil, invalid(nil, "messages must not be empty")
	}
	env.Messages = make([]Message, 0, len(rawMsgs))
	for i, raw := range rawMsgs {
		var (
			m   Message
			err error
		)
		if env.Format == FormatAnthropic {
			m, err = parseAnthropicMessage(raw)
		} else {
			m, err = parseOpenAIMessage(raw)
		}
		if err != nil {
			return nil, invalid(err, "messages[%d]", i)
		}
		env.Messages = append(env.Messages, m)
	}
	return env, nil
}

func parseOpenAIMessage(raw json.RawMessage) (Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m.fields); err != nil || m.fields == nil {
		return m, invalid(err, "message must be an object")
	}
	if err := json.Unmarshal(m.fields["role"], &m.Role); err != nil || !openAIRoles[m.Role] {
		return m, invalid(err, "unsupported role")
	}
	m.Text = flattenText(m.fields["content"])

	switch m.Role {
	case "assistant":
		if raw, ok := m.fields["tool_calls"]; ok && !isNull(raw) {
			var entries []json.RawMessage
			if err := json.Unmarshal(raw, &entries); err != nil {
				return m, invalid(err, "tool_calls must be an array")
			}
			for _, entry := range entries {
				var tc struct {
					ID       string `json:"id"`
					Function struct {
						Name      string `json:"name"`
						Arguments string `json:"arguments"`
					} `json:"function"`
				}
				if err := json.Unmarshal(entry, &tc); err != nil || tc.ID == "" {
					return m, invalid(err, "tool call requires an id")
				}
				m.ToolCalls = append(m.ToolCalls, ToolCall{
					ID:        tc.ID,
					Name:      tc.Function.Name,
					Arguments: argumentsJSON(tc.Function.Arguments),
				})
				m.items = append(m.items, item{raw: entry, callID: tc.ID})
			}
		}
	case "tool":
		var callID string
		if err := json.Unmarshal(m.fields["tool_call_id"], &callID); err != nil || callID == "" {
			return m, invalid(err, "tool message requires tool_call_id")
		}
		m.ToolResults = []ToolResult{{CallID: callID, Text: m.Text}}
	}
	return m, nil
}

func parseAnthropicMessage(raw json.RawMessage) (Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m.fields); err != nil || m.fields == nil {
		return m, invalid(err, "message must be an object")
	}
	if err := json.Unmarshal(m.fields["role"], &m.Role); err != nil || !anthropicRoles[m.Role] {
		return m, invalid(err, "unsupported role")
	}
	content := m.fields["content"]
	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		m.Text = s
		return m, nil
	}
	var blocks []json.RawMessage
	if err := json.Unmarshal(content, &blocks); err != nil {
		return m, invalid(err, "content must be a string or an array of blocks")
	}
	var text strings.Builder
	for _, b := range blocks {
		var blk struct {
			Type      string          `json:"type"`
			Text      string          `json:"text"`
			ID        string          `json:"id"`
			Name      string          `json:"name"`
			Input     json.RawMessage `json:"input"`
			ToolUseID string          `json:"tool_use_id"`
			Content   json.RawMessage `json:"content"`
			IsError   bool            `json:"is_error"`
		}
		if err := json.Unmarshal(b, &blk); err != nil {
			return m, invalid(err, "content block must be an object")
		}
		it := item{raw: b}
		switch blk.Type {
		case "text":
			text.WriteString(blk.Text)
		case "tool_use":
			if blk.ID == "" {
				return m, invalid(nil, "tool_use block requires an id")
			}
			args := blk.Input
			if len(args) == 0 {
				args = json.RawMessage(`{}`)
			}
			m.ToolCalls = append(m.ToolCalls, ToolCall{ID: blk.ID, Name: blk.Name, Arguments: args})
			it.callID = blk.ID
		case "tool_result":
			if blk.ToolUseID == "" {
				return m, invalid(nil, "tool_result block requires tool_use_id")
			}
			m.ToolResults = append(m.ToolResults, ToolResult{
				CallID:  blk.ToolUseID,
				Text:    flattenText(blk.Content),
				IsError: blk.IsError,
			})
			it.callID = blk.ToolUseID
		}
		m.items = append(m.items, it)
	}
	m.Text = text.String()
	return m, nil
}

// flattenText returns the text of a content value that is either a string
// or an array of typed parts.
func flattenText(raw json.RawMessage) string {
	if len(raw) == 0 || isNull(raw) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var sb strings.Builder
	for _, p := range parts {
		switch p.Type {
		case "text", "input_text", "output_text":
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// argumentsJSON turns OpenAI's string-encoded arguments into JSON.
func argumentsJSON(s string) json.RawMessage {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return json.RawMessage(`{}`)
	}
	if json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	b, _ := json.Marshal(s)
	return b
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// Last returns the final message.
func (e *Envelope) Last() *Message {
	if len(e.Messages) == 0 {
		return nil
	}
	return &e.Messages[len(e.Messages)-1]
}

// FindToolCall returns the most recent assistant tool call with id.
func (e *Envelope) FindToolCall(id string) (ToolCall, bool) {
	for i := len(e.Messages) - 1; i >= 0; i-- {
		for _, tc := range e.Messages[i].ToolCalls {
			if tc.ID == id {
				return tc, true
			}
		}
	}
	return ToolCall{}, false
}

// FirstUserText returns the text of the first user message.
func (e *Envelope) FirstUserText() string {
	for _, m := range e.Messages {
		if m.Role == "user" && m.Text != "" {
			return m.Text
		}
	}
	return ""
}

// ReplaceToolResult substitutes an error-shaped result for the output of
// callID. It reports whether a result was replaced.
func (e *Envelope) ReplaceToolResult(callID, text string) bool {
	replaced := false
	for i := range e.Messages {
		m := &e.Messages[i]
		for j := range m.ToolResults {
			if m.ToolResults[j].CallID != callID {
				continue
			}
			m.ToolResults[j].Text = text
			m.ToolResults[j].IsError = true
			if e.Format == FormatAnthropic {
				m.replaceBlockResult(callID, text)
			} else {
				m.fields = cloneFields(m.fields)
				m.fields["content"], _ = json.Marshal(text)
				m.Text = text
			}
			replaced = true
		}
	}
	if replaced {
		e.modified = true
	}
	return replaced
}

func (m *Message) replaceBlockResult(callID, text string) {
	items := make([]item, len(m.items))
	copy(items, m.items)
	for k, it := range items {
		if it.callID != callID {
			continue
		}
		var blk map[string]json.RawMessage
		if err := json.Unmarshal(it.raw, &blk); err != nil {
			continue
		}
		var typ string
		_ = json.Unmarshal(blk["type"], &typ)
		if typ != "tool_result" {
			continue
		}
		blk["content"], _ = json.Marshal(text)
		blk["is_error"] = json.RawMessage("true")
		items[k].raw, _ = json.Marshal(blk)
	}
	m.setItems(items, FormatAnthropic)
}

// setItems replaces the message's tool call entries or content blocks and
// rewrites the underlying field.
func (m *Message) setItems(items []item, format Format) {
	m.items = items
	m.fields = cloneFields(m.fields)
	raws := make([]json.RawMessage, 0, len(items))
	for _, it := range items {
		raws = append(raws, it.raw)
	}
	if format == FormatAnthropic {
		m.fields["content"], _ = json.Marshal(raws)
		return
	}
	if len(raws) == 0 {
		delete(m.fields, "tool_calls")
		return
	}
	m.fields["tool_calls"], _ = json.Marshal(raws)
}

// Encode serializes the envelope. An unmodified envelope returns the
// original body byte-for-byte.
func (e *Envelope) Encode() ([]byte, error) {
	if !e.modified {
		return e.body, nil
	}
	msgs := make([]map[string]json.RawMessage, 0, len(e.Messages))
	for _, m := range e.Messages {
		msgs = append(msgs, m.fields)
	}
	rawMsgs, err := json.Marshal(msgs)
	if err != nil {
		return nil, err
	}
	out := cloneFields(e.fields)
	out["messages"] = rawMsgs
	return json.Marshal(out)
}

func cloneFields(in map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}
