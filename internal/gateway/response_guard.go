package gateway

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"

	"github.com/dativo-io/warden/internal/policy"
)

// responseGuard checks the tool calls an upstream model requests before the
// response reaches the client. A denied call is replaced by a refusal text
// in the provider's own shape, so the client never sees a call it could run.
type responseGuard struct {
	format   Format
	check    func(ToolCall) policy.InvocationDecision
	verdicts map[string]policy.InvocationDecision

	// Streaming state: tool call events are held until the call is complete.
	pending *assembler
	held    [][]byte
	blocks  map[int][][]byte

	relayed int
	refused int
}

func newResponseGuard(format Format, check func(ToolCall) policy.InvocationDecision) *responseGuard {
	return &responseGuard{
		format:   format,
		check:    check,
		verdicts: make(map[string]policy.InvocationDecision),
		pending:  newAssembler(format),
		blocks:   make(map[int][][]byte),
	}
}

// decide evaluates tc and returns the refusal text when it is denied.
func (g *responseGuard) decide(tc ToolCall) (string, bool) {
	d := g.check(tc)
	g.verdicts[tc.ID] = d
	if d.Allowed {
		g.relayed++
		return "", true
	}
	g.refused++
	return policy.DenialMessage(tc.Name, d), false
}

// body rewrites a complete JSON response, replacing denied calls.
func (g *responseGuard) body(body []byte, calls []ToolCall) ([]byte, error) {
	denied := make(map[string]string)
	for _, tc := range calls {
		if text, ok := g.decide(tc); !ok {
			denied[tc.ID] = text
		}
	}
	if len(denied) == 0 {
		return body, nil
	}
	if g.format == FormatAnthropic {
		return refuseAnthropicBody(body, denied)
	}
	return refuseOpenAIBody(body, denied)
}

func refuseOpenAIBody(body []byte, denied map[string]string) ([]byte, error) {
	var resp map[string]json.RawMessage
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	var choices []map[string]json.RawMessage
	if err := json.Unmarshal(resp["choices"], &choices); err != nil {
		return nil, err
	}
	for _, ch := range choices {
		var msg map[string]json.RawMessage
		if err := json.Unmarshal(ch["message"], &msg); err != nil {
			continue
		}
		var calls []json.RawMessage
		if err := json.Unmarshal(msg["tool_calls"], &calls); err != nil {
			continue
		}
		var (
			kept    []json.RawMessage
			notices []string
		)
		for _, raw := range calls {
			var c struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(raw, &c); err == nil {
				if text, ok := denied[c.ID]; ok {
					notices = append(notices, text)
					continue
				}
			}
			kept = append(kept, raw)
		}
		if len(notices) == 0 {
			continue
		}
		msg["content"] = rawJSON(withNotices(flattenText(msg["content"]), notices))
		if len(kept) == 0 {
			delete(msg, "tool_calls")
			if stringField(ch["finish_reason"]) == "tool_calls" {
				ch["finish_reason"] = rawJSON("stop")
			}
		} else {
			msg["tool_calls"] = rawJSON(kept)
		}
		ch["message"] = rawJSON(msg)
	}
	resp["choices"] = rawJSON(choices)
	return json.Marshal(resp)
}

func refuseAnthropicBody(body []byte, denied map[string]string) ([]byte, error) {
	var resp map[string]json.RawMessage
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	var blocks []map[string]json.RawMessage
	if err := json.Unmarshal(resp["content"], &blocks); err != nil {
		return nil, err
	}
	remaining := 0
	for i, blk := range blocks {
		if stringField(blk["type"]) != "tool_use" {
			continue
		}
		if text, ok := denied[stringField(blk["id"])]; ok {
			blocks[i] = map[string]json.RawMessage{"type": rawJSON("text"), "text": rawJSON(text)}
			continue
		}
		remaining++
	}
	if remaining == 0 && stringField(resp["stop_reason"]) == "tool_use" {
		resp["stop_reason"] = rawJSON("end_turn")
	}
	resp["content"] = rawJSON(blocks)
	return json.Marshal(resp)
}

// event takes one upstream SSE event and returns the events to relay in its
// place, possibly none while a tool call is still arriving.
func (g *responseGuard) event(block []byte) [][]byte {
	if g.format == FormatAnthropic {
		return g.anthropicEvent(block)
	}
	return g.openAIEvent(block)
}

// finish returns what is still held when the stream ends. Anthropic tool_use
// blocks that never completed are dropped.
func (g *responseGuard) finish() [][]byte {
	if g.format == FormatAnthropic {
		return nil
	}
	return g.flushOpenAI()
}

func (g *responseGuard) openAIEvent(block []byte) [][]byte {
	payload, ok := sseData(block)
	if !ok {
		return append(g.flushOpenAI(), block)
	}
	var chunk struct {
		Choices []struct {
			Delta struct {
				ToolCalls []json.RawMessage `json:"tool_calls"`
			} `json:"delta"`
			FinishReason *string `json:"finish_reason"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return append(g.flushOpenAI(), block)
	}
	var calls, finished bool
	for _, ch := range chunk.Choices {
		calls = calls || len(ch.Delta.ToolCalls) > 0
		finished = finished || (ch.FinishReason != nil && *ch.FinishReason != "")
	}
	if calls || (finished && len(g.held) > 0) {
		g.held = append(g.held, bytes.Clone(block))
		g.pending.event(block)
		if finished {
			return g.flushOpenAI()
		}
		return nil
	}
	return append(g.flushOpenAI(), block)
}

// flushOpenAI decides every held call and releases the held chunks with
// denied calls removed and the remaining calls renumbered.
func (g *responseGuard) flushOpenAI() [][]byte {
	if len(g.held) == 0 {
		return nil
	}
	held := g.held
	g.held = nil

	indexes := make([]int, 0, len(g.pending.calls))
	for i := range g.pending.calls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	remap := make(map[int]int)
	var notices []string
	for _, i := range indexes {
		if text, ok := g.decide(g.pending.calls[i].toolCall()); ok {
			remap[i] = len(remap)
		} else {
			notices = append(notices, text)
		}
	}
	g.pending = newAssembler(g.format)
	if len(notices) == 0 {
		return held
	}

	out := make([][]byte, 0, len(held)+1)
	if notice := openAINoticeChunk(held[0], notices); notice != nil {
		out = append(out, notice)
	}
	for _, blk := range held {
		if b := refuseOpenAIChunk(blk, remap, len(remap) == 0); b != nil {
			out = append(out, b)
		}
	}
	return out
}

// openAINoticeChunk builds a content delta carrying the refusals, copying
// the envelope fields (id, model, created) of a held chunk.
func openAINoticeChunk(template []byte, notices []string) []byte {
	payload, _ := sseData(template)
	var chunk map[string]json.RawMessage
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return nil
	}
	chunk["choices"] = rawJSON([]map[string]interface{}{{
		"index":         0,
		"delta":         map[string]string{"content": withNotices("", notices)},
		"finish_reason": nil,
	}})
	return dataEvent(chunk)
}

func refuseOpenAIChunk(block []byte, remap map[int]int, allDenied bool) []byte {
	payload, ok := sseData(block)
	if !ok {
		return block
	}
	var chunk map[string]json.RawMessage
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return nil
	}
	var choices []map[string]json.RawMessage
	if err := json.Unmarshal(chunk["choices"], &choices); err != nil {
		return nil
	}
	kept := make([]map[string]json.RawMessage, 0, len(choices))
	for _, ch := range choices {
		var delta map[string]json.RawMessage
		_ = json.Unmarshal(ch["delta"], &delta)
		if raw, ok := delta["tool_calls"]; ok {
			var calls []map[string]json.RawMessage
			_ = json.Unmarshal(raw, &calls)
			var keep []map[string]json.RawMessage
			for _, c := range calls {
				var idx int
				_ = json.Unmarshal(c["index"], &idx)
				if n, ok := remap[idx]; ok {
					c["index"] = rawJSON(n)
					keep = append(keep, c)
				}
			}
			if len(keep) == 0 {
				delete(delta, "tool_calls")
			} else {
				delta["tool_calls"] = rawJSON(keep)
			}
			ch["delta"] = rawJSON(delta)
		}
		reason := stringField(ch["finish_reason"])
		if reason == "tool_calls" && allDenied {
			ch["finish_reason"] = rawJSON("stop")
		}
		if len(delta) == 0 && reason == "" {
			continue
		}
		kept = append(kept, ch)
	}
	if len(kept) == 0 {
		return nil
	}
	chunk["choices"] = rawJSON(kept)
	return dataEvent(chunk)
}

func (g *responseGuard) anthropicEvent(block []byte) [][]byte {
	payload, ok := sseData(block)
	if !ok {
		return [][]byte{block}
	}
	var ev struct {
		Type         string `json:"type"`
		Index        int    `json:"index"`
		ContentBlock struct {
			Type string `json:"type"`
		} `json:"content_block"`
		Delta struct {
			StopReason string `json:"stop_reason"`
		} `json:"delta"`
	}
	if err := json.Unmarshal(payload, &ev); err != nil {
		return [][]byte{block}
	}
	_, open := g.blocks[ev.Index]
	switch {
	case ev.Type == "content_block_start" && ev.ContentBlock.Type == "tool_use",
		ev.Type == "content_block_delta" && open:
		g.holdBlock(ev.Index, block)
		return nil
	case ev.Type == "content_block_stop" && open:
		g.holdBlock(ev.Index, block)
		return g.flushAnthropic(ev.Index)
	case ev.Type == "message_delta" && ev.Delta.StopReason == "tool_use" && g.refused > 0 && g.relayed == 0:
		return [][]byte{endTurn(payload, block)}
	}
	return [][]byte{block}
}

func (g *responseGuard) holdBlock(index int, block []byte) {
	g.blocks[index] = append(g.blocks[index], bytes.Clone(block))
	g.pending.event(block)
}

// flushAnthropic releases a completed tool_use block, or a text block with
// the refusal at the same index when the call is denied.
func (g *responseGuard) flushAnthropic(index int) [][]byte {
	held := g.blocks[index]
	delete(g.blocks, index)
	c, ok := g.pending.calls[index]
	if !ok {
		return nil
	}
	delete(g.pending.calls, index)

	text, allowed := g.decide(c.toolCall())
	if allowed {
		return held
	}
	return [][]byte{
		namedEvent("content_block_start", map[string]interface{}{
			"type": "content_block_start", "index": index,
			"content_block": map[string]string{"type": "text", "text": ""},
		}),
		namedEvent("content_block_delta", map[string]interface{}{
			"type": "content_block_delta", "index": index,
			"delta": map[string]string{"type": "text_delta", "text": text},
		}),
		namedEvent("content_block_stop", map[string]interface{}{
			"type": "content_block_stop", "index": index,
		}),
	}
}

// endTurn rewrites a message_delta stop reason once every tool_use block
// of the message was refused.
func endTurn(payload, block []byte) []byte {
	var ev map[string]json.RawMessage
	if err := json.Unmarshal(payload, &ev); err != nil {
		return block
	}
	var delta map[string]json.RawMessage
	if err := json.Unmarshal(ev["delta"], &delta); err != nil {
		return block
	}
	delta["stop_reason"] = rawJSON("end_turn")
	ev["delta"] = rawJSON(delta)
	if b := namedEvent("message_delta", ev); b != nil {
		return b
	}
	return block
}

// sseData returns the data payload of an event block. ok is false for
// blocks without data and for the [DONE] sentinel.
func sseData(block []byte) ([]byte, bool) {
	var parts [][]byte
	for _, line := range bytes.Split(block, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if bytes.HasPrefix(line, []byte("data:")) {
			parts = append(parts, bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:"))))
		}
	}
	payload := bytes.Join(parts, []byte("\n"))
	if len(payload) == 0 || bytes.Equal(payload, []byte("[DONE]")) {
		return nil, false
	}
	return payload, true
}

func dataEvent(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return []byte("data: " + string(b) + "\n\n")
}

func namedEvent(event string, v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return []byte("event: " + event + "\ndata: " + string(b) + "\n\n")
}

func withNotices(text string, notices []string) string {
	parts := make([]string, 0, len(notices)+1)
	if text != "" {
		parts = append(parts, text)
	}
	return strings.Join(append(parts, notices...), "\n\n")
}

func rawJSON(v interface{}) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

func stringField(raw json.RawMessage) string {
	var s string
	_ = json.Unmarshal(raw, &s)
	return s
}
