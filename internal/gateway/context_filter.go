package gateway

// FilterBlocked removes every tool result whose call id is in blocked, along
// with the assistant tool-call entries that would be left without a result.
// Messages emptied by the removal are dropped. When nothing is blocked, or
// nothing in env references a blocked id, env itself is returned.
// Filtering an already filtered envelope changes nothing.
func FilterBlocked(env *Envelope, blocked map[string]struct{}) *Envelope {
	if len(blocked) == 0 || !references(env, blocked) {
		return env
	}

	out := *env
	out.Messages = make([]Message, 0, len(env.Messages))
	for _, m := range env.Messages {
		if kept, ok := withoutBlocked(m, blocked, env.Format); ok {
			out.Messages = append(out.Messages, kept)
		}
	}
	out.modified = true
	return &out
}

func references(env *Envelope, blocked map[string]struct{}) bool {
	for _, m := range env.Messages {
		for _, tr := range m.ToolResults {
			if _, ok := blocked[tr.CallID]; ok {
				return true
			}
		}
		for _, tc := range m.ToolCalls {
			if _, ok := blocked[tc.ID]; ok {
				return true
			}
		}
	}
	return false
}

// withoutBlocked returns m minus blocked tool calls and results. The second
// result is false when nothing is left of the message.
func withoutBlocked(m Message, blocked map[string]struct{}, format Format) (Message, bool) {
	isBlocked := func(id string) bool {
		_, ok := blocked[id]
		return ok
	}

	if format == FormatOpenAI && m.Role == "tool" {
		return m, !isBlocked(m.ToolResults[0].CallID)
	}

	var (
		items   []item
		calls   []ToolCall
		results []ToolResult
		changed bool
	)
	for _, it := range m.items {
		if it.callID != "" && isBlocked(it.callID) {
			changed = true
			continue
		}
		items = append(items, it)
	}
	if !changed {
		return m, true
	}
	for _, tc := range m.ToolCalls {
		if !isBlocked(tc.ID) {
			calls = append(calls, tc)
		}
	}
	for _, tr := range m.ToolResults {
		if !isBlocked(tr.CallID) {
			results = append(results, tr)
		}
	}

	m.ToolCalls = calls
	m.ToolResults = results
	m.setItems(items, format)
	if format == FormatAnthropic {
		return m, len(items) > 0
	}
	return m, len(calls) > 0 || m.Text != ""
}
