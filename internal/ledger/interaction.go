// Package ledger is the append-only, per-conversation record of every
// message, tool call and tool result that passes through the proxy.
//
// Interactions are HMAC-signed on append and immutable afterwards, except
// for the trust and block outcome of tool results, each of which is written
// exactly once. Insertion order is causal order: the store assigns a
// monotonically increasing sequence number per conversation and never
// reorders or compacts.
package ledger

import (
	"encoding/json"
	"errors"
	"time"
)

// Role is the author of an interaction.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

var (
	// ErrNotFound is returned when an interaction id does not exist.
	ErrNotFound = errors.New("interaction not found")
	// ErrAlreadyResolved is returned when the block outcome of an interaction
	// has already been written.
	ErrAlreadyResolved = errors.New("interaction block outcome already resolved")
	// ErrInvalidInteraction is returned by Append for malformed input.
	ErrInvalidInteraction = errors.New("invalid interaction")
)

// ToolCall is a tool invocation requested by the assistant.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	// Denied and DenyReason carry the tool-invocation decision taken when
	// the call was observed.
	Denied     bool   `json:"denied,omitempty"`
	DenyReason string `json:"deny_reason,omitempty"`
}

// Interaction is one entry of a conversation.
type Interaction struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Seq            int64           `json:"seq"`
	Role           Role            `json:"role"`
	Provider       string          `json:"provider"`
	RoutingID      string          `json:"routing_id,omitempty"`
	Text           string          `json:"text,omitempty"`
	Content        json.RawMessage `json:"content,omitempty"`
	ToolCallID     string          `json:"tool_call_id,omitempty"`
	ToolName       string          `json:"tool_name,omitempty"`
	ToolCalls      []ToolCall      `json:"tool_calls,omitempty"`
	Tainted        bool            `json:"tainted"`
	TaintReason    string          `json:"taint_reason,omitempty"`
	Trusted        *bool           `json:"trusted,omitempty"`
	Blocked        *bool           `json:"blocked,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	Signature      string          `json:"signature"`
}

// IsBlocked reports whether the interaction has been resolved as blocked.
func (i Interaction) IsBlocked() bool {
	return i.Blocked != nil && *i.Blocked
}

// Resolved reports whether the block outcome has been written.
func (i Interaction) Resolved() bool {
	return i.Blocked != nil
}

// ConversationSummary is a compact view of one conversation for listings.
type ConversationSummary struct {
	ConversationID string    `json:"conversation_id"`
	Interactions   int       `json:"interactions"`
	Tainted        int       `json:"tainted"`
	Blocked        int       `json:"blocked"`
	LastActivity   time.Time `json:"last_activity"`
}

// Bool returns a pointer to b, for populating the optional trust fields.
func Bool(b bool) *bool {
	return &b
}

// LastUserMessage returns the most recent user interaction, scanning from
// the end. It returns nil when there is none.
func LastUserMessage(items []Interaction) *Interaction {
	for i := len(items) - 1; i >= 0; i-- {
		if items[i].Role == RoleUser {
			return &items[i]
		}
	}
	return nil
}

// FindToolCall returns the most recent assistant tool call with the given id.
func FindToolCall(items []Interaction, callID string) (ToolCall, bool) {
	for i := len(items) - 1; i >= 0; i-- {
		if items[i].Role != RoleAssistant {
			continue
		}
		for _, tc := range items[i].ToolCalls {
			if tc.ID == callID {
				return tc, true
			}
		}
	}
	return ToolCall{}, false
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"
