package ledger

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/dativo-io/warden/internal/cryptoutil"
)

// Signer creates and verifies HMAC-SHA256 signatures over the immutable
// fields of an interaction.
type Signer struct {
	key []byte
}

// NewSigner accepts a key of at least 32 raw bytes, or 64+ hex characters
// decoding to at least 32 bytes.
func NewSigner(key string) (*Signer, error) {
	b, err := cryptoutil.SigningKeyBytes(key)
	if err != nil {
		return nil, err
	}
	return &Signer{key: b}, nil
}

// Sign returns "hmac-sha256:<hex>" for data.
func (s *Signer) Sign(data []byte) string {
	h := hmac.New(sha256.New, s.key)
	h.Write(data)
	return "hmac-sha256:" + hex.EncodeToString(h.Sum(nil))
}

// Verify checks signature against data in constant time.
func (s *Signer) Verify(data []byte, signature string) bool {
	return hmac.Equal([]byte(s.Sign(data)), []byte(signature))
}

// signedFields is the canonical payload covered by an interaction's
// signature. The block outcome is excluded since Resolve may write it after
// append.
type signedFields struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Seq            int64           `json:"seq"`
	Role           Role            `json:"role"`
	Provider       string          `json:"provider"`
	RoutingID      string          `json:"routing_id"`
	Text           string          `json:"text"`
	Content        json.RawMessage `json:"content,omitempty"`
	ToolCallID     string          `json:"tool_call_id"`
	ToolName       string          `json:"tool_name"`
	ToolCalls      []ToolCall      `json:"tool_calls,omitempty"`
	Tainted        bool            `json:"tainted"`
	TaintReason    string          `json:"taint_reason"`
	Trusted        *bool           `json:"trusted"`
	CreatedAt      string          `json:"created_at"`
}

func signingPayload(in *Interaction) ([]byte, error) {
	b, err := json.Marshal(signedFields{
		ID:             in.ID,
		ConversationID: in.ConversationID,
		Seq:            in.Seq,
		Role:           in.Role,
		Provider:       in.Provider,
		RoutingID:      in.RoutingID,
		Text:           in.Text,
		Content:        in.Content,
		ToolCallID:     in.ToolCallID,
		ToolName:       in.ToolName,
		ToolCalls:      in.ToolCalls,
		Tainted:        in.Tainted,
		TaintReason:    in.TaintReason,
		Trusted:        in.Trusted,
		CreatedAt:      in.CreatedAt.UTC().Format(timeLayout),
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling signing payload: %w", err)
	}
	return b, nil
}
