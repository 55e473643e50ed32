package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

// ConversationHeader lets clients name the conversation a request belongs to.
const ConversationHeader = "X-Conversation-ID"

// maxConversationIDLen bounds client-supplied conversation ids.
const maxConversationIDLen = 128

// ConversationID returns the client-supplied conversation id, or derives one
// from the routing id and the first user message so that every request of a
// conversation maps to the same id.
func ConversationID(r *http.Request, routingID string, env *Envelope) (string, error) {
	if id := strings.TrimSpace(r.Header.Get(ConversationHeader)); id != "" {
		if len(id) > maxConversationIDLen {
			return "", invalid(nil, "%s exceeds %d characters", ConversationHeader, maxConversationIDLen)
		}
		return id, nil
	}
	h := sha256.New()
	h.Write([]byte(env.Provider))
	h.Write([]byte{0})
	h.Write([]byte(routingID))
	h.Write([]byte{0})
	h.Write([]byte(env.FirstUserText()))
	return "conv_" + hex.EncodeToString(h.Sum(nil))[:24], nil
}
