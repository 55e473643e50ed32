// Package cryptoutil parses key material supplied by operators.
package cryptoutil

import (
	"encoding/hex"
	"fmt"
)

// MinKeyBytes is the minimum HMAC-SHA256 key length.
const MinKeyBytes = 32

// IsHexString reports whether s consists entirely of hexadecimal characters.
// It returns true for an empty string.
func IsHexString(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

// SigningKeyBytes decodes a signing key. Keys of 64 or more hex characters
// are decoded; anything else is used as raw bytes. The result must be at
// least MinKeyBytes long.
func SigningKeyBytes(key string) ([]byte, error) {
	if len(key) >= 2*MinKeyBytes && len(key)%2 == 0 && IsHexString(key) {
		decoded, err := hex.DecodeString(key)
		if err != nil {
			return nil, fmt.Errorf("decoding hex signing key: %w", err)
		}
		return decoded, nil
	}
	if len(key) < MinKeyBytes {
		return nil, fmt.Errorf("signing key must be at least %d bytes or %d+ hex characters (got %d)", MinKeyBytes, 2*MinKeyBytes, len(key))
	}
	return []byte(key), nil
}
