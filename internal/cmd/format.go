package cmd

import (
	"encoding/json"
	"io"

	"github.com/dativo-io/warden/internal/ledger"
)

// trustLabel summarizes a tool result's trust and block state.
func trustLabel(in *ledger.Interaction) string {
	switch {
	case in.IsBlocked():
		return "blocked"
	case in.Tainted && !in.Resolved():
		return "untrusted-pending"
	case in.Tainted:
		return "untrusted-allowed"
	default:
		return "trusted"
	}
}

func displayTool(name string) string {
	if name == "" {
		return "<unknown>"
	}
	return name
}

func renderInteractionsJSON(w io.Writer, items []ledger.Interaction) error {
	enc := json.NewEncoder(w)
	for i := range items {
		if err := enc.Encode(&items[i]); err != nil {
			return err
		}
	}
	return nil
}
