package testutil

import (
	"path/filepath"
	"testing"

	"github.com/dativo-io/warden/internal/ledger"
)

// NewTestLedger creates a ledger store in a temp dir and registers
// t.Cleanup to close it. Uses TestSigningKey.
func NewTestLedger(t *testing.T) *ledger.Store {
	t.Helper()
	store, err := ledger.NewStore(filepath.Join(t.TempDir(), "ledger.db"), TestSigningKey)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}
