package testutil

import (
	"testing"

	"github.com/rowjay/snapshot-bridge/internal/store"
)

// NewTestStore opens an in-memory SQLite store with migrations applied.
// It is closed when the test completes.
func NewTestStore(t *testing.T) *store.SQLite {
	t.Helper()

	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return db
}
