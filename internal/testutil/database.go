package testutil

import (
	"testing"

	"sphub/internal/history"
)

// NewTestDatabase creates an in-memory history store with migrations
// applied. It is closed when the test completes.
func NewTestDatabase(t *testing.T) *history.Store {
	t.Helper()

	db, err := history.Open(":memory:", nil, FixedClock())
	if err != nil {
		t.Fatalf("failed to open history database: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return db
}
