// Package testutil holds shared test fixtures: a throwaway migrated
// database and an in-process HTTP client.
package testutil

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/assessd/crewrelay/internal/history"
)

// OpenTestDB opens a migrated sqlite database under a per-test temp
// directory. It is closed automatically when the test finishes.
func OpenTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := history.Open(filepath.Join(t.TempDir(), "crewrelay-test.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}
