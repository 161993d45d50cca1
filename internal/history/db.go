package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// Open opens (creating as needed) the history database and applies the
// schema. Pragmas ride on the DSN rather than a post-open Exec so every
// connection in the database/sql pool gets them, not just the one that
// happened to serve the Exec; busy_timeout in particular must hold on all
// connections or concurrent appends surface as SQLITE_BUSY.
func Open(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open db %s: %w", path, err)
	}

	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// Migrate applies the interactions/runs/project_stats schema. Statements
// are idempotent, so re-running on an existing database is a no-op.
func Migrate(db *sql.DB) error {
	for i, raw := range strings.Split(schemaSQL, ";") {
		stmt := strings.TrimSpace(raw)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate statement %d (%.40s...): %w", i+1, stmt, err)
		}
	}
	return nil
}
