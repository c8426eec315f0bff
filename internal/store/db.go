// Package store persists the rotation cursors and token usage records in a
// local sqlite database.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS model_rotation (
	api_key TEXT NOT NULL,
	gateway_model TEXT NOT NULL,
	last_model_index INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (api_key, gateway_model)
);
CREATE TABLE IF NOT EXISTS tokens_usage (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	reasoning_tokens INTEGER NOT NULL DEFAULT 0,
	cached_tokens INTEGER NOT NULL DEFAULT 0,
	cost REAL NOT NULL DEFAULT 0,
	model TEXT NOT NULL,
	provider TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tokens_usage_timestamp ON tokens_usage (timestamp);
`

// DB wraps the sqlite handle shared by the rotation and usage stores.
type DB struct {
	sql *sql.DB
}

// Open opens (creating if necessary) the database at path and ensures the
// schema exists.
func Open(ctx context.Context, path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create database directory: %w", err)
		}
	}
	handle, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	// modernc sqlite serializes writers; a single connection avoids
	// SQLITE_BUSY churn under concurrent rotation updates.
	handle.SetMaxOpenConns(1)
	if _, err = handle.ExecContext(ctx, schema); err != nil {
		_ = handle.Close()
		return nil, fmt.Errorf("store: ensure schema: %w", err)
	}
	return &DB{sql: handle}, nil
}

// Close releases the underlying handle.
func (d *DB) Close() error {
	if d == nil || d.sql == nil {
		return nil
	}
	return d.sql.Close()
}
