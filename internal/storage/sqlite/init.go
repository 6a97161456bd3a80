package sqlite

import (
	"database/sql"
	"fmt"
	"strings"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS batches (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	title       TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	visibility  INTEGER NOT NULL DEFAULT 0,
	status      INTEGER NOT NULL DEFAULT 190,
	started     INTEGER NOT NULL DEFAULT 0,
	deleted     INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS downloads (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	batch_id          INTEGER NOT NULL REFERENCES batches(id) ON DELETE CASCADE,
	uri               TEXT NOT NULL,
	destination       TEXT NOT NULL DEFAULT '',
	destination_class TEXT NOT NULL DEFAULT 'downloads',
	filename          TEXT NOT NULL DEFAULT '',
	mime_type         TEXT NOT NULL DEFAULT '',
	etag              TEXT NOT NULL DEFAULT '',
	no_integrity      INTEGER NOT NULL DEFAULT 0,
	always_resume     INTEGER NOT NULL DEFAULT 0,
	total_bytes       INTEGER NOT NULL DEFAULT -1,
	current_bytes     INTEGER NOT NULL DEFAULT 0,
	status            INTEGER NOT NULL DEFAULT 190,
	failure_count     INTEGER NOT NULL DEFAULT 0,
	last_modified     INTEGER NOT NULL DEFAULT 0,
	retry_after_ms    INTEGER NOT NULL DEFAULT 0,
	control           INTEGER NOT NULL DEFAULT 0,
	deleted           INTEGER NOT NULL DEFAULT 0,
	headers           TEXT NOT NULL DEFAULT '[]',
	allow_roaming     INTEGER NOT NULL DEFAULT 0,
	allow_metered     INTEGER NOT NULL DEFAULT 1,
	bypass_size_limit INTEGER NOT NULL DEFAULT 0,
	error_message     TEXT NOT NULL DEFAULT '',
	scan_state        INTEGER NOT NULL DEFAULT 0,
	locked_by         TEXT NOT NULL DEFAULT '',
	created_at        INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS downloads_batch_id ON downloads(batch_id);
`

// InitDB opens the SQLite database at path and creates the batches and
// downloads tables if they don't exist. Use ":memory:" for a private
// in-memory database.
func InitDB(path string) (*sql.DB, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_foreign_keys=on&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection serializes writers and keeps ":memory:" databases
	// alive for the lifetime of the pool.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return db, nil
}
