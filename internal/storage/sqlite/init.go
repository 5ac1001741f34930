package sqlite

import (
	"database/sql"
	"fmt"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS items (
	id                 TEXT PRIMARY KEY,
	source_url         TEXT NOT NULL,
	expected_byte_size INTEGER NOT NULL DEFAULT 0,
	local              INTEGER NOT NULL DEFAULT 0,
	file_path          TEXT NOT NULL DEFAULT '',
	updated_at         DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS transfer_states (
	item_id             TEXT PRIMARY KEY,
	phase               TEXT NOT NULL DEFAULT 'queued',
	total_bytes_written INTEGER NOT NULL DEFAULT 0,
	expected_byte_size  INTEGER NOT NULL DEFAULT 0,
	error_message       TEXT NOT NULL DEFAULT '',
	updated_at          DATETIME NOT NULL
);
`

// InitDB opens the SQLite database at path and creates the tables if they don't exist.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// All writes are funneled through one connection; SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return db, nil
}
