package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite database of one peer.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates the SQLite database in the given directory.
func Open(configDir string) (*DB, error) {
	dbPath := filepath.Join(configDir, "data.db")

	// Ensure directory exists
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable foreign keys and WAL mode for better concurrency
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	// Call-session history is append-only: rows are inserted on call start
	// and mutated only through guarded status transitions, never deleted.
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS call_sessions (
			id          TEXT PRIMARY KEY,
			caller_id   TEXT NOT NULL,
			receiver_id TEXT NOT NULL,
			call_type   TEXT NOT NULL,
			status      TEXT NOT NULL,
			version     INTEGER NOT NULL DEFAULT 1,
			started_at  DATETIME,
			ended_at    DATETIME,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
			CHECK (caller_id <> receiver_id)
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create call_sessions table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_call_sessions_participants
		ON call_sessions (caller_id, receiver_id, created_at);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("index call_sessions: %w", err)
	}

	return &DB{db: db, path: dbPath}, nil
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path
func (d *DB) Path() string {
	return d.path
}
