// Package sqlite implements the repository interfaces using SQLite as the storage backend.
//
// WHY SQLITE?
// The history is an append-mostly audit log written by a single process.
// SQLite keeps it in one file next to the service, with no database server to
// run. Use ":memory:" in tests.
//
// WHY modernc.org/sqlite?
// It is a pure Go translation of SQLite, so the binary builds without CGo and
// cross-compiles like any other Go program.
//
// WHAT IS STORED:
// One row per execution: id, language, outcome, exit code, duration, output
// size and the truncation flag. Source code and program output are never
// written to disk.
//
// The pattern is always:
//  1. sql.Open(driverName, dataSourceName) creates a pool
//  2. db.QueryContext / db.ExecContext runs queries
//  3. rows.Scan(&field1, &field2) reads results into Go variables
package sqlite

import (
	"database/sql"
	"fmt"

	// registers the "sqlite" driver with database/sql
	_ "modernc.org/sqlite"
)

// DB wraps a SQLite connection pool.
type DB struct {
	conn *sql.DB
}

// New opens (or creates) the database at dbPath and migrates it. ":memory:"
// gives a private in-memory database.
func New(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}
	if dbPath == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		conn.SetMaxOpenConns(1)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: pinging database: %w", err)
	}

	// WAL lets history reads proceed while executions are being recorded.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: setting WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: setting busy timeout: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: running migrations: %w", err)
	}
	return db, nil
}

// Close closes the underlying connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS executions (
			id           TEXT PRIMARY KEY,
			language     TEXT NOT NULL,
			outcome      TEXT NOT NULL,
			exit_code    INTEGER NOT NULL DEFAULT 0,
			duration_ms  INTEGER NOT NULL DEFAULT 0,
			output_bytes INTEGER NOT NULL DEFAULT 0,
			truncated    BOOLEAN NOT NULL DEFAULT FALSE,
			created_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_executions_created_at ON executions(created_at);
		CREATE INDEX IF NOT EXISTS idx_executions_language ON executions(language);
	`)
	if err != nil {
		return fmt.Errorf("creating executions table: %w", err)
	}
	return nil
}
