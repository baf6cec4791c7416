package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// dsnOptions enables WAL, waits on locks instead of failing with SQLITE_BUSY
// and starts write transactions with BEGIN IMMEDIATE.
const dsnOptions = "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_synchronous=NORMAL&_txlock=immediate"

// DB wraps the daemon's mxd.db. The sender, the sync engine and the audit
// recorder all write through it concurrently.
type DB struct {
	*sql.DB
	path string
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+dsnOptions)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db %s: %w", path, err)
	}
	return &DB{DB: db, path: path}, nil
}

// Path returns the file the database was opened from.
func (db *DB) Path() string {
	return db.path
}
