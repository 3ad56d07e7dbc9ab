// Package store provides the durable key-value stores behind the local cache.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite database that holds the device's cache blobs,
// including the device private key.
type DB struct {
	*sql.DB
}

// Open opens the cache database in WAL mode. The file is created owner-only.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping cache db: %w", err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("restrict cache db: %w", err)
	}
	// A single connection keeps snapshot writes strictly ordered.
	db.SetMaxOpenConns(1)
	return &DB{db}, nil
}
