package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	busyTimeout = 5 * time.Second

	// WAL allows many readers beside the single writer; four read
	// connections covers the store's query fan-out comfortably.
	readerConns = 4
)

// OpenSQLite opens the write side: one connection, WAL journal, foreign keys
// on, NORMAL synchronous. Creates the file and its parent directory when
// absent.
func OpenSQLite(dbPath string) (*sql.DB, error) {
	path := absSQLitePath(dbPath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("prepare database directory: %w", err)
	}
	if err := touchSQLiteFile(path); err != nil {
		return nil, fmt.Errorf("create database file: %w", err)
	}

	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_cache=shared",
		path, int(busyTimeout/time.Millisecond),
	)
	handle, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite writer: %w", err)
	}

	// Pin to one connection: writes serialize instead of hitting
	// SQLITE_BUSY under contention.
	handle.SetMaxOpenConns(1)
	handle.SetMaxIdleConns(1)
	return handle, nil
}

// OpenSQLiteReader opens the read side: a small read-only pool. Journal mode
// and synchronous level are database properties set by the writer.
func OpenSQLiteReader(dbPath string) (*sql.DB, error) {
	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=ro&_busy_timeout=%d&_cache=shared",
		absSQLitePath(dbPath), int(busyTimeout/time.Millisecond),
	)
	handle, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite reader: %w", err)
	}

	handle.SetMaxOpenConns(readerConns)
	handle.SetMaxIdleConns(readerConns)
	return handle, nil
}

func touchSQLiteFile(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

func absSQLitePath(path string) string {
	if path == "" {
		return path
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}
