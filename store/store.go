// Package store implements the State Store (spec §4.6, C6): durable,
// transactionally-safe CRUD and query access over profiles, toolchains,
// builds, artifacts, and flashes, backed by an embedded WAL-mode sqlite
// database with versioned migrations.
//
// The bootstrap shape (MkdirAll the app root, sql.Open a file under it,
// enable WAL, apply schema) follows NewBoxer in the teacher repo; the schema
// itself is applied through golang-migrate instead of a single embedded
// schema.sql, since this store has more than one evolving table and needs
// real up/down migrations rather than idempotent CREATE-IF-NOT-EXISTS.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps a single sqlite database satisfying the Store interfaces
// declared independently by toolchain, buildengine, and flashengine.
type Store struct {
	db *sql.DB
}

// Open creates (if needed) and migrates the database file at dbPath, after
// ensuring its parent directory exists.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating state store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening state store: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	// A single writer connection serializes the state-transition writes spec
	// §4.6 requires to observe no torn status during terminal transitions;
	// modernc.org/sqlite's own locking otherwise allows interleaved writers
	// that could race the read-then-update pattern used throughout this
	// package.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// withTx runs fn inside a transaction, committing on nil error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
