// Package store persists jobs and runs to a single-file SQLite database.
// It is the only component that touches the file. Writers are serialised
// by a store-level mutex and every mutation runs in a transaction; readers
// proceed in parallel and observe either the pre- or post-state of any
// writer.
package store

import (
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the persistent catalog of jobs and their run history.
type Store struct {
	db *sqlx.DB

	// Serialises multi-statement writers. SQLite allows a single writer
	// anyway; taking the lock in-process avoids busy retries.
	mu sync.Mutex
}

// Open opens (or creates) the database at path and applies pending schema
// migrations. WAL mode keeps readers unblocked and commits durable.
func Open(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	slog.Info("store opened", "path", path)
	return &Store{db: db}, nil
}

func runMigrations(db *sqlx.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	driver, err := migratesqlite.WithInstance(db.DB, &migratesqlite.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database file is still reachable.
func (s *Store) Ping() error {
	return s.db.Ping()
}
