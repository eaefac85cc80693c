// Package store is the persistent store (C1): durable state for hosts,
// agents, registration tokens, alert rules/alerts/runtime, container
// updates, deployments, notification channels, users/groups/api keys, and
// the audit log. Grounded on stats-service's choice of modernc.org/sqlite
// (the only SQL driver in the pack, pure Go, no cgo). Every read goes to
// SQL; the package keeps no in-memory caches.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// Store wraps a SQLite connection. All methods are safe for concurrent use;
// database/sql's own connection pool serializes writes the way a single
// SQLite file requires.
type Store struct {
	db      *sql.DB
	log     *logrus.Logger
	crypter channelCrypter
}

// Open opens (creating if necessary) the SQLite database at path and
// applies any pending schema migrations.
func Open(path string, log *logrus.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: opening database: %w", err)
	}
	db.SetMaxOpenConns(1) // matches SQLite's single-writer model; avoids "database is locked"

	s := &Store{db: db, log: log}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrations are named, versioned, additive-only SQL blocks, expressed as
// plain strings rather than a Go migration library (the pack has none in
// its dependency tree) - each named the way the Python original's alembic
// revisions are named, by purpose rather than by number alone.
type migration struct {
	version int
	name    string
	sql     string
}

var migrations = []migration{
	{1, "initial_schema", schemaV1},
	{2, "container_settings", schemaV2},
	{3, "registry_credentials", schemaV3},
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY, name TEXT NOT NULL, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("store: creating schema_version table: %w", err)
	}

	applied := map[int]bool{}
	rows, err := s.db.Query(`SELECT version FROM schema_version`)
	if err != nil {
		return fmt.Errorf("store: reading schema_version: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		applied[v] = true
	}
	rows.Close()

	sort.Slice(migrations, func(i, j int) bool { return migrations[i].version < migrations[j].version })
	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("store: beginning migration %s: %w", m.name, err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: applying migration %s: %w", m.name, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_version (version, name, applied_at) VALUES (?, ?, ?)`,
			m.version, m.name, time.Now().UTC().Format(time.RFC3339)); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: recording migration %s: %w", m.name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("store: committing migration %s: %w", m.name, err)
		}
		if s.log != nil {
			s.log.WithField("migration", m.name).Info("store: applied migration")
		}
	}
	return nil
}

// execCtx is a short-transaction helper: spec.md §5 requires "writes go
// through a session with short transactions (no cross-component
// transactions)" - every write method below opens, does one statement (or
// a small related group), and closes, rather than holding a long-lived
// session across components.
func (s *Store) execCtx(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

const defaultTimeout = 5 * time.Second

func (s *Store) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), defaultTimeout)
}

var errNotFound = fmt.Errorf("store: not found")

// ErrNotFound is returned by single-row lookups that find nothing,
// translated by the HTTP layer into NotFoundError per spec.md §7.
func ErrNotFound() error { return errNotFound }
