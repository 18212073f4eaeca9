// Package store provides the transactional substrate every other component
// writes through: a database/sql wrapper with dialect awareness, scoped
// transactions, and advisory locks.
//
// Two dialects are supported, Postgres (lib/pq) for production and SQLite
// (modernc.org/sqlite) for embedded and test use. SQL throughout the module
// is written with $N placeholders, which both drivers accept.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Dialect identifies the backing database engine.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// Store wraps a *sql.DB with dialect-specific behavior.
type Store struct {
	db      *sql.DB
	dialect Dialect

	// Process-local advisory locks for the SQLite dialect, which is
	// single-process by construction.
	mu    sync.Mutex
	local map[lockKey]struct{}
}

type lockKey struct {
	namespace int
	key       string
}

// Open connects using the URL scheme to pick the driver: postgres:// URLs
// use lib/pq, anything else is treated as a SQLite DSN.
func Open(databaseURL string) (*Store, error) {
	var (
		driver  string
		dialect Dialect
	)
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		driver, dialect = "postgres", DialectPostgres
	} else {
		driver, dialect = "sqlite", DialectSQLite
	}

	db, err := sql.Open(driver, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// Connection-local state (temp tables, in-memory DBs) requires a
		// single connection for SQLite.
		db.SetMaxOpenConns(1)
	}
	return New(db, dialect), nil
}

// New wraps an existing database handle.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect, local: make(map[lockKey]struct{})}
}

// DB exposes the underlying handle for read-only query paths.
func (s *Store) DB() *sql.DB { return s.db }

// Dialect returns the active dialect.
func (s *Store) Dialect() Dialect { return s.dialect }

// Close closes the underlying handle.
func (s *Store) Close() error { return s.db.Close() }

// Tx is a transaction with scoped advisory-lock bookkeeping. Locks taken
// via TryAdvisoryLock are released when the transaction ends, on every
// exit path.
type Tx struct {
	*sql.Tx
	store *Store
	held  []lockKey
}

// WithTx runs fn inside a transaction. The transaction commits iff fn
// returns nil; otherwise it rolls back and the error is returned.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	raw, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	tx := &Tx{Tx: raw, store: s}
	defer tx.releaseLocks()

	if err := fn(tx); err != nil {
		_ = raw.Rollback()
		return err
	}
	if err := raw.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// TryAdvisoryLock attempts a (namespace, key) advisory lock bound to this
// transaction. Returns false without blocking when another holder has it.
// On Postgres this is pg_try_advisory_xact_lock over hashtext(key); on
// SQLite it is a process-local lock set.
func (t *Tx) TryAdvisoryLock(ctx context.Context, namespace int, key string) (bool, error) {
	if t.store.dialect == DialectPostgres {
		var locked bool
		err := t.QueryRowContext(ctx,
			`SELECT pg_try_advisory_xact_lock($1::int, hashtext($2))`,
			namespace, key,
		).Scan(&locked)
		if err != nil {
			return false, fmt.Errorf("store: advisory lock: %w", err)
		}
		return locked, nil
	}

	lk := lockKey{namespace: namespace, key: key}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if _, held := t.store.local[lk]; held {
		return false, nil
	}
	t.store.local[lk] = struct{}{}
	t.held = append(t.held, lk)
	return true, nil
}

// releaseLocks drops process-local locks when the transaction ends.
// Postgres xact locks release server-side on commit/rollback.
func (t *Tx) releaseLocks() {
	if len(t.held) == 0 {
		return
	}
	t.store.mu.Lock()
	for _, lk := range t.held {
		delete(t.store.local, lk)
	}
	t.store.mu.Unlock()
	t.held = nil
}

// SetStatementTimeout applies a per-statement timeout for the rest of the
// transaction. Health and read-only paths use this so a slow query cannot
// stall the caller past its deadline. No-op on SQLite.
func (t *Tx) SetStatementTimeout(ctx context.Context, d time.Duration) error {
	if t.store.dialect != DialectPostgres {
		return nil
	}
	_, err := t.ExecContext(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", d.Milliseconds()))
	if err != nil {
		return fmt.Errorf("store: statement timeout: %w", err)
	}
	return nil
}

// Querier is the subset of database/sql shared by *sql.DB, *sql.Tx and
// *Tx. Components accept it so reads work inside and outside transactions.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
