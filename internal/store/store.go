package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Current: catalog, meta, mutation audit, latest_state
const currentSchemaVersion = 1

// DefaultPartitionWindowAhead is how many future monthly partitions are
// kept pre-created so appends never block on partition creation.
const DefaultPartitionWindowAhead = 3

// DefaultHotWindow is the transaction-time span covered by the hot
// covering index. Partitions older than this carry only the base indexes.
const DefaultHotWindow = 90 * 24 * time.Hour

// Store provides durable, append-only storage for provenance records.
// Safe for concurrent use by multiple goroutines; appends serialize on an
// internal critical section, reads do not block each other.
type Store struct {
	db    *sql.DB
	clock Clock

	// appendMu is the single critical section per append: transaction
	// time and seq are assigned and the row inserted while held, so a
	// record is never durable-but-unordered.
	appendMu sync.Mutex
	seq      atomic.Int64

	windowAhead int
	hotWindow   time.Duration

	partMu sync.RWMutex
	parts  []PartitionInfo // ascending by start

	mutationAttempts atomic.Int64
	health           atomic.Pointer[PartitionHealth]
}

// Option configures a Store at open time.
type Option func(*Store)

// WithClock injects the transaction-time clock. Tests use FixedClock for
// deterministic transaction times.
func WithClock(c Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithPartitionWindow sets how many future monthly partitions are
// pre-created ahead of the current transaction time.
func WithPartitionWindow(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.windowAhead = n
		}
	}
}

// WithHotWindow sets the transaction-time span covered by the hot
// covering index.
func WithHotWindow(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.hotWindow = d
		}
	}
}

// Open creates or opens the ledger database at the given path.
// Applies required pragmas, the base schema and migrations, loads the
// partition catalog and pre-creates the rolling partition window.
//
// This function is idempotent - safe to call multiple times.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect database: %w", err)
	}

	// SQLite supports one writer at a time; a single connection avoids
	// SQLITE_BUSY on the append path.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s := &Store{
		db:          db,
		clock:       NewMonotonicClock(),
		windowAhead: DefaultPartitionWindowAhead,
		hotWindow:   DefaultHotWindow,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.loadPartitions(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("load partitions: %w", err)
	}
	if err := s.ExtendWindow(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("create partition window: %w", err)
	}
	if err := s.loadSeq(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("restore seq: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Clock returns the store's transaction-time clock.
func (s *Store) Clock() Clock {
	return s.clock
}

// Query executes a read query against the underlying database.
// Convenience for the index and projection packages; callers are
// responsible for closing the returned rows.
func (s *Store) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

// QueryRow executes a single-row read query.
func (s *Store) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, query, args...)
}

// Exec runs a statement against the underlying database. Reserved for
// derived state (latest_state, ledger_meta); record partitions refuse
// mutation at the schema level regardless.
func (s *Store) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates base tables if they don't exist and runs
// migrations. Idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	// No incremental migrations yet; version 1 is established by the
	// embedded schema.
	if version < currentSchemaVersion {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
	}

	return nil
}

// loadSeq restores the seq counter from the highest stored seq.
func (s *Store) loadSeq(ctx context.Context) error {
	var max int64
	for _, p := range s.Partitions() {
		var partMax sql.NullInt64
		err := s.db.QueryRowContext(ctx,
			fmt.Sprintf("SELECT MAX(seq) FROM %s", p.Name),
		).Scan(&partMax)
		if err != nil {
			return fmt.Errorf("max seq in %s: %w", p.Name, err)
		}
		if partMax.Valid && partMax.Int64 > max {
			max = partMax.Int64
		}
	}
	s.seq.Store(max)
	return nil
}
