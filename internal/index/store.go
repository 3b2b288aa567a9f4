// Package index implements the Index Store of spec.md §4.3: the durable,
// crash-safe store of items, per-item state, the op queue, the sync cursor,
// and conflicts, backed by an embedded SQLite database.
package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite" // pure-Go SQLite driver, registers as "sqlite"
)

// walJournalSizeLimit caps the WAL file at 64 MiB before a checkpoint.
const walJournalSizeLimit = 67108864

// Error wraps any storage fault from the Index Store, per spec.md §4.3
// ("all fail with IndexError on storage faults").
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("index: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}

	return &Error{Op: op, Err: err}
}

// ErrNotFound is returned by lookups that found no matching row.
var ErrNotFound = errors.New("index: not found")

// Store is the Index Store. Safe for concurrent use: SQLite in WAL mode
// serializes writers, so callers need no additional in-process locking for
// index data (spec.md §5).
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if necessary) the SQLite database at dbPath, enables
// WAL mode, and applies all pending migrations. Use ":memory:" for tests.
func Open(ctx context.Context, dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, wrapErr("open", err)
	}

	// SQLite has no real connection pool; a single writer connection avoids
	// "database is locked" errors under WAL.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit),
	}

	for _, p := range pragmas {
		if _, execErr := db.ExecContext(ctx, p); execErr != nil {
			db.Close()
			return nil, wrapErr("pragma", execErr)
		}
	}

	if migErr := runMigrations(ctx, db, logger); migErr != nil {
		db.Close()
		return nil, migErr
	}

	return &Store{db: db, logger: logger}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
