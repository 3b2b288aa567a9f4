package index

import (
	"context"
	"database/sql"
	"errors"
)

// EnqueueOp inserts a new operation, or folds it into an existing queued
// operation for the same (kind, path) per spec.md §4.5.2: the lower attempt
// count, higher priority, latest payload and retry_at all win, so a fresh
// local edit reuses the in-flight row instead of racing it.
func (s *Store) EnqueueOp(ctx context.Context, kind OpKind, path, payload string, priority int32, retryAt *int64) (Operation, error) {
	const q = `
INSERT INTO ops_queue (kind, path, payload, attempt, retry_at, priority, inserted_at)
VALUES (?, ?, ?, 0, ?, ?, strftime('%s','now'))
ON CONFLICT (kind, path) DO UPDATE SET
    payload  = excluded.payload,
    retry_at = excluded.retry_at,
    priority = MAX(ops_queue.priority, excluded.priority),
    attempt  = MIN(ops_queue.attempt, excluded.attempt)
`

	if _, err := s.db.ExecContext(ctx, q, kind, path, payload, retryAt, priority); err != nil {
		return Operation{}, wrapErr("enqueue_op", err)
	}

	const getQ = `
SELECT id, kind, path, payload, attempt, retry_at, priority
FROM ops_queue WHERE kind = ? AND path = ?
`

	row := s.db.QueryRowContext(ctx, getQ, kind, path)

	op, err := scanOperation(row)
	if err != nil {
		return Operation{}, wrapErr("enqueue_op", err)
	}

	return op, nil
}

// DequeueOp atomically removes and returns the highest-priority ready
// operation (retry_at is NULL or due), ordered priority DESC, id ASC so
// older same-priority work is processed first (spec.md §4.5.2). Returns
// ErrNotFound if no operation is ready.
func (s *Store) DequeueOp(ctx context.Context, now int64) (Operation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Operation{}, wrapErr("dequeue_op", err)
	}
	defer tx.Rollback()

	const selectQ = `
SELECT id, kind, path, payload, attempt, retry_at, priority
FROM ops_queue
WHERE retry_at IS NULL OR retry_at <= ?
ORDER BY priority DESC, id ASC
LIMIT 1
`

	row := tx.QueryRowContext(ctx, selectQ, now)

	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Operation{}, ErrNotFound
	} else if err != nil {
		return Operation{}, wrapErr("dequeue_op", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM ops_queue WHERE id = ?`, op.ID); err != nil {
		return Operation{}, wrapErr("dequeue_op", err)
	}

	if err := tx.Commit(); err != nil {
		return Operation{}, wrapErr("dequeue_op", err)
	}

	return op, nil
}

// HasReadyOp reports whether any queued operation is ready to run at now,
// letting the worker loop sleep instead of polling the full dequeue path.
func (s *Store) HasReadyOp(ctx context.Context, now int64) (bool, error) {
	const q = `SELECT EXISTS(SELECT 1 FROM ops_queue WHERE retry_at IS NULL OR retry_at <= ?)`

	var exists bool
	if err := s.db.QueryRowContext(ctx, q, now).Scan(&exists); err != nil {
		return false, wrapErr("has_ready_op", err)
	}

	return exists, nil
}

// RequeueOp re-inserts op with an incremented attempt and the given
// retryAt, and moves the owning item's state to Error and marks it dirty,
// per the Transient/RateLimit retry paths of spec.md §4.5.3.
func (s *Store) RequeueOp(ctx context.Context, op Operation, retryAt int64, lastError string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("requeue_op", err)
	}
	defer tx.Rollback()

	const insertQ = `
INSERT INTO ops_queue (kind, path, payload, attempt, retry_at, priority, inserted_at)
VALUES (?, ?, ?, ?, ?, ?, strftime('%s','now'))
ON CONFLICT (kind, path) DO UPDATE SET
    attempt  = excluded.attempt,
    retry_at = excluded.retry_at,
    payload  = excluded.payload
`

	if _, err := tx.ExecContext(ctx, insertQ, op.Kind, op.Path, op.Payload, op.Attempt+1, retryAt, op.Priority); err != nil {
		return wrapErr("requeue_op", err)
	}

	var itemID int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM items WHERE path = ?`, op.Path).Scan(&itemID)
	if errors.Is(err, sql.ErrNoRows) {
		return tx.Commit()
	} else if err != nil {
		return wrapErr("requeue_op", err)
	}

	const stateQ = `
INSERT INTO states (item_id, state, pinned, last_error, retry_at, last_error_at, dirty)
VALUES (?, 'error', 0, ?, ?, ?, 1)
ON CONFLICT (item_id) DO UPDATE SET
    state      = 'error',
    last_error = excluded.last_error,
    retry_at   = excluded.retry_at,
    last_error_at = excluded.last_error_at,
    dirty      = 1
`

	if _, err := tx.ExecContext(ctx, stateQ, itemID, lastError, retryAt, retryAt); err != nil {
		return wrapErr("requeue_op", err)
	}

	return wrapErr("requeue_op", tx.Commit())
}

// DeleteOpsForPath removes any queued operation for path, used when a
// terminal local delete or move supersedes in-flight work (spec.md §4.5.2).
func (s *Store) DeleteOpsForPath(ctx context.Context, path string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM ops_queue WHERE path = ?`, path); err != nil {
		return wrapErr("delete_ops_for_path", err)
	}

	return nil
}

func scanOperation(row rowScanner) (Operation, error) {
	var op Operation
	if err := row.Scan(&op.ID, &op.Kind, &op.Path, &op.Payload, &op.Attempt, &op.RetryAt, &op.Priority); err != nil {
		return Operation{}, err
	}

	return op, nil
}
