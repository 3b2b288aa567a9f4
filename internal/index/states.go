package index

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/mtanaka/disksync/internal/pathns"
)

// SetState sets the bare state value for itemID, creating the state row if
// none exists yet (new items default to unpinned).
func (s *Store) SetState(ctx context.Context, itemID int64, value StateValue) error {
	const q = `
INSERT INTO states (item_id, state, pinned, last_error)
VALUES (?, ?, 0, '')
ON CONFLICT (item_id) DO UPDATE SET state = excluded.state
`

	if _, err := s.db.ExecContext(ctx, q, itemID, value); err != nil {
		return wrapErr("set_state", err)
	}

	return nil
}

// SetStateWithMeta sets the state value and any non-nil bookkeeping fields
// in meta in a single statement, per spec.md §4.5.4's combined transitions
// (e.g. Error entry sets state, last_error, last_error_at and retry_at
// together).
func (s *Store) SetStateWithMeta(ctx context.Context, itemID int64, value StateValue, meta StateMeta) error {
	if _, err := s.GetState(ctx, itemID); errors.Is(err, ErrNotFound) {
		if insertErr := s.SetState(ctx, itemID, value); insertErr != nil {
			return insertErr
		}
	} else if err != nil {
		return err
	}

	set := []string{"state = ?"}
	args := []any{value}

	if meta.RetryAt != nil {
		set = append(set, "retry_at = ?")
		args = append(args, *meta.RetryAt)
	}
	if meta.LastSuccessAt != nil {
		set = append(set, "last_success_at = ?")
		args = append(args, *meta.LastSuccessAt)
	}
	if meta.LastErrorAt != nil {
		set = append(set, "last_error_at = ?")
		args = append(args, *meta.LastErrorAt)
	}
	if meta.Dirty != nil {
		set = append(set, "dirty = ?")
		args = append(args, *meta.Dirty)
	}
	if meta.LastError != nil {
		set = append(set, "last_error = ?")
		args = append(args, *meta.LastError)
	}

	args = append(args, itemID)

	q := `UPDATE states SET ` + strings.Join(set, ", ") + ` WHERE item_id = ?`
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return wrapErr("set_state_with_meta", err)
	}

	return nil
}

// MarkSynced transitions itemID to state with retry_at cleared and dirty
// reset, stamping last_success_at = now, per the worker's success path
// (spec.md §4.5.2). If pinned is non-nil it also sets the pin flag (a
// user-initiated download pins; an internal refresh preserves the
// existing flag by passing nil).
func (s *Store) MarkSynced(ctx context.Context, itemID int64, state StateValue, now int64, pinned *bool) error {
	if _, err := s.GetState(ctx, itemID); errors.Is(err, ErrNotFound) {
		if insertErr := s.SetState(ctx, itemID, state); insertErr != nil {
			return insertErr
		}
	} else if err != nil {
		return err
	}

	set := []string{"state = ?", "retry_at = NULL", "last_success_at = ?", "dirty = 0"}
	args := []any{state, now}

	if pinned != nil {
		set = append(set, "pinned = ?")
		args = append(args, *pinned)
	}

	args = append(args, itemID)

	q := `UPDATE states SET ` + strings.Join(set, ", ") + ` WHERE item_id = ?`
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return wrapErr("mark_synced", err)
	}

	return nil
}

// SetPinned sets the pin flag for itemID.
func (s *Store) SetPinned(ctx context.Context, itemID int64, pinned bool) error {
	if _, err := s.GetState(ctx, itemID); errors.Is(err, ErrNotFound) {
		if insertErr := s.SetState(ctx, itemID, StateCloudOnly); insertErr != nil {
			return insertErr
		}
	}

	if _, err := s.db.ExecContext(ctx, `UPDATE states SET pinned = ? WHERE item_id = ?`, pinned, itemID); err != nil {
		return wrapErr("set_pinned", err)
	}

	return nil
}

// GetState returns the state row for itemID, or ErrNotFound if none exists.
func (s *Store) GetState(ctx context.Context, itemID int64) (State, error) {
	const q = `
SELECT item_id, state, pinned, last_error, retry_at, last_success_at, last_error_at, dirty
FROM states WHERE item_id = ?
`

	row := s.db.QueryRowContext(ctx, q, itemID)

	st, err := scanState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return State{}, ErrNotFound
	} else if err != nil {
		return State{}, wrapErr("get_state", err)
	}

	return st, nil
}

// ListStatesByPrefix returns the joined item+state rows for every item
// under prefix, used by state_for_path's directory aggregation (spec.md
// §4.5.4).
func (s *Store) ListStatesByPrefix(ctx context.Context, prefix string) ([]State, error) {
	variants, err := pathns.PrefixVariants(prefix)
	if err != nil {
		return nil, wrapErr("list_states_by_prefix", err)
	}

	clauses := make([]string, 0, len(variants))
	args := make([]any, 0, len(variants)*2)
	for _, v := range variants {
		clauses = append(clauses, "(i.path = ? OR i.path LIKE ?)")
		args = append(args, v, v+"/%")
	}

	q := `
SELECT s.item_id, s.state, s.pinned, s.last_error, s.retry_at, s.last_success_at, s.last_error_at, s.dirty
FROM states s JOIN items i ON i.id = s.item_id
WHERE ` + strings.Join(clauses, " OR ")

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrapErr("list_states_by_prefix", err)
	}
	defer rows.Close()

	var states []State
	for rows.Next() {
		st, scanErr := scanState(rows)
		if scanErr != nil {
			return nil, wrapErr("list_states_by_prefix", scanErr)
		}
		states = append(states, st)
	}

	return states, wrapErr("list_states_by_prefix", rows.Err())
}

// ListPathStatesWithPinByPrefix returns path, state and pin flag for every
// item under prefix without the full State row, used by the eviction loop
// to scan for unpinned cached candidates cheaply.
func (s *Store) ListPathStatesWithPinByPrefix(ctx context.Context, prefix string) ([]PathState, error) {
	variants, err := pathns.PrefixVariants(prefix)
	if err != nil {
		return nil, wrapErr("list_path_states_with_pin_by_prefix", err)
	}

	clauses := make([]string, 0, len(variants))
	args := make([]any, 0, len(variants)*2)
	for _, v := range variants {
		clauses = append(clauses, "(i.path = ? OR i.path LIKE ?)")
		args = append(args, v, v+"/%")
	}

	q := `
SELECT i.path, s.state, s.pinned
FROM states s JOIN items i ON i.id = s.item_id
WHERE ` + strings.Join(clauses, " OR ")

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrapErr("list_path_states_with_pin_by_prefix", err)
	}
	defer rows.Close()

	var out []PathState
	for rows.Next() {
		var ps PathState
		if scanErr := rows.Scan(&ps.Path, &ps.State, &ps.Pinned); scanErr != nil {
			return nil, wrapErr("list_path_states_with_pin_by_prefix", scanErr)
		}
		out = append(out, ps)
	}

	return out, wrapErr("list_path_states_with_pin_by_prefix", rows.Err())
}

// ListPinnedCloudOnlyPathsByPrefix returns paths under prefix that are
// pinned but still cloud_only, which the cloud-poll reconcile enqueues for
// download.
func (s *Store) ListPinnedCloudOnlyPathsByPrefix(ctx context.Context, prefix string) ([]string, error) {
	all, err := s.ListPathStatesWithPinByPrefix(ctx, prefix)
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, ps := range all {
		if ps.Pinned && ps.State == StateCloudOnly {
			paths = append(paths, ps.Path)
		}
	}

	return paths, nil
}

func scanState(row rowScanner) (State, error) {
	var st State
	if err := row.Scan(
		&st.ItemID, &st.State, &st.Pinned, &st.LastError,
		&st.RetryAt, &st.LastSuccessAt, &st.LastErrorAt, &st.Dirty,
	); err != nil {
		return State{}, err
	}

	return st, nil
}
