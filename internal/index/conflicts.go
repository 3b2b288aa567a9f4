package index

import (
	"context"

	"github.com/google/uuid"
)

// RecordConflict inserts a new conflict row with a generated ID, used
// whenever the Conflict Resolver chooses KeepBoth (spec.md §4.5.5).
func (s *Store) RecordConflict(ctx context.Context, path, renamedLocal, reason string, created int64) (Conflict, error) {
	c := Conflict{
		ID:           uuid.NewString(),
		Path:         path,
		RenamedLocal: renamedLocal,
		Created:      created,
		Reason:       reason,
	}

	const q = `INSERT INTO conflicts (id, path, created, renamed_local, reason) VALUES (?, ?, ?, ?, ?)`

	if _, err := s.db.ExecContext(ctx, q, c.ID, c.Path, c.Created, c.RenamedLocal, c.Reason); err != nil {
		return Conflict{}, wrapErr("record_conflict", err)
	}

	return c, nil
}

// ListConflicts returns every recorded conflict, most recent first.
func (s *Store) ListConflicts(ctx context.Context) ([]Conflict, error) {
	const q = `SELECT id, path, created, renamed_local, reason FROM conflicts ORDER BY created DESC`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, wrapErr("list_conflicts", err)
	}
	defer rows.Close()

	var out []Conflict
	for rows.Next() {
		var c Conflict
		if err := rows.Scan(&c.ID, &c.Path, &c.Created, &c.RenamedLocal, &c.Reason); err != nil {
			return nil, wrapErr("list_conflicts", err)
		}
		out = append(out, c)
	}

	return out, wrapErr("list_conflicts", rows.Err())
}
