package index

import (
	"context"
	"database/sql"
	"errors"
)

// SetSyncCursor persists a sync cursor string and the time it was recorded
// in the single-row sync_cursor table. The sync engine does not read or
// write this row; every cloud-poll cycle performs a full listing.
func (s *Store) SetSyncCursor(ctx context.Context, cursor string, lastSync int64) error {
	const q = `
INSERT INTO sync_cursor (id, cursor, last_sync) VALUES (1, ?, ?)
ON CONFLICT (id) DO UPDATE SET cursor = excluded.cursor, last_sync = excluded.last_sync
`

	if _, err := s.db.ExecContext(ctx, q, cursor, lastSync); err != nil {
		return wrapErr("set_sync_cursor", err)
	}

	return nil
}

// GetSyncCursor returns the stored cursor and its timestamp. An empty
// cursor with lastSync == 0 means no cursor has been stored yet.
func (s *Store) GetSyncCursor(ctx context.Context) (cursor string, lastSync int64, err error) {
	const q = `SELECT cursor, last_sync FROM sync_cursor WHERE id = 1`

	scanErr := s.db.QueryRowContext(ctx, q).Scan(&cursor, &lastSync)
	if errors.Is(scanErr, sql.ErrNoRows) {
		return "", 0, nil
	} else if scanErr != nil {
		return "", 0, wrapErr("get_sync_cursor", scanErr)
	}

	return cursor, lastSync, nil
}
