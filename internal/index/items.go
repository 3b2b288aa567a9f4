package index

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/mtanaka/disksync/internal/pathns"
)

// UpsertItem inserts or updates the item at item.Path, keyed by path. The
// row's ID is assigned on insert and echoed back in the returned Item.
func (s *Store) UpsertItem(ctx context.Context, item Item) (Item, error) {
	const q = `
INSERT INTO items (path, parent_path, name, kind, size, modified, content_hash, resource_id, last_synced_hash, last_synced_modified)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (path) DO UPDATE SET
    parent_path = excluded.parent_path,
    name = excluded.name,
    kind = excluded.kind,
    size = excluded.size,
    modified = excluded.modified,
    content_hash = excluded.content_hash,
    resource_id = excluded.resource_id,
    last_synced_hash = excluded.last_synced_hash,
    last_synced_modified = excluded.last_synced_modified
`

	if _, err := s.db.ExecContext(ctx, q,
		item.Path, item.ParentPath, item.Name, item.Kind, item.Size, item.Modified,
		item.ContentHash, item.ResourceID, item.LastSyncedHash, item.LastSyncedModified,
	); err != nil {
		return Item{}, wrapErr("upsert_item", err)
	}

	return s.GetItemByPath(ctx, item.Path)
}

// GetItemByPath returns the item at path, or ErrNotFound if none exists.
func (s *Store) GetItemByPath(ctx context.Context, path string) (Item, error) {
	const q = `
SELECT id, path, parent_path, name, kind, size, modified, content_hash, resource_id, last_synced_hash, last_synced_modified
FROM items WHERE path = ?
`

	row := s.db.QueryRowContext(ctx, q, path)

	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, ErrNotFound
	} else if err != nil {
		return Item{}, wrapErr("get_item_by_path", err)
	}

	return item, nil
}

// GetItemByResourceID returns the item with the given remote resource_id,
// used by reconciliation to detect renames (spec.md §4.5.1). Returns
// ErrNotFound if resourceID is empty or unmatched.
func (s *Store) GetItemByResourceID(ctx context.Context, resourceID string) (Item, error) {
	if resourceID == "" {
		return Item{}, ErrNotFound
	}

	const q = `
SELECT id, path, parent_path, name, kind, size, modified, content_hash, resource_id, last_synced_hash, last_synced_modified
FROM items WHERE resource_id = ?
`

	row := s.db.QueryRowContext(ctx, q, resourceID)

	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, ErrNotFound
	} else if err != nil {
		return Item{}, wrapErr("get_item_by_resource_id", err)
	}

	return item, nil
}

// RenameItem moves the row at oldPath to newPath, carrying its ID and state
// forward. Used by reconciliation when a stable resource_id reappears at a
// different path.
func (s *Store) RenameItem(ctx context.Context, oldPath, newPath, newParentPath, newName string) error {
	const q = `UPDATE items SET path = ?, parent_path = ?, name = ? WHERE path = ?`

	if _, err := s.db.ExecContext(ctx, q, newPath, newParentPath, newName, oldPath); err != nil {
		return wrapErr("rename_item", err)
	}

	return nil
}

// ListItemsByPrefix returns every item whose path lies under prefix,
// matching both the disk:/ and slash-rooted forms via pathns.PrefixVariants
// so callers never need to know which namespace a stored path used.
func (s *Store) ListItemsByPrefix(ctx context.Context, prefix string) ([]Item, error) {
	variants, err := pathns.PrefixVariants(prefix)
	if err != nil {
		return nil, wrapErr("list_items_by_prefix", err)
	}

	clauses := make([]string, 0, len(variants))
	args := make([]any, 0, len(variants)*2)
	for _, v := range variants {
		clauses = append(clauses, "(path = ? OR path LIKE ?)")
		args = append(args, v, v+"/%")
	}

	q := `
SELECT id, path, parent_path, name, kind, size, modified, content_hash, resource_id, last_synced_hash, last_synced_modified
FROM items WHERE ` + strings.Join(clauses, " OR ") + ` ORDER BY path`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrapErr("list_items_by_prefix", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		item, scanErr := scanItem(rows)
		if scanErr != nil {
			return nil, wrapErr("list_items_by_prefix", scanErr)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, wrapErr("list_items_by_prefix", err)
	}

	return items, nil
}

// DeleteItemByPath removes the item at path. Its state row is removed by
// the ON DELETE CASCADE on states.item_id.
func (s *Store) DeleteItemByPath(ctx context.Context, path string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM items WHERE path = ?`, path); err != nil {
		return wrapErr("delete_item_by_path", err)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (Item, error) {
	var item Item
	err := row.Scan(
		&item.ID, &item.Path, &item.ParentPath, &item.Name, &item.Kind, &item.Size,
		&item.Modified, &item.ContentHash, &item.ResourceID, &item.LastSyncedHash, &item.LastSyncedModified,
	)

	return item, err
}
