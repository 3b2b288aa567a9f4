package syncengine

import (
	"context"
	"fmt"
	"os"

	"github.com/mtanaka/disksync/internal/index"
	"github.com/mtanaka/disksync/internal/pathns"
)

// EnqueueDownload transitions the item at p to Syncing (if it exists) and
// enqueues a Download op.
func (e *Engine) EnqueueDownload(ctx context.Context, p string) error {
	return e.enqueueSimple(ctx, index.OpDownload, p, 0)
}

// EnqueueUpload transitions the item at p to Syncing and enqueues an
// Upload op. If no item exists yet at p, one is created from the on-disk
// file's metadata first.
func (e *Engine) EnqueueUpload(ctx context.Context, p string) error {
	canonical, err := pathns.CanonicalSlash(p)
	if err != nil {
		return fmt.Errorf("syncengine: canonicalizing path: %w", err)
	}

	if _, getErr := e.index.GetItemByPath(ctx, canonical); getErr == index.ErrNotFound {
		if createErr := e.createItemFromLocalFile(ctx, canonical); createErr != nil {
			return createErr
		}
	} else if getErr != nil {
		return fmt.Errorf("syncengine: looking up item: %w", getErr)
	}

	return e.enqueueSimple(ctx, index.OpUpload, canonical, 0)
}

// EnqueueMkdir transitions the item at p to Syncing and enqueues a Mkdir op.
func (e *Engine) EnqueueMkdir(ctx context.Context, p string) error {
	return e.enqueueSimple(ctx, index.OpMkdir, p, 0)
}

// EnqueueDelete cancels any pending operation on p, then transitions it to
// Syncing and enqueues a Delete op.
func (e *Engine) EnqueueDelete(ctx context.Context, p string) error {
	canonical, err := pathns.CanonicalSlash(p)
	if err != nil {
		return fmt.Errorf("syncengine: canonicalizing path: %w", err)
	}

	if delErr := e.index.DeleteOpsForPath(ctx, canonical); delErr != nil {
		return fmt.Errorf("syncengine: cancelling pending ops: %w", delErr)
	}

	return e.enqueueSimple(ctx, index.OpDelete, canonical, 0)
}

// EnqueueMove encodes a Move payload and enqueues it, per spec.md §4.5.1.
func (e *Engine) EnqueueMove(ctx context.Context, from, to string, action MoveAction) error {
	fromCanonical, err := pathns.CanonicalSlash(from)
	if err != nil {
		return fmt.Errorf("syncengine: canonicalizing from: %w", err)
	}

	toCanonical, err := pathns.CanonicalSlash(to)
	if err != nil {
		return fmt.Errorf("syncengine: canonicalizing to: %w", err)
	}

	payload, err := encodeMovePayload(MovePayload{From: fromCanonical, To: toCanonical, Action: action, Overwrite: true})
	if err != nil {
		return err
	}

	if _, err := e.index.EnqueueOp(ctx, index.OpMove, fromCanonical, payload, 0, nil); err != nil {
		return fmt.Errorf("syncengine: enqueueing move: %w", err)
	}

	if item, getErr := e.index.GetItemByPath(ctx, fromCanonical); getErr == nil {
		if stateErr := e.index.SetState(ctx, item.ID, index.StateSyncing); stateErr != nil {
			return fmt.Errorf("syncengine: transitioning to syncing: %w", stateErr)
		}
	}

	return nil
}

// PinPath sets pinned on p, recursively on descendants if p is a directory,
// preserving current state.
func (e *Engine) PinPath(ctx context.Context, p string, pinned bool) error {
	canonical, err := pathns.CanonicalSlash(p)
	if err != nil {
		return fmt.Errorf("syncengine: canonicalizing path: %w", err)
	}

	items, err := e.index.ListItemsByPrefix(ctx, canonical)
	if err != nil {
		return fmt.Errorf("syncengine: listing items: %w", err)
	}

	for _, item := range items {
		if setErr := e.index.SetPinned(ctx, item.ID, pinned); setErr != nil {
			return fmt.Errorf("syncengine: setting pinned on %q: %w", item.Path, setErr)
		}
	}

	return nil
}

// EvictPath sets state to CloudOnly, clears pinned, and best-effort removes
// the cached copy from the cache root. Recursive for directories.
func (e *Engine) EvictPath(ctx context.Context, p string) error {
	canonical, err := pathns.CanonicalSlash(p)
	if err != nil {
		return fmt.Errorf("syncengine: canonicalizing path: %w", err)
	}

	items, err := e.index.ListItemsByPrefix(ctx, canonical)
	if err != nil {
		return fmt.Errorf("syncengine: listing items: %w", err)
	}

	for _, item := range items {
		if stateErr := e.index.SetState(ctx, item.ID, index.StateCloudOnly); stateErr != nil {
			return fmt.Errorf("syncengine: setting state on %q: %w", item.Path, stateErr)
		}

		if pinErr := e.index.SetPinned(ctx, item.ID, false); pinErr != nil {
			return fmt.Errorf("syncengine: clearing pinned on %q: %w", item.Path, pinErr)
		}

		cachePath, pathErr := pathns.CachePathFor(e.cacheRoot, item.Path)
		if pathErr != nil {
			continue
		}

		_ = os.RemoveAll(cachePath) // best-effort
	}

	return nil
}

// RetryPath is an alias for EnqueueDownload, per spec.md §4.5.1.
func (e *Engine) RetryPath(ctx context.Context, p string) error {
	return e.EnqueueDownload(ctx, p)
}

func (e *Engine) enqueueSimple(ctx context.Context, kind index.OpKind, p string, priority int32) error {
	canonical, err := pathns.CanonicalSlash(p)
	if err != nil {
		return fmt.Errorf("syncengine: canonicalizing path: %w", err)
	}

	if _, err := e.index.EnqueueOp(ctx, kind, canonical, "", priority, nil); err != nil {
		return fmt.Errorf("syncengine: enqueueing %s: %w", kind, err)
	}

	if item, getErr := e.index.GetItemByPath(ctx, canonical); getErr == nil {
		if stateErr := e.index.SetState(ctx, item.ID, index.StateSyncing); stateErr != nil {
			return fmt.Errorf("syncengine: transitioning to syncing: %w", stateErr)
		}
	}

	return nil
}

func (e *Engine) createItemFromLocalFile(ctx context.Context, canonical string) error {
	localPath, err := pathns.CachePathFor(e.syncRoot, canonical)
	if err != nil {
		return fmt.Errorf("syncengine: resolving local path: %w", err)
	}

	info, err := os.Stat(localPath)
	if err != nil {
		return fmt.Errorf("syncengine: stat local file: %w", err)
	}

	parent, name := splitPath(canonical)

	_, err = e.index.UpsertItem(ctx, index.Item{
		Path:       canonical,
		ParentPath: parent,
		Name:       name,
		Kind:       index.KindFile,
		Size:       info.Size(),
		Modified:   info.ModTime().Unix(),
	})
	if err != nil {
		return fmt.Errorf("syncengine: creating item from local file: %w", err)
	}

	return nil
}
