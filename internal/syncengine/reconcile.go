package syncengine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mtanaka/disksync/internal/diskapi"
	"github.com/mtanaka/disksync/internal/index"
	"github.com/mtanaka/disksync/internal/pathns"
)

// SyncDirectoryIncremental walks the remote tree under root, reconciling it
// against the Index Store, per spec.md §4.5.1.
func (e *Engine) SyncDirectoryIncremental(ctx context.Context, root string) (SyncDelta, error) {
	remoteRoot, err := pathns.CanonicalDisk(root)
	if err != nil {
		return SyncDelta{}, fmt.Errorf("syncengine: canonicalizing root: %w", err)
	}

	resources, err := e.api.ListResourcesAll(ctx, remoteRoot)
	if err != nil {
		return SyncDelta{}, fmt.Errorf("syncengine: listing remote resources: %w", err)
	}

	var delta SyncDelta

	observed := make(map[string]bool, len(resources))

	for _, res := range resources {
		canonical, err := pathns.CanonicalSlash(res.Path)
		if err != nil {
			e.logger.Warn("reconcile: skipping resource with invalid path", slog.String("path", res.Path))
			continue
		}

		observed[canonical] = true

		if err := e.reconcileResource(ctx, canonical, res, &delta); err != nil {
			return delta, err
		}
	}

	if err := e.deleteUnobserved(ctx, root, observed, &delta); err != nil {
		return delta, err
	}

	if err := e.enqueuePinnedCloudOnly(ctx, root, &delta); err != nil {
		return delta, err
	}

	return delta, nil
}

// reconcileResource upserts one remote resource, following stable
// resource_id to detect renames and enqueuing a refresh download when a
// previously cached file changed on the remote side.
func (e *Engine) reconcileResource(ctx context.Context, canonical string, res diskapi.Resource, delta *SyncDelta) error {
	modified := parseRemoteModified(res.Modified)

	existing, err := e.index.GetItemByPath(ctx, canonical)
	if err == index.ErrNotFound && res.ResourceID != "" {
		if renamed, rerr := e.index.GetItemByResourceID(ctx, res.ResourceID); rerr == nil && renamed.Path != canonical {
			parent, name := splitPath(canonical)
			if rnErr := e.index.RenameItem(ctx, renamed.Path, canonical, parent, name); rnErr != nil {
				return fmt.Errorf("syncengine: renaming item: %w", rnErr)
			}

			existing = renamed
			existing.Path = canonical
			err = nil
		}
	}

	wasCached := false
	if err == nil {
		st, stErr := e.index.GetState(ctx, existing.ID)
		wasCached = stErr == nil && st.State == index.StateCached
	}

	parent, name := splitPath(canonical)

	item, upErr := e.index.UpsertItem(ctx, index.Item{
		Path:               canonical,
		ParentPath:         parent,
		Name:               name,
		Kind:               remoteKindToIndexKind(res.Type),
		Size:               res.Size,
		Modified:           modified,
		ContentHash:        res.MD5,
		ResourceID:         res.ResourceID,
		LastSyncedHash:     res.MD5,
		LastSyncedModified: modified,
	})
	if upErr != nil {
		return fmt.Errorf("syncengine: upserting item: %w", upErr)
	}

	delta.Indexed++

	if err == index.ErrNotFound {
		if stateErr := e.index.SetState(ctx, item.ID, index.StateCloudOnly); stateErr != nil {
			return fmt.Errorf("syncengine: initializing state: %w", stateErr)
		}

		return nil
	}

	changed := existing.ContentHash != res.MD5 || existing.Modified != modified || existing.Size != res.Size
	if changed && wasCached {
		if _, opErr := e.index.EnqueueOp(ctx, index.OpDownload, canonical, "", 0, nil); opErr != nil {
			return fmt.Errorf("syncengine: enqueueing refresh download: %w", opErr)
		}

		if stateErr := e.index.SetState(ctx, item.ID, index.StateSyncing); stateErr != nil {
			return fmt.Errorf("syncengine: transitioning to syncing: %w", stateErr)
		}

		delta.EnqueuedDownloads++
	}

	return nil
}

// deleteUnobserved removes local rows under root that the remote listing no
// longer reports, unless they are actively Syncing/Cached (local work in
// flight that the next cycle should settle). The row's resource_id is not
// consulted here; a row whose resource_id was seen at a new path has already
// been moved to that path by reconcileResource.
func (e *Engine) deleteUnobserved(ctx context.Context, root string, observed map[string]bool, delta *SyncDelta) error {
	items, err := e.index.ListItemsByPrefix(ctx, root)
	if err != nil {
		return fmt.Errorf("syncengine: listing local items: %w", err)
	}

	for _, item := range items {
		if observed[item.Path] {
			continue
		}

		st, stErr := e.index.GetState(ctx, item.ID)
		if stErr == nil && (st.State == index.StateSyncing || st.State == index.StateCached) {
			continue
		}

		if delErr := e.index.DeleteItemByPath(ctx, item.Path); delErr != nil {
			return fmt.Errorf("syncengine: deleting stale item: %w", delErr)
		}

		delta.Deleted++
	}

	return nil
}

// enqueuePinnedCloudOnly enqueues a Download for every pinned-but-not-yet-
// cached item under root, the final step of incremental reconciliation.
func (e *Engine) enqueuePinnedCloudOnly(ctx context.Context, root string, delta *SyncDelta) error {
	paths, err := e.index.ListPinnedCloudOnlyPathsByPrefix(ctx, root)
	if err != nil {
		return fmt.Errorf("syncengine: listing pinned cloud-only paths: %w", err)
	}

	for _, p := range paths {
		if _, err := e.index.EnqueueOp(ctx, index.OpDownload, p, "", 0, nil); err != nil {
			return fmt.Errorf("syncengine: enqueueing pinned download: %w", err)
		}

		delta.EnqueuedDownloads++
	}

	return nil
}

func remoteKindToIndexKind(k diskapi.ResourceKind) index.Kind {
	if k == diskapi.KindDir {
		return index.KindDir
	}

	return index.KindFile
}

// splitPath splits a canonical slash-form path into its parent and base
// name, e.g. splitPath("/Docs/A.txt") -> ("/Docs", "A.txt").
func splitPath(p string) (parent, name string) {
	if p == "/" {
		return "/", ""
	}

	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			if i == 0 {
				return "/", p[1:]
			}

			return p[:i], p[i+1:]
		}
	}

	return "/", p
}
