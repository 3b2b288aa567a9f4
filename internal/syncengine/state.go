package syncengine

import (
	"context"
	"fmt"

	"github.com/mtanaka/disksync/internal/index"
	"github.com/mtanaka/disksync/internal/pathns"
)

// StateForPath returns the aggregated display state for p, per spec.md
// §4.5.1. For a file path it is the literal state; for a directory it is
// the precedence-ordered aggregate over descendant files. Returns false if
// p has no item at all.
func (e *Engine) StateForPath(ctx context.Context, p string) (PathDisplayState, bool, error) {
	canonical, err := pathns.CanonicalSlash(p)
	if err != nil {
		return "", false, fmt.Errorf("syncengine: canonicalizing path: %w", err)
	}

	item, err := e.index.GetItemByPath(ctx, canonical)
	if err == index.ErrNotFound {
		return "", false, nil
	} else if err != nil {
		return "", false, fmt.Errorf("syncengine: looking up item: %w", err)
	}

	if item.Kind == index.KindFile {
		st, err := e.index.GetState(ctx, item.ID)
		if err == index.ErrNotFound {
			return DisplayCloudOnly, true, nil
		} else if err != nil {
			return "", false, fmt.Errorf("syncengine: looking up state: %w", err)
		}

		return displayFromState(st.State), true, nil
	}

	return e.aggregateDirectoryState(ctx, item, canonical)
}

func (e *Engine) aggregateDirectoryState(ctx context.Context, dir index.Item, canonical string) (PathDisplayState, bool, error) {
	descendants, err := e.index.ListStatesByPrefix(ctx, canonical)
	if err != nil {
		return "", false, fmt.Errorf("syncengine: listing descendant states: %w", err)
	}

	items, err := e.index.ListItemsByPrefix(ctx, canonical)
	if err != nil {
		return "", false, fmt.Errorf("syncengine: listing descendant items: %w", err)
	}

	fileIDs := make(map[int64]bool, len(items))
	for _, it := range items {
		if it.Kind == index.KindFile {
			fileIDs[it.ID] = true
		}
	}

	// Exclude the directory's own row and any subdirectory rows; aggregation
	// is over file descendants.
	fileStates := make([]index.State, 0, len(descendants))
	for _, st := range descendants {
		if !fileIDs[st.ItemID] {
			continue
		}

		fileStates = append(fileStates, st)
	}

	if len(fileStates) == 0 {
		st, err := e.index.GetState(ctx, dir.ID)
		if err == index.ErrNotFound {
			return DisplayCloudOnly, true, nil
		} else if err != nil {
			return "", false, fmt.Errorf("syncengine: looking up directory state: %w", err)
		}

		return displayFromState(st.State), true, nil
	}

	var hasError, hasSyncing, hasCached, hasCloudOnly bool
	for _, st := range fileStates {
		switch st.State {
		case index.StateError:
			hasError = true
		case index.StateSyncing:
			hasSyncing = true
		case index.StateCached:
			hasCached = true
		case index.StateCloudOnly:
			hasCloudOnly = true
		}
	}

	switch {
	case hasError:
		return DisplayError, true, nil
	case hasSyncing:
		return DisplaySyncing, true, nil
	case hasCached && hasCloudOnly:
		return DisplayPartial, true, nil
	case hasCached:
		return DisplayCached, true, nil
	default:
		return DisplayCloudOnly, true, nil
	}
}

func displayFromState(s index.StateValue) PathDisplayState {
	switch s {
	case index.StateCloudOnly:
		return DisplayCloudOnly
	case index.StateSyncing:
		return DisplaySyncing
	case index.StateCached:
		return DisplayCached
	case index.StateError:
		return DisplayError
	default:
		return DisplayCloudOnly
	}
}

// ListConflicts is a pass-through reader over the Index Store.
func (e *Engine) ListConflicts(ctx context.Context) ([]index.Conflict, error) {
	return e.index.ListConflicts(ctx)
}

// ListItemsByPrefix is a pass-through reader over the Index Store.
func (e *Engine) ListItemsByPrefix(ctx context.Context, prefix string) ([]index.Item, error) {
	return e.index.ListItemsByPrefix(ctx, prefix)
}

// ListStatesByPrefix is a pass-through reader over the Index Store.
func (e *Engine) ListStatesByPrefix(ctx context.Context, prefix string) ([]index.State, error) {
	return e.index.ListStatesByPrefix(ctx, prefix)
}

// ListPathStatesWithPinByPrefix is a pass-through reader over the Index Store.
func (e *Engine) ListPathStatesWithPinByPrefix(ctx context.Context, prefix string) ([]index.PathState, error) {
	return e.index.ListPathStatesWithPinByPrefix(ctx, prefix)
}
