package syncengine

import (
	"context"
	"crypto/md5" //nolint:gosec // remote API content hash algorithm, not used for security
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/mtanaka/disksync/internal/conflict"
	"github.com/mtanaka/disksync/internal/diskapi"
	"github.com/mtanaka/disksync/internal/index"
	"github.com/mtanaka/disksync/internal/pathns"
)

// RunOnce dequeues and executes one ready operation, per spec.md §4.5.2.
// Returns false when the queue has nothing ready.
func (e *Engine) RunOnce(ctx context.Context) (bool, error) {
	op, err := e.index.DequeueOp(ctx, e.now().Unix())
	if errors.Is(err, index.ErrNotFound) {
		return false, nil
	} else if err != nil {
		return false, err
	}

	e.logger.Debug("worker: dispatching op", slog.String("kind", string(op.Kind)), slog.String("path", op.Path))

	if opErr := e.dispatch(ctx, op); opErr != nil {
		if handleErr := e.handleOpError(ctx, op, opErr, false); handleErr != nil {
			return true, handleErr
		}
	}

	return true, nil
}

func (e *Engine) dispatch(ctx context.Context, op index.Operation) error {
	switch op.Kind {
	case index.OpDownload:
		return e.runDownload(ctx, op)
	case index.OpUpload:
		return e.runUpload(ctx, op)
	case index.OpMkdir:
		return e.runMkdir(ctx, op)
	case index.OpDelete:
		return e.runDelete(ctx, op)
	case index.OpMove:
		return e.runMove(ctx, op)
	default:
		return fmt.Errorf("syncengine: unknown op kind %q", op.Kind)
	}
}

// handleOpError classifies opErr and applies the retry/demote/auth-refresh
// policy of spec.md §4.5.3. isRetryAfterAuth prevents infinite recursion on
// a second consecutive Auth failure.
func (e *Engine) handleOpError(ctx context.Context, op index.Operation, opErr error, isRetryAfterAuth bool) error {
	class, serverHint := classifyEngineError(opErr)

	switch class {
	case diskapi.ClassAuth:
		if isRetryAfterAuth || e.tokens == nil {
			return e.demotePermanent(ctx, op, opErr)
		}

		if refreshErr := e.tokens.RefreshNow(ctx); refreshErr != nil {
			return e.demotePermanent(ctx, op, opErr)
		}

		retryErr := e.dispatch(ctx, op)
		if retryErr == nil {
			return nil
		}

		return e.handleOpError(ctx, op, retryErr, true)

	case diskapi.ClassRateLimit, diskapi.ClassTransient:
		return e.retryOrDemote(ctx, op, opErr, serverHint)

	default:
		return e.demotePermanent(ctx, op, opErr)
	}
}

// retryOrDemote bumps attempt and requeues with backoff, unless the retry
// budget is exhausted, in which case the item is demoted permanently.
func (e *Engine) retryOrDemote(ctx context.Context, op index.Operation, opErr error, serverHintSeconds int) error {
	if op.Attempt+1 >= e.maxRetryAttempts {
		return e.demotePermanent(ctx, op, opErr)
	}

	delay := e.backoff.WithServerHint(op.Attempt+1, serverHintSeconds)
	retryAt := e.now().Add(delay).Unix()

	if err := e.index.RequeueOp(ctx, op, retryAt, opErr.Error()); err != nil {
		return fmt.Errorf("syncengine: requeueing op: %w", err)
	}

	return nil
}

// demotePermanent sets the item's state to Error (preserving pinned) and
// does not requeue. Upload-limit errors additionally trigger a refresh of
// the cached per-file upload limit.
func (e *Engine) demotePermanent(ctx context.Context, op index.Operation, opErr error) error {
	item, err := e.index.GetItemByPath(ctx, op.Path)
	if errors.Is(err, index.ErrNotFound) {
		e.logger.Warn("worker: permanent error for op with no matching item",
			slog.String("path", op.Path), slog.String("error", opErr.Error()))

		return nil
	} else if err != nil {
		return fmt.Errorf("syncengine: looking up item for permanent error: %w", err)
	}

	now := e.now().Unix()
	dirty := true
	lastError := opErr.Error()

	if stateErr := e.index.SetStateWithMeta(ctx, item.ID, index.StateError, index.StateMeta{
		LastErrorAt: &now,
		Dirty:       &dirty,
		LastError:   &lastError,
	}); stateErr != nil {
		return fmt.Errorf("syncengine: demoting item to error: %w", stateErr)
	}

	if errors.Is(opErr, ErrUploadTooLarge) || errors.Is(opErr, ErrInsufficientStorage) {
		e.refreshMaxFileSize(ctx)
	}

	return nil
}

func classifyEngineError(err error) (diskapi.Class, int) {
	if errors.Is(err, ErrUploadTooLarge) || errors.Is(err, ErrInsufficientStorage) || errors.Is(err, ErrOperationFailed) {
		return diskapi.ClassPermanent, 0
	}

	if errors.Is(err, ErrOperationTimedOut) {
		return diskapi.ClassTransient, 0
	}

	var apiErr *diskapi.Error
	if errors.As(err, &apiErr) {
		return diskapi.ClassifyStatus(apiErr.StatusCode), apiErr.RetryAfter
	}

	// Network/filesystem errors with no HTTP status carry no server hint;
	// default to Transient so transport hiccups are retried rather than
	// permanently failing the item.
	return diskapi.ClassTransient, 0
}

// runDownload handles a Download op for both files and directories.
func (e *Engine) runDownload(ctx context.Context, op index.Operation) error {
	item, err := e.index.GetItemByPath(ctx, op.Path)
	if err != nil {
		return fmt.Errorf("syncengine: looking up item for download: %w", err)
	}

	if item.Kind == index.KindDir {
		return e.runDownloadDir(ctx, item)
	}

	link, err := e.api.GetDownloadLink(ctx, item.Path)
	if err != nil {
		return err
	}

	cachePath, err := pathns.CachePathFor(e.cacheRoot, item.Path)
	if err != nil {
		return fmt.Errorf("syncengine: resolving cache path: %w", err)
	}

	if _, err := e.transfer.DownloadToPath(ctx, link.Href, cachePath, item.ContentHash); err != nil {
		return fmt.Errorf("syncengine: downloading %q: %w", item.Path, err)
	}

	return e.index.MarkSynced(ctx, item.ID, index.StateCached, e.now().Unix(), nil)
}

// runDownloadDir ensures a directory exists at the cache path and eagerly
// enqueues its descendants, per spec.md §4.5.2.
func (e *Engine) runDownloadDir(ctx context.Context, item index.Item) error {
	cachePath, err := pathns.CachePathFor(e.cacheRoot, item.Path)
	if err != nil {
		return fmt.Errorf("syncengine: resolving cache path: %w", err)
	}

	if err := ensureDir(cachePath); err != nil {
		return fmt.Errorf("syncengine: creating cache directory: %w", err)
	}

	pinned := true
	if err := e.index.MarkSynced(ctx, item.ID, index.StateCached, e.now().Unix(), &pinned); err != nil {
		return err
	}

	children, err := e.index.ListItemsByPrefix(ctx, item.Path)
	if err != nil {
		return fmt.Errorf("syncengine: listing descendants: %w", err)
	}

	for _, child := range children {
		if child.Path == item.Path {
			continue
		}

		if child.Kind == index.KindDir {
			childCache, pathErr := pathns.CachePathFor(e.cacheRoot, child.Path)
			if pathErr == nil {
				_ = ensureDir(childCache)
			}

			if stErr := e.index.MarkSynced(ctx, child.ID, index.StateCached, e.now().Unix(), &pinned); stErr != nil {
				return stErr
			}

			continue
		}

		st, stErr := e.index.GetState(ctx, child.ID)
		if stErr == nil && (st.State == index.StateCached || st.State == index.StateSyncing) {
			continue
		}

		if _, opErr := e.index.EnqueueOp(ctx, index.OpDownload, child.Path, "", 0, nil); opErr != nil {
			return fmt.Errorf("syncengine: enqueueing descendant download: %w", opErr)
		}

		if stateErr := e.index.SetState(ctx, child.ID, index.StateSyncing); stateErr != nil {
			return stateErr
		}

		if pinErr := e.index.SetPinned(ctx, child.ID, true); pinErr != nil {
			return pinErr
		}
	}

	return nil
}

// runUpload consults the Conflict Resolver against freshly fetched remote
// metadata, then resolves an upload URL and streams the local file, per
// spec.md §4.5.2 and §4.5.5.
func (e *Engine) runUpload(ctx context.Context, op index.Operation) error {
	item, err := e.index.GetItemByPath(ctx, op.Path)
	if err != nil {
		return fmt.Errorf("syncengine: looking up item for upload: %w", err)
	}

	localPath, err := pathns.CachePathFor(e.syncRoot, item.Path)
	if err != nil {
		return fmt.Errorf("syncengine: resolving local path: %w", err)
	}

	info, statErr := os.Stat(localPath)
	if statErr != nil {
		return fmt.Errorf("syncengine: stat local file for upload: %w", statErr)
	}

	if e.conflicts != nil {
		proceed, resolveErr := e.resolveBeforeUpload(ctx, item, localPath, info)
		if resolveErr != nil {
			return resolveErr
		}

		if !proceed {
			return nil
		}
	}

	link, err := e.api.GetUploadLink(ctx, item.Path, true)
	if err != nil {
		return classifyUploadErr(err)
	}

	if _, err := e.transfer.UploadFromPath(ctx, link.Href, localPath); err != nil {
		return fmt.Errorf("syncengine: uploading %q: %w", item.Path, err)
	}

	return e.index.MarkSynced(ctx, item.ID, index.StateCached, e.now().Unix(), nil)
}

// resolveBeforeUpload fetches the remote item's current metadata and runs
// it through the Conflict Resolver's three-way decision against the local
// file and the item's last-synced baseline, per spec.md §4.5.5. It reports
// whether the caller should still proceed with the upload (true only for
// UploadLocal), having already carried out the side effects for every
// other decision itself.
func (e *Engine) resolveBeforeUpload(ctx context.Context, item index.Item, localPath string, info os.FileInfo) (bool, error) {
	remote, err := e.api.GetMetadata(ctx, item.Path)
	if errors.Is(err, diskapi.ErrNotFound) {
		return true, nil
	} else if err != nil {
		return false, err
	}

	localHash, hashErr := hashFile(localPath)
	if hashErr != nil {
		return false, fmt.Errorf("syncengine: hashing local file for conflict check: %w", hashErr)
	}

	localModified := info.ModTime().Unix()

	decision := conflict.Decide(conflict.Input{
		BaselineKnown:    item.LastSyncedHash != "" || item.LastSyncedModified != 0,
		BaselineHash:     item.LastSyncedHash,
		BaselineModified: item.LastSyncedModified,
		LocalHash:        localHash,
		LocalModified:    localModified,
		RemoteHash:       remote.MD5,
		RemoteModified:   parseRemoteModified(remote.Modified),
	})

	switch decision {
	case conflict.NoOp:
		return false, e.index.MarkSynced(ctx, item.ID, index.StateCached, e.now().Unix(), nil)

	case conflict.DownloadRemote:
		return false, e.runDownload(ctx, index.Operation{Kind: index.OpDownload, Path: item.Path})

	case conflict.KeepBoth:
		relPath := strings.TrimPrefix(item.Path, "/")

		result, renameErr := e.conflicts.KeepBothRename(relPath, localModified)
		if renameErr != nil {
			return false, fmt.Errorf("syncengine: applying keep-both: %w", renameErr)
		}

		if _, recErr := e.index.RecordConflict(ctx, item.Path, result.RenamedLocal, result.Reason, e.now().Unix()); recErr != nil {
			return false, fmt.Errorf("syncengine: recording conflict: %w", recErr)
		}

		return false, e.runDownload(ctx, index.Operation{Kind: index.OpDownload, Path: item.Path})

	default: // UploadLocal
		return true, nil
	}
}

// hashFile returns the hex-encoded MD5 of the file at path, matching the
// content hash algorithm the remote API reports (internal/transfer uses
// the same algorithm to verify downloads).
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hasher := md5.New() //nolint:gosec
	if _, err := io.Copy(hasher, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// classifyUploadErr maps the remote API's file-too-large and
// out-of-storage responses onto the engine's own permanent sentinels.
func classifyUploadErr(err error) error {
	var apiErr *diskapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 413:
			return fmt.Errorf("%w: %w", ErrUploadTooLarge, err)
		case 507:
			return fmt.Errorf("%w: %w", ErrInsufficientStorage, err)
		}
	}

	return err
}

// runMkdir creates the folder remotely and upserts the returned item.
func (e *Engine) runMkdir(ctx context.Context, op index.Operation) error {
	res, err := e.api.Mkdir(ctx, op.Path)
	if err != nil {
		return err
	}

	parent, name := splitPath(op.Path)

	item, err := e.index.UpsertItem(ctx, index.Item{
		Path:       op.Path,
		ParentPath: parent,
		Name:       name,
		Kind:       index.KindDir,
		ResourceID: res.ResourceID,
	})
	if err != nil {
		return fmt.Errorf("syncengine: upserting mkdir result: %w", err)
	}

	return e.index.MarkSynced(ctx, item.ID, index.StateCached, e.now().Unix(), nil)
}

// runDelete calls remote delete, polls an async link if one is returned,
// and removes the item from the index on success.
func (e *Engine) runDelete(ctx context.Context, op index.Operation) error {
	link, err := e.api.Delete(ctx, op.Path, true)
	if err != nil {
		return err
	}

	if link != nil {
		if err := e.pollOperation(ctx, link.Href); err != nil {
			return err
		}
	}

	if err := e.index.DeleteItemByPath(ctx, op.Path); err != nil {
		return fmt.Errorf("syncengine: deleting item after remote delete: %w", err)
	}

	return nil
}

// runMove parses the Move payload and issues a move or copy, polling any
// async link and upserting the destination item on success.
func (e *Engine) runMove(ctx context.Context, op index.Operation) error {
	payload, err := decodeMovePayload(op.Payload)
	if err != nil {
		return err
	}

	source, srcErr := e.index.GetItemByPath(ctx, payload.From)
	if errors.Is(srcErr, index.ErrNotFound) {
		// Editors that write-then-rename leave no source item locally;
		// fall back to an Upload of the destination (spec.md §4.5.2).
		localPath, pathErr := pathns.CachePathFor(e.syncRoot, payload.To)
		if pathErr != nil {
			return fmt.Errorf("syncengine: resolving fallback upload path: %w", pathErr)
		}

		if _, statErr := os.Stat(localPath); statErr != nil {
			return fmt.Errorf("syncengine: move source missing and no local file at destination: %w", statErr)
		}

		return e.EnqueueUpload(ctx, payload.To)
	} else if srcErr != nil {
		return fmt.Errorf("syncengine: looking up move source: %w", srcErr)
	}

	var link *diskapi.TransferLink
	if payload.Action == ActionCopy {
		link, err = e.api.Copy(ctx, payload.From, payload.To, payload.Overwrite)
	} else {
		link, err = e.api.Move(ctx, payload.From, payload.To, payload.Overwrite)
	}
	if err != nil {
		return err
	}

	if link != nil {
		if err := e.pollOperation(ctx, link.Href); err != nil {
			return err
		}
	}

	parent, name := splitPath(payload.To)

	dest, err := e.index.UpsertItem(ctx, index.Item{
		Path:               payload.To,
		ParentPath:         parent,
		Name:               name,
		Kind:               source.Kind,
		Size:               source.Size,
		Modified:           source.Modified,
		ContentHash:        source.ContentHash,
		ResourceID:         source.ResourceID,
		LastSyncedHash:     source.LastSyncedHash,
		LastSyncedModified: source.LastSyncedModified,
	})
	if err != nil {
		return fmt.Errorf("syncengine: upserting move destination: %w", err)
	}

	if srcState, stErr := e.index.GetState(ctx, source.ID); stErr == nil {
		if setErr := e.index.SetStateWithMeta(ctx, dest.ID, srcState.State, index.StateMeta{}); setErr != nil {
			return setErr
		}

		if setErr := e.index.SetPinned(ctx, dest.ID, srcState.Pinned); setErr != nil {
			return setErr
		}
	} else {
		if setErr := e.index.SetState(ctx, dest.ID, index.StateCached); setErr != nil {
			return setErr
		}
	}

	if payload.Action == ActionMove {
		if err := e.index.DeleteItemByPath(ctx, payload.From); err != nil {
			return fmt.Errorf("syncengine: deleting move source: %w", err)
		}
	}

	return nil
}

// ensureDir creates path as a directory, first removing a plain file that
// blocks it, per spec.md §4.5.2's Download-of-a-directory handling.
func ensureDir(path string) error {
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		if err := os.Remove(path); err != nil {
			return err
		}
	}

	return os.MkdirAll(path, 0o755)
}

// pollOperation polls an async operation link up to
// defaultOperationPollAttempts times, sleeping the backoff delay between
// attempts.
func (e *Engine) pollOperation(ctx context.Context, operationURL string) error {
	for attempt := 0; attempt < defaultOperationPollAttempts; attempt++ {
		status, err := e.api.GetOperationStatus(ctx, operationURL)
		if err != nil {
			return err
		}

		switch status.Status {
		case diskapi.OperationSuccess:
			return nil
		case diskapi.OperationFailure:
			return ErrOperationFailed
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.backoff.Delay(attempt)):
		}
	}

	return ErrOperationTimedOut
}
