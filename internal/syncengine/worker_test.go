package syncengine

import (
	"context"
	"crypto/md5" //nolint:gosec // test fixture, matches the remote API's content hash algorithm
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtanaka/disksync/internal/diskapi"
	"github.com/mtanaka/disksync/internal/index"
	"github.com/mtanaka/disksync/internal/token"
)

func TestRunOnceReturnsFalseWhenQueueEmpty(t *testing.T) {
	h := newTestHarness(t, notFoundHandler())

	more, err := h.Engine.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, more)
}

func TestRunOnceDownloadWritesCacheAndMarksSynced(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/resources/download", func(w http.ResponseWriter, r *http.Request) {
		_ = writeJSON(w, diskapi.Link{Href: "http://" + r.Host + "/blob"})
	})
	mux.HandleFunc("/blob", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("file contents"))
	})

	h := newTestHarness(t, mux)
	ctx := context.Background()

	item, err := h.Store.UpsertItem(ctx, index.Item{
		Path: "/Docs/A.txt", ParentPath: "/Docs", Name: "A.txt", Kind: index.KindFile,
	})
	require.NoError(t, err)
	require.NoError(t, h.Engine.EnqueueDownload(ctx, "/Docs/A.txt"))

	more, err := h.Engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, more)

	st, err := h.Store.GetState(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, index.StateCached, st.State)

	data, err := os.ReadFile(filepath.Join(h.CacheRoot, "Docs", "A.txt"))
	require.NoError(t, err)
	assert.Equal(t, "file contents", string(data))
}

func TestRunOnceUploadSendsLocalFile(t *testing.T) {
	var uploaded []byte

	mux := http.NewServeMux()
	mux.HandleFunc("/resources/upload", func(w http.ResponseWriter, r *http.Request) {
		_ = writeJSON(w, diskapi.Link{Href: "http://" + r.Host + "/put"})
	})
	mux.HandleFunc("/put", func(w http.ResponseWriter, r *http.Request) {
		body, _ := readAll(r)
		uploaded = body
		w.WriteHeader(http.StatusOK)
	})

	h := newTestHarness(t, mux)
	ctx := context.Background()

	require.NoError(t, os.MkdirAll(filepath.Join(h.SyncRoot, "Docs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(h.SyncRoot, "Docs", "A.txt"), []byte("upload me"), 0o644))
	require.NoError(t, h.Engine.EnqueueUpload(ctx, "/Docs/A.txt"))

	more, err := h.Engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, more)
	assert.Equal(t, "upload me", string(uploaded))

	item, err := h.Store.GetItemByPath(ctx, "/Docs/A.txt")
	require.NoError(t, err)

	st, err := h.Store.GetState(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, index.StateCached, st.State)
}

func TestRunOnceUploadSkipsUnchangedFileAfterNoOpDecision(t *testing.T) {
	var uploadCalled bool

	content := []byte("same content")
	contentHash := md5Hex(content)

	mux := http.NewServeMux()
	mux.HandleFunc("/resources", func(w http.ResponseWriter, r *http.Request) {
		_ = writeJSON(w, diskapi.Resource{Path: "/Docs/A.txt", Type: diskapi.KindFile, MD5: contentHash})
	})
	mux.HandleFunc("/resources/upload", func(w http.ResponseWriter, r *http.Request) {
		uploadCalled = true
		_ = writeJSON(w, diskapi.Link{Href: "http://" + r.Host + "/put"})
	})

	h := newTestHarness(t, mux)
	ctx := context.Background()

	require.NoError(t, os.MkdirAll(filepath.Join(h.SyncRoot, "Docs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(h.SyncRoot, "Docs", "A.txt"), content, 0o644))

	item, err := h.Store.UpsertItem(ctx, index.Item{
		Path: "/Docs/A.txt", ParentPath: "/Docs", Name: "A.txt", Kind: index.KindFile,
		ContentHash: contentHash, LastSyncedHash: contentHash,
	})
	require.NoError(t, err)
	require.NoError(t, h.Engine.EnqueueUpload(ctx, "/Docs/A.txt"))

	more, err := h.Engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, more)
	assert.False(t, uploadCalled, "a NoOp decision must not trigger an upload")

	st, err := h.Store.GetState(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, index.StateCached, st.State)
}

func TestRunOnceUploadRedirectsToDownloadWhenOnlyRemoteChanged(t *testing.T) {
	var uploadCalled bool

	mux := http.NewServeMux()
	mux.HandleFunc("/resources", func(w http.ResponseWriter, r *http.Request) {
		_ = writeJSON(w, diskapi.Resource{Path: "/Docs/A.txt", Type: diskapi.KindFile, MD5: "remote-hash"})
	})
	mux.HandleFunc("/resources/upload", func(w http.ResponseWriter, r *http.Request) {
		uploadCalled = true
		_ = writeJSON(w, diskapi.Link{Href: "http://" + r.Host + "/put"})
	})
	mux.HandleFunc("/resources/download", func(w http.ResponseWriter, r *http.Request) {
		_ = writeJSON(w, diskapi.Link{Href: "http://" + r.Host + "/blob"})
	})
	mux.HandleFunc("/blob", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("remote content"))
	})

	h := newTestHarness(t, mux)
	ctx := context.Background()

	require.NoError(t, os.MkdirAll(filepath.Join(h.SyncRoot, "Docs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(h.SyncRoot, "Docs", "A.txt"), []byte("baseline content"), 0o644))

	localHash, err := hashFile(filepath.Join(h.SyncRoot, "Docs", "A.txt"))
	require.NoError(t, err)

	item, err := h.Store.UpsertItem(ctx, index.Item{
		Path: "/Docs/A.txt", ParentPath: "/Docs", Name: "A.txt", Kind: index.KindFile,
		ContentHash: localHash, LastSyncedHash: localHash,
	})
	require.NoError(t, err)
	require.NoError(t, h.Engine.EnqueueUpload(ctx, "/Docs/A.txt"))

	more, err := h.Engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, more)
	assert.False(t, uploadCalled, "only the remote side changed, so the local file must not be uploaded")

	data, err := os.ReadFile(filepath.Join(h.CacheRoot, "Docs", "A.txt"))
	require.NoError(t, err)
	assert.Equal(t, "remote content", string(data))

	st, err := h.Store.GetState(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, index.StateCached, st.State)
}

func TestRunOnceUploadKeepsBothWhenLocalAndRemoteDisagree(t *testing.T) {
	var uploadCalled bool

	mux := http.NewServeMux()
	mux.HandleFunc("/resources", func(w http.ResponseWriter, r *http.Request) {
		_ = writeJSON(w, diskapi.Resource{Path: "/Docs/A.txt", Type: diskapi.KindFile, MD5: "remote-hash"})
	})
	mux.HandleFunc("/resources/upload", func(w http.ResponseWriter, r *http.Request) {
		uploadCalled = true
		_ = writeJSON(w, diskapi.Link{Href: "http://" + r.Host + "/put"})
	})
	mux.HandleFunc("/resources/download", func(w http.ResponseWriter, r *http.Request) {
		_ = writeJSON(w, diskapi.Link{Href: "http://" + r.Host + "/blob"})
	})
	mux.HandleFunc("/blob", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("remote content"))
	})

	h := newTestHarness(t, mux)
	ctx := context.Background()

	require.NoError(t, os.MkdirAll(filepath.Join(h.SyncRoot, "Docs"), 0o755))
	localPath := filepath.Join(h.SyncRoot, "Docs", "A.txt")
	require.NoError(t, os.WriteFile(localPath, []byte("local edit"), 0o644))
	require.NoError(t, os.Chtimes(localPath, h.Now, h.Now))

	item, err := h.Store.UpsertItem(ctx, index.Item{
		Path: "/Docs/A.txt", ParentPath: "/Docs", Name: "A.txt", Kind: index.KindFile,
		ContentHash: "local-baseline-hash", LastSyncedHash: "baseline-hash",
	})
	require.NoError(t, err)
	require.NoError(t, h.Engine.EnqueueUpload(ctx, "/Docs/A.txt"))

	more, err := h.Engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, more)
	assert.False(t, uploadCalled, "a KeepBoth decision must not upload the local file")

	wantRenamed := fmt.Sprintf("Docs/A (conflict %d).txt", h.Now.Unix())
	_, statErr := os.Stat(filepath.Join(h.SyncRoot, wantRenamed))
	require.NoError(t, statErr, "local file must be renamed aside")

	_, statErr = os.Stat(localPath)
	assert.True(t, os.IsNotExist(statErr), "original path must be vacated for the incoming download")

	data, err := os.ReadFile(filepath.Join(h.CacheRoot, "Docs", "A.txt"))
	require.NoError(t, err)
	assert.Equal(t, "remote content", string(data))

	conflicts, err := h.Store.ListConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "/Docs/A.txt", conflicts[0].Path)
	assert.Equal(t, wantRenamed, conflicts[0].RenamedLocal)
	assert.Equal(t, "both-changed", conflicts[0].Reason)

	st, err := h.Store.GetState(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, index.StateCached, st.State)
}

func TestRunOnceMkdirUpsertsDirectoryItem(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/resources", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			_ = writeJSON(w, diskapi.Resource{Path: "/Docs/New", Type: diskapi.KindDir, ResourceID: "r1"})
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})

	h := newTestHarness(t, mux)
	ctx := context.Background()

	require.NoError(t, h.Engine.EnqueueMkdir(ctx, "/Docs/New"))

	more, err := h.Engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, more)

	item, err := h.Store.GetItemByPath(ctx, "/Docs/New")
	require.NoError(t, err)
	assert.Equal(t, "r1", item.ResourceID)

	st, err := h.Store.GetState(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, index.StateCached, st.State)
}

func TestRunOnceDeleteSynchronousRemovesItem(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/resources", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	h := newTestHarness(t, mux)
	ctx := context.Background()

	item, err := h.Store.UpsertItem(ctx, index.Item{
		Path: "/Docs/A.txt", ParentPath: "/Docs", Name: "A.txt", Kind: index.KindFile,
	})
	require.NoError(t, err)
	require.NoError(t, h.Store.SetState(ctx, item.ID, index.StateCached))
	require.NoError(t, h.Engine.EnqueueDelete(ctx, "/Docs/A.txt"))

	more, err := h.Engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, more)

	_, err = h.Store.GetItemByPath(ctx, "/Docs/A.txt")
	assert.ErrorIs(t, err, index.ErrNotFound)
}

func TestRunOnceDeleteAsyncPollsUntilSuccess(t *testing.T) {
	polls := 0

	mux := http.NewServeMux()
	mux.HandleFunc("/resources", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_ = writeJSON(w, diskapi.TransferLink{Href: "http://" + r.Host + "/op/1"})
	})
	mux.HandleFunc("/op/1", func(w http.ResponseWriter, r *http.Request) {
		polls++
		if polls < 2 {
			_ = writeJSON(w, diskapi.OperationStatus{Status: diskapi.OperationInProgress})
			return
		}
		_ = writeJSON(w, diskapi.OperationStatus{Status: diskapi.OperationSuccess})
	})

	h := newTestHarness(t, mux)
	ctx := context.Background()

	item, err := h.Store.UpsertItem(ctx, index.Item{
		Path: "/Docs/A.txt", ParentPath: "/Docs", Name: "A.txt", Kind: index.KindFile,
	})
	require.NoError(t, err)
	require.NoError(t, h.Store.SetState(ctx, item.ID, index.StateCached))
	require.NoError(t, h.Engine.EnqueueDelete(ctx, "/Docs/A.txt"))

	more, err := h.Engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, more)
	assert.GreaterOrEqual(t, polls, 2)

	_, err = h.Store.GetItemByPath(ctx, "/Docs/A.txt")
	assert.ErrorIs(t, err, index.ErrNotFound)
}

func TestRunOnceMoveUpsertsDestinationAndDeletesSource(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/resources/move", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	h := newTestHarness(t, mux)
	ctx := context.Background()

	src, err := h.Store.UpsertItem(ctx, index.Item{
		Path: "/Docs/A.txt", ParentPath: "/Docs", Name: "A.txt", Kind: index.KindFile,
		ContentHash: "abc", Size: 5,
	})
	require.NoError(t, err)
	require.NoError(t, h.Store.SetState(ctx, src.ID, index.StateCached))
	require.NoError(t, h.Store.SetPinned(ctx, src.ID, true))

	require.NoError(t, h.Engine.EnqueueMove(ctx, "/Docs/A.txt", "/Docs/B.txt", ActionMove))

	more, err := h.Engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, more)

	_, err = h.Store.GetItemByPath(ctx, "/Docs/A.txt")
	assert.ErrorIs(t, err, index.ErrNotFound)

	dest, err := h.Store.GetItemByPath(ctx, "/Docs/B.txt")
	require.NoError(t, err)
	assert.Equal(t, "abc", dest.ContentHash)

	st, err := h.Store.GetState(ctx, dest.ID)
	require.NoError(t, err)
	assert.Equal(t, index.StateCached, st.State)
	assert.True(t, st.Pinned)
}

func TestRunOnceMoveFallsBackToUploadWhenSourceUnknown(t *testing.T) {
	var uploadCalled bool

	mux := http.NewServeMux()
	mux.HandleFunc("/resources/upload", func(w http.ResponseWriter, r *http.Request) {
		uploadCalled = true
		_ = writeJSON(w, diskapi.Link{Href: "http://" + r.Host + "/put"})
	})
	mux.HandleFunc("/put", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	h := newTestHarness(t, mux)
	ctx := context.Background()

	require.NoError(t, os.MkdirAll(filepath.Join(h.SyncRoot, "Docs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(h.SyncRoot, "Docs", "B.txt"), []byte("edited"), 0o644))

	payload, err := encodeMovePayload(MovePayload{From: "/Docs/A.txt", To: "/Docs/B.txt", Action: ActionMove, Overwrite: true})
	require.NoError(t, err)
	_, err = h.Store.EnqueueOp(ctx, index.OpMove, "/Docs/A.txt", payload, 0, nil)
	require.NoError(t, err)

	more, err := h.Engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, more)
	assert.False(t, uploadCalled) // the fallback enqueues an Upload op, it doesn't execute it inline

	more, err = h.Engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, more)
	assert.True(t, uploadCalled)
}

func TestRunOnceTransientErrorRequeuesWithBackoff(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/resources/download", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	h := newTestHarness(t, mux)
	h.withBackoff(t, &backoffNoJitter2s)
	ctx := context.Background()

	item, err := h.Store.UpsertItem(ctx, index.Item{
		Path: "/Docs/A.txt", ParentPath: "/Docs", Name: "A.txt", Kind: index.KindFile,
	})
	require.NoError(t, err)
	require.NoError(t, h.Engine.EnqueueDownload(ctx, "/Docs/A.txt"))

	more, err := h.Engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, more)

	st, err := h.Store.GetState(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, index.StateError, st.State)
	require.NotNil(t, st.RetryAt)
	assert.Greater(t, *st.RetryAt, h.Now.Unix())

	// Not yet ready (retry_at is in the future), so nothing dequeues now.
	_, err = h.Store.DequeueOp(ctx, h.Now.Unix())
	assert.ErrorIs(t, err, index.ErrNotFound)
}

func TestRunOncePermanentErrorDemotesWithoutRequeue(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/resources/download", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	h := newTestHarness(t, mux)
	ctx := context.Background()

	item, err := h.Store.UpsertItem(ctx, index.Item{
		Path: "/Docs/A.txt", ParentPath: "/Docs", Name: "A.txt", Kind: index.KindFile,
	})
	require.NoError(t, err)
	require.NoError(t, h.Engine.EnqueueDownload(ctx, "/Docs/A.txt"))

	more, err := h.Engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, more)

	st, err := h.Store.GetState(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, index.StateError, st.State)
	assert.Nil(t, st.RetryAt)

	_, err = h.Store.DequeueOp(ctx, h.Now.Unix())
	assert.ErrorIs(t, err, index.ErrNotFound)
}

func TestRunOnceRetryBudgetExhaustionDemotesPermanently(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/resources/download", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	h := newTestHarness(t, mux)
	h.Engine.maxRetryAttempts = 1
	ctx := context.Background()

	item, err := h.Store.UpsertItem(ctx, index.Item{
		Path: "/Docs/A.txt", ParentPath: "/Docs", Name: "A.txt", Kind: index.KindFile,
	})
	require.NoError(t, err)
	require.NoError(t, h.Engine.EnqueueDownload(ctx, "/Docs/A.txt"))

	more, err := h.Engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, more)

	st, err := h.Store.GetState(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, index.StateError, st.State)
	assert.Nil(t, st.RetryAt) // demoted permanently, not requeued
}

func TestRunOnceAuthErrorRefreshesTokenAndRetries(t *testing.T) {
	attempts := 0

	mux := http.NewServeMux()
	mux.HandleFunc("/resources/download", func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if r.Header.Get("Authorization") == "OAuth stale" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = writeJSON(w, diskapi.Link{Href: "http://" + r.Host + "/blob"})
	})
	mux.HandleFunc("/blob", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("content"))
	})

	refreshed := false

	h := newTestHarness(t, mux)

	// Force RefreshNow to succeed by swapping in a fake token endpoint.
	refreshSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = writeJSON(w, diskapi.TokenResponse{AccessToken: "fresh", TokenType: "bearer"})
	}))
	t.Cleanup(refreshSrv.Close)

	tokens := token.NewProvider(token.Config{
		Initial:      token.Token{AccessToken: "stale", RefreshToken: "refresh-me"},
		TokenURL:     refreshSrv.URL,
		ClientID:     "client",
		ClientSecret: "secret",
		Now:          func() time.Time { return h.Now },
		OnRefresh:    func(token.Token) { refreshed = true },
	})

	h.withTokens(t, tokens)
	ctx := context.Background()

	item, err := h.Store.UpsertItem(ctx, index.Item{
		Path: "/Docs/A.txt", ParentPath: "/Docs", Name: "A.txt", Kind: index.KindFile,
	})
	require.NoError(t, err)
	require.NoError(t, h.Engine.EnqueueDownload(ctx, "/Docs/A.txt"))

	more, err := h.Engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, more)
	assert.True(t, refreshed)
	assert.Equal(t, 2, attempts) // one 401, one retry after refresh

	st, err := h.Store.GetState(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, index.StateCached, st.State)
}

func md5Hex(data []byte) string {
	sum := md5.Sum(data) //nolint:gosec // test fixture, matches the remote API's content hash algorithm
	return hex.EncodeToString(sum[:])
}

func writeJSON(w http.ResponseWriter, v any) error {
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(v)
}

func readAll(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}
