package syncengine

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mtanaka/disksync/internal/backoff"
	"github.com/mtanaka/disksync/internal/conflict"
	"github.com/mtanaka/disksync/internal/diskapi"
	"github.com/mtanaka/disksync/internal/index"
	"github.com/mtanaka/disksync/internal/token"
	"github.com/mtanaka/disksync/internal/transfer"
)

type staticTokens struct{ tok string }

func (s staticTokens) Token(context.Context) (string, error) { return s.tok, nil }

// fastBackoff keeps retry/poll tests from actually sleeping meaningfully.
func fastBackoff() *backoff.Backoff {
	return &backoff.Backoff{Base: time.Millisecond, Max: time.Millisecond, Jitter: false}
}

// backoffNoJitter2s produces a deterministic, whole-second delay so a test
// can assert retry_at landed strictly after "now" despite Unix-second
// truncation.
var backoffNoJitter2s = backoff.Backoff{Base: 2 * time.Second, Max: 2 * time.Second, Jitter: false}

// testHarness bundles an Engine wired against an httptest server standing in
// for the remote API, with dedicated sync and cache roots on disk.
type testHarness struct {
	Engine    *Engine
	Store     *index.Store
	Server    *httptest.Server
	SyncRoot  string
	CacheRoot string
	Now       time.Time
}

func newTestHarness(t *testing.T, handler http.Handler) *testHarness {
	t.Helper()

	store, err := index.Open(context.Background(), ":memory:", slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	api := diskapi.NewClient(srv.URL, srv.Client(), staticTokens{"secret"}, slog.Default())
	xfer := transfer.NewClient(srv.Client(), slog.Default())

	syncRoot := t.TempDir()
	cacheRoot := t.TempDir()

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	eng := New(Config{
		Index:     store,
		API:       api,
		Transfer:  xfer,
		Backoff:   fastBackoff(),
		CacheRoot: cacheRoot,
		SyncRoot:  syncRoot,
		Conflicts: conflict.New(syncRoot, slog.Default()),
		Logger:    slog.Default(),
		Now:       func() time.Time { return now },
	})

	return &testHarness{Engine: eng, Store: store, Server: srv, SyncRoot: syncRoot, CacheRoot: cacheRoot, Now: now}
}

// withBackoff rebuilds the harness's Engine with a different Backoff, for
// tests that need to observe a retry delay rather than race past it.
func (h *testHarness) withBackoff(t *testing.T, b *backoff.Backoff) {
	t.Helper()

	api := diskapi.NewClient(h.Server.URL, h.Server.Client(), staticTokens{"secret"}, slog.Default())
	xfer := transfer.NewClient(h.Server.Client(), slog.Default())

	h.Engine = New(Config{
		Index:     h.Store,
		API:       api,
		Transfer:  xfer,
		Backoff:   b,
		CacheRoot: h.CacheRoot,
		SyncRoot:  h.SyncRoot,
		Conflicts: conflict.New(h.SyncRoot, slog.Default()),
		Logger:    slog.Default(),
		Now:       func() time.Time { return h.Now },
	})
}

// withTokens rebuilds the harness's Engine with a token.Provider wired in,
// for tests exercising the Auth-refresh retry path.
func (h *testHarness) withTokens(t *testing.T, tokens *token.Provider) {
	t.Helper()

	api := diskapi.NewClient(h.Server.URL, h.Server.Client(), tokens, slog.Default())
	xfer := transfer.NewClient(h.Server.Client(), slog.Default())

	h.Engine = New(Config{
		Index:     h.Store,
		API:       api,
		Transfer:  xfer,
		Tokens:    tokens,
		Backoff:   fastBackoff(),
		CacheRoot: h.CacheRoot,
		SyncRoot:  h.SyncRoot,
		Conflicts: conflict.New(h.SyncRoot, slog.Default()),
		Logger:    slog.Default(),
		Now:       func() time.Time { return h.Now },
	})
}
