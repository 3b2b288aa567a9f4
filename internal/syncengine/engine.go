// Package syncengine implements the Sync Engine of spec.md §4.5: the only
// component that writes State rows outside the eviction loop's simple
// demotions. It consumes a typed API client, the Index Store, a Transfer
// Client, a cache root, and a Backoff to reconcile the remote tree,
// maintain the operation queue, and execute queued work with retry and
// token refresh.
package syncengine

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mtanaka/disksync/internal/backoff"
	"github.com/mtanaka/disksync/internal/conflict"
	"github.com/mtanaka/disksync/internal/diskapi"
	"github.com/mtanaka/disksync/internal/index"
	"github.com/mtanaka/disksync/internal/token"
	"github.com/mtanaka/disksync/internal/transfer"
)

// defaultMaxRetryAttempts is the point at which Transient/RateLimit errors
// stop being retried and the item is demoted to Error permanently.
const defaultMaxRetryAttempts = 10

// defaultOperationPollAttempts bounds polling an async move/copy/delete
// operation link before giving up.
const defaultOperationPollAttempts = 20

// Config holds the Sync Engine's dependencies.
type Config struct {
	Index            *index.Store
	API              *diskapi.Client
	Transfer         *transfer.Client
	Tokens           *token.Provider
	Conflicts        *conflict.Resolver
	Backoff          *backoff.Backoff
	CacheRoot        string
	SyncRoot         string
	MaxRetryAttempts int
	Logger           *slog.Logger
	Now              func() time.Time
}

// Engine is the Sync Engine.
type Engine struct {
	index            *index.Store
	api              *diskapi.Client
	transfer         *transfer.Client
	tokens           *token.Provider
	conflicts        *conflict.Resolver
	backoff          *backoff.Backoff
	cacheRoot        string
	syncRoot         string
	maxRetryAttempts int
	logger           *slog.Logger
	now              func() time.Time

	// maxFileSize caches the account's per-file upload limit, refreshed
	// whenever an UploadTooLarge/InsufficientStorage response is seen
	// (spec.md §4.5.3).
	maxFileSize atomic.Int64
}

// New returns an Engine. Panics if Index, API, or Transfer is nil, since
// none of the public contracts can function without them.
func New(cfg Config) *Engine {
	if cfg.Index == nil || cfg.API == nil || cfg.Transfer == nil {
		panic("syncengine: Index, API, and Transfer are required")
	}

	if cfg.Backoff == nil {
		cfg.Backoff = backoff.New()
	}

	if cfg.MaxRetryAttempts <= 0 {
		cfg.MaxRetryAttempts = defaultMaxRetryAttempts
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Engine{
		index:            cfg.Index,
		api:              cfg.API,
		transfer:         cfg.Transfer,
		tokens:           cfg.Tokens,
		conflicts:        cfg.Conflicts,
		backoff:          cfg.Backoff,
		cacheRoot:        cfg.CacheRoot,
		syncRoot:         cfg.SyncRoot,
		maxRetryAttempts: cfg.MaxRetryAttempts,
		logger:           cfg.Logger,
		now:              cfg.Now,
	}
}

// SyncDelta summarizes one sync_directory_incremental call.
type SyncDelta struct {
	Indexed           int
	Deleted           int
	EnqueuedDownloads int
}

// PathDisplayState is the aggregated, UI-facing state of spec.md §4.5.1.
type PathDisplayState string

const (
	DisplayCloudOnly PathDisplayState = "cloud_only"
	DisplaySyncing   PathDisplayState = "syncing"
	DisplayCached    PathDisplayState = "cached"
	DisplayError     PathDisplayState = "error"
	DisplayPartial   PathDisplayState = "partial"
)

// MaxFileSize returns the cached per-file upload limit, or 0 if unknown.
func (e *Engine) MaxFileSize() int64 {
	return e.maxFileSize.Load()
}

func (e *Engine) refreshMaxFileSize(ctx context.Context) {
	info, err := e.api.GetDiskInfo(ctx)
	if err != nil || info.MaxFileSize <= 0 {
		return
	}

	e.maxFileSize.Store(info.MaxFileSize)
}
