// Package daemon implements the Daemon Loops of spec.md §4.6: five
// independent, restart-safe tasks coordinated under one errgroup.Group, each
// reading and writing only through the Index Store and the Sync Engine so a
// loop can be restarted or cancelled without corrupting another's state.
// Grounded on the teacher's internal/sync/transfer.go (errgroup fan-out) and
// internal/sync/engine.go (loop/interval structure).
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mtanaka/disksync/internal/index"
	"github.com/mtanaka/disksync/internal/metrics"
	"github.com/mtanaka/disksync/internal/pathns"
	"github.com/mtanaka/disksync/internal/syncengine"
)

// Engine is the subset of *syncengine.Engine the daemon loops drive.
type Engine interface {
	SyncDirectoryIncremental(ctx context.Context, root string) (syncengine.SyncDelta, error)
	RunOnce(ctx context.Context) (bool, error)
	EvictPath(ctx context.Context, p string) error
	StateForPath(ctx context.Context, p string) (syncengine.PathDisplayState, bool, error)
	ListItemsByPrefix(ctx context.Context, prefix string) ([]index.Item, error)
	ListPathStatesWithPinByPrefix(ctx context.Context, prefix string) ([]index.PathState, error)
	ListConflicts(ctx context.Context) ([]index.Conflict, error)
}

// Signal is a state-change notification the state-signal loop emits.
type Signal struct {
	Path    string
	State   syncengine.PathDisplayState
	Tray    TrayState
	Changed bool // true for every signal the state-signal loop publishes
}

// TrayState is the aggregate daemon-wide status the state-signal loop derives.
type TrayState string

const (
	TrayNormal  TrayState = "normal"
	TraySyncing TrayState = "syncing"
	TrayError   TrayState = "error"
)

// Config holds the daemon's dependencies and tunables.
type Config struct {
	Engine     Engine
	Watcher    Watcher
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	Now        func() time.Time
	RemoteRoot string
	CacheRoot  string
	SyncRoot   string

	CloudPollInterval time.Duration
	WorkerInterval    time.Duration
	EvictionInterval  time.Duration
	CacheMaxBytes     int64
	EnableWatcher     bool
}

// Watcher is the optional local-filesystem watcher, run as a sixth task
// when EnableWatcher is set. Satisfied by *watcher.Watcher.
type Watcher interface {
	Run(ctx context.Context) error
}

const (
	materializeInterval = time.Second
	stateSignalInterval = time.Second

	// signalBufferSize bounds the state-signal channel; when it is full the
	// new signal is dropped rather than block the loop (spec.md §5's
	// "events dropped... tolerated").
	signalBufferSize = 64
)

// Daemon runs the five loops of spec.md §4.6 (plus the optional watcher)
// under one errgroup until ctx is cancelled.
type Daemon struct {
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
	signals chan Signal

	materializeDisabled bool
}

// New returns a Daemon. Panics if Engine is nil.
func New(cfg Config) *Daemon {
	if cfg.Engine == nil {
		panic("daemon: Engine is required")
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	if cfg.CloudPollInterval <= 0 {
		cfg.CloudPollInterval = 15 * time.Second
	}

	if cfg.WorkerInterval <= 0 {
		cfg.WorkerInterval = 500 * time.Millisecond
	}

	if cfg.EvictionInterval <= 0 {
		cfg.EvictionInterval = 60 * time.Second
	}

	if cfg.CacheMaxBytes <= 0 {
		cfg.CacheMaxBytes = 2 * 1024 * 1024 * 1024
	}

	return &Daemon{
		cfg:     cfg,
		logger:  cfg.Logger,
		now:     cfg.Now,
		signals: make(chan Signal, signalBufferSize),
	}
}

// Signals returns the channel the state-signal loop publishes to. Callers
// that never read it are fine; the loop drops signals rather than blocking.
func (d *Daemon) Signals() <-chan Signal {
	return d.signals
}

// Run starts all loops and blocks until ctx is cancelled or one loop returns
// a fatal (non-context) error, at which point the rest are cancelled too.
func (d *Daemon) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return d.cloudPollLoop(ctx) })
	g.Go(func() error { return d.workerLoop(ctx) })
	g.Go(func() error { return d.materializeLoop(ctx) })
	g.Go(func() error { return d.evictionLoop(ctx) })
	g.Go(func() error { return d.stateSignalLoop(ctx) })

	if d.cfg.EnableWatcher && d.cfg.Watcher != nil {
		g.Go(func() error { return d.cfg.Watcher.Run(ctx) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

// cloudPollLoop reconciles the remote tree on a fixed interval, per
// spec.md §4.6.1: transport failures are logged and the loop continues.
func (d *Daemon) cloudPollLoop(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.CloudPollInterval)
	defer ticker.Stop()

	for {
		if _, err := d.cfg.Engine.SyncDirectoryIncremental(ctx, d.cfg.RemoteRoot); err != nil {
			d.logger.Error("cloud-poll: sync failed", slog.String("error", err.Error()))
		} else if d.cfg.Metrics != nil {
			d.cfg.Metrics.CycleCompleted("cloud_poll")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// workerLoop drains the op queue, sleeping WorkerInterval only once it runs
// dry, per spec.md §4.6.2.
func (d *Daemon) workerLoop(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		for {
			processed, err := d.cfg.Engine.RunOnce(ctx)
			if err != nil {
				d.logger.Error("worker: run_once failed", slog.String("error", err.Error()))
				break
			}

			if d.cfg.Metrics != nil {
				d.cfg.Metrics.CycleCompleted("worker")
			}

			if !processed {
				break
			}

			if ctx.Err() != nil {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// materializeLoop mirrors the index onto the sync tree, per spec.md §4.6.3.
// Permanently disables itself if the filesystem reports ENOSYS for a
// required call.
func (d *Daemon) materializeLoop(ctx context.Context) error {
	ticker := time.NewTicker(materializeInterval)
	defer ticker.Stop()

	for {
		if !d.materializeDisabled {
			if err := d.materializeOnce(ctx); err != nil {
				if errors.Is(err, errNotSupported) {
					d.logger.Error("materialize: filesystem does not support required operations, disabling loop")
					d.materializeDisabled = true
				} else {
					d.logger.Error("materialize: cycle failed", slog.String("error", err.Error()))
				}
			} else if d.cfg.Metrics != nil {
				d.cfg.Metrics.CycleCompleted("materialize")
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// errNotSupported marks a materialize failure as a permanent ENOSYS-class
// filesystem limitation rather than a transient I/O error.
var errNotSupported = errors.New("daemon: filesystem operation not supported")

func (d *Daemon) materializeOnce(ctx context.Context) error {
	items, err := d.cfg.Engine.ListItemsByPrefix(ctx, d.cfg.RemoteRoot)
	if err != nil {
		return fmt.Errorf("daemon: listing items for materialize: %w", err)
	}

	for _, item := range items {
		localPath, err := pathns.CachePathFor(d.cfg.SyncRoot, item.Path)
		if err != nil {
			continue
		}

		if item.Kind == index.KindDir {
			if mkErr := os.MkdirAll(localPath, 0o755); mkErr != nil {
				return classifyFSErr(mkErr)
			}

			continue
		}

		if mkErr := os.MkdirAll(filepath.Dir(localPath), 0o755); mkErr != nil {
			return classifyFSErr(mkErr)
		}

		state, found, err := d.cfg.Engine.StateForPath(ctx, item.Path)
		if err != nil || !found {
			continue
		}

		if err := d.materializeFile(localPath, item.Path, state); err != nil {
			return err
		}
	}

	return nil
}

func (d *Daemon) materializeFile(localPath, remotePath string, state syncengine.PathDisplayState) error {
	info, statErr := os.Stat(localPath)

	switch {
	case os.IsNotExist(statErr):
		f, createErr := os.Create(localPath)
		if createErr != nil {
			return classifyFSErr(createErr)
		}

		return f.Close()

	case statErr != nil:
		return classifyFSErr(statErr)

	case state == syncengine.DisplayCached && info.Size() == 0:
		cachePath, err := pathns.CachePathFor(d.cfg.CacheRoot, remotePath)
		if err != nil {
			return nil
		}

		return copyFile(cachePath, localPath)

	case state == syncengine.DisplayCloudOnly && info.Size() > 0:
		return truncateToZero(localPath)
	}

	return nil
}

func classifyFSErr(err error) error {
	if errors.Is(err, errors.ErrUnsupported) {
		return errNotSupported
	}

	return fmt.Errorf("daemon: %w", err)
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("daemon: reading cache file %q: %w", src, err)
	}

	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return classifyFSErr(err)
	}

	return nil
}

func truncateToZero(path string) error {
	if err := os.Truncate(path, 0); err != nil {
		return classifyFSErr(err)
	}

	return nil
}

// evictionLoop enforces CacheMaxBytes by demoting the least-recently
// modified cached, unpinned files back to CloudOnly, per spec.md §4.6.4.
func (d *Daemon) evictionLoop(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.EvictionInterval)
	defer ticker.Stop()

	for {
		if err := d.evictOnce(ctx); err != nil {
			d.logger.Error("eviction: cycle failed", slog.String("error", err.Error()))
		} else if d.cfg.Metrics != nil {
			d.cfg.Metrics.CycleCompleted("eviction")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

type cacheCandidate struct {
	path     string
	diskPath string
	size     int64
	modTime  time.Time
}

func (d *Daemon) evictOnce(ctx context.Context) error {
	states, err := d.cfg.Engine.ListPathStatesWithPinByPrefix(ctx, d.cfg.RemoteRoot)
	if err != nil {
		return fmt.Errorf("daemon: listing cache candidates: %w", err)
	}

	var candidates []cacheCandidate
	var total int64

	for _, ps := range states {
		if ps.State != index.StateCached || ps.Pinned {
			continue
		}

		cachePath, pathErr := pathns.CachePathFor(d.cfg.CacheRoot, ps.Path)
		if pathErr != nil {
			continue
		}

		info, statErr := os.Stat(cachePath)
		if statErr != nil {
			continue
		}

		total += info.Size()
		candidates = append(candidates, cacheCandidate{path: ps.Path, diskPath: cachePath, size: info.Size(), modTime: info.ModTime()})
	}

	if d.cfg.Metrics != nil {
		d.cfg.Metrics.SetCacheBytes(float64(total))
	}

	if total <= d.cfg.CacheMaxBytes {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].modTime.Before(candidates[j].modTime) })

	for _, c := range candidates {
		if total <= d.cfg.CacheMaxBytes {
			break
		}

		if err := d.cfg.Engine.EvictPath(ctx, c.path); err != nil {
			d.logger.Warn("eviction: evict_path failed", slog.String("path", c.path), slog.String("error", err.Error()))
			continue
		}

		total -= c.size
	}

	return nil
}

// stateSignalLoop diffs the current state snapshot against the last one and
// publishes changes, per spec.md §4.6.5.
func (d *Daemon) stateSignalLoop(ctx context.Context) error {
	ticker := time.NewTicker(stateSignalInterval)
	defer ticker.Stop()

	last := map[string]syncengine.PathDisplayState{}
	lastConflictCount := 0

	for {
		pathStates, err := d.cfg.Engine.ListPathStatesWithPinByPrefix(ctx, d.cfg.RemoteRoot)
		if err == nil {
			current := map[string]syncengine.PathDisplayState{}
			hasError, hasSyncing := false, false

			for _, ps := range pathStates {
				display := fromIndexState(ps.State)
				current[ps.Path] = display

				switch ps.State {
				case index.StateError:
					hasError = true
				case index.StateSyncing:
					hasSyncing = true
				}
			}

			for path, display := range current {
				if prev, ok := last[path]; !ok || prev != display {
					d.publish(Signal{Path: path, State: display, Tray: trayFor(hasError, hasSyncing), Changed: true})
				}
			}

			last = current

			if d.cfg.Metrics != nil {
				d.cfg.Metrics.CycleCompleted("state_signal")
			}
		}

		if conflicts, cErr := d.cfg.Engine.ListConflicts(ctx); cErr == nil && len(conflicts) != lastConflictCount {
			lastConflictCount = len(conflicts)
			d.publish(Signal{Changed: true, Tray: TrayError})
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (d *Daemon) publish(sig Signal) {
	select {
	case d.signals <- sig:
	default:
		d.logger.Warn("state-signal: signal channel full, dropping")
	}
}

func trayFor(hasError, hasSyncing bool) TrayState {
	switch {
	case hasError:
		return TrayError
	case hasSyncing:
		return TraySyncing
	default:
		return TrayNormal
	}
}

func fromIndexState(s index.StateValue) syncengine.PathDisplayState {
	switch s {
	case index.StateCloudOnly:
		return syncengine.DisplayCloudOnly
	case index.StateSyncing:
		return syncengine.DisplaySyncing
	case index.StateCached:
		return syncengine.DisplayCached
	case index.StateError:
		return syncengine.DisplayError
	default:
		return syncengine.DisplayCloudOnly
	}
}
