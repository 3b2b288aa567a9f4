package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/mtanaka/disksync/internal/appconfig"
	"github.com/mtanaka/disksync/internal/backoff"
	"github.com/mtanaka/disksync/internal/conflict"
	"github.com/mtanaka/disksync/internal/daemon"
	"github.com/mtanaka/disksync/internal/diskapi"
	"github.com/mtanaka/disksync/internal/environment"
	"github.com/mtanaka/disksync/internal/index"
	"github.com/mtanaka/disksync/internal/metrics"
	"github.com/mtanaka/disksync/internal/syncengine"
	"github.com/mtanaka/disksync/internal/token"
	"github.com/mtanaka/disksync/internal/tokenfile"
	"github.com/mtanaka/disksync/internal/transfer"
	"github.com/mtanaka/disksync/internal/watcher"
)

// version is set at build time via ldflags.
var version = "dev"

// httpClientTimeout bounds metadata calls; transfers run over a client with
// no timeout since large uploads are bounded by context cancellation instead.
const httpClientTimeout = 30 * time.Second

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "disksyncd",
		Short:         "Background sync daemon for a remote cloud disk",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newStatusCmd())

	return cmd
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync daemon in the foreground",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context())
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the sync state of the configured sync root and any conflicts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd.Context())
		},
	}
}

// buildLogger returns a slog.Logger writing to stderr, in JSON or text
// format depending on cfg.LogFormat ("auto" picks text for an interactive
// terminal and JSON otherwise, matching how a daemon's logs are usually
// consumed by a log collector once detached from a TTY).
func buildLogger(cfg appconfig.Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	format := cfg.LogFormat
	if format == "auto" {
		if isatty.IsTerminal(os.Stderr.Fd()) {
			format = "text"
		} else {
			format = "json"
		}
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

// bootstrap holds every constructed dependency, torn down in reverse order
// by its cleanup closures.
type bootstrap struct {
	cfg     appconfig.Config
	env     *environment.Environment
	logger  *slog.Logger
	idx     *index.Store
	engine  *syncengine.Engine
	metrics *metrics.Metrics
	watch   *watcher.Watcher
	closers []func()
}

func (b *bootstrap) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func newBootstrap(ctx context.Context) (*bootstrap, error) {
	cfg := appconfig.FromEnv()
	logger := buildLogger(cfg)

	env := environment.New(cfg.SyncDir, cfg.CacheDir, cfg.DataDir)

	b := &bootstrap{cfg: cfg, env: env, logger: logger}

	idx, err := index.Open(ctx, cfg.IndexDBPath(), logger)
	if err != nil {
		return nil, fmt.Errorf("opening index: %w", err)
	}
	b.idx = idx
	b.closers = append(b.closers, func() { idx.Close() })

	initialTok, meta, err := tokenfile.Load(cfg.TokenFile)
	if err != nil {
		return nil, fmt.Errorf("loading token file: %w", err)
	}

	tokens := token.NewProvider(token.Config{
		Initial:      fromOAuthToken(initialTok),
		TokenURL:     cfg.OAuthTokenURL,
		ClientID:     cfg.OAuthClientID,
		ClientSecret: cfg.OAuthClientSecret,
		Logger:       logger,
		OnRefresh: func(tok token.Token) {
			if err := tokenfile.Save(cfg.TokenFile, toOAuthToken(tok), meta); err != nil {
				logger.Error("persisting refreshed token", slog.Any("error", err))
			}
		},
	})

	metaHTTPClient := &http.Client{Timeout: httpClientTimeout}
	api := diskapi.NewClient(cfg.APIBaseURL, metaHTTPClient, tokens, logger)

	transferHTTPClient := &http.Client{}
	xfer := transfer.NewClient(transferHTTPClient, logger)

	resolver := conflict.New(env.SyncRoot, logger)

	engine := syncengine.New(syncengine.Config{
		Index:            idx,
		API:              api,
		Transfer:         xfer,
		Tokens:           tokens,
		Conflicts:        resolver,
		Backoff:          backoff.New(),
		CacheRoot:        env.CacheRoot,
		SyncRoot:         env.SyncRoot,
		MaxRetryAttempts: cfg.MaxRetryAttempts,
		Logger:           logger,
	})
	b.engine = engine

	m := metrics.New()
	b.metrics = m

	if cfg.EnableWatcher {
		b.watch = watcher.New(engine, env.SyncRoot, logger)
	}

	return b, nil
}

func fromOAuthToken(tok *oauth2.Token) token.Token {
	if tok == nil {
		return token.Token{}
	}

	return token.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
		TokenType:    tok.TokenType,
	}
}

func toOAuthToken(tok token.Token) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.ExpiresAt,
		TokenType:    tok.TokenType,
	}
}

func runDaemon(parent context.Context) error {
	b, err := newBootstrap(parent)
	if err != nil {
		return err
	}
	defer b.Close()

	pidPath := b.env.DataDir + "/disksyncd.pid"
	cleanupPID, err := writePIDFile(pidPath)
	if err != nil {
		return err
	}
	defer cleanupPID()

	ctx := shutdownContext(parent, b.logger)

	d := daemon.New(daemon.Config{
		Engine:            b.engine,
		Metrics:           b.metrics,
		Logger:            b.logger,
		RemoteRoot:        b.cfg.RemoteRoot,
		CacheRoot:         b.env.CacheRoot,
		SyncRoot:          b.env.SyncRoot,
		CloudPollInterval: b.cfg.CloudPollInterval,
		WorkerInterval:    b.cfg.WorkerInterval,
		EvictionInterval:  b.cfg.EvictionInterval,
		CacheMaxBytes:     b.cfg.CacheMaxBytes,
		EnableWatcher:     b.cfg.EnableWatcher,
		Watcher:           b.watch,
	})

	if b.cfg.MetricsAddr != "" {
		go func() {
			if err := b.metrics.Serve(ctx, b.cfg.MetricsAddr, b.logger); err != nil {
				b.logger.Error("metrics server stopped", slog.Any("error", err))
			}
		}()
	}

	b.logger.Info("disksyncd starting",
		slog.String("sync_dir", b.env.SyncRoot),
		slog.String("cache_dir", b.env.CacheRoot),
		slog.String("remote_root", b.cfg.RemoteRoot),
	)

	return d.Run(ctx)
}

func runStatus(ctx context.Context) error {
	b, err := newBootstrap(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	state, known, err := b.engine.StateForPath(ctx, b.cfg.RemoteRoot)
	if err != nil {
		return fmt.Errorf("reading state for %s: %w", b.cfg.RemoteRoot, err)
	}

	if known {
		fmt.Printf("%s: %s\n", b.cfg.RemoteRoot, state)
	} else {
		fmt.Printf("%s: unknown\n", b.cfg.RemoteRoot)
	}

	conflicts, err := b.engine.ListConflicts(ctx)
	if err != nil {
		return fmt.Errorf("listing conflicts: %w", err)
	}

	if len(conflicts) == 0 {
		fmt.Println("no conflicts")
		return nil
	}

	fmt.Printf("%d conflict(s):\n", len(conflicts))
	for _, c := range conflicts {
		fmt.Printf("  %s\n", c.Path)
	}

	return nil
}
