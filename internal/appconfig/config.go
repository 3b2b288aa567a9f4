// Package appconfig resolves the daemon's configuration from environment
// variables only, per spec.md §6 ("Configuration (environment, enumerated)").
// Integer parsing rejects zero/negative values and falls back to the
// documented default; boolean parsing accepts {1,true,yes,on}.
package appconfig

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Environment variable names, enumerated per spec.md §6.
const (
	EnvSyncDir         = "SYNC_DIR"
	EnvCacheDir        = "CACHE_DIR"
	EnvRemoteRoot      = "REMOTE_ROOT"
	EnvCloudPollSecs   = "CLOUD_POLL_SECS"
	EnvWorkerLoopMS    = "WORKER_LOOP_MS"
	EnvEvictionSecs    = "EVICTION_SECS"
	EnvCacheMaxBytes   = "CACHE_MAX_BYTES"
	EnvEnableWatcher   = "ENABLE_LOCAL_WATCHER"
	EnvLogLevel        = "LOG_LEVEL"
	EnvLogFormat       = "LOG_FORMAT"
	EnvMetricsAddr     = "METRICS_ADDR"
	EnvMaxRetryAttempt = "MAX_RETRY_ATTEMPTS"
	EnvTokenFile       = "TOKEN_FILE"
	EnvOAuthClientID   = "OAUTH_CLIENT_ID"
	EnvOAuthSecret     = "OAUTH_CLIENT_SECRET"
	EnvOAuthTokenURL   = "OAUTH_TOKEN_URL"
	EnvAPIBaseURL      = "API_BASE_URL"
)

// appName names the default XDG subdirectory, matching the teacher's
// internal/config/paths.go convention (one constant, platform switch).
const appName = "disksync"

// Default values, per spec.md §6 and §4.5.3.
const (
	DefaultRemoteRoot      = "disk:/"
	DefaultCloudPollSecs   = 15
	DefaultWorkerLoopMS    = 500
	DefaultEvictionSecs    = 60
	DefaultCacheMaxBytes   = 2 * 1024 * 1024 * 1024 // 2 GiB
	DefaultEnableWatcher   = false
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "auto"
	DefaultMaxRetryAttempt = 10
	DefaultOAuthTokenURL   = "https://cloud-api.example.com/oauth2/token"
	DefaultAPIBaseURL      = "https://cloud-api.example.com/v1/disk"
)

// Config is the fully resolved daemon configuration.
type Config struct {
	SyncDir           string
	CacheDir          string
	DataDir           string
	RemoteRoot        string
	CloudPollInterval time.Duration
	WorkerInterval    time.Duration
	EvictionInterval  time.Duration
	CacheMaxBytes     int64
	EnableWatcher     bool
	LogLevel          string
	LogFormat         string
	MetricsAddr       string
	MaxRetryAttempts  int
	TokenFile         string
	OAuthClientID     string
	OAuthClientSecret string
	OAuthTokenURL     string
	APIBaseURL        string
}

// FromEnv resolves Config from the process environment, applying defaults
// for anything unset or invalid.
func FromEnv() Config {
	return Config{
		SyncDir:           getString(EnvSyncDir, defaultSyncDir()),
		CacheDir:          getString(EnvCacheDir, defaultCacheDir()),
		DataDir:           defaultDataDir(),
		RemoteRoot:        getString(EnvRemoteRoot, DefaultRemoteRoot),
		CloudPollInterval: time.Duration(getPositiveInt(EnvCloudPollSecs, DefaultCloudPollSecs)) * time.Second,
		WorkerInterval:    time.Duration(getPositiveInt(EnvWorkerLoopMS, DefaultWorkerLoopMS)) * time.Millisecond,
		EvictionInterval:  time.Duration(getPositiveInt(EnvEvictionSecs, DefaultEvictionSecs)) * time.Second,
		CacheMaxBytes:     getPositiveInt64(EnvCacheMaxBytes, DefaultCacheMaxBytes),
		EnableWatcher:     getBool(EnvEnableWatcher, DefaultEnableWatcher),
		LogLevel:          getString(EnvLogLevel, DefaultLogLevel),
		LogFormat:         getString(EnvLogFormat, DefaultLogFormat),
		MetricsAddr:       getString(EnvMetricsAddr, ""),
		MaxRetryAttempts:  getPositiveInt(EnvMaxRetryAttempt, DefaultMaxRetryAttempt),
		TokenFile:         getString(EnvTokenFile, defaultTokenFile()),
		OAuthClientID:     getString(EnvOAuthClientID, ""),
		OAuthClientSecret: getString(EnvOAuthSecret, ""),
		OAuthTokenURL:     getString(EnvOAuthTokenURL, DefaultOAuthTokenURL),
		APIBaseURL:        getString(EnvAPIBaseURL, DefaultAPIBaseURL),
	}
}

// defaultTokenFile returns "<data>/token.json", the persisted OAuth token
// location read at startup and rewritten on every refresh.
func defaultTokenFile() string {
	return filepath.Join(defaultDataDir(), "token.json")
}

func getString(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}

	return def
}

// getPositiveInt parses an integer env var, rejecting zero/negative values
// and falling back to def on any parse failure, per spec.md §6.
func getPositiveInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}

	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}

	return n
}

func getPositiveInt64(name string, def int64) int64 {
	v := os.Getenv(name)
	if v == "" {
		return def
	}

	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}

	return n
}

// getBool accepts {1,true,yes,on} (case-insensitive) as true; anything else
// (including unset) falls back to def.
func getBool(name string, def bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return def
	}

	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return def
	}
}

// defaultSyncDir returns $HOME/Disksync, the sync root default per spec.md §6.
func defaultSyncDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, "Disksync")
}

// defaultCacheDir returns the XDG cache directory for disksync.
func defaultCacheDir() string {
	if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
		return filepath.Join(xdg, appName)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Caches", appName)
	}

	return filepath.Join(home, ".cache", appName)
}

// defaultDataDir returns the XDG data directory for disksync, the parent of
// the index database at "<data>/sync/index.db" per spec.md §6.
func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, appName)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", appName)
	}

	return filepath.Join(home, ".local", "share", appName)
}

// IndexDBPath returns the path to the index database under DataDir.
func (c Config) IndexDBPath() string {
	return filepath.Join(c.DataDir, "sync", "index.db")
}
