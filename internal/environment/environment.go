// Package environment bundles the process-wide ambient values (clock, sync,
// cache and data roots) that would otherwise be read from package
// globals deep inside the engine. Constructed once in main and passed
// explicitly to every component that needs one of these values.
package environment

import "time"

// Environment holds values that are otherwise ambient/global: wall clock,
// filesystem roots. Passed explicitly so engine/daemon code never calls
// time.Now() or os.UserHomeDir() directly (see SPEC_FULL.md "Bootstrap").
type Environment struct {
	SyncRoot  string
	CacheRoot string
	DataDir   string

	// Now returns the current time. Defaults to time.Now; tests substitute
	// a deterministic clock so backoff/retry_at assertions don't race wall time.
	Now func() time.Time
}

// New returns an Environment with the real wall clock.
func New(syncRoot, cacheRoot, dataDir string) *Environment {
	return &Environment{
		SyncRoot:  syncRoot,
		CacheRoot: cacheRoot,
		DataDir:   dataDir,
		Now:       time.Now,
	}
}
