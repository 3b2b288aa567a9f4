// Package conflict implements the Conflict Resolver of spec.md §4.5.5: a
// three-way decision between the last-synced baseline, the current local
// file, and the current remote item, plus the keep-both rename policy when
// both sides diverged from the baseline.
package conflict

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// maxConflictSuffix bounds the numeric suffix tried during conflict-path
// collision avoidance; exceeding it in practice is implausible.
const maxConflictSuffix = 1000

// Decision is the outcome of the three-way comparison.
type Decision string

const (
	// NoOp means local and remote already agree; nothing to do.
	NoOp Decision = "no_op"
	// UploadLocal means only the local copy changed since the baseline.
	UploadLocal Decision = "upload_local"
	// DownloadRemote means only the remote copy changed since the baseline.
	DownloadRemote Decision = "download_remote"
	// KeepBoth means both sides changed since a known baseline (even to the
	// same content), or, with no baseline, local and remote disagree;
	// the local file is renamed aside and the remote version downloaded
	// to the original path.
	KeepBoth Decision = "keep_both"
)

// Input is the three-way comparison state for one path. BaselineKnown is
// false when the item has never completed a prior sync (e.g. simultaneous
// local and remote creation), in which case there is no baseline to compare
// against and only local-vs-remote equality matters.
type Input struct {
	BaselineKnown    bool
	BaselineHash     string
	BaselineModified int64
	LocalHash        string
	LocalModified    int64
	RemoteHash       string
	RemoteModified   int64
}

// Decide applies spec.md §4.5.5's decision table: hash equality first,
// falling back to modified-time equality only when a hash side is empty
// (directories and some remote kinds carry no content hash).
func Decide(in Input) Decision {
	localEqualsRemote := contentEqual(in.LocalHash, in.RemoteHash, in.LocalModified, in.RemoteModified)

	if !in.BaselineKnown {
		if localEqualsRemote {
			return NoOp
		}

		return KeepBoth
	}

	localEqualsBase := contentEqual(in.BaselineHash, in.LocalHash, in.BaselineModified, in.LocalModified)
	remoteEqualsBase := contentEqual(in.BaselineHash, in.RemoteHash, in.BaselineModified, in.RemoteModified)

	switch {
	case localEqualsBase && remoteEqualsBase:
		return NoOp
	case !localEqualsBase && remoteEqualsBase:
		return UploadLocal
	case localEqualsBase && !remoteEqualsBase:
		return DownloadRemote
	default:
		return KeepBoth
	}
}

// contentEqual compares two (hash, modified) observations. If both hashes
// are non-empty, the hash alone decides equality. Otherwise the modified
// times decide it.
func contentEqual(hashA, hashB string, modA, modB int64) bool {
	if hashA != "" && hashB != "" {
		return hashA == hashB
	}

	return modA == modB
}

// Resolver carries out the KeepBoth filesystem side effect: renaming the
// local file aside so neither version is lost.
type Resolver struct {
	syncRoot string
	logger   *slog.Logger
}

// New returns a Resolver rooted at syncRoot.
func New(syncRoot string, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}

	return &Resolver{syncRoot: syncRoot, logger: logger}
}

// Result is the outcome of applying KeepBoth.
type Result struct {
	RenamedLocal string
	Reason       string
}

// KeepBothRename renames the local file at relPath (relative to syncRoot)
// to "<stem> (conflict <localModified>)<ext>", per spec.md §4.5.5, where
// localModified is the local file's last-modified second. Returns the new
// path for recording in the Index Store's conflicts table.
func (r *Resolver) KeepBothRename(relPath string, localModified int64) (Result, error) {
	localPath := filepath.Join(r.syncRoot, relPath)
	conflictPath := generateConflictPath(localPath, localModified)

	r.logger.Info("conflict: renaming local file aside",
		slog.String("path", relPath),
		slog.String("conflict_path", conflictPath),
	)

	if err := os.Rename(localPath, conflictPath); err != nil {
		return Result{}, fmt.Errorf("conflict: renaming %q to conflict copy: %w", relPath, err)
	}

	rel, err := filepath.Rel(r.syncRoot, conflictPath)
	if err != nil {
		rel = conflictPath
	}

	return Result{RenamedLocal: rel, Reason: "both-changed"}, nil
}

// generateConflictPath builds "<stem> (conflict <localModified>)<ext>",
// appending a numeric suffix on collision and falling back to the bare
// path if every suffix up to maxConflictSuffix is taken.
func generateConflictPath(originalPath string, localModified int64) string {
	stem, ext := conflictStemExt(originalPath)
	tag := strconv.FormatInt(localModified, 10)

	base := stem + " (conflict " + tag + ")" + ext
	if _, err := os.Stat(base); os.IsNotExist(err) {
		return base
	}

	for i := 1; i <= maxConflictSuffix; i++ {
		candidate := fmt.Sprintf("%s (conflict %s-%d)%s", stem, tag, i, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}

	return base
}

// conflictStemExt splits originalPath into a (stem, ext) pair, treating
// dotfiles with no embedded extension (e.g. ".bashrc") as having an empty
// extension so the conflict suffix appends after the full filename.
func conflictStemExt(originalPath string) (stem, ext string) {
	base := filepath.Base(originalPath)
	dir := originalPath[:len(originalPath)-len(base)]

	if strings.HasPrefix(base, ".") && strings.Count(base, ".") == 1 {
		return dir + base, ""
	}

	ext = filepath.Ext(base)
	stem = dir + base[:len(base)-len(ext)]

	return stem, ext
}
