// Package pathns implements the remote path-namespace duality described in
// spec.md §4.1: the remote API accepts both a scheme-prefixed form
// ("disk:/Docs/A.txt") and a leading-slash form ("/Docs/A.txt") for the same
// resource. Every index lookup and prefix scan must match both forms.
package pathns

import (
	"errors"
	"path"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Scheme is the remote API's disk-scheme prefix.
const Scheme = "disk:"

// ErrInvalidPath is returned for empty or relative input.
var ErrInvalidPath = errors.New("pathns: invalid path")

// normalize NFC-normalizes path components and collapses "." segments so
// that visually identical paths arriving via different Unicode normal forms
// (or with redundant "./" segments from different callers) compare equal.
func normalize(p string) string {
	return path.Clean(norm.NFC.String(p))
}

// stripScheme removes a leading "disk:" prefix, if present.
func stripScheme(p string) string {
	return strings.TrimPrefix(p, Scheme)
}

// slashForm returns the leading-slash form of the path's body, e.g. "/Docs/A.txt".
func slashForm(body string) string {
	if !strings.HasPrefix(body, "/") {
		body = "/" + body
	}

	return body
}

// validate rejects empty or relative (non-rooted) input.
func validate(body string) error {
	if body == "" || body == "." {
		return ErrInvalidPath
	}

	if !strings.HasPrefix(body, "/") {
		return ErrInvalidPath
	}

	return nil
}

// CanonicalSlash returns the canonical leading-slash form of p, e.g.
// CanonicalSlash("disk:/Docs/A.txt") == "/Docs/A.txt".
func CanonicalSlash(p string) (string, error) {
	body := normalize(stripScheme(p))

	if err := validate(body); err != nil {
		return "", err
	}

	return slashForm(body), nil
}

// CanonicalDisk returns the canonical scheme-prefixed form of p, e.g.
// CanonicalDisk("/Docs/A.txt") == "disk:/Docs/A.txt".
func CanonicalDisk(p string) (string, error) {
	slash, err := CanonicalSlash(p)
	if err != nil {
		return "", err
	}

	return Scheme + slash, nil
}

// Candidates returns the pair [slash, disk] equivalent forms for p. Callers
// resolving an externally supplied path try both, since either may appear
// in local history, user input, or the on-disk index.
func Candidates(p string) ([2]string, error) {
	slash, err := CanonicalSlash(p)
	if err != nil {
		return [2]string{}, err
	}

	return [2]string{slash, Scheme + slash}, nil
}

// PrefixVariants expands a prefix into the two LIKE patterns the index
// store uses to match both path forms in a single query, e.g.
// PrefixVariants("/Docs") -> ["/Docs", "disk:/Docs"].
func PrefixVariants(prefix string) ([2]string, error) {
	slash, err := CanonicalSlash(prefix)
	if err != nil {
		return [2]string{}, err
	}

	// Root is special-cased: every path is a descendant of "/".
	if slash == "/" {
		return [2]string{"/", Scheme + "/"}, nil
	}

	slash = strings.TrimSuffix(slash, "/")

	return [2]string{slash, Scheme + slash}, nil
}

// CachePathFor maps a canonical remote path onto a local directory root,
// rejecting ".." or absolute-escaping components. remote must already be
// canonical slash form ("/x/y"); CachePathFor("/root", "/x/y") == "/root/x/y".
func CachePathFor(root, remote string) (string, error) {
	slash, err := CanonicalSlash(remote)
	if err != nil {
		return "", err
	}

	rel := strings.TrimPrefix(slash, "/")

	for _, seg := range strings.Split(rel, "/") {
		if seg == ".." || seg == "." {
			return "", ErrInvalidPath
		}
	}

	return path.Join(root, rel), nil
}

// IsUnder reports whether child is equal to or a descendant of prefix; both
// arguments must be in the same canonical form — used by in-memory aggregation that
// already holds canonical-slash paths and just needs a prefix test.
func IsUnder(prefix, child string) bool {
	if prefix == "/" {
		return true
	}

	prefix = strings.TrimSuffix(prefix, "/")

	return child == prefix || strings.HasPrefix(child, prefix+"/")
}
