// Package hub reads and fills a Hugging Face hub style model cache:
// <root>/models--Org--Name/snapshots/<revision>/ with refs/<branch> naming the
// revision a branch points at.
package hub

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

const (
	CacheModelPrefix = "models--"
	SnapshotDir      = "snapshots"
	RefsDir          = "refs"
	DefaultRevision  = "main"

	EnvHubCache = "HF_HUB_CACHE"
	EnvHFHome   = "HF_HOME"
)

var ErrInvalidModelID = errors.New("invalid model id")

// CacheDirName maps "Org/Model" to "models--Org--Model".
func CacheDirName(modelID string) string {
	return CacheModelPrefix + strings.ReplaceAll(modelID, "/", "--")
}

// ValidateModelID accepts "name" and "owner/name" ids.
func ValidateModelID(modelID string) error {
	if modelID == "" {
		return fmt.Errorf("%w: empty", ErrInvalidModelID)
	}
	parts := strings.Split(modelID, "/")
	if len(parts) > 2 {
		return fmt.Errorf("%w: %q has more than one '/'", ErrInvalidModelID, modelID)
	}
	for _, p := range parts {
		if p == "" || p == "." || p == ".." || strings.ContainsAny(p, `\`) {
			return fmt.Errorf("%w: %q", ErrInvalidModelID, modelID)
		}
	}
	return nil
}

// FindSnapshot looks for a cached snapshot of modelID under cacheRoot.
//
// When several snapshots exist, the revision named by refs/main wins if it is
// present; otherwise the lexicographically last snapshot name is used so the
// choice never depends on directory listing order. A missing cache root or
// model directory is reported as not found, never as an error.
func FindSnapshot(cacheRoot, modelID string) (string, bool) {
	if cacheRoot == "" || ValidateModelID(modelID) != nil {
		return "", false
	}
	modelDir := filepath.Join(cacheRoot, CacheDirName(modelID))
	snapRoot := filepath.Join(modelDir, SnapshotDir)
	entries, err := os.ReadDir(snapRoot)
	if err != nil {
		return "", false
	}

	var names []string
	for _, e := range entries {
		// os.Stat follows symlinked snapshot directories.
		if st, err := os.Stat(filepath.Join(snapRoot, e.Name())); err == nil && st.IsDir() {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", false
	}

	if ref, err := os.ReadFile(filepath.Join(modelDir, RefsDir, DefaultRevision)); err == nil {
		if rev := strings.TrimSpace(string(ref)); slices.Contains(names, rev) {
			return filepath.Join(snapRoot, rev), true
		}
	}
	slices.Sort(names)
	return filepath.Join(snapRoot, names[len(names)-1]), true
}

// DefaultCacheDir resolves the download cache the way huggingface_hub does:
// HF_HUB_CACHE, then $HF_HOME/hub, then $XDG_CACHE_HOME/huggingface/hub, then
// ~/.cache/huggingface/hub.
func DefaultCacheDir() string {
	if dir := os.Getenv(EnvHubCache); dir != "" {
		return dir
	}
	if home := os.Getenv(EnvHFHome); home != "" {
		return filepath.Join(home, "hub")
	}
	base := os.Getenv("XDG_CACHE_HOME")
	if base == "" {
		if home, err := os.UserHomeDir(); err == nil {
			base = filepath.Join(home, ".cache")
		} else {
			base = filepath.Join(os.TempDir(), "huggingface_cache")
		}
	}
	return filepath.Join(base, "huggingface", "hub")
}
