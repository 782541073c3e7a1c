package models

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/samcharles93/perplex/internal/backend"
	"github.com/samcharles93/perplex/internal/config"
	"github.com/samcharles93/perplex/internal/hub"
	"github.com/samcharles93/perplex/internal/perplexity"
	"github.com/samcharles93/perplex/internal/toy"
)

// writeCached lays out a toy checkpoint as a hub cache snapshot.
func writeCached(t *testing.T, root, modelID, rev string) string {
	t.Helper()
	dir := filepath.Join(root, hub.CacheDirName(modelID), hub.SnapshotDir, rev)
	if err := toy.WriteCheckpoint(dir, toy.DefaultCheckpoint); err != nil {
		t.Fatalf("WriteCheckpoint: %v", err)
	}
	return dir
}

type failingFetcher struct{ t *testing.T }

func (f failingFetcher) Fetch(context.Context, string) (string, error) {
	f.t.Error("Fetch called for a cached model")
	return "", errors.New("network disabled")
}

type countingFetcher struct {
	calls atomic.Int32
	dir   string
	err   error
}

func (f *countingFetcher) Fetch(_ context.Context, _ string) (string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return "", f.err
	}
	return f.dir, toy.WriteCheckpoint(f.dir, toy.DefaultCheckpoint)
}

func TestResolveCacheHitNeverFetches(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	want := writeCached(t, root, "org/tiny", "abc123")

	r := &Resolver{CacheRoot: root, Fetcher: failingFetcher{t}}
	h, err := r.Resolve(context.Background(), "org/tiny")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	defer func() { _ = h.Close() }()

	if h.Source != SourceCache || h.Path != want {
		t.Fatalf("handle = %s from %s, want cache at %s", h.Path, h.Source, want)
	}
	if h.ID != "org/tiny" || h.Device != backend.CPU {
		t.Fatalf("ID = %q, Device = %q", h.ID, h.Device)
	}
}

func TestResolveMissFetchesOnce(t *testing.T) {
	t.Parallel()
	f := &countingFetcher{dir: filepath.Join(t.TempDir(), "snap")}
	r := &Resolver{CacheRoot: t.TempDir(), Fetcher: f}

	h, err := r.Resolve(context.Background(), "org/remote")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	defer func() { _ = h.Close() }()

	if n := f.calls.Load(); n != 1 {
		t.Fatalf("Fetch called %d times, want 1", n)
	}
	if h.Source != SourceRemote || h.Path != f.dir {
		t.Fatalf("handle = %s from %s", h.Path, h.Source)
	}
}

func TestResolveMissingCacheRootIsAMiss(t *testing.T) {
	t.Parallel()
	f := &countingFetcher{dir: filepath.Join(t.TempDir(), "snap")}
	r := &Resolver{CacheRoot: filepath.Join(t.TempDir(), "does", "not", "exist"), Fetcher: f}

	h, err := r.Resolve(context.Background(), "gpt2")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	_ = h.Close()
	if f.calls.Load() != 1 {
		t.Fatal("expected a fetch after a missing cache root")
	}
}

func TestResolveSearchesDownloadDir(t *testing.T) {
	t.Parallel()
	downloads := t.TempDir()
	writeCached(t, downloads, "org/fetched", "f00")

	r := &Resolver{CacheRoot: t.TempDir(), DownloadDir: downloads, Fetcher: failingFetcher{t}}
	h, err := r.Resolve(context.Background(), "org/fetched")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	_ = h.Close()
	if h.Source != SourceCache {
		t.Fatalf("Source = %s, want cache", h.Source)
	}
}

func TestResolveResumesInterruptedDownload(t *testing.T) {
	t.Parallel()
	downloads := t.TempDir()
	snap := filepath.Join(downloads, hub.CacheDirName("org/half"), hub.SnapshotDir, "sha1")
	if err := os.MkdirAll(snap, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(snap, "config.json"), []byte(`{"model_type":"gpt2"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	f := &countingFetcher{dir: snap}
	r := &Resolver{CacheRoot: t.TempDir(), DownloadDir: downloads, Fetcher: f}
	for i := 0; i < 2; i++ {
		h, err := r.Resolve(context.Background(), "org/half")
		if err != nil {
			t.Fatalf("Resolve %d: %v", i, err)
		}
		_ = h.Close()
	}
	if n := f.calls.Load(); n != 1 {
		t.Fatalf("Fetch called %d times, want 1 to finish the partial snapshot", n)
	}
}

func TestResolveNotFound(t *testing.T) {
	t.Parallel()

	f := &countingFetcher{err: hub.ErrModelNotFound}
	r := &Resolver{CacheRoot: t.TempDir(), Fetcher: f}
	if _, err := r.Resolve(context.Background(), "org/missing"); !errors.Is(err, ErrModelNotFound) || !errors.Is(err, hub.ErrModelNotFound) {
		t.Fatalf("err = %v, want ErrModelNotFound wrapping the fetch error", err)
	}

	before := f.calls.Load()
	if _, err := r.Resolve(context.Background(), "a/b/c"); !errors.Is(err, ErrModelNotFound) {
		t.Fatalf("invalid id: err = %v", err)
	}
	if f.calls.Load() != before {
		t.Fatal("invalid id reached the fetcher")
	}

	noFetch := &Resolver{CacheRoot: t.TempDir()}
	if _, err := noFetch.Resolve(context.Background(), "org/missing"); !errors.Is(err, ErrModelNotFound) {
		t.Fatalf("no fetcher: err = %v", err)
	}
}

func TestLoadRejectsOtherArchitectures(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	dir := writeCached(t, root, "org/llama", "1")
	cfg := []byte(`{"model_type":"llama","architectures":["LlamaForCausalLM"]}`)
	if err := os.WriteFile(filepath.Join(dir, "config.json"), cfg, 0o644); err != nil {
		t.Fatal(err)
	}

	r := &Resolver{CacheRoot: root, Fetcher: failingFetcher{t}}
	if _, err := r.Resolve(context.Background(), "org/llama"); !errors.Is(err, ErrUnsupportedArch) {
		t.Fatalf("err = %v, want ErrUnsupportedArch", err)
	}
}

func TestLoadRejectsUnavailableDevice(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	writeCached(t, root, "gpt2", "1")
	r := &Resolver{CacheRoot: root, Device: "tpu"}
	if _, err := r.Resolve(context.Background(), "gpt2"); err == nil {
		t.Fatal("expected error for a device that is not compiled in")
	}
}

func TestHandleScoresText(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	writeCached(t, root, "gpt2", "main-sha")

	r := &Resolver{CacheRoot: root}
	h, err := r.Resolve(context.Background(), "gpt2")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	defer func() { _ = h.Close() }()

	const text = "I went to the store"
	ids, err := h.Tokenizer.Encode(text)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	res, err := perplexity.Compute(context.Background(), text, h.Pair)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if len(res.ByToken) != len(ids)-1 {
		t.Fatalf("%d scores for %d tokens", len(res.ByToken), len(ids))
	}
	for i, s := range res.ByToken {
		if s.Probability <= 0 || s.Probability > 1 {
			t.Fatalf("token %d: probability %v out of (0,1]", i, s.Probability)
		}
		if math.Abs(s.Perplexity*s.Probability-1) > 1e-9 {
			t.Fatalf("token %d: perplexity %v is not 1/probability %v", i, s.Perplexity, s.Probability)
		}
	}
	if math.IsInf(res.TotalPerplexity, 0) || res.TotalPerplexity < 1 {
		t.Fatalf("total perplexity = %v", res.TotalPerplexity)
	}
}

func TestHandleCloseIsIdempotent(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	writeCached(t, root, "gpt2", "1")
	h, err := (&Resolver{CacheRoot: root}).Resolve(context.Background(), "gpt2")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if h.Model != nil {
		t.Fatal("closed handle still exposes its model")
	}
	var nilHandle *Handle
	if err := nilHandle.Close(); err != nil {
		t.Fatalf("nil Close: %v", err)
	}
}

func TestNewResolverFromConfig(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.CacheDir = "/volume/hub"
	cfg.DownloadDir = "/scratch/hub"
	cfg.HubEndpoint = "https://mirror.example"

	r := NewResolver(cfg, backend.CPU)
	if r.CacheRoot != "/volume/hub" || r.DownloadDir != "/scratch/hub" {
		t.Fatalf("roots = %q, %q", r.CacheRoot, r.DownloadDir)
	}
	if _, ok := r.Fetcher.(*hub.Client); !ok {
		t.Fatalf("Fetcher = %T, want *hub.Client", r.Fetcher)
	}
	if r.Device != backend.CPU {
		t.Fatalf("Device = %q", r.Device)
	}
}
