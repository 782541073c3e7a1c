package hub

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func mkSnapshot(t *testing.T, root, modelID string, revs ...string) {
	t.Helper()
	for _, rev := range revs {
		if err := os.MkdirAll(filepath.Join(root, CacheDirName(modelID), SnapshotDir, rev), 0o755); err != nil {
			t.Fatal(err)
		}
	}
}

func TestCacheDirName(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"gpt2":                  "models--gpt2",
		"openai-community/gpt2": "models--openai-community--gpt2",
	}
	for in, want := range tests {
		if got := CacheDirName(in); got != want {
			t.Errorf("CacheDirName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestValidateModelID(t *testing.T) {
	t.Parallel()

	for _, id := range []string{"gpt2", "org/model", "org/model-v1.5"} {
		if err := ValidateModelID(id); err != nil {
			t.Errorf("ValidateModelID(%q): %v", id, err)
		}
	}
	for _, id := range []string{"", "/gpt2", "org/", "a/b/c", "../etc", `org\x`} {
		if err := ValidateModelID(id); !errors.Is(err, ErrInvalidModelID) {
			t.Errorf("ValidateModelID(%q) = %v, want ErrInvalidModelID", id, err)
		}
	}
}

func TestFindSnapshotMisses(t *testing.T) {
	t.Parallel()
	root := t.TempDir()

	if _, ok := FindSnapshot(filepath.Join(root, "does-not-exist"), "gpt2"); ok {
		t.Fatal("missing cache root must be a miss")
	}
	if _, ok := FindSnapshot("", "gpt2"); ok {
		t.Fatal("empty cache root must be a miss")
	}
	if _, ok := FindSnapshot(root, "gpt2"); ok {
		t.Fatal("missing model dir must be a miss")
	}

	snaps := filepath.Join(root, CacheDirName("gpt2"), SnapshotDir)
	if err := os.MkdirAll(snaps, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(snaps, "stray-file"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, ok := FindSnapshot(root, "gpt2"); ok {
		t.Fatal("snapshots dir without directories must be a miss")
	}
}

func TestFindSnapshotSelection(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	mkSnapshot(t, root, "org/model", "bbb", "ccc", "aaa")

	got, ok := FindSnapshot(root, "org/model")
	if !ok {
		t.Fatal("expected a hit")
	}
	if filepath.Base(got) != "ccc" {
		t.Fatalf("picked %s, want lexicographically last ccc", got)
	}

	refs := filepath.Join(root, CacheDirName("org/model"), RefsDir)
	if err := os.MkdirAll(refs, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(refs, DefaultRevision), []byte("aaa\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, _ = FindSnapshot(root, "org/model")
	if filepath.Base(got) != "aaa" {
		t.Fatalf("picked %s, want refs/main target aaa", got)
	}

	if err := os.WriteFile(filepath.Join(refs, DefaultRevision), []byte("gone"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, _ = FindSnapshot(root, "org/model")
	if filepath.Base(got) != "ccc" {
		t.Fatalf("dangling ref: picked %s, want ccc", got)
	}
}

func TestDefaultCacheDir(t *testing.T) {
	t.Setenv(EnvHubCache, "")
	t.Setenv(EnvHFHome, "/data/hf")
	if got := DefaultCacheDir(); got != filepath.Join("/data/hf", "hub") {
		t.Fatalf("HF_HOME: got %s", got)
	}
	t.Setenv(EnvHubCache, "/cache/hub")
	if got := DefaultCacheDir(); got != "/cache/hub" {
		t.Fatalf("HF_HUB_CACHE: got %s", got)
	}
	t.Setenv(EnvHubCache, "")
	t.Setenv(EnvHFHome, "")
	t.Setenv("XDG_CACHE_HOME", "/xdg")
	if got := DefaultCacheDir(); got != filepath.Join("/xdg", "huggingface", "hub") {
		t.Fatalf("XDG_CACHE_HOME: got %s", got)
	}
}
