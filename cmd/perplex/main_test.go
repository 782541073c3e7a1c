package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/samcharles93/perplex/internal/hub"
	"github.com/samcharles93/perplex/internal/toy"
)

// setupCache points the CLI at a hub cache holding a toy gpt2 snapshot and
// at an unreachable hub, so a cache miss would fail loudly.
func setupCache(t *testing.T) {
	t.Helper()
	root := t.TempDir()
	snap := filepath.Join(root, hub.CacheDirName("gpt2"), hub.SnapshotDir, "0000")
	if err := toy.WriteCheckpoint(snap, toy.DefaultCheckpoint); err != nil {
		t.Fatalf("WriteCheckpoint: %v", err)
	}
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("PERPLEX_CACHE_DIR", root)
	t.Setenv("PERPLEX_DOWNLOAD_DIR", t.TempDir())
	t.Setenv("PERPLEX_DEFAULT_MODEL", "gpt2")
	t.Setenv("PERPLEX_LOG_FORMAT", "text")
	t.Setenv(hub.EnvEndpoint, "http://127.0.0.1:1")
}

func TestRunDefaultText(t *testing.T) {
	setupCache(t)
	var stdout, stderr bytes.Buffer
	app := newApp(&stdout, &stderr)
	if err := app.Run(context.Background(), []string{"perplex"}); err != nil {
		t.Fatalf("Run: %v\nstderr: %s", err, stderr.String())
	}
	out := stdout.String()
	if !strings.HasPrefix(out, "Calculating perplexity for: 'I went to the store'\n\n") {
		t.Fatalf("unexpected header:\n%s", out)
	}
	for _, want := range []string{"Total Perplexity: ", "Per-token breakdown:", `" the"`, "JSON output:", `"by_token": [`} {
		if !strings.Contains(out, want) {
			t.Errorf("output lacks %q:\n%s", want, out)
		}
	}
}

func TestRunJoinsArguments(t *testing.T) {
	setupCache(t)
	var stdout, stderr bytes.Buffer
	if err := newApp(&stdout, &stderr).Run(context.Background(), []string{"perplex", "the", "--cat", "sat"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(stdout.String(), "Calculating perplexity for: 'the --cat sat'") {
		t.Fatalf("arguments not joined:\n%s", stdout.String())
	}
}

func TestRunFailsWithoutModel(t *testing.T) {
	setupCache(t)
	t.Setenv("PERPLEX_CACHE_DIR", t.TempDir())

	var stdout, stderr bytes.Buffer
	if err := newApp(&stdout, &stderr).Run(context.Background(), []string{"perplex", "hello"}); err == nil {
		t.Fatal("expected an error when the model is neither cached nor fetchable")
	}
}
