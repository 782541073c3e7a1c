package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestJSON(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelInfo)
	log.Info("hello", "key", "value")

	output := buf.String()
	for _, want := range []string{`"msg":"hello"`, `"key":"value"`, `"level":"INFO"`} {
		if !strings.Contains(output, want) {
			t.Fatalf("expected %s in output, got: %s", want, output)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := Text(&buf, slog.LevelWarn)
	log.Info("should not appear")
	log.Debug("also should not appear")
	if buf.Len() > 0 {
		t.Fatalf("expected no output below warn, got: %s", buf.String())
	}
	log.Warn("should appear")
	if !strings.Contains(buf.String(), "should appear") {
		t.Fatalf("expected warn message in output, got: %s", buf.String())
	}
}

func TestSetup(t *testing.T) {
	t.Parallel()

	cases := []struct {
		format string
		want   string
	}{
		{"json", `"job":"abc"`},
		{"text", "job=abc"},
		{"pretty", "job=abc"},
		{"", "job=abc"},
	}
	for _, tc := range cases {
		var buf bytes.Buffer
		log, err := Setup("debug", tc.format, &buf)
		if err != nil {
			t.Fatalf("Setup(%q): %v", tc.format, err)
		}
		log.Debug("scored", "job", "abc")
		if !strings.Contains(buf.String(), tc.want) {
			t.Errorf("format %q: output %q lacks %q", tc.format, buf.String(), tc.want)
		}
	}

	if _, err := Setup("info", "xml", &bytes.Buffer{}); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestWithAndGroup(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := Text(&buf, slog.LevelInfo).With("model", "gpt2").WithGroup("job")
	log.Info("done", "id", "1")

	output := buf.String()
	if !strings.Contains(output, "model=gpt2") || !strings.Contains(output, "job.id=1") {
		t.Fatalf("unexpected output: %s", output)
	}
}

func TestDiscard(t *testing.T) {
	t.Parallel()
	// Must accept every level without writing anywhere.
	log := Discard()
	log.Error("nothing")
	log.With("k", "v").Info("nothing")
}

func TestContextRoundTrip(t *testing.T) {
	t.Parallel()
	if FromContext(context.Background()) == nil {
		t.Fatal("FromContext without a logger returned nil")
	}

	var buf bytes.Buffer
	ctx := WithContext(context.Background(), JSON(&buf, slog.LevelInfo))
	FromContext(ctx).Info("from context")
	if !strings.Contains(buf.String(), "from context") {
		t.Fatalf("logger not stored in context, got: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		" ERROR ": slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for input, want := range tests {
		if got := ParseLevel(input); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestPrettyHandler(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := Pretty(&buf, slog.LevelInfo)
	log.Info("model ready", "path", "/tmp/snap", "source", "cache")

	output := buf.String()
	for _, want := range []string{"INFO", "model ready", "path=/tmp/snap source=cache"} {
		if !strings.Contains(output, want) {
			t.Fatalf("expected %q in output, got: %s", want, output)
		}
	}
	if !strings.HasSuffix(output, "\n") {
		t.Fatal("record not newline terminated")
	}
}

func TestPrettyHandlerEnabled(t *testing.T) {
	t.Parallel()
	h := NewPrettyHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn})
	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("info enabled at warn level")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Fatal("error disabled at warn level")
	}
	if !NewPrettyHandler(&bytes.Buffer{}, nil).Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("nil options should default to info")
	}
}

func TestPrettyHandlerGroups(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	h := NewPrettyHandler(&buf, nil)
	log := slog.New(h.WithGroup("a").WithAttrs([]slog.Attr{slog.String("x", "1")}).WithGroup("b").WithGroup(""))
	log.Info("msg", "k", "v")

	output := buf.String()
	if !strings.Contains(output, "a.x=1") || !strings.Contains(output, "a.b.k=v") {
		t.Fatalf("unexpected grouping: %s", output)
	}
}

func TestPrettyQuoting(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"simple":      "simple",
		"two words":   `"two words"`,
		"":            `""`,
		`say "hi"`:    `"say \"hi\""`,
		"k=v":         `"k=v"`,
		"line\nbreak": `"line\nbreak"`,
	}
	for in, want := range tests {
		if got := quoteIfNeeded(in); got != want {
			t.Errorf("quoteIfNeeded(%q) = %s, want %s", in, got, want)
		}
	}
}
