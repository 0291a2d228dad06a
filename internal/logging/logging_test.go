package logging

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLevelFromVerbosity(t *testing.T) {
	cases := map[int]string{1: "debug", 2: "info", 3: "warn", 4: "error", 5: "error"}
	for v, want := range cases {
		got, err := LevelFromVerbosity(v)
		if err != nil || got != want {
			t.Fatalf("LevelFromVerbosity(%d) = %q, %v; want %q", v, got, err, want)
		}
	}
	for _, v := range []int{0, 6, -1} {
		if _, err := LevelFromVerbosity(v); err == nil {
			t.Fatalf("LevelFromVerbosity(%d) should fail", v)
		}
	}
}

func TestLevelFiltersOutput(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "warn", Output: &buf})
	log.Info(context.Background(), "quiet")
	log.Warn(context.Background(), "loud", String("segment", "argos_emane_meta"))

	out := buf.String()
	if strings.Contains(out, "quiet") {
		t.Fatalf("info line written at warn level:\n%s", out)
	}
	if !strings.Contains(out, "loud") || !strings.Contains(out, "segment=argos_emane_meta") {
		t.Fatalf("warn line missing:\n%s", out)
	}
}

func TestOpenFileAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.log")
	for _, msg := range []string{"first", "second"} {
		f, err := OpenFile(path)
		if err != nil {
			t.Fatalf("OpenFile: %v", err)
		}
		New(Config{Format: "json", Output: f}).Info(context.Background(), msg)
		f.Close()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if lines := strings.Count(string(data), "\n"); lines != 2 {
		t.Fatalf("log has %d lines, want 2:\n%s", lines, data)
	}

	if _, err := OpenFile(filepath.Join(t.TempDir(), "missing", "bridge.log")); err == nil {
		t.Fatalf("OpenFile in a missing directory should fail")
	}
}

func TestIterationLogger(t *testing.T) {
	var buf bytes.Buffer
	base := New(Config{Output: &buf})

	ctx, log := WithIterationLogger(context.Background(), base, 7)
	if n, ok := IterationFromContext(ctx); !ok || n != 7 {
		t.Fatalf("IterationFromContext = %d, %v", n, ok)
	}
	if LoggerFromContext(ctx) == nil {
		t.Fatalf("iteration logger not stored on context")
	}
	log.Info(ctx, "step")
	if !strings.Contains(buf.String(), "iteration=7") {
		t.Fatalf("iteration field missing:\n%s", buf.String())
	}

	if _, ok := IterationFromContext(context.Background()); ok {
		t.Fatalf("empty context reported an iteration")
	}
	if LoggerFromContext(context.Background()) != nil {
		t.Fatalf("empty context returned a logger")
	}
}

func TestRequestIDs(t *testing.T) {
	ctx, id := EnsureRequestID(context.Background())
	if id == "" || RequestIDFromContext(ctx) != id {
		t.Fatalf("EnsureRequestID stored %q, context has %q", id, RequestIDFromContext(ctx))
	}
	if _, again := EnsureRequestID(ctx); again != id {
		t.Fatalf("EnsureRequestID replaced %q with %q", id, again)
	}

	ctx = ContextWithRequestID(context.Background(), "abc")
	_, log := WithRequestLogger(ctx, nil)
	log.Info(ctx, "dropped")
}
