package telemetry

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

type sinkRecorder struct {
	mu      sync.Mutex
	entries []LogEntry
}

func (s *sinkRecorder) sink(_ context.Context, e LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func TestForwardingHandler_ForwardsAndWritesLocally(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	rec := &sinkRecorder{}

	logger := slog.New(NewForwardingHandler(inner, rec.sink, ForwardOptions{}))
	logger = logger.With("run_id", "r1").WithGroup("job")

	logger.Debug("not forwarded")
	logger.Info("imported", "rows", 5)

	if !strings.Contains(buf.String(), "not forwarded") {
		t.Error("debug record should be written locally")
	}

	if len(rec.entries) != 1 {
		t.Fatalf("expected 1 forwarded entry, got %d", len(rec.entries))
	}
	e := rec.entries[0]
	if e.Level != "INFO" {
		t.Errorf("expected INFO, got %s", e.Level)
	}
	if e.Message != "imported run_id=r1 job.rows=5" {
		t.Errorf("unexpected message: %q", e.Message)
	}
}

func TestForwardingHandler_InnerLevelRespected(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelError})
	rec := &sinkRecorder{}

	logger := slog.New(NewForwardingHandler(inner, rec.sink, ForwardOptions{Level: slog.LevelWarn}))
	logger.Warn("careful")

	if buf.Len() != 0 {
		t.Errorf("inner handler should skip WARN, got %q", buf.String())
	}
	if len(rec.entries) != 1 {
		t.Errorf("WARN should be forwarded, got %d", len(rec.entries))
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"DEBUG": slog.LevelDebug,
		"warn":  slog.LevelWarn,
		"ERROR": slog.LevelError,
		"":      slog.LevelInfo,
		"bogus": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("%q: expected %v, got %v", in, want, got)
		}
	}
}
