package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"
)

func TestNewWritesServiceField(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "signalbot", slog.LevelInfo)
	log.Debug("hidden")
	log.Info("hello", "k", 1)

	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec); err != nil {
		t.Fatalf("expected one JSON line, got %q: %v", buf.String(), err)
	}
	if rec["service"] != "signalbot" || rec["msg"] != "hello" {
		t.Errorf("record = %v", rec)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug, "WARN": slog.LevelWarn, "error": slog.LevelError,
		"": slog.LevelInfo, "verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestTraceIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	if tid := TraceID(ctx); tid != "" {
		t.Errorf("expected empty trace id, got %q", tid)
	}
	if attrs := LogWithTrace(ctx); attrs != nil {
		t.Errorf("expected nil attrs when no trace id, got %v", attrs)
	}

	tid := GenerateTraceID("BTCUSDT:1m", time.UnixMilli(1700000000123))
	if tid != "BTCUSDT:1m-1700000000123" {
		t.Errorf("trace id = %q", tid)
	}
	ctx = WithTraceID(ctx, tid)
	if got := TraceID(ctx); got != tid {
		t.Errorf("round trip = %q", got)
	}
	if attrs := LogWithTrace(ctx); len(attrs) != 1 {
		t.Errorf("attrs = %v", attrs)
	}
}
