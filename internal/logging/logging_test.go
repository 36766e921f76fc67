package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
)

func TestJSONLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "debug", Format: "json", Output: &buf})

	log.With(Uint16("node_id", 7)).Warn(context.Background(), "capability rejected",
		String("name", "speed.left"), Err(errors.New("duplicate name")))

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("unmarshal log line %q: %v", buf.String(), err)
	}
	if line["msg"] != "capability rejected" || line["level"] != "WARN" {
		t.Fatalf("unexpected line: %v", line)
	}
	if line["node_id"] != float64(7) || line["name"] != "speed.left" || line["error"] != "duplicate name" {
		t.Fatalf("missing fields: %v", line)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "warn", Output: &buf})
	log.Info(context.Background(), "dropped")
	if buf.Len() != 0 {
		t.Fatalf("info written at warn level: %q", buf.String())
	}
	log.Error(context.Background(), "kept")
	if buf.Len() == 0 {
		t.Fatalf("error not written at warn level")
	}
}

func TestParseLevelAndFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"DEBUG", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if got != tt.want || (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) = %v, %v", tt.in, got, err)
		}
	}
	if f, err := ParseFormat("JSON"); err != nil || f != "json" {
		t.Fatalf("ParseFormat(JSON) = %q, %v", f, err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Fatalf("ParseFormat accepted xml")
	}
}

func TestRequestLoggerReusesID(t *testing.T) {
	ctx, id := EnsureRequestID(context.Background())
	if len(id) != 26 {
		t.Fatalf("request id %q is not a ULID", id)
	}
	ctx2, id2 := EnsureRequestID(ctx)
	if id2 != id || RequestID(ctx2) != id {
		t.Fatalf("request id changed: %q -> %q", id, id2)
	}

	ctx, l := RequestLogger(ctx, nil)
	if l == nil || FromContext(ctx, nil) != l {
		t.Fatalf("request logger not stored on context")
	}
	if RequestID(ctx) != id {
		t.Fatalf("RequestLogger replaced the request id")
	}
}

func TestFromContextFallback(t *testing.T) {
	fallback := Noop()
	if got := FromContext(context.Background(), fallback); got != fallback {
		t.Fatalf("FromContext without logger = %v, want fallback", got)
	}
	if got := FromContext(context.Background(), nil); got != nil {
		t.Fatalf("FromContext without logger or fallback = %v", got)
	}
}
