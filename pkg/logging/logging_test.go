package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"debug", slog.LevelDebug, false},
		{" Warning ", slog.LevelWarn, false},
		{"ERROR", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestNew_JSONRecord(t *testing.T) {
	var buf bytes.Buffer
	log := New("warn", true, &buf)

	log.Info("dropped")
	log.WithComponent("resolver").WithTarget("tv:1399:1:1").WithDuration(1500 * time.Millisecond).Warn("slow")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d records, want 1: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("record is not json: %v", err)
	}
	if rec["component"] != "resolver" || rec["target"] != "tv:1399:1:1" || rec["duration_ms"] != float64(1500) {
		t.Errorf("record attrs = %v", rec)
	}
	if _, err := time.Parse(time.RFC3339, rec["time"].(string)); err != nil {
		t.Errorf("time %q is not RFC3339: %v", rec["time"], err)
	}
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	log := New("debug", false, &buf).RequestLogger("GET", "/proxy", "10.0.0.1:5000", "req-1")

	FromContext(log.WithContext(context.Background())).Debug("hit")
	if !strings.Contains(buf.String(), "request_id=req-1") {
		t.Errorf("context logger lost request attrs: %q", buf.String())
	}

	if FromContext(context.Background()) == nil {
		t.Error("FromContext without logger returned nil")
	}
}
