package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "orchestrator.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

const validConfig = `
[general]
log_level = "debug"
log_format = "text"

[store]
path = "/tmp/orchestrator-test.db"
busy_timeout = "10s"
max_open_conns = 1
claim_lock_ttl = "45s"

[bus]
embedded = true
cache_ttl = "15s"
lock_ttl = "45s"

[tracking]
enabled = true
stream_buffer_size = 500
decision_limit = 250

[vector]
dimension = 8
min_similarity = 0.6
index_lists = 0

[retention]
strategy = "time"
max_age_days = 30
interval_hours = 6

[fairness]
window_hours = 12
assignment_threshold = 5

[governance]
approval_expiry_hours = 24
`

func TestLoadValidConfig(t *testing.T) {
	path := writeTestConfig(t, validConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.General.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.General.LogLevel)
	}
	if cfg.Store.BusyTimeout.Duration != 10*time.Second {
		t.Errorf("BusyTimeout = %v, want 10s", cfg.Store.BusyTimeout)
	}
	if cfg.Store.ClaimLockTTL.Duration != 45*time.Second {
		t.Errorf("ClaimLockTTL = %v, want 45s", cfg.Store.ClaimLockTTL)
	}
	if cfg.Tracking.StreamBufferSize != 500 {
		t.Errorf("StreamBufferSize = %d, want 500", cfg.Tracking.StreamBufferSize)
	}
	if cfg.Vector.Dimension != 8 {
		t.Errorf("Vector.Dimension = %d, want 8", cfg.Vector.Dimension)
	}
	if cfg.Retention.Strategy != "time" {
		t.Errorf("Retention.Strategy = %q, want time", cfg.Retention.Strategy)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	if err != nil {
		t.Fatalf("Load should not fail on a missing file: %v", err)
	}
	if cfg.Vector.Dimension != 1536 {
		t.Errorf("expected default vector dimension, got %d", cfg.Vector.Dimension)
	}
	if cfg.Retention.Strategy != "hybrid" {
		t.Errorf("expected default retention strategy hybrid, got %q", cfg.Retention.Strategy)
	}
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") should not fail: %v", err)
	}
	if cfg.Governance.ApprovalExpiryHours != 72 {
		t.Errorf("expected default approval expiry 72h, got %d", cfg.Governance.ApprovalExpiryHours)
	}
}

func TestLoadPartialOverridesKeepDefaults(t *testing.T) {
	path := writeTestConfig(t, `
[fairness]
assignment_threshold = 99
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Fairness.AssignmentThreshold != 99 {
		t.Errorf("expected overridden threshold 99, got %d", cfg.Fairness.AssignmentThreshold)
	}
	if cfg.Fairness.WindowHours != 24 {
		t.Errorf("expected default window_hours to survive partial override, got %d", cfg.Fairness.WindowHours)
	}
}

func TestDurationUnmarshal(t *testing.T) {
	tests := []struct {
		input string
		want  time.Duration
	}{
		{"60s", 60 * time.Second},
		{"2m", 2 * time.Minute},
		{"1h", time.Hour},
		{"500ms", 500 * time.Millisecond},
	}
	for _, tt := range tests {
		var d Duration
		if err := d.UnmarshalText([]byte(tt.input)); err != nil {
			t.Errorf("UnmarshalText(%q) error: %v", tt.input, err)
			continue
		}
		if d.Duration != tt.want {
			t.Errorf("UnmarshalText(%q) = %v, want %v", tt.input, d.Duration, tt.want)
		}
	}
}

func TestDurationUnmarshalInvalid(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("not-a-duration")); err == nil {
		t.Error("expected error for invalid duration")
	}
}

func TestDurationMarshalRoundTrip(t *testing.T) {
	d := Duration{30 * time.Second}
	text, err := d.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText failed: %v", err)
	}
	var back Duration
	if err := back.UnmarshalText(text); err != nil {
		t.Fatalf("UnmarshalText failed: %v", err)
	}
	if back.Duration != d.Duration {
		t.Errorf("round trip = %v, want %v", back.Duration, d.Duration)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	cfg := Default()
	clone := cfg.Clone()
	clone.Fairness.AssignmentThreshold = 1000
	if cfg.Fairness.AssignmentThreshold == 1000 {
		t.Fatal("mutating a clone should not affect the original")
	}
}
