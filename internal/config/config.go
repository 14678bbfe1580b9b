// Package config loads and validates the orchestrator's TOML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like "60s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the root of the orchestrator's declarative configuration, loaded once at
// startup and thereafter accessed only through a ConfigManager.
type Config struct {
	General    General    `toml:"general"`
	Store      Store      `toml:"store"`
	Bus        Bus        `toml:"bus"`
	Temporal   Temporal   `toml:"temporal"`
	Tracking   Tracking   `toml:"tracking"`
	Vector     Vector     `toml:"vector"`
	Retention  Retention  `toml:"retention"`
	Fairness   Fairness   `toml:"fairness"`
	Governance Governance `toml:"governance"`
}

// General holds process-wide ambient settings.
type General struct {
	LogLevel  string `toml:"log_level"`  // debug, info, warn, error
	LogFormat string `toml:"log_format"` // json (default) or text
}

// Store configures the durable relational store (C1).
type Store struct {
	Path           string   `toml:"path"`            // sqlite file path, or ":memory:"
	BusyTimeout    Duration `toml:"busy_timeout"`     // sqlite busy_timeout pragma
	MaxOpenConns   int      `toml:"max_open_conns"`
	ClaimLockTTL   Duration `toml:"claim_lock_ttl"`   // TTL on the task claim lock (default 30s)
}

// Bus configures the embedded pub/sub and lock/cache layer (C2).
type Bus struct {
	Embedded      bool     `toml:"embedded"`       // run an in-process NATS server
	URL           string   `toml:"url"`            // connect URL when not embedded
	CacheTTL      Duration `toml:"cache_ttl"`      // TTL for cached read-through aggregates
	LockTTL       Duration `toml:"lock_ttl"`       // default TTL for named locks
}

// Temporal configures the workflow executor (C6).
type Temporal struct {
	HostPort  string `toml:"host_port"`
	Namespace string `toml:"namespace"`
	TaskQueue string `toml:"task_queue"`
}

// Tracking configures the execution tracker (C7).
type Tracking struct {
	Enabled           bool `toml:"enabled"`
	StreamBufferSize  int  `toml:"stream_buffer_size"`
	DecisionLimit     int  `toml:"decision_limit"`
	CaptureInput      bool `toml:"capture_input"`
	CaptureOutput     bool `toml:"capture_output"`
	CaptureContext    bool `toml:"capture_context"`
}

// Vector configures similarity retrieval (C3).
type Vector struct {
	Dimension    int     `toml:"dimension"`
	MinSimilarity float64 `toml:"min_similarity"`
	IndexLists   int     `toml:"index_lists"` // 0 disables the IVFFlat-style index (brute force only)
	NProbe       int     `toml:"nprobe"`
}

// Retention configures C10's sweep behavior.
type Retention struct {
	Strategy            string   `toml:"strategy"` // time, count, hybrid, status
	MaxAgeDays          int      `toml:"max_age_days"`
	MaxRecordsPerKey     int      `toml:"max_records_per_key"`
	KeepFailedLonger     bool     `toml:"keep_failed_longer"`
	FailedRetentionDays  int      `toml:"failed_retention_days"`
	DryRun               bool     `toml:"dry_run"`
	BatchSize            int      `toml:"batch_size"`
	IntervalHours        int      `toml:"interval_hours"`
	ExportDir            string   `toml:"export_dir"`
}

// Fairness configures C8's fairness engine.
type Fairness struct {
	WindowHours        int     `toml:"window_hours"`
	AssignmentThreshold int    `toml:"assignment_threshold"`
	CoolingOffMinutes  int     `toml:"cooling_off_minutes"`
	Min                float64 `toml:"min"`
	Max                float64 `toml:"max"`
	ScalingFactor      float64 `toml:"scaling_factor"`
	AdaptationRate     float64 `toml:"adaptation_rate"`
	Sensitivity        float64 `toml:"sensitivity"`
}

// Governance configures C8's phase-gate evaluator.
type Governance struct {
	ApprovalExpiryHours int `toml:"approval_expiry_hours"`
}

// Default returns a Config populated with sane out-of-the-box defaults for every
// section.
func Default() *Config {
	return &Config{
		General: General{LogLevel: "info", LogFormat: "json"},
		Store: Store{
			Path:         "orchestrator.db",
			BusyTimeout:  Duration{5 * time.Second},
			MaxOpenConns: 1,
			ClaimLockTTL: Duration{30 * time.Second},
		},
		Bus: Bus{
			Embedded: true,
			CacheTTL: Duration{30 * time.Second},
			LockTTL:  Duration{30 * time.Second},
		},
		Temporal: Temporal{
			HostPort:  "localhost:7233",
			Namespace: "default",
			TaskQueue: "orchestrator-task-queue",
		},
		Tracking: Tracking{
			Enabled:          true,
			StreamBufferSize: 1000,
			DecisionLimit:    500,
			CaptureInput:     true,
			CaptureOutput:    true,
			CaptureContext:   true,
		},
		Vector: Vector{
			Dimension:     1536,
			MinSimilarity: 0.7,
			IndexLists:    100,
			NProbe:        8,
		},
		Retention: Retention{
			Strategy:            "hybrid",
			MaxAgeDays:          90,
			MaxRecordsPerKey:    1000,
			KeepFailedLonger:    true,
			FailedRetentionDays: 365,
			BatchSize:           100,
			IntervalHours:       24,
			ExportDir:           "exports",
		},
		Fairness: Fairness{
			WindowHours:         24,
			AssignmentThreshold: 10,
			CoolingOffMinutes:   15,
			Min:                 0.5,
			Max:                 1.5,
			ScalingFactor:       1.5,
			AdaptationRate:      0.1,
			Sensitivity:         0.2,
		},
		Governance: Governance{ApprovalExpiryHours: 72},
	}
}

// Load reads and parses a TOML config file, filling unset fields from Default().
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return cfg, nil
}

// Clone returns a deep-enough copy for safe cross-goroutine handoff: every nested
// struct in Config is a plain value (no slices/maps holding shared backing arrays
// that this config mutates in place), so a shallow copy is sufficient.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}
