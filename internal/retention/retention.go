// Package retention implements C10: scheduled cleanup and export of tracked
// executions. Four strategies decide what to purge (time, count, hybrid, status);
// a background cron sweep runs the configured strategy on an interval; a dry run
// reports the same candidate set a real run would delete without touching the
// store.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/riftloom/fleetward/internal/config"
	"github.com/riftloom/fleetward/internal/store"
)

const defaultBatchSize = 100

// statusDefaults is the fixed per-status retention window used by the "status"
// strategy, in days.
var statusDefaults = map[store.ExecutionOutcome]int{
	store.ExecutionSucceeded: 90,
	store.ExecutionFailed:    365,
	store.ExecutionCancelled: 30,
	store.ExecutionRunning:   7,
}

const defaultStatusDays = 7

// Report summarizes the outcome of a Sweep or Export call.
type Report struct {
	Candidates int
	Deleted    int
	DryRun     bool
	Duration   time.Duration
	ExportPath string
	ExportSize int64
}

// Manager runs retention sweeps against s according to cfg.
type Manager struct {
	store  *store.Store
	cfg    config.Retention
	logger *slog.Logger
	cron   *cron.Cron
}

// New builds a retention manager. logger may be nil, in which case slog.Default
// is used.
func New(s *store.Store, cfg config.Retention, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: s, cfg: cfg, logger: logger}
}

// Start registers a cron job running Sweep on the configured interval (default
// 24h) and starts the scheduler. Stop must be called to release it.
func (m *Manager) Start(ctx context.Context) error {
	interval := m.cfg.IntervalHours
	if interval <= 0 {
		interval = 24
	}
	m.cron = cron.New()
	spec := fmt.Sprintf("@every %dh", interval)
	_, err := m.cron.AddFunc(spec, func() {
		report, err := m.Sweep(ctx)
		if err != nil {
			m.logger.Error("retention sweep failed", "error", err)
			return
		}
		m.logger.Info("retention sweep complete",
			"strategy", m.cfg.Strategy, "candidates", report.Candidates,
			"deleted", report.Deleted, "dry_run", report.DryRun, "duration", report.Duration)
	})
	if err != nil {
		return fmt.Errorf("retention: schedule sweep: %w", err)
	}
	m.cron.Start()
	return nil
}

// Stop halts the background scheduler, waiting for any in-flight sweep.
func (m *Manager) Stop() {
	if m.cron != nil {
		<-m.cron.Stop().Done()
	}
}

// Sweep computes the candidate set for the configured strategy and, unless
// cfg.DryRun is set, deletes it in batches. A dry run and a subsequent real run
// against unchanged data report the same candidate count.
func (m *Manager) Sweep(ctx context.Context) (Report, error) {
	start := time.Now()
	keys, err := m.store.ListExecutionKeys(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("retention: list execution keys: %w", err)
	}

	var candidates []store.ExecutionKey
	switch m.cfg.Strategy {
	case "count":
		candidates = m.selectByCount(keys)
	case "hybrid":
		byTime := m.selectByTime(keys, time.Now())
		candidates = m.selectByCount(remove(keys, byTime))
		candidates = append(candidates, byTime...)
	case "status":
		candidates = m.selectByStatus(keys, time.Now())
	default: // "time" and unrecognized strategies fall back to time-based
		candidates = m.selectByTime(keys, time.Now())
	}

	report := Report{Candidates: len(candidates), DryRun: m.cfg.DryRun}
	if m.cfg.DryRun || len(candidates) == 0 {
		report.Duration = time.Since(start)
		return report, nil
	}

	ids := make([]string, len(candidates))
	for i, k := range candidates {
		ids[i] = k.ID
	}
	batch := m.cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	deleted, err := m.store.DeleteExecutions(ctx, ids, batch)
	if err != nil {
		return report, fmt.Errorf("retention: delete executions: %w", err)
	}
	report.Deleted = deleted
	report.Duration = time.Since(start)
	return report, nil
}

// failedRetentionCutoff returns how far back a failed execution's started_at may
// reach before it is eligible for deletion under keep_failed_longer.
func (m *Manager) failedRetentionCutoff(now time.Time) time.Time {
	days := m.cfg.FailedRetentionDays
	if days <= 0 {
		days = statusDefaults[store.ExecutionFailed]
	}
	return now.AddDate(0, 0, -days)
}

func (m *Manager) selectByTime(keys []store.ExecutionKey, now time.Time) []store.ExecutionKey {
	maxAge := m.cfg.MaxAgeDays
	if maxAge <= 0 {
		maxAge = 90
	}
	cutoff := now.AddDate(0, 0, -maxAge)
	failedCutoff := m.failedRetentionCutoff(now)

	var out []store.ExecutionKey
	for _, k := range keys {
		if m.cfg.KeepFailedLonger && k.Outcome == store.ExecutionFailed {
			if k.StartedAt.Before(failedCutoff) {
				out = append(out, k)
			}
			continue
		}
		if k.StartedAt.Before(cutoff) {
			out = append(out, k)
		}
	}
	return out
}

// selectByCount keeps the most recent MaxRecordsPerKey executions for each
// persona and marks the rest as candidates.
func (m *Manager) selectByCount(keys []store.ExecutionKey) []store.ExecutionKey {
	keep := m.cfg.MaxRecordsPerKey
	if keep <= 0 {
		keep = 1000
	}
	byPersona := map[string][]store.ExecutionKey{}
	for _, k := range keys {
		byPersona[k.Persona] = append(byPersona[k.Persona], k)
	}

	var out []store.ExecutionKey
	for _, group := range byPersona {
		sort.Slice(group, func(i, j int) bool { return group[i].StartedAt.After(group[j].StartedAt) })
		if len(group) > keep {
			out = append(out, group[keep:]...)
		}
	}
	return out
}

func (m *Manager) selectByStatus(keys []store.ExecutionKey, now time.Time) []store.ExecutionKey {
	var out []store.ExecutionKey
	for _, k := range keys {
		days, ok := statusDefaults[k.Outcome]
		if !ok {
			days = defaultStatusDays
		}
		if k.StartedAt.Before(now.AddDate(0, 0, -days)) {
			out = append(out, k)
		}
	}
	return out
}

func remove(all, excluded []store.ExecutionKey) []store.ExecutionKey {
	skip := make(map[string]bool, len(excluded))
	for _, k := range excluded {
		skip[k.ID] = true
	}
	var out []store.ExecutionKey
	for _, k := range all {
		if !skip[k.ID] {
			out = append(out, k)
		}
	}
	return out
}
