package governance

import (
	"context"
	"log/slog"
	"time"

	"github.com/riftloom/fleetward/internal/store"
)

// SweepSchedule governs when the periodic fairness/incident review pass runs: once
// a week, on a fixed day at a fixed time, independent of any per-call check_phase_gate.
type SweepSchedule struct {
	DayOfWeek   time.Weekday
	TimeOfDay   time.Time // date ignored, only hour:minute used
	LastChecked time.Time
	LastRan     time.Time
}

// ShouldRunSweep reports whether the governance sweep should fire now. It throttles
// to once per hour of checking and once per calendar day of running, firing only on
// the schedule's day of week at or after its time of day.
func ShouldRunSweep(now time.Time, schedule SweepSchedule) bool {
	if now.Sub(schedule.LastChecked) < time.Hour {
		return false
	}
	if now.Weekday() != schedule.DayOfWeek {
		return false
	}
	targetTime := time.Date(now.Year(), now.Month(), now.Day(),
		schedule.TimeOfDay.Hour(), schedule.TimeOfDay.Minute(), 0, 0, now.Location())
	if now.Before(targetTime) {
		return false
	}
	if schedule.LastRan.Year() == now.Year() && schedule.LastRan.YearDay() == now.YearDay() {
		return false
	}
	return true
}

// Sweeper runs the periodic governance review: it recomputes each team's fairness
// score, records an incident for any team whose score has dropped below the
// configured sensitivity floor, and is the sole writer of SweepSchedule.LastRan.
type Sweeper struct {
	store    *store.Store
	fairness *FairnessEngine
	logger   *slog.Logger
	schedule SweepSchedule
}

// NewSweeper builds a sweeper over store and the given fairness engine.
func NewSweeper(s *store.Store, fairness *FairnessEngine, schedule SweepSchedule, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{store: s, fairness: fairness, logger: logger, schedule: schedule}
}

// MaybeRun checks the schedule and, if due, runs the sweep for every named team,
// advancing the schedule's LastChecked/LastRan timestamps.
func (sw *Sweeper) MaybeRun(ctx context.Context, now time.Time, teams []string) {
	due := ShouldRunSweep(now, sw.schedule)
	sw.schedule.LastChecked = now
	if !due {
		return
	}
	for _, team := range teams {
		score := sw.fairness.FairnessScore(team, now)
		sw.logger.Info("governance sweep: fairness score", "team", team, "score", score)
		if score < sw.fairness.cfg.Sensitivity {
			detail := "fairness score below sensitivity floor"
			if _, err := sw.store.RecordIncident(ctx, team, store.IncidentMedium, "fairness imbalance detected", &detail); err != nil {
				sw.logger.Error("governance sweep: record incident failed", "team", team, "error", err)
			}
		}
	}
	sw.schedule.LastRan = now
}
