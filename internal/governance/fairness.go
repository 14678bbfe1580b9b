package governance

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/riftloom/fleetward/internal/config"
)

// assignmentRecord is a single dispatch event counted toward a worker's rolling
// window, scoped to the team it was dispatched on.
type assignmentRecord struct {
	team   string
	worker string
	at     time.Time
}

// AdaptiveThreshold is a bounded value that feedback nudges toward better-observed
// performance, used in place of a fixed constant for grades and deployment gates.
type AdaptiveThreshold struct {
	Current float64
	Min     float64
	Max     float64
	Rate    float64
}

// Observe pushes Current toward observed, clamped to [Min,Max], scaled by Rate.
func (a *AdaptiveThreshold) Observe(observed float64) {
	a.Current += (observed - a.Current) * a.Rate
	if a.Current < a.Min {
		a.Current = a.Min
	}
	if a.Current > a.Max {
		a.Current = a.Max
	}
}

// FairnessEngine tracks per-worker assignment counts over a rolling window and
// derives cooling-off periods, scoring-weight adjustments, and a Gini-based fairness
// score. All state is guarded by a single mutex; every method call is short.
type FairnessEngine struct {
	mu          sync.Mutex
	cfg         config.Fairness
	assignments []assignmentRecord
	thresholds  map[string]*AdaptiveThreshold
}

// NewFairnessEngine builds a fairness engine from configuration.
func NewFairnessEngine(cfg config.Fairness) *FairnessEngine {
	return &FairnessEngine{cfg: cfg, thresholds: map[string]*AdaptiveThreshold{}}
}

// RecordAssignment notes that worker was just dispatched a task on team. Every other
// entity in the coordination fabric is team-scoped, and fairness is no exception: a
// worker's window, cooling-off state, and score are all computed within one team,
// never pooled across every team it happens to belong to.
func (f *FairnessEngine) RecordAssignment(team, worker string, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assignments = append(f.assignments, assignmentRecord{team: team, worker: worker, at: at})
	f.prune(at)
}

// prune drops assignment records older than the configured rolling window, across
// every team. Callers must hold f.mu.
func (f *FairnessEngine) prune(now time.Time) {
	window := time.Duration(f.cfg.WindowHours) * time.Hour
	cutoff := now.Add(-window)
	kept := f.assignments[:0]
	for _, a := range f.assignments {
		if a.at.After(cutoff) {
			kept = append(kept, a)
		}
	}
	f.assignments = kept
}

// counts returns each worker's assignment count within team and the current window.
// Callers must hold f.mu.
func (f *FairnessEngine) counts(team string, now time.Time) map[string]int {
	f.prune(now)
	counts := map[string]int{}
	for _, a := range f.assignments {
		if a.team == team {
			counts[a.worker]++
		}
	}
	return counts
}

// IsCoolingOff reports whether worker has exceeded the assignment threshold within
// team's rolling window and is therefore excluded from that team's ready pool.
func (f *FairnessEngine) IsCoolingOff(team, worker string, now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := f.counts(team, now)
	count := counts[worker]
	if count <= f.cfg.AssignmentThreshold {
		return false
	}

	// min/max are multiplicative bounds on the base duration, not absolute minutes —
	// the same pair of knobs also bounds the weight adjustment below.
	over := count - f.cfg.AssignmentThreshold
	minutes := float64(f.cfg.CoolingOffMinutes) * math.Pow(f.cfg.ScalingFactor, float64(over))
	minutes = clamp(minutes, f.cfg.Min*float64(f.cfg.CoolingOffMinutes), f.cfg.Max*float64(f.cfg.CoolingOffMinutes))
	coolingDuration := time.Duration(minutes) * time.Minute

	var lastAssignedAt time.Time
	for _, a := range f.assignments {
		if a.team == team && a.worker == worker && a.at.After(lastAssignedAt) {
			lastAssignedAt = a.at
		}
	}
	return now.Sub(lastAssignedAt) < coolingDuration
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// WeightAdjustment returns the multiplicative adjustment in [-max_adj,+max_adj]
// (here represented as 1+delta) applied to worker's scoring weight on team, derived
// by comparing its share of team's recent assignments to the even 1/N share across N
// workers with any activity in the window.
func (f *FairnessEngine) WeightAdjustment(team, worker string, now time.Time) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := f.counts(team, now)
	total := 0
	for _, c := range counts {
		total += c
	}
	if total == 0 || len(counts) == 0 {
		return 1.0
	}
	n := float64(len(counts))
	share := float64(counts[worker]) / float64(total)
	fairShare := 1.0 / n
	delta := (fairShare - share) * f.cfg.Sensitivity
	maxAdj := f.cfg.Max - 1.0
	if maxAdj < 0 {
		maxAdj = -maxAdj
	}
	delta = clamp(delta, -maxAdj, maxAdj)
	return 1.0 + delta
}

// FairnessScore reports 1-Gini(distribution) across team's currently active workers:
// 1.0 is perfectly even, approaching 0 as assignments concentrate on few workers.
func (f *FairnessEngine) FairnessScore(team string, now time.Time) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := f.counts(team, now)
	if len(counts) == 0 {
		return 1.0
	}
	values := make([]float64, 0, len(counts))
	for _, c := range counts {
		values = append(values, float64(c))
	}
	return 1.0 - gini(values)
}

// gini computes the Gini coefficient of a non-negative distribution.
func gini(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	var sum, weightedSum float64
	for i, v := range sorted {
		sum += v
		weightedSum += float64(i+1) * v
	}
	if sum == 0 {
		return 0
	}
	return (2*weightedSum)/(float64(n)*sum) - float64(n+1)/float64(n)
}

// Threshold returns (creating if necessary) the named adaptive threshold, seeded at
// seed within [min,max] and adjusted at the fairness config's adaptation rate.
func (f *FairnessEngine) Threshold(name string, seed, min, max float64) *AdaptiveThreshold {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.thresholds[name]; ok {
		return t
	}
	t := &AdaptiveThreshold{Current: seed, Min: min, Max: max, Rate: f.cfg.AdaptationRate}
	f.thresholds[name] = t
	return t
}
