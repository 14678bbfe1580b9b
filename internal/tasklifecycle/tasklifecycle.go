// Package tasklifecycle is the C5 service layer over store's task rows: it adds the
// distributed half of claim semantics (a named C2 lock alongside the C1
// belt-and-braces re-check), publishes lifecycle events, and layers fairness-engine
// cooling-off exclusion onto claims.
package tasklifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/riftloom/fleetward/internal/cachebus"
	"github.com/riftloom/fleetward/internal/store"
)

// CoolingOff reports whether worker is currently excluded from dispatch for team.
// internal/governance supplies the concrete fairness-engine implementation; a nil
// CoolingOff disables the filter entirely.
type CoolingOff func(team, worker string) bool

// AssignmentRecorder notes that worker was just dispatched a task on team, feeding
// the fairness engine's rolling window. A nil recorder disables fairness tracking
// entirely, which would otherwise leave cooling-off and the fairness score frozen at
// their zero-assignment defaults forever.
type AssignmentRecorder func(team, worker string, at time.Time)

// Service wires the store's task operations to the event bus and the fairness
// engine's cooling-off set.
type Service struct {
	store         *store.Store
	bus           *cachebus.Bus
	lockTTL       time.Duration
	coolingOff    CoolingOff
	recordAssign  AssignmentRecorder
}

// Option configures a Service at construction.
type Option func(*Service)

// WithCoolingOff installs the fairness engine's exclusion predicate.
func WithCoolingOff(fn CoolingOff) Option {
	return func(s *Service) { s.coolingOff = fn }
}

// WithAssignmentRecorder installs the fairness engine's assignment recorder, called
// once per successful claim.
func WithAssignmentRecorder(fn AssignmentRecorder) Option {
	return func(s *Service) { s.recordAssign = fn }
}

// New builds a Service over s and bus.
func New(s *store.Store, bus *cachebus.Bus, opts ...Option) *Service {
	svc := &Service{store: s, bus: bus, lockTTL: 30 * time.Second}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// CreateTask creates a task and publishes task.created.
func (s *Service) CreateTask(ctx context.Context, in store.CreateTaskInput) (*store.Task, error) {
	task, err := s.store.CreateTask(ctx, in)
	if err != nil {
		return nil, err
	}
	s.publish(task.Team, "task.created", task)
	return task, nil
}

// ReadyTasks returns the store's ready pool for team/role unchanged. The pool is
// worker-blind: cooling-off is not applied here but in ClaimTask.
func (s *Service) ReadyTasks(ctx context.Context, team string, role *string, limit int) ([]*store.Task, error) {
	return s.store.GetReadyTasks(ctx, team, role, limit)
}

// ClaimTask acquires the distributed lock for taskID, then performs the
// transactional re-check in the store. A lock or re-check loss both return
// (nil, nil): a lost race is an ordinary conflict, never an error. If a worker is
// cooling off per the fairness engine, the claim is refused before any lock is
// attempted.
func (s *Service) ClaimTask(ctx context.Context, team, taskID, workerID string) (*store.Task, error) {
	if s.coolingOff != nil && s.coolingOff(team, workerID) {
		return nil, nil
	}

	lockKey := fmt.Sprintf("task_lock:%s", taskID)
	unlock, ok, err := s.bus.Lock(ctx, lockKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	defer unlock()

	task, err := s.store.ClaimTask(ctx, taskID, workerID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, nil
	}
	if s.recordAssign != nil {
		s.recordAssign(team, workerID, time.Now().UTC())
	}
	s.publish(team, "task.claimed", task)
	return task, nil
}

// CompleteTask marks a task successful, cascades readiness to its dependents, and
// publishes task.completed followed by task.ready for each promoted dependent.
func (s *Service) CompleteTask(ctx context.Context, team, taskID string, result map[string]any) ([]string, error) {
	promoted, err := s.store.CompleteTask(ctx, taskID, result)
	if err != nil {
		return nil, err
	}
	s.publish(team, "task.completed", map[string]any{"task_id": taskID, "promoted": promoted})
	for _, id := range promoted {
		s.publish(team, "task.ready", map[string]any{"task_id": id})
	}
	return promoted, nil
}

// FailTask marks a task failed, blocks its dependents, and publishes task.failed.
func (s *Service) FailTask(ctx context.Context, team, taskID, errMsg string) error {
	if err := s.store.FailTask(ctx, taskID, errMsg); err != nil {
		return err
	}
	s.publish(team, "task.failed", map[string]any{"task_id": taskID, "error": errMsg})
	return nil
}

// publish is best-effort: cachebus.Publish already logs its own failures, and a
// publish failure must never unwind work the store has already committed.
func (s *Service) publish(team, kind string, data any) {
	if s.bus == nil {
		return
	}
	_ = s.bus.Publish(team, kind, data)
}
