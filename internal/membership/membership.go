// Package membership implements C9: team membership lifecycle, role assignment and
// catalog, and performance computation, layered over the store's membership and
// worker rows.
package membership

import (
	"context"

	"github.com/riftloom/fleetward/internal/orcherr"
	"github.com/riftloom/fleetward/internal/store"
)

// Service wraps store membership/role operations with role-catalog lookups and
// live performance computation.
type Service struct {
	store *store.Store
}

// New builds a membership service over s.
func New(s *store.Store) *Service {
	return &Service{store: s}
}

// AddMember adds a worker to a team in the initializing state, rejecting roles
// absent from the catalog.
func (svc *Service) AddMember(ctx context.Context, team, worker, persona, role, addedBy string, reason *string) (*store.TeamMembership, error) {
	if _, ok := RoleCatalog[role]; !ok {
		return nil, orcherr.Validation("membership: unknown role "+role, nil)
	}
	return svc.store.AddMember(ctx, team, worker, persona, role, addedBy, reason)
}

// Activate promotes a member from initializing to active.
func (svc *Service) Activate(ctx context.Context, team, worker string) error {
	return svc.store.TransitionMember(ctx, team, worker, store.MemberActive)
}

// BeginHandoff marks a member handing off, opening the Handoff record that must
// complete before the member can retire.
func (svc *Service) BeginHandoff(ctx context.Context, team, worker, persona, initiatedBy string) (*store.Handoff, error) {
	if err := svc.store.TransitionMember(ctx, team, worker, store.MemberHandingOff); err != nil {
		return nil, err
	}
	return svc.store.InitiateHandoff(ctx, team, worker, persona, initiatedBy)
}

// Retire completes the member's handoff and transitions it to retired. The store
// layer itself enforces that no open handoff remains and that a completed one
// exists — see store.TransitionMember's invariant.
func (svc *Service) Retire(ctx context.Context, team, worker, handoffID, completedBy string,
	lessons, openQuestions, recommendations, decisions, artifacts []string, reason *string) error {
	if err := svc.store.CompleteHandoff(ctx, handoffID, completedBy, lessons, openQuestions, recommendations, decisions, artifacts); err != nil {
		return err
	}
	return svc.store.TransitionMember(ctx, team, worker, store.MemberRetired)
}

// AssignRole binds role to worker, rejecting roles absent from the catalog.
func (svc *Service) AssignRole(ctx context.Context, team, role, worker, assignedBy string) error {
	if _, ok := RoleCatalog[role]; !ok {
		return orcherr.Validation("membership: unknown role "+role, nil)
	}
	return svc.store.AssignRole(ctx, team, role, worker, assignedBy)
}

// ResolveRole returns the worker id currently holding role on team, for dispatching
// a task whose required_role names a role rather than a specific worker.
func (svc *Service) ResolveRole(ctx context.Context, team, role string) (string, error) {
	ra, err := svc.store.GetRoleAssignment(ctx, team, role)
	if err != nil {
		return "", err
	}
	if ra.CurrentWorker == nil {
		return "", orcherr.NotFound("membership: role "+role+" has no current holder", nil)
	}
	return *ra.CurrentWorker, nil
}

// Performance is a live-computed performance snapshot for a team member.
type Performance struct {
	CompletionRate float64
	Completed      int
	Failed         int
	Running        int
	Ready          int
}

// GetMemberPerformance computes a member's completion rate as
// completed/(completed+failed+running+ready) from the current task table, rather
// than the membership row's (slower-moving, periodically recomputed) cached score.
func (svc *Service) GetMemberPerformance(ctx context.Context, team, worker string) (*Performance, error) {
	counts, err := svc.store.CountAssigneeTasksByStatus(ctx, team, worker)
	if err != nil {
		return nil, err
	}
	p := &Performance{
		Completed: counts[store.TaskSuccess],
		Failed:    counts[store.TaskFailed],
		Running:   counts[store.TaskRunning],
		Ready:     counts[store.TaskReady],
	}
	total := p.Completed + p.Failed + p.Running + p.Ready
	if total > 0 {
		p.CompletionRate = float64(p.Completed) / float64(total)
	}
	return p, nil
}

// ListMembers returns every membership for a team.
func (svc *Service) ListMembers(ctx context.Context, team string) ([]*store.TeamMembership, error) {
	return svc.store.ListMembers(ctx, team)
}
