package membership

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/riftloom/fleetward/internal/store"
)

func tempStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), 30*time.Second)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAddMemberRejectsUnknownRole(t *testing.T) {
	s := tempStore(t)
	svc := New(s)
	ctx := context.Background()
	team, _ := s.CreateTeam(ctx, "alpha")

	if _, err := svc.AddMember(ctx, team.ID, "w1", "persona", "wizard", "admin", nil); err == nil {
		t.Fatal("expected error for unknown role")
	}
	if _, err := svc.AddMember(ctx, team.ID, "w1", "persona", "coder", "admin", nil); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
}

func TestRetireRequiresCompletedHandoff(t *testing.T) {
	s := tempStore(t)
	svc := New(s)
	ctx := context.Background()
	team, _ := s.CreateTeam(ctx, "alpha")

	if _, err := svc.AddMember(ctx, team.ID, "w1", "persona", "coder", "admin", nil); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	if err := svc.Activate(ctx, team.ID, "w1"); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	if err := s.TransitionMember(ctx, team.ID, "w1", store.MemberRetired); err == nil {
		t.Fatal("expected direct retire without handoff to fail")
	}

	handoff, err := svc.BeginHandoff(ctx, team.ID, "w1", "persona", "admin")
	if err != nil {
		t.Fatalf("BeginHandoff: %v", err)
	}

	err = svc.Retire(ctx, team.ID, "w1", handoff.ID, "admin",
		[]string{"lesson"}, nil, nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("Retire: %v", err)
	}

	m, err := s.GetMembership(ctx, team.ID, "w1")
	if err != nil {
		t.Fatalf("GetMembership: %v", err)
	}
	if m.State != store.MemberRetired {
		t.Fatalf("state = %s, want retired", m.State)
	}
}

func TestResolveRoleAndPerformance(t *testing.T) {
	s := tempStore(t)
	svc := New(s)
	ctx := context.Background()
	team, _ := s.CreateTeam(ctx, "alpha")

	if err := svc.AssignRole(ctx, team.ID, "architect", "w1", "admin"); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}
	worker, err := svc.ResolveRole(ctx, team.ID, "architect")
	if err != nil || worker != "w1" {
		t.Fatalf("ResolveRole = %q, %v", worker, err)
	}

	task, err := s.CreateTask(ctx, store.CreateTaskInput{Team: team.ID, Title: "t1", Creator: "admin"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := s.ClaimTask(ctx, task.ID, "w1"); err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	if _, err := s.CompleteTask(ctx, task.ID, nil); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}

	perf, err := svc.GetMemberPerformance(ctx, team.ID, "w1")
	if err != nil {
		t.Fatalf("GetMemberPerformance: %v", err)
	}
	if perf.Completed != 1 || perf.CompletionRate != 1.0 {
		t.Fatalf("unexpected performance: %+v", perf)
	}
}
