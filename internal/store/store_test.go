package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/riftloom/fleetward/internal/orcherr"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(dbPath, 30*time.Second)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenCreatesSchema(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	if _, err := s.CreateTeam(ctx, "alpha"); err != nil {
		t.Fatalf("CreateTeam failed: %v", err)
	}
}

func TestCreateAndGetTask(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	team, _ := s.CreateTeam(ctx, "alpha")

	task, err := s.CreateTask(ctx, CreateTaskInput{Team: team.ID, Title: "write spec", Creator: "w1"})
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if task.Status != TaskReady {
		t.Fatalf("expected ready status for task with no deps, got %s", task.Status)
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Title != "write spec" {
		t.Errorf("unexpected title: %s", got.Title)
	}
}

func TestCreateTaskWithUnsatisfiedDependencyStaysPending(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	team, _ := s.CreateTeam(ctx, "alpha")

	dep, err := s.CreateTask(ctx, CreateTaskInput{Team: team.ID, Title: "dep", Creator: "w1"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.ClaimTask(ctx, dep.ID, "w1"); err != nil {
		t.Fatal(err)
	}

	child, err := s.CreateTask(ctx, CreateTaskInput{
		Team: team.ID, Title: "child", Creator: "w1", DependsOn: []string{dep.ID},
	})
	if err != nil {
		t.Fatal(err)
	}
	if child.Status != TaskPending {
		t.Fatalf("expected pending while dependency unresolved, got %s", child.Status)
	}
}

func TestCreateTaskWithUnknownDependencyFails(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	team, _ := s.CreateTeam(ctx, "alpha")

	_, err := s.CreateTask(ctx, CreateTaskInput{Team: team.ID, Title: "orphan", Creator: "w1", DependsOn: []string{"does-not-exist"}})
	if !orcherr.Is(err, orcherr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCompleteTaskCascadesReadiness(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	team, _ := s.CreateTeam(ctx, "alpha")

	dep, _ := s.CreateTask(ctx, CreateTaskInput{Team: team.ID, Title: "dep", Creator: "w1"})
	child, err := s.CreateTask(ctx, CreateTaskInput{Team: team.ID, Title: "child", Creator: "w1", DependsOn: []string{dep.ID}})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.ClaimTask(ctx, dep.ID, "w1"); err != nil {
		t.Fatal(err)
	}
	promoted, err := s.CompleteTask(ctx, dep.ID, map[string]any{"ok": true})
	if err != nil {
		t.Fatal(err)
	}
	if len(promoted) != 1 || promoted[0] != child.ID {
		t.Fatalf("expected child promoted to ready, got %v", promoted)
	}

	got, _ := s.GetTask(ctx, child.ID)
	if got.Status != TaskReady {
		t.Fatalf("expected child ready, got %s", got.Status)
	}
}

func TestFailTaskBlocksDependents(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	team, _ := s.CreateTeam(ctx, "alpha")

	dep, _ := s.CreateTask(ctx, CreateTaskInput{Team: team.ID, Title: "dep", Creator: "w1"})
	child, _ := s.CreateTask(ctx, CreateTaskInput{Team: team.ID, Title: "child", Creator: "w1", DependsOn: []string{dep.ID}})

	if _, err := s.ClaimTask(ctx, dep.ID, "w1"); err != nil {
		t.Fatal(err)
	}
	if err := s.FailTask(ctx, dep.ID, "boom"); err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetTask(ctx, child.ID)
	if got.Status != TaskBlocked && got.Status != TaskPending {
		t.Fatalf("expected child left pending/blocked, got %s", got.Status)
	}
}

func TestClaimTaskIsRaceSafe(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	team, _ := s.CreateTeam(ctx, "alpha")
	task, _ := s.CreateTask(ctx, CreateTaskInput{Team: team.ID, Title: "contested", Creator: "w1"})

	const workers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	var winners int
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			claimed, err := s.ClaimTask(ctx, task.ID, "worker-"+string(rune('a'+i)))
			if err != nil {
				t.Error(err)
				return
			}
			if claimed != nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("expected exactly one worker to win the claim, got %d", winners)
	}
}

func TestGetReadyTasksFiltersByRoleAndAssignee(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	team, _ := s.CreateTeam(ctx, "alpha")
	role := "reviewer"

	_, err := s.CreateTask(ctx, CreateTaskInput{Team: team.ID, Title: "needs reviewer", Creator: "w1", RequiredRole: &role})
	if err != nil {
		t.Fatal(err)
	}
	_, err = s.CreateTask(ctx, CreateTaskInput{Team: team.ID, Title: "open", Creator: "w1"})
	if err != nil {
		t.Fatal(err)
	}

	ready, err := s.GetReadyTasks(ctx, team.ID, &role, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(ready) != 1 || ready[0].Title != "needs reviewer" {
		t.Fatalf("expected single role-matched task, got %+v", ready)
	}
}

func TestUpsertKnowledgeIncrementsVersion(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	team, _ := s.CreateTeam(ctx, "alpha")

	item, err := s.UpsertKnowledge(ctx, team.ID, "api-shape", "v1", "w1", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if item.Version != 1 {
		t.Fatalf("expected version 1, got %d", item.Version)
	}

	updated, err := s.UpsertKnowledge(ctx, team.ID, "api-shape", "v2", "w2", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Version != 2 {
		t.Fatalf("expected version 2, got %d", updated.Version)
	}
}

func TestTransitionMemberRejectsRetireWithOpenHandoff(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	team, _ := s.CreateTeam(ctx, "alpha")

	if _, err := s.AddMember(ctx, team.ID, "w1", "engineer", "builder", "system", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.InitiateHandoff(ctx, team.ID, "w1", "engineer", "system"); err != nil {
		t.Fatal(err)
	}

	err := s.TransitionMember(ctx, team.ID, "w1", MemberRetired)
	if !orcherr.Is(err, orcherr.KindValidation) {
		t.Fatalf("expected validation error blocking retirement, got %v", err)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	s := tempStore(t)
	_, err := s.GetTask(context.Background(), "missing")
	var orchErr *orcherr.Error
	if !errors.As(err, &orchErr) || orchErr.Kind() != orcherr.KindNotFound {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestStartAndFinishExecutionComputesDuration(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	exec, err := s.StartExecution(ctx, "builder", nil, "do the thing", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	summary := "done"
	if err := s.FinishExecution(ctx, exec.ID, ExecutionSucceeded, &summary, nil, nil, 120, 0.02); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetExecution(ctx, exec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.DurationMS <= 0 {
		t.Fatalf("expected positive duration, got %d", got.DurationMS)
	}
	if got.Outcome != ExecutionSucceeded {
		t.Fatalf("expected succeeded outcome, got %s", got.Outcome)
	}
}

func TestListTeamIDsReturnsCreationOrder(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	first, err := s.CreateTeam(ctx, "alpha")
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.CreateTeam(ctx, "beta")
	if err != nil {
		t.Fatal(err)
	}

	ids, err := s.ListTeamIDs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != first.ID || ids[1] != second.ID {
		t.Fatalf("expected [%s %s], got %v", first.ID, second.ID, ids)
	}
}

func TestUpdateIncidentStatusWalksLifecycle(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	team, err := s.CreateTeam(ctx, "alpha")
	if err != nil {
		t.Fatal(err)
	}
	inc, err := s.RecordIncident(ctx, team.ID, IncidentHigh, "fairness imbalance detected", nil)
	if err != nil {
		t.Fatal(err)
	}
	if inc.Status != string(IncidentReported) {
		t.Fatalf("expected new incident reported, got %s", inc.Status)
	}

	if err := s.UpdateIncidentStatus(ctx, inc.ID, IncidentInvestigating); err != nil {
		t.Fatalf("reported -> investigating: %v", err)
	}
	if err := s.UpdateIncidentStatus(ctx, inc.ID, IncidentConfirmed); err != nil {
		t.Fatalf("investigating -> confirmed: %v", err)
	}
	if err := s.UpdateIncidentStatus(ctx, inc.ID, IncidentResolved); err != nil {
		t.Fatalf("confirmed -> resolved: %v", err)
	}

	list, err := s.ListIncidents(ctx, team.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Status != string(IncidentResolved) {
		t.Fatalf("expected resolved incident, got %+v", list)
	}
}

func TestUpdateIncidentStatusRejectsIllegalTransition(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	team, err := s.CreateTeam(ctx, "alpha")
	if err != nil {
		t.Fatal(err)
	}
	inc, err := s.RecordIncident(ctx, team.ID, IncidentLow, "minor blip", nil)
	if err != nil {
		t.Fatal(err)
	}

	err = s.UpdateIncidentStatus(ctx, inc.ID, IncidentResolved)
	if err == nil {
		t.Fatal("expected reported -> resolved to be rejected")
	}
	if !orcherr.Is(err, orcherr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
