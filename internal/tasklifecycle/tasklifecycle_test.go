package tasklifecycle

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/riftloom/fleetward/internal/cachebus"
	"github.com/riftloom/fleetward/internal/store"
)

func testEnv(t *testing.T) (*Service, *store.Store, *store.Team) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), 30*time.Second)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	bus, err := cachebus.New(cachebus.Config{Embedded: true, CacheTTL: time.Second, LockTTL: 5 * time.Second}, nil)
	if err != nil {
		t.Fatalf("cachebus.New: %v", err)
	}
	t.Cleanup(bus.Close)

	team, err := s.CreateTeam(context.Background(), "alpha")
	if err != nil {
		t.Fatalf("CreateTeam: %v", err)
	}
	return New(s, bus), s, team
}

// S1: a linear chain a -> b -> c only ever exposes exactly one ready task at a time.
func TestLinearWorkflowPromotesOneAtATime(t *testing.T) {
	svc, _, team := testEnv(t)
	ctx := context.Background()

	a, err := svc.CreateTask(ctx, store.CreateTaskInput{Team: team.ID, Title: "a", Creator: "w"})
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	b, err := svc.CreateTask(ctx, store.CreateTaskInput{Team: team.ID, Title: "b", Creator: "w", DependsOn: []string{a.ID}})
	if err != nil {
		t.Fatalf("create b: %v", err)
	}
	c, err := svc.CreateTask(ctx, store.CreateTaskInput{Team: team.ID, Title: "c", Creator: "w", DependsOn: []string{b.ID}})
	if err != nil {
		t.Fatalf("create c: %v", err)
	}

	ready, err := svc.ReadyTasks(ctx, team.ID, nil, 10)
	if err != nil {
		t.Fatalf("ready tasks: %v", err)
	}
	if len(ready) != 1 || ready[0].ID != a.ID {
		t.Fatalf("expected only a ready, got %+v", ready)
	}

	claimed, err := svc.ClaimTask(ctx, team.ID, a.ID, "worker1")
	if err != nil || claimed == nil {
		t.Fatalf("claim a: claimed=%v err=%v", claimed, err)
	}
	promoted, err := svc.CompleteTask(ctx, team.ID, a.ID, nil)
	if err != nil {
		t.Fatalf("complete a: %v", err)
	}
	if len(promoted) != 1 || promoted[0] != b.ID {
		t.Fatalf("expected b promoted, got %v", promoted)
	}

	ready, err = svc.ReadyTasks(ctx, team.ID, nil, 10)
	if err != nil {
		t.Fatalf("ready tasks: %v", err)
	}
	if len(ready) != 1 || ready[0].ID != b.ID {
		t.Fatalf("expected only b ready, got %+v", ready)
	}

	if _, err := svc.ClaimTask(ctx, team.ID, b.ID, "worker1"); err != nil {
		t.Fatalf("claim b: %v", err)
	}
	if _, err := svc.CompleteTask(ctx, team.ID, b.ID, nil); err != nil {
		t.Fatalf("complete b: %v", err)
	}

	got, err := svc.ReadyTasks(ctx, team.ID, nil, 10)
	if err != nil {
		t.Fatalf("ready tasks: %v", err)
	}
	if len(got) != 1 || got[0].ID != c.ID {
		t.Fatalf("expected only c ready, got %+v", got)
	}
}

// S2: a fan-out/fan-in graph — root feeds two parallel children, which both feed a
// join task — the join only becomes ready once both parallel branches succeed.
func TestFanOutFanInPromotesJoinOnlyWhenBothBranchesSucceed(t *testing.T) {
	svc, _, team := testEnv(t)
	ctx := context.Background()

	root, err := svc.CreateTask(ctx, store.CreateTaskInput{Team: team.ID, Title: "root", Creator: "w"})
	if err != nil {
		t.Fatalf("create root: %v", err)
	}
	left, err := svc.CreateTask(ctx, store.CreateTaskInput{Team: team.ID, Title: "left", Creator: "w", DependsOn: []string{root.ID}})
	if err != nil {
		t.Fatalf("create left: %v", err)
	}
	right, err := svc.CreateTask(ctx, store.CreateTaskInput{Team: team.ID, Title: "right", Creator: "w", DependsOn: []string{root.ID}})
	if err != nil {
		t.Fatalf("create right: %v", err)
	}
	join, err := svc.CreateTask(ctx, store.CreateTaskInput{
		Team: team.ID, Title: "join", Creator: "w", DependsOn: []string{left.ID, right.ID},
	})
	if err != nil {
		t.Fatalf("create join: %v", err)
	}

	if _, err := svc.ClaimTask(ctx, team.ID, root.ID, "w1"); err != nil {
		t.Fatalf("claim root: %v", err)
	}
	promoted, err := svc.CompleteTask(ctx, team.ID, root.ID, nil)
	if err != nil {
		t.Fatalf("complete root: %v", err)
	}
	if len(promoted) != 2 {
		t.Fatalf("expected both branches promoted, got %v", promoted)
	}

	if _, err := svc.ClaimTask(ctx, team.ID, left.ID, "w1"); err != nil {
		t.Fatalf("claim left: %v", err)
	}
	promoted, err = svc.CompleteTask(ctx, team.ID, left.ID, nil)
	if err != nil {
		t.Fatalf("complete left: %v", err)
	}
	if len(promoted) != 0 {
		t.Fatalf("join should not be ready with only one branch done, got %v", promoted)
	}

	joinTask, err := svc.store.GetTask(ctx, join.ID)
	if err != nil {
		t.Fatalf("get join: %v", err)
	}
	if joinTask.Status != store.TaskPending {
		t.Fatalf("join status = %s, want pending", joinTask.Status)
	}

	if _, err := svc.ClaimTask(ctx, team.ID, right.ID, "w2"); err != nil {
		t.Fatalf("claim right: %v", err)
	}
	promoted, err = svc.CompleteTask(ctx, team.ID, right.ID, nil)
	if err != nil {
		t.Fatalf("complete right: %v", err)
	}
	if len(promoted) != 1 || promoted[0] != join.ID {
		t.Fatalf("expected join promoted after both branches, got %v", promoted)
	}
}

// S3: N workers race to claim the same ready task; exactly one wins.
func TestClaimContentionExactlyOneWinner(t *testing.T) {
	svc, _, team := testEnv(t)
	ctx := context.Background()

	task, err := svc.CreateTask(ctx, store.CreateTaskInput{Team: team.ID, Title: "contested", Creator: "w"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	const workers = 8
	var wins int64
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(id int) {
			defer wg.Done()
			claimed, err := svc.ClaimTask(ctx, team.ID, task.ID, "worker")
			if err != nil {
				t.Errorf("worker %d claim error: %v", id, err)
				return
			}
			if claimed != nil {
				atomic.AddInt64(&wins, 1)
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}

	final, err := svc.store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if final.Status != store.TaskRunning || final.Assignee == nil {
		t.Fatalf("task not claimed correctly: %+v", final)
	}
}

func TestClaimRefusedWhileWorkerCoolingOff(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), 30*time.Second)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	bus, err := cachebus.New(cachebus.Config{Embedded: true, CacheTTL: time.Second, LockTTL: 5 * time.Second}, nil)
	if err != nil {
		t.Fatalf("cachebus.New: %v", err)
	}
	t.Cleanup(bus.Close)

	svc := New(s, bus, WithCoolingOff(func(team, worker string) bool { return worker == "cooling" }))

	ctx := context.Background()
	team, _ := s.CreateTeam(ctx, "alpha")
	task, err := svc.CreateTask(ctx, store.CreateTaskInput{Team: team.ID, Title: "t", Creator: "w"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	claimed, err := svc.ClaimTask(ctx, team.ID, task.ID, "cooling")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed != nil {
		t.Fatal("expected claim refusal for a cooling-off worker")
	}

	claimed, err = svc.ClaimTask(ctx, team.ID, task.ID, "warm")
	if err != nil || claimed == nil {
		t.Fatalf("expected warm worker to claim successfully: claimed=%v err=%v", claimed, err)
	}
}

func TestClaimTaskRecordsAssignment(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), 30*time.Second)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	bus, err := cachebus.New(cachebus.Config{Embedded: true, CacheTTL: time.Second, LockTTL: 5 * time.Second}, nil)
	if err != nil {
		t.Fatalf("cachebus.New: %v", err)
	}
	t.Cleanup(bus.Close)

	var recordedTeam, recordedWorker string
	var calls int
	svc := New(s, bus, WithAssignmentRecorder(func(team, worker string, at time.Time) {
		calls++
		recordedTeam, recordedWorker = team, worker
	}))

	ctx := context.Background()
	team, _ := s.CreateTeam(ctx, "alpha")
	task, err := svc.CreateTask(ctx, store.CreateTaskInput{Team: team.ID, Title: "t", Creator: "w"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	if _, err := svc.ClaimTask(ctx, team.ID, task.ID, "worker1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected assignment recorder called once, got %d", calls)
	}
	if recordedTeam != team.ID || recordedWorker != "worker1" {
		t.Fatalf("recorder got team=%s worker=%s, want team=%s worker=worker1", recordedTeam, recordedWorker, team.ID)
	}
}
