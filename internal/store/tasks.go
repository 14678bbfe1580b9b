package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/riftloom/fleetward/internal/orcherr"
)

// TaskStatus is the sum type governing task lifecycle transitions.
type TaskStatus string

const (
	TaskPending        TaskStatus = "pending"
	TaskReady          TaskStatus = "ready"
	TaskRunning        TaskStatus = "running"
	TaskSuccess        TaskStatus = "success"
	TaskFailed         TaskStatus = "failed"
	TaskBlocked        TaskStatus = "blocked"
	TaskAwaitingReview TaskStatus = "awaiting_review"
	TaskCancelled      TaskStatus = "cancelled"
)

// Task is the C1-owned row backing a DAG node once instantiated by the workflow
// engine (or created standalone).
type Task struct {
	ID           string
	Team         string
	Title        string
	Body         string
	Status       TaskStatus
	Priority     int
	RequiredRole *string
	Assignee     *string
	AssigneeRole *string
	Creator      string
	Parent       *string
	Workflow     *string
	DependsOn    []string
	Result       map[string]any
	Error        *string
	Metadata     map[string]any
	Tags         []string
	CreatedAt    time.Time
	ClaimedAt    *time.Time
	CompletedAt  *time.Time
}

// CreateTaskInput describes a new task and its dependency edges.
type CreateTaskInput struct {
	Team         string
	Title        string
	Body         string
	RequiredRole *string
	Priority     int
	Parent       *string
	Workflow     *string
	DependsOn    []string
	Creator      string
	Metadata     map[string]any
	Tags         []string
}

// CreateTask inserts a task pending, wires its dependency edges transactionally, and
// promotes it straight to ready when every named dependency is already success.
func (s *Store) CreateTask(ctx context.Context, in CreateTaskInput) (*Task, error) {
	var task *Task
	err := s.WithTx(ctx, func(tx *Tx) error {
		var err error
		task, err = s.CreateTaskTx(ctx, tx, in)
		return err
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// CreateTaskTx is the transaction-scoped half of CreateTask. It lets a caller that
// instantiates many tasks at once (the workflow engine, building an entire DAG) run
// every insert inside a single WithTx call instead of one transaction per task, so a
// failure partway through never leaves a half-built DAG committed.
func (s *Store) CreateTaskTx(ctx context.Context, tx *Tx, in CreateTaskInput) (*Task, error) {
	if strings.TrimSpace(in.Team) == "" || strings.TrimSpace(in.Title) == "" {
		return nil, orcherr.Validation("store: create task requires team and title", nil)
	}

	task := &Task{
		ID:           uuid.NewString(),
		Team:         in.Team,
		Title:        in.Title,
		Body:         in.Body,
		Status:       TaskPending,
		Priority:     in.Priority,
		RequiredRole: in.RequiredRole,
		Creator:      in.Creator,
		Parent:       in.Parent,
		Workflow:     in.Workflow,
		DependsOn:    append([]string(nil), in.DependsOn...),
		Metadata:     in.Metadata,
		Tags:         in.Tags,
		CreatedAt:    time.Now().UTC(),
	}

	allSatisfied, err := dependenciesSatisfied(tx, task.DependsOn)
	if err != nil {
		return nil, err
	}
	if allSatisfied {
		task.Status = TaskReady
	}

	if _, err := tx.tx.ExecContext(ctx, `
		INSERT INTO tasks (id, team_id, title, body, status, priority, required_role,
			creator, parent, workflow_id, metadata, tags, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Team, task.Title, task.Body, string(task.Status), task.Priority,
		nullString(task.RequiredRole), task.Creator, nullString(task.Parent),
		nullString(task.Workflow), toJSON(task.Metadata), toJSON(task.Tags), task.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("store: insert task: %w", err)
	}

	for _, dep := range task.DependsOn {
		if _, err := tx.tx.ExecContext(ctx,
			`INSERT INTO task_deps (task_id, depends_on) VALUES (?, ?)`, task.ID, dep); err != nil {
			return nil, fmt.Errorf("store: insert task dep: %w", err)
		}
	}
	return task, nil
}

// dependenciesSatisfied reports whether every listed task id is currently success.
// An empty dependency set is trivially satisfied.
func dependenciesSatisfied(tx *Tx, deps []string) (bool, error) {
	for _, dep := range deps {
		var status string
		err := tx.tx.QueryRow(`SELECT status FROM tasks WHERE id = ?`, dep).Scan(&status)
		if err == sql.ErrNoRows {
			return false, orcherr.Validation(fmt.Sprintf("store: dependency %s does not exist", dep), nil)
		}
		if err != nil {
			return false, fmt.Errorf("store: check dependency %s: %w", dep, err)
		}
		if TaskStatus(status) != TaskSuccess {
			return false, nil
		}
	}
	return true, nil
}

// GetTask fetches a single task by id, including its dependency edges.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, team_id, title, body, status, priority, required_role, assignee,
			assignee_role, creator, parent, workflow_id, result, error, metadata, tags,
			created_at, claimed_at, completed_at
		FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, orcherr.NotFound(fmt.Sprintf("store: task %s not found", id), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get task: %w", err)
	}
	deps, err := s.getTaskDeps(ctx, id)
	if err != nil {
		return nil, err
	}
	task.DependsOn = deps
	return task, nil
}

func (s *Store) getTaskDeps(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT depends_on FROM task_deps WHERE task_id = ?`, taskID)
	if err != nil {
		return nil, fmt.Errorf("store: list task deps: %w", err)
	}
	defer rows.Close()
	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

// dependents returns the task ids that directly depend on taskID.
func (s *Store) dependents(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT task_id FROM task_deps WHERE depends_on = ?`, taskID)
	if err != nil {
		return nil, fmt.Errorf("store: list dependents: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		t                                                   Task
		status                                              string
		requiredRole, assignee, assigneeRole, parent        sql.NullString
		workflow, result, errStr, metadata, tags             sql.NullString
		claimedAt, completedAt                              sql.NullTime
	)
	if err := row.Scan(&t.ID, &t.Team, &t.Title, &t.Body, &status, &t.Priority,
		&requiredRole, &assignee, &assigneeRole, &t.Creator, &parent, &workflow,
		&result, &errStr, &metadata, &tags, &t.CreatedAt, &claimedAt, &completedAt); err != nil {
		return nil, err
	}
	t.Status = TaskStatus(status)
	t.RequiredRole = stringPtrFromNull(requiredRole)
	t.Assignee = stringPtrFromNull(assignee)
	t.AssigneeRole = stringPtrFromNull(assigneeRole)
	t.Parent = stringPtrFromNull(parent)
	t.Workflow = stringPtrFromNull(workflow)
	t.Error = stringPtrFromNull(errStr)
	t.ClaimedAt = timePtrFromNull(claimedAt)
	t.CompletedAt = timePtrFromNull(completedAt)

	if result.Valid {
		_ = fromJSON(result.String, &t.Result)
	}
	_ = fromJSON(metadata.String, &t.Metadata)
	_ = fromJSON(tags.String, &t.Tags)
	return &t, nil
}

// GetReadyTasks returns up to limit tasks that are ready, unassigned, and open to
// role (a task with no required_role matches any role; a nil role matches only
// such tasks), ordered by priority descending then created_at ascending. No worker
// is filtered out here; this only governs the task pool, not the dispatch decision.
func (s *Store) GetReadyTasks(ctx context.Context, team string, role *string, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, team_id, title, body, status, priority, required_role, assignee,
			assignee_role, creator, parent, workflow_id, result, error, metadata, tags,
			created_at, claimed_at, completed_at
		FROM tasks
		WHERE team_id = ? AND status = 'ready' AND assignee IS NULL
			AND (required_role IS NULL OR required_role = ?)
		ORDER BY priority DESC, created_at ASC
		LIMIT ?`
	roleArg := ""
	if role != nil {
		roleArg = *role
	}
	rows, err := s.db.QueryContext(ctx, query, team, roleArg, limit)
	if err != nil {
		return nil, fmt.Errorf("store: get ready tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, t := range tasks {
		deps, err := s.getTaskDeps(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		t.DependsOn = deps
	}
	return tasks, nil
}

// ClaimTask is the belt-and-braces half of claim_task: it re-reads and re-validates
// the task inside the same transaction that performs the assignment, so a dropped
// external lock (C2) still cannot double-assign. Returns (nil, nil) on lost race: a
// claim conflict is an ordinary outcome, never an error.
func (s *Store) ClaimTask(ctx context.Context, taskID, workerID string) (*Task, error) {
	var claimed *Task
	err := s.WithTx(ctx, func(tx *Tx) error {
		row := tx.tx.QueryRowContext(ctx, `
			SELECT id, team_id, title, body, status, priority, required_role, assignee,
				assignee_role, creator, parent, workflow_id, result, error, metadata, tags,
				created_at, claimed_at, completed_at
			FROM tasks WHERE id = ?`, taskID)
		task, err := scanTask(row)
		if err == sql.ErrNoRows {
			return orcherr.NotFound(fmt.Sprintf("store: task %s not found", taskID), nil)
		}
		if err != nil {
			return fmt.Errorf("store: claim task read: %w", err)
		}

		if task.Assignee != nil || task.Status != TaskReady {
			return nil // conflict: lost the race, leave claimed nil
		}

		now := time.Now().UTC()
		if _, err := tx.tx.ExecContext(ctx, `
			UPDATE tasks SET assignee = ?, status = ?, claimed_at = ? WHERE id = ?`,
			workerID, string(TaskRunning), now, taskID); err != nil {
			return fmt.Errorf("store: claim task write: %w", err)
		}

		task.Assignee = &workerID
		task.Status = TaskRunning
		task.ClaimedAt = &now
		claimed = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// CompleteTask transitions a running task to success, stores its result, credits the
// assignee's completed counter, and cascades readiness to its direct dependents.
// Returns the ids of tasks promoted to ready by the cascade.
func (s *Store) CompleteTask(ctx context.Context, taskID string, result map[string]any) ([]string, error) {
	var promoted []string
	err := s.WithTx(ctx, func(tx *Tx) error {
		var status, assignee string
		if err := tx.tx.QueryRowContext(ctx, `SELECT status, COALESCE(assignee,'') FROM tasks WHERE id = ?`, taskID).
			Scan(&status, &assignee); err != nil {
			if err == sql.ErrNoRows {
				return orcherr.NotFound(fmt.Sprintf("store: task %s not found", taskID), nil)
			}
			return fmt.Errorf("store: complete task read: %w", err)
		}
		if TaskStatus(status) != TaskRunning {
			return orcherr.Validation(fmt.Sprintf("store: task %s is not running", taskID), nil)
		}

		now := time.Now().UTC()
		if _, err := tx.tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, completed_at = ?, result = ? WHERE id = ?`,
			string(TaskSuccess), now, toJSON(result), taskID); err != nil {
			return fmt.Errorf("store: complete task write: %w", err)
		}

		if assignee != "" {
			var team string
			if err := tx.tx.QueryRowContext(ctx, `SELECT team_id FROM tasks WHERE id = ?`, taskID).Scan(&team); err != nil {
				return fmt.Errorf("store: complete task team lookup: %w", err)
			}
			if _, err := tx.tx.ExecContext(ctx,
				`UPDATE workers SET completed = completed + 1, updated_at = ? WHERE team_id = ? AND worker_id = ?`,
				now, team, assignee); err != nil {
				return fmt.Errorf("store: credit assignee: %w", err)
			}
		}

		dependentRows, err := tx.tx.QueryContext(ctx, `SELECT task_id FROM task_deps WHERE depends_on = ?`, taskID)
		if err != nil {
			return fmt.Errorf("store: list dependents: %w", err)
		}
		var dependents []string
		for dependentRows.Next() {
			var id string
			if err := dependentRows.Scan(&id); err != nil {
				dependentRows.Close()
				return err
			}
			dependents = append(dependents, id)
		}
		dependentRows.Close()

		for _, dep := range dependents {
			var depStatus string
			if err := tx.tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, dep).Scan(&depStatus); err != nil {
				return fmt.Errorf("store: load dependent %s: %w", dep, err)
			}
			if TaskStatus(depStatus) != TaskPending && TaskStatus(depStatus) != TaskBlocked {
				continue
			}
			satisfied, err := dependenciesSatisfied(tx, mustDeps(tx, ctx, dep))
			if err != nil {
				return err
			}
			if satisfied {
				if _, err := tx.tx.ExecContext(ctx, `UPDATE tasks SET status = ? WHERE id = ?`,
					string(TaskReady), dep); err != nil {
					return fmt.Errorf("store: promote dependent %s: %w", dep, err)
				}
				promoted = append(promoted, dep)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return promoted, nil
}

func mustDeps(tx *Tx, ctx context.Context, taskID string) []string {
	rows, err := tx.tx.QueryContext(ctx, `SELECT depends_on FROM task_deps WHERE task_id = ?`, taskID)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var deps []string
	for rows.Next() {
		var d string
		if rows.Scan(&d) == nil {
			deps = append(deps, d)
		}
	}
	return deps
}

// FailTask transitions a running task to failed. Dependents remain blocked.
func (s *Store) FailTask(ctx context.Context, taskID, errMsg string) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		var status string
		if err := tx.tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, taskID).Scan(&status); err != nil {
			if err == sql.ErrNoRows {
				return orcherr.NotFound(fmt.Sprintf("store: task %s not found", taskID), nil)
			}
			return fmt.Errorf("store: fail task read: %w", err)
		}
		if TaskStatus(status) != TaskRunning {
			return orcherr.Validation(fmt.Sprintf("store: task %s is not running", taskID), nil)
		}

		var team, assignee string
		_ = tx.tx.QueryRowContext(ctx, `SELECT team_id, COALESCE(assignee,'') FROM tasks WHERE id = ?`, taskID).
			Scan(&team, &assignee)

		if _, err := tx.tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, error = ?, completed_at = ? WHERE id = ?`,
			string(TaskFailed), errMsg, time.Now().UTC(), taskID); err != nil {
			return fmt.Errorf("store: fail task write: %w", err)
		}
		if assignee != "" {
			if _, err := tx.tx.ExecContext(ctx,
				`UPDATE workers SET failed = failed + 1, updated_at = ? WHERE team_id = ? AND worker_id = ?`,
				time.Now().UTC(), team, assignee); err != nil {
				return fmt.Errorf("store: debit assignee: %w", err)
			}
		}

		dependentRows, err := tx.tx.QueryContext(ctx, `SELECT task_id FROM task_deps WHERE depends_on = ?`, taskID)
		if err != nil {
			return fmt.Errorf("store: list dependents: %w", err)
		}
		var dependents []string
		for dependentRows.Next() {
			var id string
			if err := dependentRows.Scan(&id); err != nil {
				dependentRows.Close()
				return err
			}
			dependents = append(dependents, id)
		}
		dependentRows.Close()
		for _, dep := range dependents {
			if _, err := tx.tx.ExecContext(ctx, `UPDATE tasks SET status = ? WHERE id = ? AND status IN ('pending','ready')`,
				string(TaskBlocked), dep); err != nil {
				return fmt.Errorf("store: block dependent %s: %w", dep, err)
			}
		}
		return nil
	})
}

// CountTasksByWorkflowStatus aggregates task counts for a workflow, keyed by status.
func (s *Store) CountTasksByWorkflowStatus(ctx context.Context, workflowID string) (map[TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM tasks WHERE workflow_id = ? GROUP BY status`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("store: count tasks by status: %w", err)
	}
	defer rows.Close()
	out := map[TaskStatus]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		out[TaskStatus(status)] = count
	}
	return out, rows.Err()
}

// CountAssigneeTasksByStatus aggregates task counts for a worker across a team,
// keyed by status, for performance and dispatch-eligibility computations.
func (s *Store) CountAssigneeTasksByStatus(ctx context.Context, team, assignee string) (map[TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM tasks WHERE team_id = ? AND assignee = ? GROUP BY status`, team, assignee)
	if err != nil {
		return nil, fmt.Errorf("store: count assignee tasks by status: %w", err)
	}
	defer rows.Close()
	out := map[TaskStatus]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		out[TaskStatus(status)] = count
	}
	return out, rows.Err()
}

// ListTasksByWorkflow returns every task belonging to a workflow.
func (s *Store) ListTasksByWorkflow(ctx context.Context, workflowID string) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, team_id, title, body, status, priority, required_role, assignee,
			assignee_role, creator, parent, workflow_id, result, error, metadata, tags,
			created_at, claimed_at, completed_at
		FROM tasks WHERE workflow_id = ?`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("store: list tasks by workflow: %w", err)
	}
	defer rows.Close()
	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
