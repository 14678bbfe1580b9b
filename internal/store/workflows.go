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

// WorkflowStatus governs the lifecycle of a WorkflowDefinition instance.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowPaused    WorkflowStatus = "paused"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowCancelled WorkflowStatus = "cancelled"
	WorkflowFailed    WorkflowStatus = "failed"
)

// WorkflowDefinition is the durable record of a DAG template plus its current
// execution status. The DAG structure itself (nodes/edges) is modeled and validated
// by the dag package; this row only persists its serialized form.
type WorkflowDefinition struct {
	ID        string
	Team      string
	Name      string
	DAG       map[string]any
	Creator   string
	Status    WorkflowStatus
	Metadata  map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CreateWorkflow persists a new workflow definition in pending status.
func (s *Store) CreateWorkflow(ctx context.Context, team, name, creator string, dag map[string]any, metadata map[string]any) (*WorkflowDefinition, error) {
	var wf *WorkflowDefinition
	err := s.WithTx(ctx, func(tx *Tx) error {
		var err error
		wf, err = s.CreateWorkflowTx(ctx, tx, team, name, creator, dag, metadata)
		return err
	})
	if err != nil {
		return nil, err
	}
	return wf, nil
}

// CreateWorkflowTx is the transaction-scoped half of CreateWorkflow, so a caller that
// also needs to instantiate the workflow's tasks (the workflow engine's
// CreateWorkflow) can persist the definition and every task row as one atomic unit
// via a single WithTx call, rather than as separate auto-committing writes.
func (s *Store) CreateWorkflowTx(ctx context.Context, tx *Tx, team, name, creator string, dag map[string]any, metadata map[string]any) (*WorkflowDefinition, error) {
	if strings.TrimSpace(team) == "" || strings.TrimSpace(name) == "" {
		return nil, orcherr.Validation("store: workflow requires team and name", nil)
	}
	now := time.Now().UTC()
	wf := &WorkflowDefinition{
		ID: uuid.NewString(), Team: team, Name: name, DAG: dag, Creator: creator,
		Status: WorkflowPending, Metadata: metadata, CreatedAt: now, UpdatedAt: now,
	}
	_, err := tx.tx.ExecContext(ctx, `
		INSERT INTO workflow_definitions (id, team_id, name, dag, creator, status, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.Team, wf.Name, toJSON(wf.DAG), wf.Creator, string(wf.Status),
		toJSON(wf.Metadata), wf.CreatedAt, wf.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: create workflow: %w", err)
	}
	return wf, nil
}

// GetWorkflow fetches a workflow definition by id.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*WorkflowDefinition, error) {
	var wf WorkflowDefinition
	var status string
	var dag, metadata string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, team_id, name, dag, creator, status, metadata, created_at, updated_at
		FROM workflow_definitions WHERE id = ?`, id).
		Scan(&wf.ID, &wf.Team, &wf.Name, &dag, &wf.Creator, &status, &metadata, &wf.CreatedAt, &wf.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, orcherr.NotFound(fmt.Sprintf("store: workflow %s not found", id), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get workflow: %w", err)
	}
	wf.Status = WorkflowStatus(status)
	_ = fromJSON(dag, &wf.DAG)
	_ = fromJSON(metadata, &wf.Metadata)
	return &wf, nil
}

// SetWorkflowStatus transitions a workflow's status (start/pause/resume/cancel/complete).
func (s *Store) SetWorkflowStatus(ctx context.Context, id string, status WorkflowStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE workflow_definitions SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("store: set workflow status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: set workflow status rows affected: %w", err)
	}
	if n == 0 {
		return orcherr.NotFound(fmt.Sprintf("store: workflow %s not found", id), nil)
	}
	return nil
}

// ListWorkflows lists every workflow for a team, optionally filtered by status.
func (s *Store) ListWorkflows(ctx context.Context, team string, status *WorkflowStatus) ([]*WorkflowDefinition, error) {
	query := `SELECT id, team_id, name, dag, creator, status, metadata, created_at, updated_at
		FROM workflow_definitions WHERE team_id = ?`
	args := []any{team}
	if status != nil {
		query += ` AND status = ?`
		args = append(args, string(*status))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list workflows: %w", err)
	}
	defer rows.Close()

	var out []*WorkflowDefinition
	for rows.Next() {
		var wf WorkflowDefinition
		var st, dag, metadata string
		if err := rows.Scan(&wf.ID, &wf.Team, &wf.Name, &dag, &wf.Creator, &st, &metadata, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
			return nil, err
		}
		wf.Status = WorkflowStatus(st)
		_ = fromJSON(dag, &wf.DAG)
		_ = fromJSON(metadata, &wf.Metadata)
		out = append(out, &wf)
	}
	return out, rows.Err()
}
