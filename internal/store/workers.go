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

// WorkerStatus tracks a worker's availability for claim assignment.
type WorkerStatus string

const (
	WorkerIdle    WorkerStatus = "idle"
	WorkerBusy    WorkerStatus = "busy"
	WorkerOffline WorkerStatus = "offline"
)

// Worker is the per-team dispatch record: role, current assignment, and the running
// completed/failed counters the fairness engine reads.
type Worker struct {
	Team        string
	ID          string
	Role        string
	Status      WorkerStatus
	CurrentTask *string
	Completed   int
	Failed      int
	UpdatedAt   time.Time
}

// UpsertWorker registers or updates a worker's role/status row.
func (s *Store) UpsertWorker(ctx context.Context, team, workerID, role string, status WorkerStatus) (*Worker, error) {
	if strings.TrimSpace(team) == "" || strings.TrimSpace(workerID) == "" {
		return nil, orcherr.Validation("store: worker requires team and worker id", nil)
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workers (team_id, worker_id, role, status, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(team_id, worker_id) DO UPDATE SET role = excluded.role, status = excluded.status, updated_at = excluded.updated_at`,
		team, workerID, role, string(status), now)
	if err != nil {
		return nil, fmt.Errorf("store: upsert worker: %w", err)
	}
	return s.GetWorker(ctx, team, workerID)
}

// GetWorker fetches a worker row.
func (s *Store) GetWorker(ctx context.Context, team, workerID string) (*Worker, error) {
	var w Worker
	var status string
	var currentTask sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT team_id, worker_id, role, status, current_task, completed, failed, updated_at
		FROM workers WHERE team_id = ? AND worker_id = ?`, team, workerID).
		Scan(&w.Team, &w.ID, &w.Role, &status, &currentTask, &w.Completed, &w.Failed, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, orcherr.NotFound(fmt.Sprintf("store: worker %s/%s not found", team, workerID), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get worker: %w", err)
	}
	w.Status = WorkerStatus(status)
	w.CurrentTask = stringPtrFromNull(currentTask)
	return &w, nil
}

// ListWorkers returns every worker on a team, optionally filtered by role.
func (s *Store) ListWorkers(ctx context.Context, team string, role *string) ([]*Worker, error) {
	query := `SELECT team_id, worker_id, role, status, current_task, completed, failed, updated_at
		FROM workers WHERE team_id = ?`
	args := []any{team}
	if role != nil {
		query += ` AND role = ?`
		args = append(args, *role)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list workers: %w", err)
	}
	defer rows.Close()

	var out []*Worker
	for rows.Next() {
		var w Worker
		var status string
		var currentTask sql.NullString
		if err := rows.Scan(&w.Team, &w.ID, &w.Role, &status, &currentTask, &w.Completed, &w.Failed, &w.UpdatedAt); err != nil {
			return nil, err
		}
		w.Status = WorkerStatus(status)
		w.CurrentTask = stringPtrFromNull(currentTask)
		out = append(out, &w)
	}
	return out, rows.Err()
}

// Decision is a governance vote record: a proposed statement with a ledger of votes.
type Decision struct {
	ID        string
	Team      string
	Statement string
	Rationale *string
	Proposer  string
	Votes     map[string]string
	Status    string
	Task      *string
	CreatedAt time.Time
}

// ProposeDecision records a new decision awaiting votes.
func (s *Store) ProposeDecision(ctx context.Context, d Decision) (*Decision, error) {
	if strings.TrimSpace(d.Team) == "" || strings.TrimSpace(d.Statement) == "" {
		return nil, orcherr.Validation("store: decision requires team and statement", nil)
	}
	d.ID = uuid.NewString()
	d.Status = "pending"
	d.CreatedAt = time.Now().UTC()
	if d.Votes == nil {
		d.Votes = map[string]string{}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO decisions (id, team_id, statement, rationale, proposer, votes, status, task_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Team, d.Statement, nullString(d.Rationale), d.Proposer, toJSON(d.Votes),
		d.Status, nullString(d.Task), d.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: propose decision: %w", err)
	}
	return &d, nil
}

// CastVote records a worker's vote on a decision.
func (s *Store) CastVote(ctx context.Context, decisionID, worker, vote string) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		var votesJSON string
		if err := tx.tx.QueryRowContext(ctx, `SELECT votes FROM decisions WHERE id = ?`, decisionID).Scan(&votesJSON); err != nil {
			if err == sql.ErrNoRows {
				return orcherr.NotFound(fmt.Sprintf("store: decision %s not found", decisionID), nil)
			}
			return fmt.Errorf("store: cast vote read: %w", err)
		}
		votes := map[string]string{}
		_ = fromJSON(votesJSON, &votes)
		votes[worker] = vote
		_, err := tx.tx.ExecContext(ctx, `UPDATE decisions SET votes = ? WHERE id = ?`, toJSON(votes), decisionID)
		if err != nil {
			return fmt.Errorf("store: cast vote write: %w", err)
		}
		return nil
	})
}
