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

// HandoffStatus governs the lifecycle of a context handoff between workers.
type HandoffStatus string

const (
	HandoffInitiated HandoffStatus = "initiated"
	HandoffCompleted HandoffStatus = "completed"
)

// Handoff is the structured context transfer a retiring or rotating worker leaves
// behind: lessons, open questions, recommendations, and the artifacts/decisions it
// produced.
type Handoff struct {
	ID              string
	Team            string
	Worker          string
	Persona         string
	Status          HandoffStatus
	Checklist       map[string]bool
	Lessons         []string
	OpenQuestions   []string
	Recommendations []string
	Decisions       []string
	Artifacts       []string
	InitiatedBy     string
	CompletedBy     *string
	CreatedAt       time.Time
	CompletedAt     *time.Time
}

// InitiateHandoff opens a new handoff record for a worker.
func (s *Store) InitiateHandoff(ctx context.Context, team, worker, persona, initiatedBy string) (*Handoff, error) {
	if strings.TrimSpace(team) == "" || strings.TrimSpace(worker) == "" {
		return nil, orcherr.Validation("store: handoff requires team and worker", nil)
	}
	h := &Handoff{
		ID: uuid.NewString(), Team: team, Worker: worker, Persona: persona,
		Status: HandoffInitiated, InitiatedBy: initiatedBy, CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO handoffs (id, team_id, worker_id, persona, status, initiated_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.Team, h.Worker, h.Persona, string(h.Status), h.InitiatedBy, h.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: initiate handoff: %w", err)
	}
	return h, nil
}

// CompleteHandoff fills in the handoff's content and marks it completed.
func (s *Store) CompleteHandoff(ctx context.Context, id, completedBy string, lessons, openQuestions, recommendations, decisions, artifacts []string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE handoffs SET status = ?, lessons = ?, open_questions = ?, recommendations = ?,
			decisions = ?, artifacts_list = ?, completed_by = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		string(HandoffCompleted), toJSON(lessons), toJSON(openQuestions), toJSON(recommendations),
		toJSON(decisions), toJSON(artifacts), completedBy, time.Now().UTC(), id, string(HandoffInitiated))
	if err != nil {
		return fmt.Errorf("store: complete handoff: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: complete handoff rows affected: %w", err)
	}
	if n == 0 {
		return orcherr.Validation(fmt.Sprintf("store: handoff %s not found or already completed", id), nil)
	}
	return nil
}

// ListOpenHandoffs returns every non-completed handoff for a worker.
func (s *Store) ListOpenHandoffs(ctx context.Context, team, worker string) ([]*Handoff, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, team_id, worker_id, persona, status, lessons, open_questions, recommendations,
			decisions, artifacts_list, initiated_by, completed_by, created_at, completed_at
		FROM handoffs WHERE team_id = ? AND worker_id = ? AND status != ?`,
		team, worker, string(HandoffCompleted))
	if err != nil {
		return nil, fmt.Errorf("store: list open handoffs: %w", err)
	}
	defer rows.Close()

	var out []*Handoff
	for rows.Next() {
		h, err := scanHandoff(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func scanHandoff(row rowScanner) (*Handoff, error) {
	var h Handoff
	var status string
	var lessons, openQuestions, recommendations, decisions, artifacts string
	var completedBy sql.NullString
	var completedAt sql.NullTime
	if err := row.Scan(&h.ID, &h.Team, &h.Worker, &h.Persona, &status, &lessons, &openQuestions,
		&recommendations, &decisions, &artifacts, &h.InitiatedBy, &completedBy, &h.CreatedAt, &completedAt); err != nil {
		return nil, err
	}
	h.Status = HandoffStatus(status)
	_ = fromJSON(lessons, &h.Lessons)
	_ = fromJSON(openQuestions, &h.OpenQuestions)
	_ = fromJSON(recommendations, &h.Recommendations)
	_ = fromJSON(decisions, &h.Decisions)
	_ = fromJSON(artifacts, &h.Artifacts)
	h.CompletedBy = stringPtrFromNull(completedBy)
	h.CompletedAt = timePtrFromNull(completedAt)
	return &h, nil
}

// Approval is a single role's sign-off on a workflow phase gate.
type Approval struct {
	ID        string
	Team      string
	Workflow  string
	Phase     string
	Role      string
	Approver  string
	Notes     *string
	GivenAt   time.Time
	ExpiresAt *time.Time
}

// RecordApproval stores a role's approval for a workflow phase, expiring it after the
// given TTL (governance.approval_expiry_hours in configuration).
func (s *Store) RecordApproval(ctx context.Context, team, workflow, phase, role, approver string, notes *string, expiry time.Duration) (*Approval, error) {
	if strings.TrimSpace(workflow) == "" || strings.TrimSpace(phase) == "" || strings.TrimSpace(role) == "" {
		return nil, orcherr.Validation("store: approval requires workflow, phase, and role", nil)
	}
	now := time.Now().UTC()
	expiresAt := now.Add(expiry)
	a := &Approval{
		ID: uuid.NewString(), Team: team, Workflow: workflow, Phase: phase, Role: role,
		Approver: approver, Notes: notes, GivenAt: now, ExpiresAt: &expiresAt,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approvals (id, team_id, workflow_id, phase, role, approver, notes, given_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Team, a.Workflow, a.Phase, a.Role, a.Approver, nullString(a.Notes), a.GivenAt, nullTimePtr(a.ExpiresAt))
	if err != nil {
		return nil, fmt.Errorf("store: record approval: %w", err)
	}
	return a, nil
}

// ListGateApprovals returns every non-expired approval recorded for a workflow phase.
func (s *Store) ListGateApprovals(ctx context.Context, team, workflow, phase string) ([]*Approval, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, team_id, workflow_id, phase, role, approver, notes, given_at, expires_at
		FROM approvals WHERE team_id = ? AND workflow_id = ? AND phase = ? AND (expires_at IS NULL OR expires_at > ?)`,
		team, workflow, phase, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("store: list gate approvals: %w", err)
	}
	defer rows.Close()

	var out []*Approval
	for rows.Next() {
		var a Approval
		var notes sql.NullString
		var expiresAt sql.NullTime
		if err := rows.Scan(&a.ID, &a.Team, &a.Workflow, &a.Phase, &a.Role, &a.Approver, &notes, &a.GivenAt, &expiresAt); err != nil {
			return nil, err
		}
		a.Notes = stringPtrFromNull(notes)
		a.ExpiresAt = timePtrFromNull(expiresAt)
		out = append(out, &a)
	}
	return out, rows.Err()
}

// IncidentSeverity classifies an audit-trail incident.
type IncidentSeverity string

const (
	IncidentLow      IncidentSeverity = "low"
	IncidentMedium   IncidentSeverity = "medium"
	IncidentHigh     IncidentSeverity = "high"
	IncidentCritical IncidentSeverity = "critical"
)

// IncidentStatus governs an incident's triage lifecycle, from first report through to
// its eventual disposition.
type IncidentStatus string

const (
	IncidentReported      IncidentStatus = "reported"
	IncidentInvestigating IncidentStatus = "investigating"
	IncidentConfirmed     IncidentStatus = "confirmed"
	IncidentMitigated     IncidentStatus = "mitigated"
	IncidentResolved      IncidentStatus = "resolved"
	IncidentFalsePositive IncidentStatus = "false_positive"
)

// incidentTransitions lists, per current status, the statuses it may legally move to.
// Resolved/mitigated/false_positive are terminal: an incident that reached one of
// those is closed and does not reopen.
var incidentTransitions = map[IncidentStatus][]IncidentStatus{
	IncidentReported:      {IncidentInvestigating, IncidentConfirmed, IncidentFalsePositive},
	IncidentInvestigating: {IncidentConfirmed, IncidentFalsePositive},
	IncidentConfirmed:     {IncidentMitigated, IncidentResolved},
}

// Incident is a durable record of a governance or fairness-engine event worth
// auditing (escalation, repeated gate rejection, fairness threshold breach).
type Incident struct {
	ID        string
	Team      string
	Severity  IncidentSeverity
	Status    string
	Summary   string
	Detail    *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RecordIncident appends a new incident to the audit trail.
func (s *Store) RecordIncident(ctx context.Context, team string, severity IncidentSeverity, summary string, detail *string) (*Incident, error) {
	now := time.Now().UTC()
	inc := &Incident{
		ID: uuid.NewString(), Team: team, Severity: severity, Status: string(IncidentReported),
		Summary: summary, Detail: detail, CreatedAt: now, UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO incidents (id, team_id, severity, status, summary, detail, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		inc.ID, inc.Team, string(inc.Severity), inc.Status, inc.Summary, nullString(inc.Detail), inc.CreatedAt, inc.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: record incident: %w", err)
	}
	return inc, nil
}

// UpdateIncidentStatus moves an incident through its triage lifecycle
// (reported -> investigating/confirmed/false_positive -> mitigated/resolved),
// rejecting any transition not named in incidentTransitions for the incident's
// current status.
func (s *Store) UpdateIncidentStatus(ctx context.Context, id string, to IncidentStatus) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		var current string
		if err := tx.tx.QueryRowContext(ctx, `SELECT status FROM incidents WHERE id = ?`, id).Scan(&current); err != nil {
			if err == sql.ErrNoRows {
				return orcherr.NotFound(fmt.Sprintf("store: incident %s not found", id), nil)
			}
			return fmt.Errorf("store: update incident status read: %w", err)
		}

		allowed := false
		for _, next := range incidentTransitions[IncidentStatus(current)] {
			if next == to {
				allowed = true
				break
			}
		}
		if !allowed {
			return orcherr.Validation(fmt.Sprintf("store: incident %s cannot move from %s to %s", id, current, to), nil)
		}

		if _, err := tx.tx.ExecContext(ctx, `UPDATE incidents SET status = ?, updated_at = ? WHERE id = ?`,
			string(to), time.Now().UTC(), id); err != nil {
			return fmt.Errorf("store: update incident status write: %w", err)
		}
		return nil
	})
}

// ListIncidents returns every incident for a team, most recent first.
func (s *Store) ListIncidents(ctx context.Context, team string) ([]*Incident, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, team_id, severity, status, summary, detail, created_at, updated_at
		FROM incidents WHERE team_id = ? ORDER BY created_at DESC`, team)
	if err != nil {
		return nil, fmt.Errorf("store: list incidents: %w", err)
	}
	defer rows.Close()

	var out []*Incident
	for rows.Next() {
		var inc Incident
		var severity string
		var detail sql.NullString
		if err := rows.Scan(&inc.ID, &inc.Team, &severity, &inc.Status, &inc.Summary, &detail, &inc.CreatedAt, &inc.UpdatedAt); err != nil {
			return nil, err
		}
		inc.Severity = IncidentSeverity(severity)
		inc.Detail = stringPtrFromNull(detail)
		out = append(out, &inc)
	}
	return out, rows.Err()
}
