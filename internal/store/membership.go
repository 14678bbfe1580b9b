package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/riftloom/fleetward/internal/orcherr"
)

// MemberState is the lifecycle state of a team membership.
type MemberState string

const (
	MemberInitializing MemberState = "initializing"
	MemberActive       MemberState = "active"
	MemberHandingOff   MemberState = "handing_off"
	MemberRetired      MemberState = "retired"
)

// TeamMembership binds a worker to a team with a role and a performance ledger.
type TeamMembership struct {
	Team                string
	Worker              string
	Persona             string
	Role                string
	State               MemberState
	JoinedAt            time.Time
	ActivatedAt         *time.Time
	RetiredAt           *time.Time
	StateHistory        []map[string]any
	Score               float64
	CompletionRate      float64
	AvgDurationH        *float64
	CollaborationScore  float64
	AddedBy             string
	AddedReason         *string
	RetirementReason    *string
}

// AddMember inserts a new team membership in the initializing state.
func (s *Store) AddMember(ctx context.Context, team, worker, persona, role, addedBy string, reason *string) (*TeamMembership, error) {
	if strings.TrimSpace(team) == "" || strings.TrimSpace(worker) == "" {
		return nil, orcherr.Validation("store: membership requires team and worker", nil)
	}
	m := &TeamMembership{
		Team: team, Worker: worker, Persona: persona, Role: role, State: MemberInitializing,
		JoinedAt: time.Now().UTC(), AddedBy: addedBy, AddedReason: reason,
		StateHistory: []map[string]any{{"state": string(MemberInitializing), "at": time.Now().UTC().Format(time.RFC3339)}},
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO team_memberships (team_id, worker_id, persona, role, state, joined_at, state_history, added_by, added_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.Team, m.Worker, m.Persona, m.Role, string(m.State), m.JoinedAt, toJSON(m.StateHistory), m.AddedBy, nullString(m.AddedReason))
	if err != nil {
		return nil, fmt.Errorf("store: add member: %w", err)
	}
	return m, nil
}

// GetMembership fetches a single membership row.
func (s *Store) GetMembership(ctx context.Context, team, worker string) (*TeamMembership, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT team_id, worker_id, persona, role, state, joined_at, activated_at, retired_at,
			state_history, score, completion_rate, avg_duration_h, collaboration_score,
			added_by, added_reason, retirement_reason
		FROM team_memberships WHERE team_id = ? AND worker_id = ?`, team, worker)
	m, err := scanMembership(row)
	if err == sql.ErrNoRows {
		return nil, orcherr.NotFound(fmt.Sprintf("store: membership %s/%s not found", team, worker), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get membership: %w", err)
	}
	return m, nil
}

func scanMembership(row rowScanner) (*TeamMembership, error) {
	var m TeamMembership
	var state string
	var activatedAt, retiredAt sql.NullTime
	var stateHistory string
	var avgDuration sql.NullFloat64
	var addedReason, retirementReason sql.NullString
	if err := row.Scan(&m.Team, &m.Worker, &m.Persona, &m.Role, &state, &m.JoinedAt, &activatedAt, &retiredAt,
		&stateHistory, &m.Score, &m.CompletionRate, &avgDuration, &m.CollaborationScore,
		&m.AddedBy, &addedReason, &retirementReason); err != nil {
		return nil, err
	}
	m.State = MemberState(state)
	m.ActivatedAt = timePtrFromNull(activatedAt)
	m.RetiredAt = timePtrFromNull(retiredAt)
	_ = fromJSON(stateHistory, &m.StateHistory)
	if avgDuration.Valid {
		v := avgDuration.Float64
		m.AvgDurationH = &v
	}
	m.AddedReason = stringPtrFromNull(addedReason)
	m.RetirementReason = stringPtrFromNull(retirementReason)
	return &m, nil
}

// TransitionMember moves a membership to a new state, appending to its history.
// Transitioning to retired is rejected while the member has an open (non-completed)
// handoff, and also when the member has no completed handoff at all — membership
// changes must not strand in-flight handoff obligations.
func (s *Store) TransitionMember(ctx context.Context, team, worker string, to MemberState) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		var historyJSON string
		if err := tx.tx.QueryRowContext(ctx, `SELECT state_history FROM team_memberships WHERE team_id = ? AND worker_id = ?`,
			team, worker).Scan(&historyJSON); err != nil {
			if err == sql.ErrNoRows {
				return orcherr.NotFound(fmt.Sprintf("store: membership %s/%s not found", team, worker), nil)
			}
			return fmt.Errorf("store: transition member read: %w", err)
		}

		if to == MemberRetired {
			var openHandoffs int
			if err := tx.tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM handoffs WHERE team_id = ? AND worker_id = ? AND status != 'completed'`,
				team, worker).Scan(&openHandoffs); err != nil {
				return fmt.Errorf("store: check open handoffs: %w", err)
			}
			if openHandoffs > 0 {
				return orcherr.Validation("store: cannot retire member with an open handoff", nil)
			}
			var completedHandoffs int
			if err := tx.tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM handoffs WHERE team_id = ? AND worker_id = ? AND status = 'completed'`,
				team, worker).Scan(&completedHandoffs); err != nil {
				return fmt.Errorf("store: check completed handoffs: %w", err)
			}
			if completedHandoffs == 0 {
				return orcherr.Validation("store: cannot retire member without a completed handoff", nil)
			}
		}

		var history []map[string]any
		_ = fromJSON(historyJSON, &history)
		history = append(history, map[string]any{"state": string(to), "at": time.Now().UTC().Format(time.RFC3339)})

		now := time.Now().UTC()
		var activatedSet, retiredSet any
		switch to {
		case MemberActive:
			activatedSet = now
		case MemberRetired:
			retiredSet = now
		}
		_, err := tx.tx.ExecContext(ctx, `
			UPDATE team_memberships SET state = ?, state_history = ?,
				activated_at = COALESCE(?, activated_at), retired_at = COALESCE(?, retired_at)
			WHERE team_id = ? AND worker_id = ?`,
			string(to), toJSON(history), activatedSet, retiredSet, team, worker)
		if err != nil {
			return fmt.Errorf("store: transition member write: %w", err)
		}
		return nil
	})
}

// ListMembers returns every membership for a team.
func (s *Store) ListMembers(ctx context.Context, team string) ([]*TeamMembership, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT team_id, worker_id, persona, role, state, joined_at, activated_at, retired_at,
			state_history, score, completion_rate, avg_duration_h, collaboration_score,
			added_by, added_reason, retirement_reason
		FROM team_memberships WHERE team_id = ?`, team)
	if err != nil {
		return nil, fmt.Errorf("store: list members: %w", err)
	}
	defer rows.Close()

	var out []*TeamMembership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// RoleAssignment binds a role to its current holder (if any) and assignment history.
type RoleAssignment struct {
	Team          string
	Role          string
	CurrentWorker *string
	AssignedAt    *time.Time
	AssignedBy    *string
	History       []map[string]any
	Required      bool
	Active        bool
	Priority      int
}

// AssignRole reassigns a role to a worker, appending the new assignment to history.
func (s *Store) AssignRole(ctx context.Context, team, role, worker, assignedBy string) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		var historyJSON string
		var exists bool
		err := tx.tx.QueryRowContext(ctx, `SELECT history FROM role_assignments WHERE team_id = ? AND role = ?`,
			team, role).Scan(&historyJSON)
		if err == nil {
			exists = true
		} else if err != sql.ErrNoRows {
			return fmt.Errorf("store: assign role read: %w", err)
		}

		var history []map[string]any
		_ = fromJSON(historyJSON, &history)
		history = append(history, map[string]any{"worker": worker, "assigned_by": assignedBy, "at": time.Now().UTC().Format(time.RFC3339)})

		now := time.Now().UTC()
		if exists {
			_, err := tx.tx.ExecContext(ctx, `
				UPDATE role_assignments SET current_worker = ?, assigned_at = ?, assigned_by = ?, history = ?
				WHERE team_id = ? AND role = ?`,
				worker, now, assignedBy, toJSON(history), team, role)
			if err != nil {
				return fmt.Errorf("store: assign role update: %w", err)
			}
			return nil
		}
		_, err = tx.tx.ExecContext(ctx, `
			INSERT INTO role_assignments (team_id, role, current_worker, assigned_at, assigned_by, history, active)
			VALUES (?, ?, ?, ?, ?, ?, 1)`,
			team, role, worker, now, assignedBy, toJSON(history))
		if err != nil {
			return fmt.Errorf("store: assign role insert: %w", err)
		}
		return nil
	})
}

// GetRoleAssignment fetches the current holder of a role.
func (s *Store) GetRoleAssignment(ctx context.Context, team, role string) (*RoleAssignment, error) {
	var r RoleAssignment
	var currentWorker, assignedBy sql.NullString
	var assignedAt sql.NullTime
	var history string
	var required, active int
	err := s.db.QueryRowContext(ctx, `
		SELECT team_id, role, current_worker, assigned_at, assigned_by, history, required, active, priority
		FROM role_assignments WHERE team_id = ? AND role = ?`, team, role).
		Scan(&r.Team, &r.Role, &currentWorker, &assignedAt, &assignedBy, &history, &required, &active, &r.Priority)
	if err == sql.ErrNoRows {
		return nil, orcherr.NotFound(fmt.Sprintf("store: role assignment %s/%s not found", team, role), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get role assignment: %w", err)
	}
	r.CurrentWorker = stringPtrFromNull(currentWorker)
	r.AssignedAt = timePtrFromNull(assignedAt)
	r.AssignedBy = stringPtrFromNull(assignedBy)
	_ = fromJSON(history, &r.History)
	r.Required = required != 0
	r.Active = active != 0
	return &r, nil
}
