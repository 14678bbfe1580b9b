package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/riftloom/fleetward/internal/orcherr"
)

// ExecutionOutcome is the terminal (or in-flight) status of a tracked execution.
type ExecutionOutcome string

const (
	ExecutionRunning   ExecutionOutcome = "running"
	ExecutionSucceeded ExecutionOutcome = "succeeded"
	ExecutionFailed    ExecutionOutcome = "failed"
	ExecutionCancelled ExecutionOutcome = "cancelled"
)

// Execution is a single tracked run of a worker persona against an input: the
// envelope that TrackedDecision and ExecutionEvent rows hang off of.
type Execution struct {
	ID             string
	Persona        string
	PersonaVersion *string
	Input          string
	InputEmbedding []float64
	Context        map[string]any
	Outcome        ExecutionOutcome
	OutputSummary  *string
	OutputData     map[string]any
	Error          *string
	Tokens         int
	Cost           float64
	StartedAt      time.Time
	CompletedAt    *time.Time
	DurationMS     int64
}

// StartExecution opens a new execution in the running state.
func (s *Store) StartExecution(ctx context.Context, persona string, personaVersion *string, input string, embedding []float64, execContext map[string]any) (*Execution, error) {
	e := &Execution{
		ID: uuid.NewString(), Persona: persona, PersonaVersion: personaVersion, Input: input,
		InputEmbedding: embedding, Context: execContext, Outcome: ExecutionRunning, StartedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (id, persona, persona_version, input, input_embedding, context, outcome, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Persona, nullString(e.PersonaVersion), e.Input, toJSON(e.InputEmbedding), toJSON(e.Context),
		string(e.Outcome), e.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("store: start execution: %w", err)
	}
	return e, nil
}

// FinishExecution transitions an execution to a terminal outcome and records its
// cost/token usage, computed duration, and output.
func (s *Store) FinishExecution(ctx context.Context, id string, outcome ExecutionOutcome, summary *string, output map[string]any, execErr *string, tokens int, cost float64) error {
	var startedAt time.Time
	if err := s.db.QueryRowContext(ctx, `SELECT started_at FROM executions WHERE id = ?`, id).Scan(&startedAt); err != nil {
		if err == sql.ErrNoRows {
			return orcherr.NotFound(fmt.Sprintf("store: execution %s not found", id), nil)
		}
		return fmt.Errorf("store: finish execution read: %w", err)
	}
	now := time.Now().UTC()
	durationMS := now.Sub(startedAt).Milliseconds()
	_, err := s.db.ExecContext(ctx, `
		UPDATE executions SET outcome = ?, output_summary = ?, output_data = ?, error = ?,
			tokens = ?, cost = ?, completed_at = ?, duration_ms = ?
		WHERE id = ?`,
		string(outcome), nullString(summary), toJSON(output), nullString(execErr), tokens, cost, now, durationMS, id)
	if err != nil {
		return fmt.Errorf("store: finish execution write: %w", err)
	}
	return nil
}

func scanExecution(row rowScanner) (*Execution, error) {
	var e Execution
	var outcome string
	var personaVersion, summary, outputData, errStr sql.NullString
	var embedding, execContext string
	var completedAt sql.NullTime
	if err := row.Scan(&e.ID, &e.Persona, &personaVersion, &e.Input, &embedding, &execContext, &outcome,
		&summary, &outputData, &errStr, &e.Tokens, &e.Cost, &e.StartedAt, &completedAt, &e.DurationMS); err != nil {
		return nil, err
	}
	e.Outcome = ExecutionOutcome(outcome)
	e.PersonaVersion = stringPtrFromNull(personaVersion)
	e.OutputSummary = stringPtrFromNull(summary)
	e.Error = stringPtrFromNull(errStr)
	e.CompletedAt = timePtrFromNull(completedAt)
	_ = fromJSON(embedding, &e.InputEmbedding)
	_ = fromJSON(execContext, &e.Context)
	if outputData.Valid {
		_ = fromJSON(outputData.String, &e.OutputData)
	}
	return &e, nil
}

const executionColumns = `id, persona, persona_version, input, input_embedding, context, outcome,
	output_summary, output_data, error, tokens, cost, started_at, completed_at, duration_ms`

// GetExecution fetches an execution by id.
func (s *Store) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	e, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, orcherr.NotFound(fmt.Sprintf("store: execution %s not found", id), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get execution: %w", err)
	}
	return e, nil
}

// ExecutionQuery filters ListExecutions by persona, outcome, and a time window.
type ExecutionQuery struct {
	Persona *string
	Outcome *ExecutionOutcome
	Since   *time.Time
	Until   *time.Time
	Limit   int
}

// ListExecutions returns executions matching q, most recent first.
func (s *Store) ListExecutions(ctx context.Context, q ExecutionQuery) ([]*Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE 1=1`
	var args []any
	if q.Persona != nil {
		query += ` AND persona = ?`
		args = append(args, *q.Persona)
	}
	if q.Outcome != nil {
		query += ` AND outcome = ?`
		args = append(args, string(*q.Outcome))
	}
	if q.Since != nil {
		query += ` AND started_at >= ?`
		args = append(args, *q.Since)
	}
	if q.Until != nil {
		query += ` AND started_at <= ?`
		args = append(args, *q.Until)
	}
	query += ` ORDER BY started_at DESC`
	limit := q.Limit
	if limit <= 0 {
		limit = 200
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list executions: %w", err)
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// TrackedDecision is a single reasoning choice an execution made, for replay and audit.
type TrackedDecision struct {
	ID           string
	ExecutionID  string
	Kind         string
	Choice       string
	Reasoning    *string
	Alternatives []string
	Confidence   float64
	Metadata     map[string]any
	Timestamp    time.Time
}

// LogDecision appends a tracked decision to an execution's reasoning trail.
func (s *Store) LogDecision(ctx context.Context, d TrackedDecision) (*TrackedDecision, error) {
	d.ID = uuid.NewString()
	d.Timestamp = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tracked_decisions (id, execution_id, kind, choice, reasoning, alternatives, confidence, metadata, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.ExecutionID, d.Kind, d.Choice, nullString(d.Reasoning), toJSON(d.Alternatives),
		d.Confidence, toJSON(d.Metadata), d.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("store: log decision: %w", err)
	}
	return &d, nil
}

// ListDecisions returns every tracked decision for an execution, in order.
func (s *Store) ListDecisions(ctx context.Context, executionID string) ([]*TrackedDecision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_id, kind, choice, reasoning, alternatives, confidence, metadata, timestamp
		FROM tracked_decisions WHERE execution_id = ? ORDER BY timestamp ASC`, executionID)
	if err != nil {
		return nil, fmt.Errorf("store: list decisions: %w", err)
	}
	defer rows.Close()

	var out []*TrackedDecision
	for rows.Next() {
		var d TrackedDecision
		var reasoning sql.NullString
		var alternatives, metadata string
		if err := rows.Scan(&d.ID, &d.ExecutionID, &d.Kind, &d.Choice, &reasoning, &alternatives,
			&d.Confidence, &metadata, &d.Timestamp); err != nil {
			return nil, err
		}
		d.Reasoning = stringPtrFromNull(reasoning)
		_ = fromJSON(alternatives, &d.Alternatives)
		_ = fromJSON(metadata, &d.Metadata)
		out = append(out, &d)
	}
	return out, rows.Err()
}

// ExecutionEvent is a single streamed progress/log entry for an execution.
type ExecutionEvent struct {
	ID          string
	ExecutionID string
	Kind        string
	Message     *string
	Progress    *float64
	Data        map[string]any
	Timestamp   time.Time
}

// LogEvent persists a streamed execution event (in addition to any live subscriber
// fan-out the tracker package performs in-process).
func (s *Store) LogEvent(ctx context.Context, ev ExecutionEvent) (*ExecutionEvent, error) {
	ev.ID = uuid.NewString()
	ev.Timestamp = time.Now().UTC()
	var progress sql.NullFloat64
	if ev.Progress != nil {
		progress = sql.NullFloat64{Float64: *ev.Progress, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_events (id, execution_id, kind, message, progress, data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.ExecutionID, ev.Kind, nullString(ev.Message), progress, toJSON(ev.Data), ev.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("store: log event: %w", err)
	}
	return &ev, nil
}

// ListEvents returns every event recorded for an execution, in order.
func (s *Store) ListEvents(ctx context.Context, executionID string) ([]*ExecutionEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_id, kind, message, progress, data, timestamp
		FROM execution_events WHERE execution_id = ? ORDER BY timestamp ASC`, executionID)
	if err != nil {
		return nil, fmt.Errorf("store: list events: %w", err)
	}
	defer rows.Close()

	var out []*ExecutionEvent
	for rows.Next() {
		var ev ExecutionEvent
		var message sql.NullString
		var progress sql.NullFloat64
		var data string
		if err := rows.Scan(&ev.ID, &ev.ExecutionID, &ev.Kind, &message, &progress, &data, &ev.Timestamp); err != nil {
			return nil, err
		}
		ev.Message = stringPtrFromNull(message)
		if progress.Valid {
			v := progress.Float64
			ev.Progress = &v
		}
		_ = fromJSON(data, &ev.Data)
		out = append(out, &ev)
	}
	return out, rows.Err()
}
