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

// Team is the root scoping entity: every other row in the store belongs to one.
type Team struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// CreateTeam inserts a new team, generating an id if name collisions are a concern
// the caller should pre-check; this call does not enforce name uniqueness.
func (s *Store) CreateTeam(ctx context.Context, name string) (*Team, error) {
	if strings.TrimSpace(name) == "" {
		return nil, orcherr.Validation("store: team name is required", nil)
	}
	team := &Team{ID: uuid.NewString(), Name: name, CreatedAt: time.Now().UTC()}
	_, err := s.db.ExecContext(ctx, `INSERT INTO teams (id, name, created_at) VALUES (?, ?, ?)`,
		team.ID, team.Name, team.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: create team: %w", err)
	}
	return team, nil
}

// GetTeam fetches a team by id.
func (s *Store) GetTeam(ctx context.Context, id string) (*Team, error) {
	var t Team
	err := s.db.QueryRowContext(ctx, `SELECT id, name, created_at FROM teams WHERE id = ?`, id).
		Scan(&t.ID, &t.Name, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, orcherr.NotFound(fmt.Sprintf("store: team %s not found", id), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get team: %w", err)
	}
	return &t, nil
}

// ListTeamIDs returns every known team id, used by background sweeps that need to
// iterate all teams rather than one caller-supplied team at a time.
func (s *Store) ListTeamIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM teams ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list team ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan team id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Message is a single entry on a team's shared communication channel.
type Message struct {
	ID        string
	Team      string
	From      string
	To        *string
	Kind      string
	Body      string
	Metadata  map[string]any
	Thread    *string
	Timestamp time.Time
}

// PostMessage appends a message to a team's channel.
func (s *Store) PostMessage(ctx context.Context, msg Message) (*Message, error) {
	if strings.TrimSpace(msg.Team) == "" || strings.TrimSpace(msg.From) == "" {
		return nil, orcherr.Validation("store: message requires team and sender", nil)
	}
	msg.ID = uuid.NewString()
	msg.Timestamp = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, team_id, from_worker, to_worker, kind, body, metadata, thread, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.Team, msg.From, nullString(msg.To), msg.Kind, msg.Body,
		toJSON(msg.Metadata), nullString(msg.Thread), msg.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("store: post message: %w", err)
	}
	return &msg, nil
}

// ListMessages returns the most recent messages for a team, newest first, optionally
// filtered to a thread.
func (s *Store) ListMessages(ctx context.Context, team string, thread *string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, team_id, from_worker, to_worker, kind, body, metadata, thread, timestamp
		FROM messages WHERE team_id = ?`
	args := []any{team}
	if thread != nil {
		query += ` AND thread = ?`
		args = append(args, *thread)
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var m Message
		var to, thread, metadata sql.NullString
		if err := rows.Scan(&m.ID, &m.Team, &m.From, &to, &m.Kind, &m.Body, &metadata, &thread, &m.Timestamp); err != nil {
			return nil, err
		}
		m.To = stringPtrFromNull(to)
		m.Thread = stringPtrFromNull(thread)
		_ = fromJSON(metadata.String, &m.Metadata)
		out = append(out, &m)
	}
	return out, rows.Err()
}
