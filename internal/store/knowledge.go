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

// KnowledgeItem is a versioned key/value fact shared across a team.
type KnowledgeItem struct {
	ID        string
	Team      string
	Key       string
	Value     string
	Category  *string
	Source    string
	Version   int
	Tags      []string
	UpdatedAt time.Time
}

// UpsertKnowledge writes a knowledge item, incrementing version on an existing key.
func (s *Store) UpsertKnowledge(ctx context.Context, team, key, value, source string, category *string, tags []string) (*KnowledgeItem, error) {
	if strings.TrimSpace(team) == "" || strings.TrimSpace(key) == "" {
		return nil, orcherr.Validation("store: knowledge item requires team and key", nil)
	}
	now := time.Now().UTC()
	var item KnowledgeItem
	err := s.WithTx(ctx, func(tx *Tx) error {
		var existingID string
		var version int
		err := tx.tx.QueryRowContext(ctx, `SELECT id, version FROM knowledge_items WHERE team_id = ? AND key = ?`,
			team, key).Scan(&existingID, &version)
		switch {
		case err == sql.ErrNoRows:
			item = KnowledgeItem{
				ID: uuid.NewString(), Team: team, Key: key, Value: value, Category: category,
				Source: source, Version: 1, Tags: tags, UpdatedAt: now,
			}
			_, execErr := tx.tx.ExecContext(ctx, `
				INSERT INTO knowledge_items (id, team_id, key, value, category, source, version, tags, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				item.ID, item.Team, item.Key, item.Value, nullString(item.Category), item.Source,
				item.Version, toJSON(item.Tags), item.UpdatedAt)
			return execErr
		case err != nil:
			return fmt.Errorf("store: lookup knowledge item: %w", err)
		default:
			item = KnowledgeItem{
				ID: existingID, Team: team, Key: key, Value: value, Category: category,
				Source: source, Version: version + 1, Tags: tags, UpdatedAt: now,
			}
			_, execErr := tx.tx.ExecContext(ctx, `
				UPDATE knowledge_items SET value = ?, category = ?, source = ?, version = ?, tags = ?, updated_at = ?
				WHERE id = ?`,
				item.Value, nullString(item.Category), item.Source, item.Version, toJSON(item.Tags), item.UpdatedAt, item.ID)
			return execErr
		}
	})
	if err != nil {
		return nil, fmt.Errorf("store: upsert knowledge: %w", err)
	}
	return &item, nil
}

// GetKnowledge fetches a single knowledge item by team and key.
func (s *Store) GetKnowledge(ctx context.Context, team, key string) (*KnowledgeItem, error) {
	var item KnowledgeItem
	var category, tags sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, team_id, key, value, category, source, version, tags, updated_at
		FROM knowledge_items WHERE team_id = ? AND key = ?`, team, key).
		Scan(&item.ID, &item.Team, &item.Key, &item.Value, &category, &item.Source, &item.Version, &tags, &item.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, orcherr.NotFound(fmt.Sprintf("store: knowledge item %s/%s not found", team, key), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get knowledge: %w", err)
	}
	item.Category = stringPtrFromNull(category)
	_ = fromJSON(tags.String, &item.Tags)
	return &item, nil
}

// ListKnowledge returns every knowledge item for a team, optionally by category.
func (s *Store) ListKnowledge(ctx context.Context, team string, category *string) ([]*KnowledgeItem, error) {
	query := `SELECT id, team_id, key, value, category, source, version, tags, updated_at
		FROM knowledge_items WHERE team_id = ?`
	args := []any{team}
	if category != nil {
		query += ` AND category = ?`
		args = append(args, *category)
	}
	query += ` ORDER BY key ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list knowledge: %w", err)
	}
	defer rows.Close()

	var out []*KnowledgeItem
	for rows.Next() {
		var item KnowledgeItem
		var cat, tags sql.NullString
		if err := rows.Scan(&item.ID, &item.Team, &item.Key, &item.Value, &cat, &item.Source, &item.Version, &tags, &item.UpdatedAt); err != nil {
			return nil, err
		}
		item.Category = stringPtrFromNull(cat)
		_ = fromJSON(tags.String, &item.Tags)
		out = append(out, &item)
	}
	return out, rows.Err()
}

// Artifact is a pointer to content stored in an external backend (filesystem, s3, ...).
type Artifact struct {
	ID             string
	Team           string
	Name           string
	Type           string
	StorageBackend string
	StoragePath    string
	Size           int64
	Mime           *string
	Creator        string
	Task           *string
	Tags           []string
	CreatedAt      time.Time
}

// CreateArtifact registers a new artifact pointer.
func (s *Store) CreateArtifact(ctx context.Context, a Artifact) (*Artifact, error) {
	if strings.TrimSpace(a.Team) == "" || strings.TrimSpace(a.Name) == "" {
		return nil, orcherr.Validation("store: artifact requires team and name", nil)
	}
	a.ID = uuid.NewString()
	a.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (id, team_id, name, type, storage_backend, storage_path, size, mime, creator, task_id, tags, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Team, a.Name, a.Type, a.StorageBackend, a.StoragePath, a.Size,
		nullString(a.Mime), a.Creator, nullString(a.Task), toJSON(a.Tags), a.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: create artifact: %w", err)
	}
	return &a, nil
}

// ListArtifactsByTask returns artifacts produced by a given task.
func (s *Store) ListArtifactsByTask(ctx context.Context, taskID string) ([]*Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, team_id, name, type, storage_backend, storage_path, size, mime, creator, task_id, tags, created_at
		FROM artifacts WHERE task_id = ?`, taskID)
	if err != nil {
		return nil, fmt.Errorf("store: list artifacts: %w", err)
	}
	defer rows.Close()

	var out []*Artifact
	for rows.Next() {
		var a Artifact
		var mime, task, tags sql.NullString
		if err := rows.Scan(&a.ID, &a.Team, &a.Name, &a.Type, &a.StorageBackend, &a.StoragePath, &a.Size,
			&mime, &a.Creator, &task, &tags, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Mime = stringPtrFromNull(mime)
		a.Task = stringPtrFromNull(task)
		_ = fromJSON(tags.String, &a.Tags)
		out = append(out, &a)
	}
	return out, rows.Err()
}
