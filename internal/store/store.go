// Package store provides the durable relational substrate (C1) for every entity in
// the orchestrator: teams, messages, tasks, workflows, knowledge, artifacts, workers,
// governance decisions, memberships, role assignments, handoffs, approvals, and
// tracked executions. All multi-row writes run inside a single transaction.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/riftloom/fleetward/internal/orcherr"
)

// Store provides SQLite-backed persistence for orchestrator state.
type Store struct {
	db           *sql.DB
	claimLockTTL time.Duration
}

const schema = `
CREATE TABLE IF NOT EXISTS teams (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	team_id TEXT NOT NULL,
	from_worker TEXT NOT NULL,
	to_worker TEXT,
	kind TEXT NOT NULL,
	body TEXT NOT NULL,
	metadata TEXT NOT NULL DEFAULT '{}',
	thread TEXT,
	timestamp DATETIME NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_messages_team ON messages(team_id, timestamp);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	team_id TEXT NOT NULL,
	title TEXT NOT NULL,
	body TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending',
	priority INTEGER NOT NULL DEFAULT 0,
	required_role TEXT,
	assignee TEXT,
	assignee_role TEXT,
	creator TEXT NOT NULL,
	parent TEXT,
	workflow_id TEXT,
	result TEXT,
	error TEXT,
	metadata TEXT NOT NULL DEFAULT '{}',
	tags TEXT NOT NULL DEFAULT '[]',
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	claimed_at DATETIME,
	completed_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_tasks_team_status ON tasks(team_id, status);
CREATE INDEX IF NOT EXISTS idx_tasks_team_priority ON tasks(team_id, priority);
CREATE INDEX IF NOT EXISTS idx_tasks_workflow_status ON tasks(workflow_id, status);

CREATE TABLE IF NOT EXISTS task_deps (
	task_id TEXT NOT NULL,
	depends_on TEXT NOT NULL,
	PRIMARY KEY (task_id, depends_on)
);
CREATE INDEX IF NOT EXISTS idx_task_deps_depends_on ON task_deps(depends_on);

CREATE TABLE IF NOT EXISTS workflow_definitions (
	id TEXT PRIMARY KEY,
	team_id TEXT NOT NULL,
	name TEXT NOT NULL,
	dag TEXT NOT NULL,
	creator TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS knowledge_items (
	id TEXT PRIMARY KEY,
	team_id TEXT NOT NULL,
	key TEXT NOT NULL,
	value TEXT NOT NULL,
	category TEXT,
	source TEXT NOT NULL,
	version INTEGER NOT NULL DEFAULT 1,
	tags TEXT NOT NULL DEFAULT '[]',
	updated_at DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE(team_id, key)
);

CREATE TABLE IF NOT EXISTS artifacts (
	id TEXT PRIMARY KEY,
	team_id TEXT NOT NULL,
	name TEXT NOT NULL,
	type TEXT NOT NULL,
	storage_backend TEXT NOT NULL,
	storage_path TEXT NOT NULL,
	size INTEGER NOT NULL DEFAULT 0,
	mime TEXT,
	creator TEXT NOT NULL,
	task_id TEXT,
	tags TEXT NOT NULL DEFAULT '[]',
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS workers (
	team_id TEXT NOT NULL,
	worker_id TEXT NOT NULL,
	role TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'idle',
	current_task TEXT,
	completed INTEGER NOT NULL DEFAULT 0,
	failed INTEGER NOT NULL DEFAULT 0,
	updated_at DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (team_id, worker_id)
);

CREATE TABLE IF NOT EXISTS decisions (
	id TEXT PRIMARY KEY,
	team_id TEXT NOT NULL,
	statement TEXT NOT NULL,
	rationale TEXT,
	proposer TEXT NOT NULL,
	votes TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL DEFAULT 'pending',
	task_id TEXT,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS team_memberships (
	team_id TEXT NOT NULL,
	worker_id TEXT NOT NULL,
	persona TEXT NOT NULL,
	role TEXT NOT NULL,
	state TEXT NOT NULL DEFAULT 'initializing',
	joined_at DATETIME NOT NULL DEFAULT (datetime('now')),
	activated_at DATETIME,
	retired_at DATETIME,
	state_history TEXT NOT NULL DEFAULT '[]',
	score REAL NOT NULL DEFAULT 0,
	completion_rate REAL NOT NULL DEFAULT 0,
	avg_duration_h REAL,
	collaboration_score REAL NOT NULL DEFAULT 0,
	added_by TEXT NOT NULL,
	added_reason TEXT,
	retirement_reason TEXT,
	PRIMARY KEY (team_id, worker_id)
);

CREATE TABLE IF NOT EXISTS role_assignments (
	team_id TEXT NOT NULL,
	role TEXT NOT NULL,
	current_worker TEXT,
	assigned_at DATETIME,
	assigned_by TEXT,
	history TEXT NOT NULL DEFAULT '[]',
	required INTEGER NOT NULL DEFAULT 0,
	active INTEGER NOT NULL DEFAULT 1,
	priority INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (team_id, role)
);

CREATE TABLE IF NOT EXISTS handoffs (
	id TEXT PRIMARY KEY,
	team_id TEXT NOT NULL,
	worker_id TEXT NOT NULL,
	persona TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'initiated',
	checklist TEXT NOT NULL DEFAULT '{}',
	lessons TEXT NOT NULL DEFAULT '[]',
	open_questions TEXT NOT NULL DEFAULT '[]',
	recommendations TEXT NOT NULL DEFAULT '[]',
	decisions TEXT NOT NULL DEFAULT '[]',
	artifacts_list TEXT NOT NULL DEFAULT '[]',
	initiated_by TEXT NOT NULL,
	completed_by TEXT,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	completed_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_handoffs_member ON handoffs(team_id, worker_id, status);

CREATE TABLE IF NOT EXISTS approvals (
	id TEXT PRIMARY KEY,
	team_id TEXT NOT NULL,
	workflow_id TEXT NOT NULL,
	phase TEXT NOT NULL,
	role TEXT NOT NULL,
	approver TEXT NOT NULL,
	notes TEXT,
	given_at DATETIME NOT NULL DEFAULT (datetime('now')),
	expires_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_approvals_gate ON approvals(team_id, workflow_id, phase, role);

CREATE TABLE IF NOT EXISTS executions (
	id TEXT PRIMARY KEY,
	persona TEXT NOT NULL,
	persona_version TEXT,
	input TEXT NOT NULL DEFAULT '',
	input_embedding TEXT NOT NULL DEFAULT '[]',
	context TEXT NOT NULL DEFAULT '{}',
	outcome TEXT NOT NULL DEFAULT 'running',
	output_summary TEXT,
	output_data TEXT,
	error TEXT,
	tokens INTEGER NOT NULL DEFAULT 0,
	cost REAL NOT NULL DEFAULT 0,
	started_at DATETIME NOT NULL DEFAULT (datetime('now')),
	completed_at DATETIME,
	duration_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_executions_persona ON executions(persona, started_at);
CREATE INDEX IF NOT EXISTS idx_executions_outcome ON executions(outcome, started_at);

CREATE TABLE IF NOT EXISTS tracked_decisions (
	id TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	choice TEXT NOT NULL,
	reasoning TEXT,
	alternatives TEXT NOT NULL DEFAULT '[]',
	confidence REAL NOT NULL DEFAULT 0,
	metadata TEXT NOT NULL DEFAULT '{}',
	timestamp DATETIME NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_tracked_decisions_execution ON tracked_decisions(execution_id);

CREATE TABLE IF NOT EXISTS execution_events (
	id TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	message TEXT,
	progress REAL,
	data TEXT NOT NULL DEFAULT '{}',
	timestamp DATETIME NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_execution_events_execution ON execution_events(execution_id, timestamp);

CREATE TABLE IF NOT EXISTS incidents (
	id TEXT PRIMARY KEY,
	team_id TEXT NOT NULL,
	severity TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'reported',
	summary TEXT NOT NULL,
	detail TEXT,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);
`

// Open creates or opens a SQLite database at the given path and ensures the schema
// exists. claimLockTTL (30s when not positive) is kept on the Store; ClaimTask does
// not read it, and a running assignment is never reclaimed.
func Open(dbPath string, claimLockTTL time.Duration) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	if claimLockTTL <= 0 {
		claimLockTTL = 30 * time.Second
	}

	return &Store{db: db, claimLockTTL: claimLockTTL}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Tx is a handle to an in-flight transaction, passed to WithTx callbacks.
type Tx struct {
	tx *sql.Tx
}

// WithTx runs fn inside a single transaction, committing on success and rolling back
// on any error (including a panic, which it re-raises after rollback).
func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return orcherr.Transient("store: begin tx", err)
	}
	defer func() {
		if p := recover(); p != nil {
			sqlTx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&Tx{tx: sqlTx}); err != nil {
		sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return orcherr.Transient("store: commit tx", err)
	}
	return nil
}

func toJSON(v any) string {
	if v == nil {
		return "null"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func fromJSON[T any](s string, out *T) error {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), out)
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtrFromNull(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtrFromNull(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}
