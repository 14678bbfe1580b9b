package store

import (
	"context"
	"fmt"
	"time"
)

// ExecutionKey identifies a single tracked execution for retention/export purposes.
type ExecutionKey struct {
	ID        string
	Persona   string
	Outcome   ExecutionOutcome
	StartedAt time.Time
}

// ListExecutionKeys returns lightweight keys for every execution, for retention
// strategies that need to compute deletion sets without loading full rows.
func (s *Store) ListExecutionKeys(ctx context.Context) ([]ExecutionKey, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, persona, outcome, started_at FROM executions ORDER BY started_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list execution keys: %w", err)
	}
	defer rows.Close()
	var out []ExecutionKey
	for rows.Next() {
		var k ExecutionKey
		var outcome string
		if err := rows.Scan(&k.ID, &k.Persona, &outcome, &k.StartedAt); err != nil {
			return nil, err
		}
		k.Outcome = ExecutionOutcome(outcome)
		out = append(out, k)
	}
	return out, rows.Err()
}

// DeleteExecutions removes the named executions and their tracked decisions/events,
// batched at batchSize rows per transaction, and returns the number of executions
// deleted. No foreign key cascades exist on these tables, so children are deleted
// explicitly alongside each parent.
func (s *Store) DeleteExecutions(ctx context.Context, ids []string, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	deleted := 0
	for start := 0; start < len(ids); start += batchSize {
		end := start + batchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]
		err := s.WithTx(ctx, func(tx *Tx) error {
			for _, id := range batch {
				if _, err := tx.tx.ExecContext(ctx, `DELETE FROM tracked_decisions WHERE execution_id = ?`, id); err != nil {
					return fmt.Errorf("store: delete tracked decisions for %s: %w", id, err)
				}
				if _, err := tx.tx.ExecContext(ctx, `DELETE FROM execution_events WHERE execution_id = ?`, id); err != nil {
					return fmt.Errorf("store: delete execution events for %s: %w", id, err)
				}
				res, err := tx.tx.ExecContext(ctx, `DELETE FROM executions WHERE id = ?`, id)
				if err != nil {
					return fmt.Errorf("store: delete execution %s: %w", id, err)
				}
				if n, _ := res.RowsAffected(); n > 0 {
					deleted++
				}
			}
			return nil
		})
		if err != nil {
			return deleted, err
		}
	}
	return deleted, nil
}
