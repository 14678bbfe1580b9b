package retention

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/riftloom/fleetward/internal/config"
	"github.com/riftloom/fleetward/internal/store"
)

func tempStore(t *testing.T) (*store.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := store.Open(path, 30*time.Second)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

// backdate rewrites an execution's started_at directly, bypassing the store's
// StartExecution (which always stamps the current time), so retention strategies
// can be tested against a spread of ages.
func backdate(t *testing.T, dbPath, id string, at time.Time) {
	t.Helper()
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	defer db.Close()
	if _, err := db.Exec(`UPDATE executions SET started_at = ? WHERE id = ?`, at, id); err != nil {
		t.Fatalf("backdate: %v", err)
	}
}

// S5: ten executions spaced 90 days apart, from 90 to 900 days ago. keep_failed_longer=true,
// max_age_days=60, failed_retention_days=365. Six successes at any age and four
// failures all at least 90 days old. A dry run and a real run must report the
// same candidate count, and every failure must survive.
func TestSweepKeepsFailuresLongerUnderTimeStrategy(t *testing.T) {
	s, dbPath := tempStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	var failedIDs []string
	for i := 0; i < 10; i++ {
		outcome := store.ExecutionSucceeded
		if i < 4 {
			outcome = store.ExecutionFailed
		}
		exec, err := s.StartExecution(ctx, "coder", nil, "input", nil, nil)
		if err != nil {
			t.Fatalf("StartExecution %d: %v", i, err)
		}
		startedAt := now.AddDate(0, 0, -(i+1)*90)
		backdate(t, dbPath, exec.ID, startedAt)
		if err := s.FinishExecution(ctx, exec.ID, outcome, nil, nil, nil, 10, 0.01); err != nil {
			t.Fatalf("FinishExecution %d: %v", i, err)
		}
		if outcome == store.ExecutionFailed {
			failedIDs = append(failedIDs, exec.ID)
		}
	}
	if len(failedIDs) != 4 {
		t.Fatalf("expected 4 failures seeded, got %d", len(failedIDs))
	}

	cfg := config.Retention{
		Strategy:            "time",
		MaxAgeDays:           60,
		KeepFailedLonger:     true,
		FailedRetentionDays:  365,
		DryRun:               true,
		BatchSize:            100,
	}
	dryMgr := New(s, cfg, nil)
	dryReport, err := dryMgr.Sweep(ctx)
	if err != nil {
		t.Fatalf("dry run Sweep: %v", err)
	}
	if dryReport.Deleted != 0 {
		t.Fatalf("dry run must not delete, deleted=%d", dryReport.Deleted)
	}

	cfg.DryRun = false
	realMgr := New(s, cfg, nil)
	realReport, err := realMgr.Sweep(ctx)
	if err != nil {
		t.Fatalf("real Sweep: %v", err)
	}

	if dryReport.Candidates != realReport.Candidates {
		t.Fatalf("dry run candidates=%d, real run candidates=%d, want equal", dryReport.Candidates, realReport.Candidates)
	}
	if realReport.Deleted != realReport.Candidates {
		t.Fatalf("deleted=%d, want %d", realReport.Deleted, realReport.Candidates)
	}

	for _, id := range failedIDs {
		exec, err := s.GetExecution(ctx, id)
		if err != nil {
			t.Fatalf("failed execution %s was deleted: %v", id, err)
		}
		if exec.Outcome != store.ExecutionFailed {
			t.Fatalf("execution %s outcome changed to %s", id, exec.Outcome)
		}
	}
}

func TestSweepCountStrategyKeepsMostRecentPerPersona(t *testing.T) {
	s, dbPath := tempStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	var ids []string
	for i := 0; i < 5; i++ {
		exec, err := s.StartExecution(ctx, "coder", nil, "input", nil, nil)
		if err != nil {
			t.Fatalf("StartExecution %d: %v", i, err)
		}
		backdate(t, dbPath, exec.ID, now.AddDate(0, 0, -i))
		if err := s.FinishExecution(ctx, exec.ID, store.ExecutionSucceeded, nil, nil, nil, 1, 0); err != nil {
			t.Fatalf("FinishExecution %d: %v", i, err)
		}
		ids = append(ids, exec.ID)
	}

	mgr := New(s, config.Retention{Strategy: "count", MaxRecordsPerKey: 2, BatchSize: 10}, nil)
	report, err := mgr.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if report.Deleted != 3 {
		t.Fatalf("deleted=%d, want 3", report.Deleted)
	}

	// the two most recent (ids[0], ids[1]) must survive
	for _, id := range ids[:2] {
		if _, err := s.GetExecution(ctx, id); err != nil {
			t.Fatalf("expected %s to survive count retention: %v", id, err)
		}
	}
}

func TestExportJSONAndCSV(t *testing.T) {
	s, _ := tempStore(t)
	ctx := context.Background()

	exec, err := s.StartExecution(ctx, "coder", nil, "input", nil, nil)
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	summary := "done"
	if err := s.FinishExecution(ctx, exec.ID, store.ExecutionSucceeded, &summary, nil, nil, 5, 0.02); err != nil {
		t.Fatalf("FinishExecution: %v", err)
	}

	mgr := New(s, config.Retention{}, nil)
	dir := t.TempDir()

	jsonReport, err := mgr.Export(ctx, dir, ExportOptions{Format: FormatJSONPretty})
	if err != nil {
		t.Fatalf("Export json: %v", err)
	}
	if jsonReport.Candidates != 1 || jsonReport.ExportSize == 0 {
		t.Fatalf("unexpected json export report: %+v", jsonReport)
	}

	csvReport, err := mgr.Export(ctx, dir, ExportOptions{Format: FormatCSV})
	if err != nil {
		t.Fatalf("Export csv: %v", err)
	}
	if csvReport.Candidates != 1 {
		t.Fatalf("unexpected csv export report: %+v", csvReport)
	}

	parquetReport, err := mgr.Export(ctx, dir, ExportOptions{Format: FormatParquet})
	if err != nil {
		t.Fatalf("Export parquet fallback: %v", err)
	}
	if parquetReport.ExportSize == 0 {
		t.Fatalf("expected parquet fallback to still write a file")
	}
}
