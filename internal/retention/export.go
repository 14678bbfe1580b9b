package retention

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/riftloom/fleetward/internal/store"
)

// ExportFormat selects the serialization used by Export.
type ExportFormat string

const (
	FormatJSONPretty ExportFormat = "json"
	FormatJSONLines  ExportFormat = "jsonl"
	FormatCSV        ExportFormat = "csv"
	// FormatParquet is accepted for forward compatibility but no columnar writer
	// is available, so it falls back to FormatJSONPretty.
	FormatParquet ExportFormat = "parquet"
)

const csvTruncateBytes = 1024

// ExportOptions controls a single Export call.
type ExportOptions struct {
	Format ExportFormat
	Gzip   bool
	Query  store.ExecutionQuery
}

// Export writes the executions matching opts.Query to dir in the requested
// format and returns a report describing the written file.
func (m *Manager) Export(ctx context.Context, dir string, opts ExportOptions) (Report, error) {
	start := time.Now()
	execs, err := m.store.ListExecutions(ctx, opts.Query)
	if err != nil {
		return Report{}, fmt.Errorf("retention: export: list executions: %w", err)
	}

	format := opts.Format
	if format == FormatParquet {
		format = FormatJSONPretty
	}

	var body []byte
	var ext string
	switch format {
	case FormatJSONLines:
		body, err = encodeJSONL(execs)
		ext = "jsonl"
	case FormatCSV:
		body, err = encodeCSV(execs)
		ext = "csv"
	default:
		body, err = json.MarshalIndent(execs, "", "  ")
		ext = "json"
	}
	if err != nil {
		return Report{}, fmt.Errorf("retention: export: encode: %w", err)
	}

	if opts.Gzip {
		body, err = gzipBytes(body)
		if err != nil {
			return Report{}, fmt.Errorf("retention: export: gzip: %w", err)
		}
		ext += ".gz"
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return Report{}, fmt.Errorf("retention: export: mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, fmt.Sprintf("executions-%d.%s", time.Now().Unix(), ext))
	if err := os.WriteFile(path, body, 0644); err != nil {
		return Report{}, fmt.Errorf("retention: export: write %s: %w", path, err)
	}

	return Report{
		Candidates: len(execs),
		ExportPath: path,
		ExportSize: int64(len(body)),
		Duration:   time.Since(start),
	}, nil
}

func encodeJSONL(execs []*store.Execution) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range execs {
		if err := enc.Encode(e); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// encodeCSV flattens each execution into a row of scalar columns only; map/slice
// fields are not written. The output summary and error text are truncated to
// csvTruncateBytes so a long message cannot blow out a single cell.
func encodeCSV(execs []*store.Execution) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	header := []string{"id", "persona", "outcome", "tokens", "cost", "started_at", "completed_at", "output_summary", "error"}
	if err := w.Write(header); err != nil {
		return nil, err
	}
	for _, e := range execs {
		completed := ""
		if e.CompletedAt != nil {
			completed = e.CompletedAt.Format(time.RFC3339)
		}
		summary := ""
		if e.OutputSummary != nil {
			summary = truncate(*e.OutputSummary, csvTruncateBytes)
		}
		errText := ""
		if e.Error != nil {
			errText = truncate(*e.Error, csvTruncateBytes)
		}
		row := []string{
			e.ID, e.Persona, string(e.Outcome),
			fmt.Sprintf("%d", e.Tokens), fmt.Sprintf("%g", e.Cost),
			e.StartedAt.Format(time.RFC3339), completed, summary, errText,
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(data); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
