package vectorhistory

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/riftloom/fleetward/internal/store"
)

func tempStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), 30*time.Second)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedExecution(t *testing.T, s *store.Store, persona string, embedding []float64) *store.Execution {
	t.Helper()
	e, err := s.StartExecution(context.Background(), persona, nil, "input", embedding, nil)
	if err != nil {
		t.Fatalf("StartExecution failed: %v", err)
	}
	return e
}

func TestFindSimilarOrdersByCosineAndExcludesBelowThreshold(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	e1 := seedExecution(t, s, "coder", []float64{1, 0, 0})
	e2 := seedExecution(t, s, "coder", []float64{0.9, 0.1, 0})
	e3 := seedExecution(t, s, "coder", []float64{0, 1, 0})

	idx := New(s, Config{Dimension: 3})
	matches, err := idx.FindSimilar(ctx, []float64{1, 0, 0}, 2, 0.5, Filter{})
	if err != nil {
		t.Fatalf("FindSimilar failed: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("got %d matches, want 2", len(matches))
	}
	if matches[0].Execution.ID != e1.ID {
		t.Fatalf("first match = %s, want %s (similarity %v)", matches[0].Execution.ID, e1.ID, matches[0].Similarity)
	}
	if math.Abs(matches[0].Similarity-1.0) > 1e-9 {
		t.Fatalf("e1 similarity = %v, want 1.0", matches[0].Similarity)
	}
	if matches[1].Execution.ID != e2.ID {
		t.Fatalf("second match = %s, want %s", matches[1].Execution.ID, e2.ID)
	}
	if math.Abs(matches[1].Similarity-0.9939) > 1e-3 {
		t.Fatalf("e2 similarity = %v, want ~0.994", matches[1].Similarity)
	}
	for _, m := range matches {
		if m.Execution.ID == e3.ID {
			t.Fatal("e3 should have been excluded by min_score")
		}
	}
}

func TestFindSimilarFiltersByPersona(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	seedExecution(t, s, "coder", []float64{1, 0, 0})
	other := seedExecution(t, s, "reviewer", []float64{1, 0, 0})

	idx := New(s, Config{Dimension: 3})
	persona := "reviewer"
	matches, err := idx.FindSimilar(ctx, []float64{1, 0, 0}, 5, 0, Filter{Persona: &persona})
	if err != nil {
		t.Fatalf("FindSimilar failed: %v", err)
	}
	if len(matches) != 1 || matches[0].Execution.ID != other.ID {
		t.Fatalf("expected only the reviewer execution, got %+v", matches)
	}
}

func TestFindSimilarZeroVectorNeverMatches(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	seedExecution(t, s, "coder", []float64{0, 0, 0})

	idx := New(s, Config{Dimension: 3})
	matches, err := idx.FindSimilar(ctx, []float64{1, 0, 0}, 5, 0, Filter{})
	if err != nil {
		t.Fatalf("FindSimilar failed: %v", err)
	}
	for _, m := range matches {
		if m.Similarity != 0 {
			t.Fatalf("zero vector produced nonzero similarity %v", m.Similarity)
		}
	}
}
