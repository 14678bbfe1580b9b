// Package vectorhistory implements C3: similarity search over tracked execution
// embeddings. A brute-force cosine scan is always correct and is the only path used
// below the configured index_lists threshold; above it, an IVFFlat-style k-means
// partition narrows the scan to a handful of nearby buckets.
package vectorhistory

import (
	"context"
	"math"
	"sort"

	"github.com/riftloom/fleetward/internal/orcherr"
	"github.com/riftloom/fleetward/internal/store"
)

// Match is a single similarity search result.
type Match struct {
	Execution  *store.Execution
	Similarity float64
}

// Filter narrows the candidate set before scoring.
type Filter struct {
	Persona *string
	Outcome *store.ExecutionOutcome
}

// Index wraps a Store and answers nearest-neighbor queries over execution
// embeddings. IndexLists controls whether the brute-force path or the IVFFlat-style
// partitioned path is used; zero or negative disables partitioning.
type Index struct {
	store     *store.Store
	dimension int
	indexList int

	built   bool
	ids     []string
	vectors [][]float64
	outcome []store.ExecutionOutcome
	persona []string

	centroids [][]float64
	buckets   [][]int // bucket -> indices into ids/vectors
}

// Config controls the index's expected vector dimension and optional clustering.
type Config struct {
	Dimension int
	IndexList int // 0 disables IVFFlat partitioning; brute force only
}

// New creates an Index over s. Call Refresh before the first query, and again
// whenever new embeddings have been written, since the index is an in-memory
// snapshot rather than a live view.
func New(s *store.Store, cfg Config) *Index {
	return &Index{store: s, dimension: cfg.Dimension, indexList: cfg.IndexList}
}

// Refresh reloads every execution with a non-empty embedding and, if configured,
// rebuilds the k-means partition used to prune brute-force scans.
func (idx *Index) Refresh(ctx context.Context) error {
	execs, err := idx.store.ListExecutions(ctx, store.ExecutionQuery{Limit: 100000})
	if err != nil {
		return orcherr.Adapter("vectorhistory: load executions", err)
	}

	idx.ids = idx.ids[:0]
	idx.vectors = idx.vectors[:0]
	idx.outcome = idx.outcome[:0]
	idx.persona = idx.persona[:0]
	for _, e := range execs {
		if len(e.InputEmbedding) == 0 {
			continue
		}
		idx.ids = append(idx.ids, e.ID)
		idx.vectors = append(idx.vectors, e.InputEmbedding)
		idx.outcome = append(idx.outcome, e.Outcome)
		idx.persona = append(idx.persona, e.Persona)
	}

	idx.centroids = nil
	idx.buckets = nil
	if idx.indexList > 0 && len(idx.vectors) > idx.indexList {
		idx.buildClusters()
	}
	idx.built = true
	return nil
}

// cosine returns the cosine similarity of a and b, 0 if either is the zero vector.
func cosine(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// buildClusters runs a small fixed-iteration k-means over the current vector set,
// seeding centroids from evenly spaced vectors for determinism.
func (idx *Index) buildClusters() {
	k := idx.indexList
	if k > len(idx.vectors) {
		k = len(idx.vectors)
	}
	if k <= 1 {
		return
	}
	centroids := make([][]float64, k)
	step := len(idx.vectors) / k
	for i := 0; i < k; i++ {
		centroids[i] = append([]float64(nil), idx.vectors[i*step]...)
	}

	assign := make([]int, len(idx.vectors))
	const iterations = 8
	for iter := 0; iter < iterations; iter++ {
		for i, v := range idx.vectors {
			best, bestSim := 0, -2.0
			for c, centroid := range centroids {
				if sim := cosine(v, centroid); sim > bestSim {
					best, bestSim = c, sim
				}
			}
			assign[i] = best
		}
		sums := make([][]float64, k)
		counts := make([]int, k)
		for c := range sums {
			sums[c] = make([]float64, idx.dimension)
		}
		for i, v := range idx.vectors {
			c := assign[i]
			counts[c]++
			for d := 0; d < len(v) && d < idx.dimension; d++ {
				sums[c][d] += v[d]
			}
		}
		for c := range centroids {
			if counts[c] == 0 {
				continue
			}
			for d := range sums[c] {
				sums[c][d] /= float64(counts[c])
			}
			centroids[c] = sums[c]
		}
	}

	buckets := make([][]int, k)
	for i, c := range assign {
		buckets[c] = append(buckets[c], i)
	}
	idx.centroids = centroids
	idx.buckets = buckets
}

// candidateIndices returns the positions to score against query: every position when
// unclustered, or the nProbe nearest buckets' members when IVFFlat partitioning is
// active.
func (idx *Index) candidateIndices(query []float64, nProbe int) []int {
	if idx.centroids == nil {
		out := make([]int, len(idx.vectors))
		for i := range out {
			out[i] = i
		}
		return out
	}
	if nProbe <= 0 {
		nProbe = 1
	}
	type scored struct {
		bucket int
		sim    float64
	}
	scores := make([]scored, len(idx.centroids))
	for c, centroid := range idx.centroids {
		scores[c] = scored{c, cosine(query, centroid)}
	}
	sort.Slice(scores, func(i, j int) bool { return scores[i].sim > scores[j].sim })
	if nProbe > len(scores) {
		nProbe = len(scores)
	}
	var out []int
	for _, s := range scores[:nProbe] {
		out = append(out, idx.buckets[s.bucket]...)
	}
	return out
}

// FindSimilar returns the k highest-similarity executions to query with similarity
// at least minScore, filtered by f, ordered by descending similarity then by most
// recent StartedAt. A zero-norm query or candidate is excluded by construction since
// cosine returns 0 for it, which min_score > 0 naturally filters.
func (idx *Index) FindSimilar(ctx context.Context, query []float64, k int, minScore float64, f Filter) ([]Match, error) {
	if !idx.built {
		if err := idx.Refresh(ctx); err != nil {
			return nil, err
		}
	}
	nProbe := idx.indexList / 10
	candidates := idx.candidateIndices(query, nProbe)

	var matches []Match
	for _, i := range candidates {
		if f.Persona != nil && idx.persona[i] != *f.Persona {
			continue
		}
		if f.Outcome != nil && idx.outcome[i] != *f.Outcome {
			continue
		}
		sim := cosine(query, idx.vectors[i])
		if sim < minScore {
			continue
		}
		exec, err := idx.store.GetExecution(ctx, idx.ids[i])
		if err != nil {
			continue // row deleted since Refresh; skip rather than fail the whole query
		}
		matches = append(matches, Match{Execution: exec, Similarity: sim})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].Execution.StartedAt.After(matches[j].Execution.StartedAt)
	})
	if k > 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}
