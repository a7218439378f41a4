// Package index holds the frozen child-embedding index over the ingested
// document. After Ingest or Load the index is read-only and safe for
// unbounded concurrent reads.
package index

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sort"
	"sync"

	"github.com/hsn0918/bookrag/internal/chunk"
	"golang.org/x/sync/errgroup"
)

// Common errors.
var (
	ErrNotReady       = errors.New("index: not initialised")
	ErrLengthMismatch = errors.New("index: children and embeddings length mismatch")
)

// SearchResult pairs a segment with a stage-local score. Scores from
// different stages (raw similarity, RRF, rerank) are not comparable.
type SearchResult struct {
	Segment chunk.Segment
	Score   float64
}

// Index stores parents, children, and child embeddings in insertion order.
// Children reference parents by stable string id only; ParentOf is a map
// lookup, so the structure carries no object-graph cycles.
type Index struct {
	mu sync.RWMutex

	fileName   string
	parents    []chunk.Segment
	parentPos  map[string]int
	children   []chunk.Segment
	embeddings [][]float32
	ready      bool
}

// New creates an empty, uninitialised index.
func New() *Index {
	return &Index{
		parentPos: make(map[string]int),
	}
}

// Ingest stores the segment hierarchy and child embeddings in insertion
// order and marks the index initialised. It fails when the children and
// embeddings lists disagree in length.
func (ix *Index) Ingest(fileName string, parents, children []chunk.Segment, embeddings [][]float32) error {
	if len(children) != len(embeddings) {
		return fmt.Errorf("%w: %d children, %d embeddings", ErrLengthMismatch, len(children), len(embeddings))
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.fileName = fileName
	ix.parents = parents
	ix.children = children
	ix.embeddings = embeddings
	ix.parentPos = make(map[string]int, len(parents))
	for i, p := range parents {
		ix.parentPos[p.ID] = i
	}
	ix.ready = true

	return nil
}

// Ready reports whether the index has been initialised.
func (ix *Index) Ready() bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.ready
}

// FileName returns the source document name recorded at ingestion.
func (ix *Index) FileName() string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.fileName
}

// ChildCount returns the number of indexed children.
func (ix *Index) ChildCount() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.children)
}

// ParentCount returns the number of indexed parents.
func (ix *Index) ParentCount() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.parents)
}

// Children returns the indexed child segments in insertion order.
// The returned slice is shared and must not be mutated.
func (ix *Index) Children() []chunk.Segment {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.children
}

// ParentOf resolves a child's parent segment.
func (ix *Index) ParentOf(child chunk.Segment) (chunk.Segment, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	pos, ok := ix.parentPos[child.ParentID]
	if !ok {
		return chunk.Segment{}, false
	}
	return ix.parents[pos], true
}

// VectorSearch scans all child embeddings with cosine similarity and returns
// the top k results in descending score order. The scan is sharded across a
// worker pool sized to the available cores.
func (ix *Index) VectorSearch(ctx context.Context, queryVec []float32, k int) ([]SearchResult, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if !ix.ready {
		return nil, ErrNotReady
	}
	if len(queryVec) == 0 || k <= 0 {
		return nil, nil
	}

	scores := make([]float64, len(ix.children))

	workers := runtime.GOMAXPROCS(0)
	shard := (len(ix.children) + workers - 1) / workers
	if shard < 1 {
		shard = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	for start := 0; start < len(ix.children); start += shard {
		lo, hi := start, min(start+shard, len(ix.children))
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			for i := lo; i < hi; i++ {
				scores[i] = cosineSimilarity(queryVec, ix.embeddings[i])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return ix.topK(scores, k, func(score float64) bool { return true }), nil
}

// topK selects the k best-scoring children, tie-broken by document order.
func (ix *Index) topK(scores []float64, k int, keep func(float64) bool) []SearchResult {
	order := make([]int, 0, len(scores))
	for i := range scores {
		if keep(scores[i]) {
			order = append(order, i)
		}
	}

	sort.Slice(order, func(a, b int) bool {
		if scores[order[a]] != scores[order[b]] {
			return scores[order[a]] > scores[order[b]]
		}
		return order[a] < order[b]
	})

	if len(order) > k {
		order = order[:k]
	}

	results := make([]SearchResult, len(order))
	for i, idx := range order {
		results[i] = SearchResult{Segment: ix.children[idx], Score: scores[idx]}
	}
	return results
}

// cosineSimilarity calculates the cosine similarity between two vectors.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i] * b[i])
		normA += float64(a[i] * a[i])
		normB += float64(b[i] * b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
