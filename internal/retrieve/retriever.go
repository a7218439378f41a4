// Package retrieve orchestrates the multi-stage retrieval pipeline:
// query expansion, dual hybrid search, reciprocal rank fusion, merge,
// feature-weighted reranking, and small-to-big promotion.
package retrieve

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/hsn0918/bookrag/internal/chunk"
	"github.com/hsn0918/bookrag/internal/expand"
	"github.com/hsn0918/bookrag/internal/index"
	"github.com/hsn0918/bookrag/pkg/clients/embedding"
	"github.com/hsn0918/bookrag/pkg/logger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrRetrievalFailed is returned when every retrieval strategy, including
// the vector-only fallback, produced nothing.
var ErrRetrievalFailed = errors.New("retrieve: all retrieval strategies failed")

// Searcher abstracts the index operations the retriever drives. The
// retriever borrows segments by reference and never mutates them.
type Searcher interface {
	VectorSearch(ctx context.Context, queryVec []float32, k int) ([]index.SearchResult, error)
	LexicalSearch(ctx context.Context, query string, k int) ([]index.SearchResult, error)
	ParentOf(child chunk.Segment) (chunk.Segment, bool)
}

// Config defines pipeline parameters and the ablation flags.
type Config struct {
	Hyde         bool
	StepBack     bool
	Rerank       bool
	HybridSearch bool

	RRFK       int // reciprocal rank fusion constant
	Candidates int // per-stage candidate pool size
	TopParents int // final passage count
}

// Retriever runs the retrieval pipeline against a frozen index.
type Retriever struct {
	cfg      Config
	searcher Searcher
	embedder embedding.Embedder
	expander *expand.Expander
}

// New creates a retriever.
func New(cfg Config, searcher Searcher, embedder embedding.Embedder, expander *expand.Expander) *Retriever {
	return &Retriever{
		cfg:      cfg,
		searcher: searcher,
		embedder: embedder,
		expander: expander,
	}
}

// Retrieve runs the full pipeline and returns at most TopParents parent
// passages in descending score order. An empty query returns an empty list
// without any external calls. Expansion failures degrade silently; if the
// whole pipeline produces nothing the vector-only results of the normalised
// query are the fallback.
func (r *Retriever) Retrieve(ctx context.Context, query string) ([]index.SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	exp, err := r.expander.Expand(ctx, query)
	if err != nil {
		return nil, err
	}

	type queryPair struct {
		query string // lexical search input
		hyde  string // embedded for vector search
	}

	pairs := []queryPair{{query: exp.English, hyde: exp.HydeEnglish}}
	if exp.StepBack != "" {
		pairs = append(pairs, queryPair{query: exp.StepBack, hyde: exp.HydeStepBack})
	}

	branchResults := make([][]index.SearchResult, len(pairs))
	g, gctx := errgroup.WithContext(ctx)
	for i, pair := range pairs {
		g.Go(func() error {
			results, err := r.hybridSearch(gctx, pair.query, pair.hyde)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				logger.Get().Warn("hybrid search branch failed",
					zap.String("query", pair.query),
					zap.Error(err),
				)
				return nil
			}
			branchResults[i] = results
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := mergeBranches(branchResults)

	if len(merged) == 0 {
		fallback, err := r.vectorOnly(ctx, exp.English)
		if err != nil || len(fallback) == 0 {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, ErrRetrievalFailed
		}
		merged = fallback
	}

	var selected []index.SearchResult
	if r.cfg.Rerank {
		selected = rerankCandidates(merged, exp.English, r.cfg.TopParents)
	} else {
		selected = merged
		if len(selected) > r.cfg.TopParents {
			selected = selected[:r.cfg.TopParents]
		}
	}

	parents := r.promote(selected)

	logger.Get().Debug("retrieval completed",
		zap.String("query", query),
		zap.Int("branches", len(pairs)),
		zap.Int("merged", len(merged)),
		zap.Int("parents", len(parents)),
	)

	return parents, nil
}

// hybridSearch runs one query pair through vector and lexical search in
// parallel and fuses the two rankings. With hybrid search disabled the pass
// degrades to vector-only.
func (r *Retriever) hybridSearch(ctx context.Context, query, hydeDoc string) ([]index.SearchResult, error) {
	queryVec, err := r.embedder.Embed(ctx, hydeDoc)
	if err != nil {
		return nil, err
	}

	var vecResults, lexResults []index.SearchResult
	var vecErr, lexErr error

	var wg sync.WaitGroup
	wg.Go(func() {
		vecResults, vecErr = r.searcher.VectorSearch(ctx, queryVec, r.cfg.Candidates)
	})
	if r.cfg.HybridSearch {
		wg.Go(func() {
			lexResults, lexErr = r.searcher.LexicalSearch(ctx, query, r.cfg.Candidates)
		})
	}
	wg.Wait()

	if vecErr != nil {
		return nil, vecErr
	}
	if lexErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		logger.Get().Warn("lexical search failed, fusing vector results only", zap.Error(lexErr))
		lexResults = nil
	}

	return fuseRRF(vecResults, lexResults, r.cfg.RRFK, r.cfg.Candidates), nil
}

// vectorOnly is the last-resort strategy: embed the normalised query
// directly and return the raw vector ranking.
func (r *Retriever) vectorOnly(ctx context.Context, query string) ([]index.SearchResult, error) {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	return r.searcher.VectorSearch(ctx, vec, r.cfg.Candidates)
}

// mergeBranches unions the hybrid branches by segment text, keeping the
// higher score on duplicates. Order is score-descending, tie-broken by
// document position.
func mergeBranches(branches [][]index.SearchResult) []index.SearchResult {
	byText := make(map[string]index.SearchResult)
	for _, branch := range branches {
		for _, result := range branch {
			existing, ok := byText[result.Segment.Text]
			if !ok || result.Score > existing.Score {
				byText[result.Segment.Text] = result
			}
		}
	}

	merged := make([]index.SearchResult, 0, len(byText))
	for _, result := range byText {
		merged = append(merged, result)
	}

	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		si, sj := merged[i].Segment, merged[j].Segment
		if si.ParentIndex != sj.ParentIndex {
			return si.ParentIndex < sj.ParentIndex
		}
		return si.ChildIndex < sj.ChildIndex
	})

	return merged
}

// promote replaces each selected child by its parent, deduplicating by
// parent id and keeping the highest child score. Children without a
// resolvable parent survive as themselves.
func (r *Retriever) promote(selected []index.SearchResult) []index.SearchResult {
	best := make(map[string]index.SearchResult)
	for _, result := range selected {
		promoted := result
		if parent, ok := r.searcher.ParentOf(result.Segment); ok {
			promoted = index.SearchResult{Segment: parent, Score: result.Score}
		} else if result.Segment.Kind == chunk.KindChild {
			logger.Get().Warn("child has no resolvable parent, returning child",
				zap.String("parent_id", result.Segment.ParentID))
		}

		key := promoted.Segment.ID
		existing, ok := best[key]
		if !ok || promoted.Score > existing.Score {
			best[key] = promoted
		}
	}

	parents := make([]index.SearchResult, 0, len(best))
	for _, result := range best {
		parents = append(parents, result)
	}

	sort.Slice(parents, func(i, j int) bool {
		if parents[i].Score != parents[j].Score {
			return parents[i].Score > parents[j].Score
		}
		return parents[i].Segment.ParentIndex < parents[j].Segment.ParentIndex
	})

	if len(parents) > r.cfg.TopParents {
		parents = parents[:r.cfg.TopParents]
	}
	return parents
}
