// Package ingest runs the one-shot ingestion pipeline: extract the document
// text, chunk it into the parent/child hierarchy, embed the children, and
// freeze the index with a persisted snapshot.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/hsn0918/bookrag/internal/chunk"
	"github.com/hsn0918/bookrag/internal/index"
	"github.com/hsn0918/bookrag/pkg/clients/embedding"
	"github.com/hsn0918/bookrag/pkg/logger"
	"github.com/hsn0918/bookrag/pkg/parser"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// embedBatchSize bounds the texts per embedding call.
	embedBatchSize = 32
	// maxEmbedWorkers bounds concurrent embedding calls during ingestion.
	maxEmbedWorkers = 4
)

// Ingestor builds the index from the configured source document.
type Ingestor struct {
	chunker      *chunk.SemanticChunker
	embedder     embedding.Embedder
	idx          *index.Index
	documentPath string
	snapshotPath string
}

// New creates an ingestor.
func New(chunker *chunk.SemanticChunker, embedder embedding.Embedder, idx *index.Index, documentPath, snapshotPath string) *Ingestor {
	return &Ingestor{
		chunker:      chunker,
		embedder:     embedder,
		idx:          idx,
		documentPath: documentPath,
		snapshotPath: snapshotPath,
	}
}

// EnsureReady makes the index available: a valid snapshot for the configured
// document is reloaded, anything else (missing, corrupt, or for a different
// document) triggers a full re-ingestion.
func (ing *Ingestor) EnsureReady(ctx context.Context) error {
	if ing.idx.Ready() {
		return nil
	}

	err := ing.idx.Load(ing.snapshotPath)
	switch {
	case err == nil:
		if ing.idx.FileName() == filepath.Base(ing.documentPath) {
			return nil
		}
		logger.Get().Warn("snapshot belongs to a different document, re-ingesting",
			zap.String("snapshot_file", ing.idx.FileName()),
			zap.String("document", ing.documentPath),
		)
	case errors.Is(err, index.ErrSnapshotNotFound):
		logger.Get().Info("no snapshot found, ingesting document",
			zap.String("document", ing.documentPath))
	case errors.Is(err, index.ErrSnapshotMismatch):
		logger.Get().Warn("corrupt snapshot deleted, re-ingesting", zap.Error(err))
	default:
		return err
	}

	return ing.Reingest(ctx)
}

// Reingest rebuilds the index from the source document and persists a fresh
// snapshot.
func (ing *Ingestor) Reingest(ctx context.Context) error {
	text, err := parser.ExtractText(ing.documentPath)
	if err != nil {
		return fmt.Errorf("ingest: extract document: %w", err)
	}

	doc, err := ing.chunker.ChunkDocument(ctx, text)
	if err != nil {
		return fmt.Errorf("ingest: chunk document: %w", err)
	}

	embeddings, err := ing.embedChildren(ctx, doc.Children)
	if err != nil {
		return fmt.Errorf("ingest: embed children: %w", err)
	}

	fileName := filepath.Base(ing.documentPath)
	if err := ing.idx.Ingest(fileName, doc.Parents, doc.Children, embeddings); err != nil {
		return fmt.Errorf("ingest: store segments: %w", err)
	}

	if err := ing.idx.Save(ing.snapshotPath); err != nil {
		return fmt.Errorf("ingest: persist snapshot: %w", err)
	}

	logger.Get().Info("document ingested",
		zap.String("file", fileName),
		zap.Int("parents", len(doc.Parents)),
		zap.Int("children", len(doc.Children)),
	)

	return nil
}

// embedChildren embeds every child window. Duplicate texts (overlap windows
// of repetitive passages) are embedded once through an in-process cache:
// unique texts are batched across a bounded worker pool, then vectors are
// fanned back out in child order by the single coordinating goroutine.
func (ing *Ingestor) embedChildren(ctx context.Context, children []chunk.Segment) ([][]float32, error) {
	unique := make([]string, 0, len(children))
	seen := make(map[string]bool, len(children))
	for _, c := range children {
		if !seen[c.Text] {
			seen[c.Text] = true
			unique = append(unique, c.Text)
		}
	}

	vectors := make([][]float32, len(unique))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxEmbedWorkers)
	for start := 0; start < len(unique); start += embedBatchSize {
		lo, hi := start, min(start+embedBatchSize, len(unique))
		g.Go(func() error {
			batch, err := ing.embedder.EmbedBatch(gctx, unique[lo:hi])
			if err != nil {
				return fmt.Errorf("batch [%d:%d]: %w", lo, hi, err)
			}
			copy(vectors[lo:hi], batch)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	cache := make(map[string][]float32, len(unique))
	for i, text := range unique {
		cache[text] = vectors[i]
	}

	embeddings := make([][]float32, len(children))
	for i, c := range children {
		embeddings[i] = cache[c.Text]
	}

	return embeddings, nil
}
