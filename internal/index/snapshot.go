package index

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/hsn0918/bookrag/internal/chunk"
	"github.com/hsn0918/bookrag/pkg/logger"
	"go.uber.org/zap"
)

// Snapshot errors.
var (
	// ErrSnapshotMismatch marks a corrupt snapshot. The file has already
	// been deleted when this is returned; the caller should re-ingest.
	ErrSnapshotMismatch = errors.New("index: snapshot chunk/embedding mismatch")
	// ErrSnapshotNotFound is returned when no snapshot file exists.
	ErrSnapshotNotFound = errors.New("index: snapshot not found")
)

// parentIDPrefix is the inline marker carrying the owning parent id on each
// persisted child text.
var parentIDPrefix = regexp.MustCompile(`^<!--PARENT_ID:([^>]*)-->`)

// snapshotChunk is one persisted child text, prefixed with its parent id.
type snapshotChunk struct {
	Text string `json:"text"`
}

// snapshotParent persists a parent's text and metadata so reload does not
// degrade small-to-big promotion.
type snapshotParent struct {
	ID    string         `json:"id"`
	Text  string         `json:"text"`
	Index int            `json:"index"`
	Meta  chunk.Metadata `json:"meta"`
}

// snapshotFile is the on-disk snapshot layout. Embeddings are stored as
// float64 for portability. The parents array is an extension over the
// original layout; snapshots without it still load via placeholder parents.
type snapshotFile struct {
	FileName   string           `json:"fileName"`
	Chunks     []snapshotChunk  `json:"chunks"`
	Embeddings [][]float64      `json:"embeddings"`
	Parents    []snapshotParent `json:"parents,omitempty"`
}

// Save persists the index to path. The file is written to a temporary
// sibling first and renamed into place, so readers never observe a torn
// snapshot.
func (ix *Index) Save(path string) error {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if !ix.ready {
		return ErrNotReady
	}

	snap := snapshotFile{
		FileName:   ix.fileName,
		Chunks:     make([]snapshotChunk, len(ix.children)),
		Embeddings: make([][]float64, len(ix.embeddings)),
		Parents:    make([]snapshotParent, len(ix.parents)),
	}

	for i, child := range ix.children {
		snap.Chunks[i] = snapshotChunk{
			Text: fmt.Sprintf("<!--PARENT_ID:%s-->%s", child.ParentID, child.Text),
		}
	}
	for i, vec := range ix.embeddings {
		converted := make([]float64, len(vec))
		for j, v := range vec {
			converted[j] = float64(v)
		}
		snap.Embeddings[i] = converted
	}
	for i, p := range ix.parents {
		snap.Parents[i] = snapshotParent{ID: p.ID, Text: p.Text, Index: p.ParentIndex, Meta: p.Meta}
	}

	data, err := sonic.ConfigDefault.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("index: marshal snapshot: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".vector-store-*.tmp")
	if err != nil {
		return fmt.Errorf("index: create snapshot temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("index: write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("index: close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("index: replace snapshot: %w", err)
	}

	logger.Get().Info("snapshot saved",
		zap.String("path", path),
		zap.Int("children", len(ix.children)),
		zap.Int("parents", len(ix.parents)),
	)

	return nil
}

// Load reads a snapshot from path and rebuilds the index. A corrupt
// snapshot (chunk/embedding length mismatch, inconsistent dimensions) is
// deleted and ErrSnapshotMismatch returned, signalling the caller to
// re-ingest from the source document.
func (ix *Index) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrSnapshotNotFound
		}
		return fmt.Errorf("index: read snapshot: %w", err)
	}

	var snap snapshotFile
	if err := sonic.Unmarshal(data, &snap); err != nil {
		return ix.discardSnapshot(path, fmt.Errorf("unmarshal: %w", err))
	}

	if len(snap.Chunks) != len(snap.Embeddings) || len(snap.Chunks) == 0 {
		return ix.discardSnapshot(path,
			fmt.Errorf("%d chunks vs %d embeddings", len(snap.Chunks), len(snap.Embeddings)))
	}

	dim := len(snap.Embeddings[0])
	embeddings := make([][]float32, len(snap.Embeddings))
	for i, vec := range snap.Embeddings {
		if len(vec) != dim {
			return ix.discardSnapshot(path, fmt.Errorf("embedding %d has dimension %d, want %d", i, len(vec), dim))
		}
		converted := make([]float32, len(vec))
		for j, v := range vec {
			converted[j] = float32(v)
		}
		embeddings[i] = converted
	}

	parents, children, err := rebuildSegments(snap)
	if err != nil {
		return ix.discardSnapshot(path, err)
	}

	if err := ix.Ingest(snap.FileName, parents, children, embeddings); err != nil {
		return err
	}

	logger.Get().Info("snapshot loaded",
		zap.String("path", path),
		zap.String("file", snap.FileName),
		zap.Int("children", len(children)),
		zap.Int("parents", len(parents)),
	)

	return nil
}

// discardSnapshot deletes the corrupt file and reports the mismatch.
func (ix *Index) discardSnapshot(path string, cause error) error {
	logger.Get().Warn("discarding corrupt snapshot",
		zap.String("path", path),
		zap.Error(cause),
	)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Get().Error("failed to delete corrupt snapshot", zap.String("path", path), zap.Error(err))
	}
	return fmt.Errorf("%w: %v", ErrSnapshotMismatch, cause)
}

// rebuildSegments reconstructs the parent/child hierarchy from a snapshot.
// With the parents array present this is lossless. Legacy snapshots lack it;
// parents are then synthesised from each parent's first child, which degrades
// small-to-big promotion quality.
func rebuildSegments(snap snapshotFile) (parents, children []chunk.Segment, err error) {
	parentByID := make(map[string]int, len(snap.Parents))
	for _, p := range snap.Parents {
		parents = append(parents, chunk.Segment{
			ID:          p.ID,
			Kind:        chunk.KindParent,
			Text:        p.Text,
			ParentIndex: p.Index,
			Meta:        p.Meta,
		})
		parentByID[p.ID] = len(parents) - 1
	}

	placeholders := len(parentByID) == 0
	if placeholders {
		logger.Get().Warn("snapshot carries no parent texts; synthesising placeholders — small-to-big promotion will degrade")
	}

	childCounts := make(map[string]int)
	nextParentIndex := 0

	for i, c := range snap.Chunks {
		text := c.Text
		parentID := ""
		if m := parentIDPrefix.FindStringSubmatch(text); m != nil {
			parentID = m[1]
			text = strings.TrimPrefix(text, m[0])
		}
		if parentID == "" {
			return nil, nil, fmt.Errorf("chunk %d carries no parent id", i)
		}

		pos, ok := parentByID[parentID]
		if !ok {
			if !placeholders {
				return nil, nil, fmt.Errorf("chunk %d references unknown parent %s", i, parentID)
			}
			parents = append(parents, chunk.Segment{
				ID:          parentID,
				Kind:        chunk.KindParent,
				Text:        text,
				ParentIndex: nextParentIndex,
				Meta:        chunk.ScanStructure(text),
			})
			nextParentIndex++
			pos = len(parents) - 1
			parentByID[parentID] = pos
		}
		parent := parents[pos]

		children = append(children, chunk.Segment{
			ID:          fmt.Sprintf("%s#%d", parentID, childCounts[parentID]),
			Kind:        chunk.KindChild,
			Text:        text,
			ParentID:    parentID,
			ParentIndex: parent.ParentIndex,
			ChildIndex:  childCounts[parentID],
			Meta:        parent.Meta,
		})
		childCounts[parentID]++
	}

	return parents, children, nil
}
