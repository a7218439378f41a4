package index_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/hsn0918/bookrag/internal/index"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotRoundTrip(t *testing.T) {
	idx := buildIndex(t)
	path := filepath.Join(t.TempDir(), "vector-store.json")

	require.NoError(t, idx.Save(path))

	reloaded := index.New()
	require.NoError(t, reloaded.Load(path))

	assert.Equal(t, "effective-java.pdf", reloaded.FileName())
	assert.Equal(t, idx.ChildCount(), reloaded.ChildCount())
	assert.Equal(t, idx.ParentCount(), reloaded.ParentCount())

	// Vector search must return identical child texts and scores.
	query := []float32{1, 0, 0}
	original, err := idx.VectorSearch(context.Background(), query, 3)
	require.NoError(t, err)
	restored, err := reloaded.VectorSearch(context.Background(), query, 3)
	require.NoError(t, err)

	require.Len(t, restored, len(original))
	for i := range original {
		assert.Equal(t, original[i].Segment.Text, restored[i].Segment.Text)
		assert.InDelta(t, original[i].Score, restored[i].Score, 1e-6)
	}

	// Parent identity survives because the snapshot carries parent texts.
	for _, child := range reloaded.Children() {
		parent, ok := reloaded.ParentOf(child)
		require.True(t, ok)
		assert.Contains(t, parent.Text, child.Text)
		assert.Equal(t, child.Meta, parent.Meta)
	}
}

func TestLoadMissingSnapshot(t *testing.T) {
	idx := index.New()
	err := idx.Load(filepath.Join(t.TempDir(), "absent.json"))
	assert.ErrorIs(t, err, index.ErrSnapshotNotFound)
}

func TestLoadCorruptSnapshotDeletesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vector-store.json")

	// One chunk but two embeddings: the length invariant is violated.
	corrupt := map[string]interface{}{
		"fileName":   "doc.pdf",
		"chunks":     []map[string]string{{"text": "<!--PARENT_ID:p-0-->some child"}},
		"embeddings": [][]float64{{1, 0}, {0, 1}},
	}
	data, err := sonic.Marshal(corrupt)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	idx := index.New()
	err = idx.Load(path)
	assert.ErrorIs(t, err, index.ErrSnapshotMismatch)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "corrupt snapshot must be deleted")
}

func TestLoadLegacySnapshotSynthesisesParents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vector-store.json")

	// Legacy layout: no parents array, parent ids inline only.
	legacy := map[string]interface{}{
		"fileName": "doc.pdf",
		"chunks": []map[string]string{
			{"text": "<!--PARENT_ID:p-9-->Item 42 explains the first window"},
			{"text": "<!--PARENT_ID:p-9-->the first window continues here"},
		},
		"embeddings": [][]float64{{1, 0}, {0, 1}},
	}
	data, err := sonic.Marshal(legacy)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	idx := index.New()
	require.NoError(t, idx.Load(path))

	assert.Equal(t, 2, idx.ChildCount())
	assert.Equal(t, 1, idx.ParentCount())

	// Placeholder parent carries the first child's text and scanned metadata.
	child := idx.Children()[1]
	parent, ok := idx.ParentOf(child)
	require.True(t, ok)
	assert.Equal(t, "Item 42 explains the first window", parent.Text)
	assert.Equal(t, "42", parent.Meta.ItemID)
	assert.Equal(t, parent.Meta, idx.Children()[0].Meta)
}
