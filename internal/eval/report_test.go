package eval_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/hsn0918/bookrag/internal/eval"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleReport() *eval.BatchReport {
	return &eval.BatchReport{
		Date:         "20260801",
		Timestamp:    "2026-08-01T10:00:00Z",
		NumQuestions: 2,
		AverageScores: eval.Scores{
			Faithfulness:     0.8,
			Relevance:        0.9,
			ContextPrecision: 0.7,
			AnswerSimilarity: 0.6,
		},
		Results: []eval.Result{
			{Question: "Q1?", Faithfulness: 0.8, Relevance: 0.9, ContextPrecision: 0.7, AnswerSimilarity: 0.6},
			{Question: "Q2 | with pipe?", Faithfulness: 0.8, Relevance: 0.9, ContextPrecision: 0.7, AnswerSimilarity: 0.6},
		},
	}
}

func TestRenderMarkdown(t *testing.T) {
	md := eval.RenderMarkdown(sampleReport())

	assert.Contains(t, md, "# Evaluation Report")
	assert.Contains(t, md, "| Faithfulness | 0.800 |")
	assert.Contains(t, md, "Q1?")
	// Pipes inside questions must not break the table.
	assert.Contains(t, md, `Q2 \| with pipe?`)
}

func TestMarkdownToHTML(t *testing.T) {
	html, err := eval.MarkdownToHTML("# Title\n\nbody text")
	require.NoError(t, err)
	assert.Contains(t, html, "<h1")
	assert.Contains(t, html, "body text")
}

func TestWriteHistory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "evaluation-history")

	path, err := eval.WriteHistory(dir, sampleReport())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "evaluation_20260801.json"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var restored eval.BatchReport
	require.NoError(t, sonic.Unmarshal(data, &restored))
	assert.Equal(t, 2, restored.NumQuestions)
	assert.InDelta(t, 0.8, restored.AverageScores.Faithfulness, 1e-9)
}
