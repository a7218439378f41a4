package eval_test

import (
	"testing"

	"github.com/hsn0918/bookrag/internal/eval"
	"github.com/stretchr/testify/assert"
)

func TestContextPrecision(t *testing.T) {
	groundTruth := "the singleton pattern enforces a single instance using a private constructor"

	t.Run("identical source scores one", func(t *testing.T) {
		score := eval.ContextPrecision([]string{groundTruth}, groundTruth)
		assert.InDelta(t, 1.0, score, 1e-9)
	})

	t.Run("unrelated source scores low", func(t *testing.T) {
		score := eval.ContextPrecision([]string{"completely different topic about networking protocols"}, groundTruth)
		assert.Less(t, score, 0.2)
	})

	t.Run("no sources scores zero", func(t *testing.T) {
		assert.Equal(t, 0.0, eval.ContextPrecision(nil, groundTruth))
	})

	t.Run("mixed sources land in between", func(t *testing.T) {
		mixed := eval.ContextPrecision([]string{
			groundTruth,
			"completely different topic about networking protocols",
		}, groundTruth)
		assert.Greater(t, mixed, 0.2)
		assert.Less(t, mixed, 1.0)
	})
}

func TestAnswerSimilarity(t *testing.T) {
	t.Run("identical answers score one", func(t *testing.T) {
		score := eval.AnswerSimilarity("use a single-element enum", "use a single-element enum")
		assert.InDelta(t, 1.0, score, 1e-9)
	})

	t.Run("disjoint answers score near zero", func(t *testing.T) {
		score := eval.AnswerSimilarity("use a single-element enum", "configure the network stack")
		assert.Less(t, score, 0.3)
	})

	t.Run("paraphrase lands in between", func(t *testing.T) {
		score := eval.AnswerSimilarity(
			"a single-element enum is the preferred singleton implementation",
			"prefer a single-element enum to implement the singleton",
		)
		assert.Greater(t, score, 0.4)
		assert.Less(t, score, 1.0)
	})

	t.Run("empty answer scores low", func(t *testing.T) {
		score := eval.AnswerSimilarity("", "anything at all")
		assert.Less(t, score, 0.1)
	})
}
