package eval

import (
	"strings"

	"github.com/hsn0918/bookrag/pkg/textutil"
)

// relevanceCutoff is the keyword precision above which a retrieved source
// counts as relevant for context precision.
const relevanceCutoff = 0.3

// ContextPrecision measures how much of the retrieved context overlaps the
// segment the question was synthesised from. Per source s,
// prec(s) = |K(s) ∩ K(groundTruthSource)| / |K(s)| over the keyword sets,
// and the final score blends the relevant-source fraction with the mean
// precision, half and half.
func ContextPrecision(sources []string, groundTruthSource string) float64 {
	if len(sources) == 0 {
		return 0
	}

	truthKeywords := textutil.KeywordSet(groundTruthSource)

	relevant := 0
	precisionSum := 0.0
	for _, source := range sources {
		keywords := textutil.KeywordSet(source)
		if len(keywords) == 0 {
			continue
		}

		overlap := 0
		for k := range keywords {
			if truthKeywords[k] {
				overlap++
			}
		}

		precision := float64(overlap) / float64(len(keywords))
		precisionSum += precision
		if precision > relevanceCutoff {
			relevant++
		}
	}

	n := float64(len(sources))
	return 0.5*(float64(relevant)/n) + 0.5*(precisionSum/n)
}

// AnswerSimilarity blends keyword overlap with normalised edit distance:
// 0.6 * Jaccard over keyword sets + 0.4 * (1 - levenshtein/maxLen).
func AnswerSimilarity(answerText, groundTruth string) float64 {
	jaccard := textutil.Jaccard(textutil.KeywordSet(answerText), textutil.KeywordSet(groundTruth))

	answerLower := strings.ToLower(answerText)
	truthLower := strings.ToLower(groundTruth)

	maxLen := max(len([]rune(answerLower)), len([]rune(truthLower)))
	editScore := 0.0
	if maxLen > 0 {
		distance := textutil.Levenshtein(answerLower, truthLower)
		editScore = 1 - float64(distance)/float64(maxLen)
	}

	return 0.6*jaccard + 0.4*editScore
}
