package index

import (
	"context"
	"math"
	"strings"
	"unicode"

	"github.com/hsn0918/bookrag/pkg/textutil"
)

// Position weights reward tokens appearing early in a child, where the
// topic sentence usually lives.
const (
	firstQuarterWeight = 1.5
	firstHalfWeight    = 1.2
	exactMatchWeight   = 1.3
)

// LexicalSearch scores every child against the query tokens and returns the
// top k children with a positive score, in descending order.
//
// Per token the contribution is frequency * position * exactness, where
// frequency is log(1+occurrences), position rewards an early first
// occurrence, and exactness rewards word-boundary matches. The sum is
// normalised by twice the token count and clamped to [0,1].
func (ix *Index) LexicalSearch(ctx context.Context, query string, k int) ([]SearchResult, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if !ix.ready {
		return nil, ErrNotReady
	}

	tokens := textutil.Tokenize(query, 2)
	if len(tokens) == 0 || k <= 0 {
		return nil, nil
	}

	scores := make([]float64, len(ix.children))
	for i, child := range ix.children {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		scores[i] = lexicalScore(strings.ToLower(child.Text), tokens)
	}

	return ix.topK(scores, k, func(score float64) bool { return score > 0 }), nil
}

// lexicalScore computes the normalised token score for one lowercased text.
func lexicalScore(textLower string, tokens []string) float64 {
	total := 0.0
	for _, token := range tokens {
		first := strings.Index(textLower, token)
		if first < 0 {
			continue
		}

		frequency := math.Log(1 + float64(strings.Count(textLower, token)))

		position := 1.0
		switch {
		case first < len(textLower)/4:
			position = firstQuarterWeight
		case first < len(textLower)/2:
			position = firstHalfWeight
		}

		exact := 1.0
		if isWordBounded(textLower, first, len(token)) {
			exact = exactMatchWeight
		}

		total += frequency * position * exact
	}

	return textutil.Clamp01(total / (2 * float64(len(tokens))))
}

// isWordBounded reports whether the occurrence at [start, start+length) is
// delimited by non-alphanumeric characters or the text edges.
func isWordBounded(text string, start, length int) bool {
	if start > 0 && isAlphanumeric(rune(text[start-1])) {
		return false
	}
	end := start + length
	if end < len(text) && isAlphanumeric(rune(text[end])) {
		return false
	}
	return true
}

func isAlphanumeric(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
