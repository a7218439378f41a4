package retrieve

import (
	"sort"
	"strings"

	"github.com/hsn0918/bookrag/internal/index"
	"github.com/hsn0918/bookrag/pkg/textutil"
)

// Reranking weights: vector/fused score, keyword coverage, length
// preference, and keyword density.
const (
	scoreWeight   = 0.4
	keywordWeight = 0.3
	lengthWeight  = 0.1
	densityWeight = 0.2
)

// rerankCandidates re-scores the merged candidates against the normalised
// query and returns the topN in descending order. The candidate set is never
// changed, only its order and cutoff.
func rerankCandidates(candidates []index.SearchResult, query string, topN int) []index.SearchResult {
	tokens := queryTokens(query)

	reranked := make([]index.SearchResult, len(candidates))
	for i, c := range candidates {
		reranked[i] = index.SearchResult{
			Segment: c.Segment,
			Score:   rerankScore(c, tokens),
		}
	}

	sort.Slice(reranked, func(i, j int) bool {
		if reranked[i].Score != reranked[j].Score {
			return reranked[i].Score > reranked[j].Score
		}
		return reranked[i].Segment.ParentIndex < reranked[j].Segment.ParentIndex
	})

	if len(reranked) > topN {
		reranked = reranked[:topN]
	}
	return reranked
}

// queryTokens returns the non-stopword tokens of the query.
func queryTokens(query string) []string {
	var tokens []string
	for _, t := range textutil.Tokenize(query, 0) {
		if !textutil.IsStopword(t) {
			tokens = append(tokens, t)
		}
	}
	return tokens
}

// rerankScore combines the clamped original score with keyword coverage,
// a length preference window calibrated to child-sized segments, and
// keyword density.
func rerankScore(candidate index.SearchResult, tokens []string) float64 {
	text := candidate.Segment.Text
	textLower := strings.ToLower(text)

	score := scoreWeight * textutil.Clamp01(candidate.Score)
	score += keywordWeight * keywordCoverage(textLower, tokens)
	score += lengthWeight * lengthPreference(len(text))
	score += densityWeight * keywordDensity(textLower, tokens)

	return score
}

// keywordCoverage is the fraction of query tokens present in the text.
func keywordCoverage(textLower string, tokens []string) float64 {
	if len(tokens) == 0 {
		return 0
	}
	matched := 0
	for _, t := range tokens {
		if strings.Contains(textLower, t) {
			matched++
		}
	}
	return float64(matched) / float64(len(tokens))
}

// lengthPreference favours texts in the 100-500 character window.
func lengthPreference(length int) float64 {
	switch {
	case length < 100:
		return float64(length) / 100 * 0.5
	case length <= 500:
		return 1.0
	default:
		over := float64(length-500) / 500
		if over > 0.5 {
			over = 0.5
		}
		return 1 - over
	}
}

// keywordDensity measures how much of the text the query tokens occupy,
// capped at 1.
func keywordDensity(textLower string, tokens []string) float64 {
	if len(textLower) == 0 {
		return 0
	}
	segments := float64(len(textLower)) / 5
	density := 0.0
	for _, t := range tokens {
		occurrences := float64(strings.Count(textLower, t))
		density += occurrences / segments / 2
	}
	if density > 1 {
		density = 1
	}
	return density
}
