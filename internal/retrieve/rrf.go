package retrieve

import (
	"sort"

	"github.com/hsn0918/bookrag/internal/index"
)

// fuseRRF implements Reciprocal Rank Fusion to combine the vector and
// lexical result lists of one hybrid pass. Each list is ranked
// independently, then scores are combined using score = sum(1 / (k + rank + 1))
// with 0-based ranks. Results are returned in descending fused order,
// tie-broken by document position for determinism.
func fuseRRF(vecResults, lexResults []index.SearchResult, k, maxResults int) []index.SearchResult {
	type fusedEntry struct {
		result index.SearchResult
		score  float64
	}

	fused := make(map[string]*fusedEntry)

	accumulate := func(results []index.SearchResult) {
		for rank, r := range results {
			key := r.Segment.Key()
			entry, ok := fused[key]
			if !ok {
				entry = &fusedEntry{result: r}
				fused[key] = entry
			}
			entry.score += 1 / float64(k+rank+1)
		}
	}

	accumulate(vecResults)
	accumulate(lexResults)

	entries := make([]*fusedEntry, 0, len(fused))
	for _, e := range fused {
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].score != entries[j].score {
			return entries[i].score > entries[j].score
		}
		si, sj := entries[i].result.Segment, entries[j].result.Segment
		if si.ParentIndex != sj.ParentIndex {
			return si.ParentIndex < sj.ParentIndex
		}
		return si.ChildIndex < sj.ChildIndex
	})

	if maxResults > 0 && len(entries) > maxResults {
		entries = entries[:maxResults]
	}

	results := make([]index.SearchResult, len(entries))
	for i, e := range entries {
		results[i] = index.SearchResult{Segment: e.result.Segment, Score: e.score}
	}

	return results
}
