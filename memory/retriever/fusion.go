package retriever

import (
	"sort"

	"github.com/pitchline/pitchline/memory"
)

// Reciprocal-rank fusion parameters.
const (
	// RRFConstant dampens the contribution of lower ranks.
	RRFConstant = 60
	// FusedCandidateCap bounds how many fused candidates reach the
	// reranker.
	FusedCandidateCap = 20
)

// fuse merges ranked candidate lists with reciprocal-rank fusion. Each
// occurrence at zero-based rank i contributes weight/(i+RRFConstant) to the
// candidate's fused score, where weight is the candidate's recency factor.
// Content and type come from the first list that carried the candidate.
// Results are sorted by fused score descending, ID ascending on ties, and
// capped at FusedCandidateCap.
func fuse(lists [][]memory.Hit, weightOf func(id string) float64) []memory.Hit {
	type fused struct {
		hit   memory.Hit
		score float64
	}
	byID := make(map[string]*fused)
	var order []string
	for _, list := range lists {
		for i, h := range list {
			f, ok := byID[h.ID]
			if !ok {
				f = &fused{hit: h}
				byID[h.ID] = f
				order = append(order, h.ID)
			}
			f.score += weightOf(h.ID) / float64(i+RRFConstant)
		}
	}
	out := make([]memory.Hit, 0, len(order))
	for _, id := range order {
		f := byID[id]
		f.hit.Score = f.score
		out = append(out, f.hit)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > FusedCandidateCap {
		out = out[:FusedCandidateCap]
	}
	return out
}
