package weights

import (
	"math"
	"sort"

	"pool_validator/pkg/data"
	"pool_validator/pkg/scoring"
)

const DefaultBudget = 1000

// Allocate keeps the maxCount best scores and splits budget between them in
// proportion to their composite. Weights that floor to zero are dropped. An
// empty result means there is nothing to submit.
func Allocate(scores scoring.Scores, maxCount, budget int) data.Allocation {
	if len(scores) == 0 || maxCount <= 0 || budget <= 0 {
		return data.Allocation{}
	}

	ranked := make(scoring.Scores, len(scores))
	copy(ranked, scores)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Composite > ranked[j].Composite
	})
	if len(ranked) > maxCount {
		ranked = ranked[:maxCount]
	}

	var sum float64
	for _, s := range ranked {
		if s.Composite > 0 {
			sum += s.Composite
		}
	}
	if sum <= 0 {
		return data.Allocation{}
	}

	alloc := make(data.Allocation, 0, len(ranked))
	for _, s := range ranked {
		if s.Composite <= 0 {
			continue
		}
		w := int(math.Floor(s.Composite * float64(budget) / sum))
		if w <= 0 {
			continue
		}
		alloc = append(alloc, data.Weight{UID: s.WorkerUID, Weight: w})
	}
	return alloc
}
