package weights

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"pool_validator/pkg/data"
	"pool_validator/pkg/scoring"
)

func scored(pairs ...any) scoring.Scores {
	var s scoring.Scores
	for i := 0; i < len(pairs); i += 2 {
		s = append(s, scoring.Record{WorkerUID: pairs[i].(int), Composite: pairs[i+1].(float64)})
	}
	return s
}

func TestAllocate(t *testing.T) {
	t.Run("CapBeforeNormalising", func(t *testing.T) {
		alloc := Allocate(scored(1, 0.9, 2, 0.3, 3, 0.05), 2, DefaultBudget)
		assert.Equal(t, data.Allocation{{UID: 1, Weight: 750}, {UID: 2, Weight: 250}}, alloc)
	})

	t.Run("SortedDescending", func(t *testing.T) {
		alloc := Allocate(scored(1, 0.2, 2, 0.6, 3, 0.2), 10, DefaultBudget)
		assert.Equal(t, []int{2, 1, 3}, alloc.UIDs())
		assert.Equal(t, []int{600, 200, 200}, alloc.Weights())
	})

	t.Run("StableTies", func(t *testing.T) {
		alloc := Allocate(scored(5, 0.5, 3, 0.5, 9, 0.5), 2, DefaultBudget)
		assert.Equal(t, []int{5, 3}, alloc.UIDs())
		assert.Equal(t, []int{500, 500}, alloc.Weights())
	})

	t.Run("DropsZeroWeights", func(t *testing.T) {
		alloc := Allocate(scored(1, 1.0, 2, 0.0001), 10, DefaultBudget)
		assert.Equal(t, data.Allocation{{UID: 1, Weight: 999}}, alloc)
	})

	t.Run("ZeroScores", func(t *testing.T) {
		assert.Empty(t, Allocate(scored(1, 0.0, 2, 0.0), 10, DefaultBudget))
	})

	t.Run("Empty", func(t *testing.T) {
		assert.Empty(t, Allocate(nil, 10, DefaultBudget))
		assert.Empty(t, Allocate(scored(1, 0.5), 0, DefaultBudget))
	})

	t.Run("Idempotent", func(t *testing.T) {
		in := scored(4, 0.71, 1, 0.33, 8, 0.71, 2, 0.9)
		first := Allocate(in, 3, DefaultBudget)
		second := Allocate(in, 3, DefaultBudget)
		assert.Equal(t, first, second)
		assert.Equal(t, []int{4, 1, 8, 2}, []int{in[0].WorkerUID, in[1].WorkerUID, in[2].WorkerUID, in[3].WorkerUID})
	})

	t.Run("Invariants", func(t *testing.T) {
		in := scored(1, 0.9, 2, 0.8, 3, 0.7, 4, 0.6, 5, 0.5, 6, 0.01)
		for maxCount := 1; maxCount <= 8; maxCount++ {
			alloc := Allocate(in, maxCount, DefaultBudget)
			assert.LessOrEqual(t, len(alloc), maxCount)
			assert.LessOrEqual(t, alloc.Total(), DefaultBudget)
			assert.NoError(t, alloc.Validate(maxCount))
		}
	})
}
