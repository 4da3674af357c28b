package verifier

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"pool_validator/pkg/consensus"
	"pool_validator/pkg/data"
)

type fakeOracle struct {
	lower, upper int64
	boundaryErr  error
	lookupErr    error
	records      map[int64][]data.Record
	lookups      []LookupKey
}

var _ Oracle = (*fakeOracle)(nil)

func (f *fakeOracle) BoundaryFor(ctx context.Context, task data.Task) (int64, int64, error) {
	return f.lower, f.upper, f.boundaryErr
}

func (f *fakeOracle) Lookup(ctx context.Context, key LookupKey) ([]data.Record, error) {
	f.lookups = append(f.lookups, key)
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	return f.records[key.Block], nil
}

func testTask(t *testing.T) data.Task {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	task, err := data.NewTask(data.TokenPair{TokenA: "0xa", TokenB: "0xb", Fee: 3000}, start, start.Add(24*time.Hour))
	require.NoError(t, err)
	return task
}

func payload(n int, block int64) []data.Record {
	recs := make([]data.Record, n)
	for i := range recs {
		recs[i] = data.Record{BlockNumber: block + int64(i), TransactionHash: "0xtx" + string(rune('a'+i))}
	}
	return recs
}

func TestVerify(t *testing.T) {
	logger := zaptest.NewLogger(t)
	task := testTask(t)

	t.Run("AcceptsOnFirstMatch", func(t *testing.T) {
		recs := payload(3, 100)
		oracle := &fakeOracle{
			lower: 0, upper: 1000,
			records: map[int64][]data.Record{
				100: {recs[0]}, 101: {recs[1]}, 102: {recs[2]},
			},
		}
		v := New(oracle, 10, logger, WithSource(rand.NewSource(1)))

		outcome, err := v.Verify(context.Background(), task, consensus.Result{ContentHash: "h", Payload: recs})
		require.NoError(t, err)
		assert.True(t, outcome.Accepted)
		assert.Len(t, outcome.Sampled, 1)
		require.Len(t, oracle.lookups, 1)
		assert.Equal(t, task.TokenPair, oracle.lookups[0].Pair)
	})

	t.Run("RejectsWhenNothingMatches", func(t *testing.T) {
		recs := payload(10, 100)
		oracle := &fakeOracle{
			lower: 0, upper: 1000,
			records: map[int64][]data.Record{
				100: {{BlockNumber: 100, TransactionHash: "0xother"}},
			},
		}
		v := New(oracle, 10, logger, WithSource(rand.NewSource(2)))

		outcome, err := v.Verify(context.Background(), task, consensus.Result{ContentHash: "h", Payload: recs})
		require.NoError(t, err)
		assert.False(t, outcome.Accepted)
		assert.Len(t, outcome.Sampled, 10)
		assert.Len(t, oracle.lookups, 10)
		assert.Contains(t, outcome.Reason, "no match")
	})

	t.Run("RejectsOutOfRangeBlock", func(t *testing.T) {
		recs := []data.Record{{BlockNumber: 5000, TransactionHash: "0xtx"}}
		oracle := &fakeOracle{lower: 0, upper: 1000}
		v := New(oracle, 10, logger)

		outcome, err := v.Verify(context.Background(), task, consensus.Result{ContentHash: "h", Payload: recs})
		require.NoError(t, err)
		assert.False(t, outcome.Accepted)
		assert.Len(t, outcome.Sampled, 1)
		assert.Empty(t, oracle.lookups)
	})

	t.Run("RejectsEmptyPayload", func(t *testing.T) {
		oracle := &fakeOracle{lower: 0, upper: 1000}
		v := New(oracle, 10, logger)

		outcome, err := v.Verify(context.Background(), task, consensus.Result{ContentHash: "h", Payload: []data.Record{}})
		require.NoError(t, err)
		assert.False(t, outcome.Accepted)
		assert.Empty(t, outcome.Sampled)
	})

	t.Run("OracleErrors", func(t *testing.T) {
		recs := payload(2, 100)
		boom := errors.New("oracle down")

		v := New(&fakeOracle{boundaryErr: boom}, 10, logger)
		_, err := v.Verify(context.Background(), task, consensus.Result{Payload: recs})
		assert.ErrorIs(t, err, boom)

		v = New(&fakeOracle{upper: 1000, lookupErr: boom}, 10, logger)
		_, err = v.Verify(context.Background(), task, consensus.Result{Payload: recs})
		assert.ErrorIs(t, err, boom)
	})

	t.Run("SameSeedSameSamples", func(t *testing.T) {
		recs := payload(50, 100)
		oracle := &fakeOracle{upper: 1000}

		first, err := New(oracle, 10, logger, WithSource(rand.NewSource(42))).
			Verify(context.Background(), task, consensus.Result{Payload: recs})
		require.NoError(t, err)
		second, err := New(oracle, 10, logger, WithSource(rand.NewSource(42))).
			Verify(context.Background(), task, consensus.Result{Payload: recs})
		require.NoError(t, err)
		assert.Equal(t, first.Sampled, second.Sampled)
	})

	t.Run("DefaultSampleCount", func(t *testing.T) {
		v := New(&fakeOracle{}, 0, logger)
		assert.Equal(t, DefaultSampleCount, v.sampleCount)
	})
}
