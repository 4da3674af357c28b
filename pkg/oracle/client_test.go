package oracle

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"pool_validator/pkg/config"
	"pool_validator/pkg/data"
	"pool_validator/pkg/verifier"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewClient(&config.OracleConfig{
		URL:           srv.URL + "/",
		Timeout:       2 * time.Second,
		CacheSize:     16,
		CacheTTL:      time.Minute,
		RetryAttempts: 3,
		RetryDelay:    time.Millisecond,
	}, zaptest.NewLogger(t))
}

func testTask(t *testing.T) data.Task {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	task, err := data.NewTask(data.TokenPair{TokenA: "0xa", TokenB: "0xb", Fee: 500}, start, start.Add(24*time.Hour))
	require.NoError(t, err)
	return task
}

func TestBoundaryFor(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, blockRangePath, r.URL.Path)
		assert.Equal(t, "2024-03-01 00:00:00", r.URL.Query().Get("start_datetime"))
		assert.Equal(t, "2024-03-02 00:00:00", r.URL.Query().Get("end_datetime"))
		w.Write([]byte(`{"start_block": 100, "end_block": 200}`))
	}))

	lower, upper, err := c.BoundaryFor(context.Background(), testTask(t))
	require.NoError(t, err)
	assert.Equal(t, int64(100), lower)
	assert.Equal(t, int64(200), upper)

	_, _, err = c.BoundaryFor(context.Background(), testTask(t))
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load(), "second call is served from cache")
}

func TestBoundaryForInvalidRange(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"start_block": 300, "end_block": 200}`))
	}))

	_, _, err := c.BoundaryFor(context.Background(), testTask(t))
	assert.ErrorIs(t, err, ErrBadRange)
}

func TestLookup(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		q := r.URL.Query()
		assert.Equal(t, poolEventsPath, r.URL.Path)
		assert.Equal(t, "0xa", q.Get("token_a"))
		assert.Equal(t, "0xb", q.Get("token_b"))
		assert.Equal(t, "500", q.Get("fee"))
		assert.Equal(t, "150", q.Get("start_block"))
		assert.Equal(t, "150", q.Get("end_block"))
		w.Write([]byte(`{"data": [{"block_number": 150, "transaction_hash": "0xtx", "event_type": "swap"}]}`))
	}))

	key := verifier.LookupKey{Pair: testTask(t).TokenPair, Block: 150}
	recs, err := c.Lookup(context.Background(), key)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "0xtx", recs[0].TransactionHash)
	assert.Equal(t, "swap", recs[0].EventType)

	_, err = c.Lookup(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPoolsCreatedBetween(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, poolsCreatedPath, r.URL.Path)
		w.Write([]byte(`{"data": [{"token_a": "0x1", "token_b": "0x2", "fee": 3000}]}`))
	}))

	start := time.Date(2021, 5, 4, 0, 0, 0, 0, time.UTC)
	pairs, err := c.PoolsCreatedBetween(context.Background(), start, start.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []data.TokenPair{{TokenA: "0x1", TokenB: "0x2", Fee: 3000}}, pairs)
}

func TestRetries(t *testing.T) {
	t.Run("ServerErrorsAreRetried", func(t *testing.T) {
		var calls atomic.Int32
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				http.Error(w, "busy", http.StatusServiceUnavailable)
				return
			}
			w.Write([]byte(`{"start_block": 1, "end_block": 2}`))
		}))

		_, _, err := c.BoundaryFor(context.Background(), testTask(t))
		require.NoError(t, err)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("ClientErrorsAreNot", func(t *testing.T) {
		var calls atomic.Int32
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			http.Error(w, "bad pair", http.StatusBadRequest)
		}))

		_, err := c.Lookup(context.Background(), verifier.LookupKey{Pair: testTask(t).TokenPair, Block: 1})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrBadStatus))
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("GivesUp", func(t *testing.T) {
		var calls atomic.Int32
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			http.Error(w, "down", http.StatusInternalServerError)
		}))

		_, err := c.PoolsCreatedBetween(context.Background(), time.Now().Add(-time.Hour), time.Now())
		assert.ErrorIs(t, err, ErrBadStatus)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("MalformedBody", func(t *testing.T) {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"data": [{"transaction_hash": "0xtx"}]}`))
		}))

		_, err := c.Lookup(context.Background(), verifier.LookupKey{Pair: testTask(t).TokenPair, Block: 1})
		assert.ErrorIs(t, err, data.ErrInvalidRecord)
	})
}
