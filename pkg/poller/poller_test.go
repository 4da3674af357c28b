package poller

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"pool_validator/pkg/data"
)

type fakeAsker struct {
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	delay       func(uid int) time.Duration
	reply       func(uid int) data.Reply
	mu          sync.Mutex
	seen        []int
}

func (f *fakeAsker) Ask(ctx context.Context, worker data.WorkerHandle, task data.Task, timeout time.Duration) data.Reply {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		max := f.maxInFlight.Load()
		if n <= max || f.maxInFlight.CompareAndSwap(max, n) {
			break
		}
	}

	f.mu.Lock()
	f.seen = append(f.seen, worker.UID)
	f.mu.Unlock()

	if f.delay != nil {
		time.Sleep(f.delay(worker.UID))
	}
	return f.reply(worker.UID)
}

var _ Asker = (*fakeAsker)(nil)

func testTask(t *testing.T) data.Task {
	task, err := data.NewTask(
		data.TokenPair{TokenA: "0xa", TokenB: "0xb", Fee: 3000},
		data.GenesisStart, data.GenesisStart.Add(data.WindowLength))
	require.NoError(t, err)
	return task
}

func workers(n int) []data.WorkerHandle {
	ws := make([]data.WorkerHandle, n)
	for i := range ws {
		ws[i] = data.WorkerHandle{UID: i + 10, Host: "10.0.0.1", Port: 8000 + i}
	}
	return ws
}

func TestPoll(t *testing.T) {
	ctx := context.Background()

	t.Run("OneReplyPerWorkerInOrder", func(t *testing.T) {
		asker := &fakeAsker{
			// Later workers answer first
			delay: func(uid int) time.Duration { return time.Duration(30-uid) * time.Millisecond },
			reply: func(uid int) data.Reply {
				return data.Reply{Payload: []data.Record{}, ContentHash: fmt.Sprintf("h%d", uid)}
			},
		}
		p := New(asker, 4, zaptest.NewLogger(t))

		replies := p.Poll(ctx, testTask(t), workers(12), time.Second)
		require.Len(t, replies, 12)
		for i, r := range replies {
			assert.Equal(t, i+10, r.WorkerUID)
			assert.Equal(t, fmt.Sprintf("h%d", i+10), r.ContentHash)
		}
	})

	t.Run("ConcurrencyLimit", func(t *testing.T) {
		asker := &fakeAsker{
			delay: func(int) time.Duration { return 10 * time.Millisecond },
			reply: func(int) data.Reply { return data.Reply{Payload: []data.Record{}, ContentHash: "h"} },
		}
		p := New(asker, 3, zaptest.NewLogger(t))

		p.Poll(ctx, testTask(t), workers(20), time.Second)
		assert.LessOrEqual(t, asker.maxInFlight.Load(), int32(3))
		assert.Len(t, asker.seen, 20)
	})

	t.Run("DefaultConcurrency", func(t *testing.T) {
		p := New(&fakeAsker{}, 0, zaptest.NewLogger(t))
		assert.Equal(t, DefaultConcurrency, p.concurrency)
	})

	t.Run("FailuresDoNotCancelOthers", func(t *testing.T) {
		asker := &fakeAsker{
			reply: func(uid int) data.Reply {
				if uid%2 == 0 {
					return data.FailedReply(uid, data.FailureTransport, 0, "refused")
				}
				return data.Reply{Payload: []data.Record{}, ContentHash: "h"}
			},
		}
		p := New(asker, 2, zaptest.NewLogger(t))

		replies := p.Poll(ctx, testTask(t), workers(6), time.Second)
		require.Len(t, replies, 6)
		for _, r := range replies {
			if r.WorkerUID%2 == 0 {
				assert.Equal(t, data.FailureTransport, r.Failure)
			} else {
				assert.True(t, r.HasPayload())
			}
		}
	})

	t.Run("NoWorkers", func(t *testing.T) {
		p := New(&fakeAsker{}, 2, zaptest.NewLogger(t))
		assert.Empty(t, p.Poll(ctx, testTask(t), nil, time.Second))
	})
}
