package data

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

type memWindow struct {
	start, end time.Time
	pairs      []TokenPair
	done       map[TokenPair]bool
	completed  bool
}

type memSubmission struct {
	netuid     int
	allocation Allocation
	at         time.Time
}

// MemoryRepository is an in-process Repository for development and tests.
// Nothing survives a restart.
type MemoryRepository struct {
	mu          sync.Mutex
	logger      *zap.Logger
	opts        options
	windows     []*memWindow
	poolData    map[string][]Record
	workers     map[int]map[int]WorkerHandle
	submissions []memSubmission
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty in-memory repository
func NewMemoryRepository(logger *zap.Logger, opts ...Option) *MemoryRepository {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &MemoryRepository{
		logger:   logger,
		opts:     o,
		poolData: make(map[string][]Record),
		workers:  make(map[int]map[int]WorkerHandle),
	}
}

// SeedPairs adds pairs to the window starting at start, creating it if needed
func (m *MemoryRepository) SeedPairs(start time.Time, pairs ...TokenPair) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start = start.UTC()
	for _, w := range m.windows {
		if w.start.Equal(start) {
			w.pairs = mergePairs(w.pairs, pairs)
			w.completed = false
			return
		}
	}
	m.windows = append(m.windows, &memWindow{
		start: start,
		end:   start.Add(WindowLength),
		pairs: mergePairs(nil, pairs),
		done:  make(map[TokenPair]bool),
	})
	sort.Slice(m.windows, func(i, j int) bool { return m.windows[i].start.Before(m.windows[j].start) })
}

func (m *MemoryRepository) NextTask(ctx context.Context) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := 0; i < maxWindowsPerCall; i++ {
		w, err := m.openWindow(ctx)
		if err != nil {
			return Task{}, err
		}
		for _, p := range w.pairs {
			if !w.done[p] {
				return NewTask(p, w.start, w.end)
			}
		}
		w.completed = true
	}
	return Task{}, fmt.Errorf("%w: %d consecutive windows without pairs", ErrNoTask, maxWindowsPerCall)
}

func (m *MemoryRepository) openWindow(ctx context.Context) (*memWindow, error) {
	for _, w := range m.windows {
		if !w.completed {
			return w, nil
		}
	}

	var last *[2]time.Time
	var prevPairs []TokenPair
	if n := len(m.windows); n > 0 {
		prev := m.windows[n-1]
		last = &[2]time.Time{prev.start, prev.end}
		prevPairs = prev.pairs
	}

	start, end, ok := nextWindow(last, m.opts.now())
	if !ok {
		return nil, fmt.Errorf("%w: window starting %s has not closed", ErrNoTask, start.Format(TimeLayout))
	}

	var created []TokenPair
	if m.opts.pairs != nil {
		var err error
		created, err = m.opts.pairs.PoolsCreatedBetween(ctx, start, end)
		if err != nil {
			return nil, fmt.Errorf("fetching pools created in window: %w", err)
		}
	}

	w := &memWindow{
		start: start,
		end:   end,
		pairs: mergePairs(prevPairs, created),
		done:  make(map[TokenPair]bool),
	}
	m.windows = append(m.windows, w)
	m.logger.Info("Opened task window",
		zap.Time("start", start),
		zap.Time("end", end),
		zap.Int("pairs", len(w.pairs)))
	return w, nil
}

func (m *MemoryRepository) MarkTaskComplete(ctx context.Context, task Task) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("validating task: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, w := range m.windows {
		if !w.start.Equal(task.Start) || !w.end.Equal(task.End) {
			continue
		}
		found := false
		for _, p := range w.pairs {
			if p == task.TokenPair {
				found = true
				break
			}
		}
		if !found {
			return ErrNotFound
		}
		w.done[task.TokenPair] = true
		if len(w.done) == len(w.pairs) {
			w.completed = true
		}
		return nil
	}
	return ErrNotFound
}

func (m *MemoryRepository) SavePoolData(ctx context.Context, task Task, records []Record) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("validating task: %w", err)
	}
	for i, rec := range records {
		if err := rec.Validate(); err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := task.TokenPair.String()
	seen := make(map[string]struct{}, len(m.poolData[key]))
	for _, rec := range m.poolData[key] {
		seen[rec.TransactionHash] = struct{}{}
	}
	for _, rec := range records {
		if _, dup := seen[rec.TransactionHash]; dup {
			continue
		}
		seen[rec.TransactionHash] = struct{}{}
		m.poolData[key] = append(m.poolData[key], rec)
	}
	return nil
}

// PoolData returns the archived records of a pool
func (m *MemoryRepository) PoolData(pair TokenPair) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.poolData[pair.String()]...)
}

func (m *MemoryRepository) ResolveWorkers(ctx context.Context, netuid int) ([]WorkerHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	workers := make([]WorkerHandle, 0, len(m.workers[netuid]))
	for _, w := range m.workers[netuid] {
		workers = append(workers, w)
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].UID < workers[j].UID })
	return workers, nil
}

func (m *MemoryRepository) UpsertWorker(ctx context.Context, netuid int, worker WorkerHandle) error {
	if len(worker.IdentityKey) == 0 {
		return fmt.Errorf("%w: identity key required", ErrInvalidData)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	subnet, ok := m.workers[netuid]
	if !ok {
		subnet = make(map[int]WorkerHandle)
		m.workers[netuid] = subnet
	}
	for uid, w := range subnet {
		if uid != worker.UID && string(w.IdentityKey) == string(worker.IdentityKey) {
			return ErrDuplicate
		}
	}
	subnet[worker.UID] = worker
	return nil
}

func (m *MemoryRepository) SubmitWeights(ctx context.Context, netuid int, allocation Allocation) error {
	if err := allocation.Validate(m.opts.maxWeights); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.submissions = append(m.submissions, memSubmission{
		netuid:     netuid,
		allocation: append(Allocation(nil), allocation...),
		at:         m.opts.now().UTC(),
	})
	return nil
}

func (m *MemoryRepository) LatestSubmission(ctx context.Context, netuid int) (Allocation, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := len(m.submissions) - 1; i >= 0; i-- {
		if s := m.submissions[i]; s.netuid == netuid {
			return append(Allocation(nil), s.allocation...), s.at, nil
		}
	}
	return nil, time.Time{}, ErrNotFound
}

func (m *MemoryRepository) PruneSubmissions(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.submissions[:0]
	var pruned int64
	for _, s := range m.submissions {
		if s.at.Before(before) {
			pruned++
			continue
		}
		kept = append(kept, s)
	}
	m.submissions = kept
	return pruned, nil
}
