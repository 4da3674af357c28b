package data

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrDuplicate         = errors.New("duplicate record")
	ErrNoTask            = errors.New("no task available")
	ErrInvalidAllocation = errors.New("invalid weight allocation")
)

// Repository defines the persistence used by the validator: the task
// timetable, the archive of accepted pool data and the worker registry.
type Repository interface {
	// Task operations
	NextTask(ctx context.Context) (Task, error)
	MarkTaskComplete(ctx context.Context, task Task) error
	SavePoolData(ctx context.Context, task Task, records []Record) error

	// Registry operations
	ResolveWorkers(ctx context.Context, netuid int) ([]WorkerHandle, error)
	UpsertWorker(ctx context.Context, netuid int, worker WorkerHandle) error
	SubmitWeights(ctx context.Context, netuid int, allocation Allocation) error
	LatestSubmission(ctx context.Context, netuid int) (Allocation, time.Time, error)
	PruneSubmissions(ctx context.Context, before time.Time) (int64, error)
}

// Option configures a repository
type Option func(*options)

type options struct {
	pairs      PairSource
	now        func() time.Time
	maxWeights int
}

func defaultOptions() options {
	return options{
		now:        time.Now,
		maxWeights: math.MaxInt32,
	}
}

// WithPairSource sets where newly created pools are listed when a window opens
func WithPairSource(src PairSource) Option {
	return func(o *options) { o.pairs = src }
}

// WithClock overrides the wall clock used to decide whether a window has closed
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithMaxAllowedWeights bounds the cardinality of a weight submission
func WithMaxAllowedWeights(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxWeights = n
		}
	}
}

// PostgresRepository implements Repository using PostgreSQL
type PostgresRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	opts   options
}

var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository wraps an open connection pool
func NewPostgresRepository(pool *pgxpool.Pool, logger *zap.Logger, opts ...Option) *PostgresRepository {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &PostgresRepository{
		pool:   pool,
		logger: logger,
		opts:   o,
	}
}

// NextTask returns the first open token pair of the earliest open window,
// opening new windows as earlier ones complete.
func (r *PostgresRepository) NextTask(ctx context.Context) (Task, error) {
	for i := 0; i < maxWindowsPerCall; i++ {
		start, end, err := r.openWindow(ctx)
		if err != nil {
			return Task{}, err
		}

		var pair TokenPair
		err = r.pool.QueryRow(ctx, `
			SELECT token_a, token_b, fee
			FROM token_pairs
			WHERE start_time = $1 AND end_time = $2 AND NOT completed
			ORDER BY id
			LIMIT 1`, start, end).Scan(&pair.TokenA, &pair.TokenB, &pair.Fee)
		if err == nil {
			return NewTask(pair, start, end)
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return Task{}, fmt.Errorf("querying token pairs: %w", err)
		}

		if _, err := r.pool.Exec(ctx,
			`UPDATE timetable SET completed = TRUE WHERE start_time = $1 AND end_time = $2`,
			start, end); err != nil {
			return Task{}, fmt.Errorf("completing window: %w", err)
		}
		r.logger.Info("Window has no open token pairs",
			zap.Time("start", start),
			zap.Time("end", end))
	}
	return Task{}, fmt.Errorf("%w: %d consecutive windows without pairs", ErrNoTask, maxWindowsPerCall)
}

func (r *PostgresRepository) openWindow(ctx context.Context) (time.Time, time.Time, error) {
	var start, end time.Time
	err := r.pool.QueryRow(ctx, `
		SELECT start_time, end_time
		FROM timetable
		WHERE NOT completed
		ORDER BY start_time
		LIMIT 1`).Scan(&start, &end)
	if err == nil {
		return start.UTC(), end.UTC(), nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, time.Time{}, fmt.Errorf("querying timetable: %w", err)
	}
	return r.createWindow(ctx)
}

func (r *PostgresRepository) createWindow(ctx context.Context) (time.Time, time.Time, error) {
	var last *[2]time.Time
	var prev [2]time.Time
	err := r.pool.QueryRow(ctx, `
		SELECT start_time, end_time
		FROM timetable
		ORDER BY start_time DESC
		LIMIT 1`).Scan(&prev[0], &prev[1])
	switch {
	case err == nil:
		prev[0], prev[1] = prev[0].UTC(), prev[1].UTC()
		last = &prev
	case !errors.Is(err, pgx.ErrNoRows):
		return time.Time{}, time.Time{}, fmt.Errorf("querying last window: %w", err)
	}

	start, end, ok := nextWindow(last, r.opts.now())
	if !ok {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: window starting %s has not closed", ErrNoTask, start.Format(TimeLayout))
	}

	var created []TokenPair
	if r.opts.pairs != nil {
		created, err = r.opts.pairs.PoolsCreatedBetween(ctx, start, end)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("fetching pools created in window: %w", err)
		}
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO timetable (start_time, end_time) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		start, end); err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("inserting window: %w", err)
	}

	if last != nil {
		if _, err := tx.Exec(ctx, `
			INSERT INTO token_pairs (start_time, end_time, token_a, token_b, fee)
			SELECT $1, $2, token_a, token_b, fee
			FROM token_pairs
			WHERE start_time = $3 AND end_time = $4
			ORDER BY id
			ON CONFLICT DO NOTHING`,
			start, end, last[0], last[1]); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("carrying token pairs forward: %w", err)
		}
	}

	created = mergePairs(nil, created)
	if len(created) > 0 {
		batch := &pgx.Batch{}
		for _, p := range created {
			batch.Queue(`
				INSERT INTO token_pairs (start_time, end_time, token_a, token_b, fee)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT DO NOTHING`,
				start, end, p.TokenA, p.TokenB, p.Fee)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("inserting token pairs: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("committing window: %w", err)
	}

	r.logger.Info("Opened task window",
		zap.Time("start", start),
		zap.Time("end", end),
		zap.Int("new_pairs", len(created)))
	return start, end, nil
}

// MarkTaskComplete closes the task's pair and, when it was the last open
// pair, the task's window.
func (r *PostgresRepository) MarkTaskComplete(ctx context.Context, task Task) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("validating task: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE token_pairs SET completed = TRUE
		WHERE start_time = $1 AND end_time = $2
		  AND token_a = $3 AND token_b = $4 AND fee = $5`,
		task.Start, task.End, task.TokenA, task.TokenB, task.Fee)
	if err != nil {
		return fmt.Errorf("completing token pair: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	var open bool
	if err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM token_pairs
			WHERE start_time = $1 AND end_time = $2 AND NOT completed
		)`, task.Start, task.End).Scan(&open); err != nil {
		return fmt.Errorf("checking open token pairs: %w", err)
	}
	if !open {
		if _, err := tx.Exec(ctx,
			`UPDATE timetable SET completed = TRUE WHERE start_time = $1 AND end_time = $2`,
			task.Start, task.End); err != nil {
			return fmt.Errorf("completing window: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing task completion: %w", err)
	}
	return nil
}

// SavePoolData archives the accepted records for the task's pool
func (r *PostgresRepository) SavePoolData(ctx context.Context, task Task, records []Record) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("validating task: %w", err)
	}
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for i, rec := range records {
		if err := rec.Validate(); err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
		event, err := rec.MarshalJSON()
		if err != nil {
			return fmt.Errorf("encoding record %d: %w", i, err)
		}
		batch.Queue(`
			INSERT INTO pool_data (
				token_a, token_b, fee, block_number, transaction_hash, event_type, event
			) VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT DO NOTHING`,
			task.TokenA, task.TokenB, task.Fee,
			rec.BlockNumber, rec.TransactionHash, rec.EventType, string(event))
	}

	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("inserting pool data: %w", err)
	}
	return nil
}

// ResolveWorkers lists the registered workers of a subnet ordered by uid.
// Rows with an unusable address are skipped.
func (r *PostgresRepository) ResolveWorkers(ctx context.Context, netuid int) ([]WorkerHandle, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT uid, address, identity_key
		FROM workers
		WHERE netuid = $1
		ORDER BY uid`, netuid)
	if err != nil {
		return nil, fmt.Errorf("querying workers: %w", err)
	}
	defer rows.Close()

	var workers []WorkerHandle
	for rows.Next() {
		var (
			uid     int32
			address string
			key     []byte
		)
		if err := rows.Scan(&uid, &address, &key); err != nil {
			return nil, fmt.Errorf("scanning worker: %w", err)
		}
		host, port, err := ParseAddress(address)
		if err != nil {
			r.logger.Warn("Skipping worker with invalid address",
				zap.Int32("uid", uid),
				zap.String("address", address))
			continue
		}
		workers = append(workers, WorkerHandle{
			UID:         int(uid),
			Host:        host,
			Port:        port,
			IdentityKey: key,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating workers: %w", err)
	}
	return workers, nil
}

// UpsertWorker registers or updates a worker
func (r *PostgresRepository) UpsertWorker(ctx context.Context, netuid int, worker WorkerHandle) error {
	if len(worker.IdentityKey) == 0 {
		return fmt.Errorf("%w: identity key required", ErrInvalidData)
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO workers (netuid, uid, address, identity_key, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (netuid, uid) DO UPDATE SET
			address = EXCLUDED.address,
			identity_key = EXCLUDED.identity_key,
			updated_at = NOW()`,
		netuid, worker.UID, worker.Address(), worker.IdentityKey)
	if err != nil {
		if isPgDuplicateError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("upserting worker: %w", err)
	}
	return nil
}

// SubmitWeights records a validated weight allocation
func (r *PostgresRepository) SubmitWeights(ctx context.Context, netuid int, allocation Allocation) error {
	if err := allocation.Validate(r.opts.maxWeights); err != nil {
		return err
	}

	uids := make([]int32, len(allocation))
	weights := make([]int32, len(allocation))
	for i, w := range allocation {
		uids[i] = int32(w.UID)
		weights[i] = int32(w.Weight)
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO weight_submissions (id, netuid, uids, weights, submitted_at)
		VALUES ($1, $2, $3, $4, $5)`,
		uuid.NewString(), netuid, uids, weights, r.opts.now().UTC())
	if err != nil {
		return fmt.Errorf("inserting weight submission: %w", err)
	}
	return nil
}

// LatestSubmission returns the most recent allocation submitted for a subnet
func (r *PostgresRepository) LatestSubmission(ctx context.Context, netuid int) (Allocation, time.Time, error) {
	var (
		uids, weights []int32
		at            time.Time
	)
	err := r.pool.QueryRow(ctx, `
		SELECT uids, weights, submitted_at
		FROM weight_submissions
		WHERE netuid = $1
		ORDER BY submitted_at DESC
		LIMIT 1`, netuid).Scan(&uids, &weights, &at)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, time.Time{}, ErrNotFound
		}
		return nil, time.Time{}, fmt.Errorf("querying weight submission: %w", err)
	}

	allocation := make(Allocation, len(uids))
	for i := range uids {
		allocation[i] = Weight{UID: int(uids[i]), Weight: int(weights[i])}
	}
	return allocation, at, nil
}

// PruneSubmissions deletes submissions older than before
func (r *PostgresRepository) PruneSubmissions(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM weight_submissions WHERE submitted_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("pruning weight submissions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Helper functions

func isPgDuplicateError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" // unique_violation
}
