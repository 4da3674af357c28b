package validator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"pool_validator/pkg/config"
	"pool_validator/pkg/consensus"
	"pool_validator/pkg/data"
	"pool_validator/pkg/p2p/message"
	"pool_validator/pkg/scoring"
	"pool_validator/pkg/utils"
	"pool_validator/pkg/verifier"
	"pool_validator/pkg/weights"
)

var (
	ErrValidatorNotRegistered = errors.New("validator key is not registered in subnet")
	ErrMissingSelfKey         = errors.New("registration check requires the validator's identity key")
)

// Registry resolves the subnet's workers and records weight submissions
type Registry interface {
	ResolveWorkers(ctx context.Context, netuid int) ([]data.WorkerHandle, error)
	SubmitWeights(ctx context.Context, netuid int, allocation data.Allocation) error
}

// TaskStore hands out tasks and archives accepted answers. Window state
// lives entirely behind this interface.
type TaskStore interface {
	NextTask(ctx context.Context) (data.Task, error)
	MarkTaskComplete(ctx context.Context, task data.Task) error
	SavePoolData(ctx context.Context, task data.Task, records []data.Record) error
}

// Poller asks every worker and returns one reply per worker, in order
type Poller interface {
	Poll(ctx context.Context, task data.Task, workers []data.WorkerHandle, timeout time.Duration) []data.Reply
}

// SpotChecker accepts or rejects a consensus answer
type SpotChecker interface {
	Verify(ctx context.Context, task data.Task, result consensus.Result) (verifier.Outcome, error)
}

// Announcer publishes round summaries for auditors
type Announcer interface {
	Announce(ctx context.Context, summary message.RoundSummary) error
}

// Metrics receives round-level observations
type Metrics interface {
	ObserveRound(outcome string, d time.Duration)
	WorkerFailure(reason data.FailureReason)
	ConsensusSupport(n int)
	WeightsSubmitted(n int)
}

// Validator runs validation rounds: poll, agree, verify, score, weigh, submit
type Validator struct {
	cfg      *config.ValidatorConfig
	registry Registry
	tasks    TaskStore
	poller   Poller
	checker  SpotChecker
	scorer   *scoring.Scorer
	logger   *zap.Logger

	selfKey   []byte
	announcer Announcer
	metrics   Metrics
	tracer    trace.Tracer
	retry     *utils.RetryConfig
	now       func() time.Time
}

type Option func(*Validator)

// WithSelfKey sets the validator's own identity key. It is checked against
// the registry and never polled.
func WithSelfKey(key []byte) Option {
	return func(v *Validator) { v.selfKey = key }
}

func WithAnnouncer(a Announcer) Option {
	return func(v *Validator) { v.announcer = a }
}

func WithMetrics(m Metrics) Option {
	return func(v *Validator) { v.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(v *Validator) { v.tracer = t }
}

// WithRetryConfig overrides the weight submission retry policy
func WithRetryConfig(cfg *utils.RetryConfig) Option {
	return func(v *Validator) { v.retry = cfg }
}

func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// New wires a validator from its collaborators
func New(
	cfg *config.ValidatorConfig,
	registry Registry,
	tasks TaskStore,
	poller Poller,
	checker SpotChecker,
	scorer *scoring.Scorer,
	logger *zap.Logger,
	opts ...Option,
) (*Validator, error) {
	retry := utils.DefaultRetryConfig()
	if cfg.SubmitAttempts > 0 {
		retry.MaxAttempts = cfg.SubmitAttempts
	}

	v := &Validator{
		cfg:      cfg,
		registry: registry,
		tasks:    tasks,
		poller:   poller,
		checker:  checker,
		scorer:   scorer,
		logger:   logger,
		metrics:  nopMetrics{},
		tracer:   otel.Tracer("pool_validator/validator"),
		retry:    retry,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}

	if cfg.RequireRegistration && len(v.selfKey) == 0 {
		return nil, ErrMissingSelfKey
	}
	return v, nil
}

// RunRound executes one validation round. Worker failures, missing consensus
// and rejected answers are outcomes; only registry, task store and oracle
// failures are returned as errors.
func (v *Validator) RunRound(ctx context.Context) (*RoundReport, error) {
	report := &RoundReport{
		RoundID:   uuid.NewString(),
		StartedAt: v.now(),
		Failures:  make(map[data.FailureReason]int),
	}

	ctx, span := v.tracer.Start(ctx, "validation-round", trace.WithAttributes(
		attribute.String("round_id", report.RoundID),
		attribute.Int("netuid", v.cfg.NetUID),
	))
	defer span.End()

	err := v.runRound(ctx, report)
	report.Duration = v.now().Sub(report.StartedAt)
	if err != nil {
		report.Outcome = OutcomeFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(
		attribute.String("outcome", string(report.Outcome)),
		attribute.Int("polled", report.Polled),
		attribute.Int("replied", report.Replied),
	)

	v.metrics.ObserveRound(string(report.Outcome), report.Duration)
	v.announce(ctx, report)

	fields := report.fields()
	if err != nil {
		v.logger.Error("Validation round failed", append(fields, zap.Error(err))...)
	} else {
		v.logger.Info("Validation round completed", fields...)
	}
	return report, err
}

func (v *Validator) runRound(ctx context.Context, report *RoundReport) error {
	workers, err := v.registry.ResolveWorkers(ctx, v.cfg.NetUID)
	if err != nil {
		return fmt.Errorf("resolving workers: %w", err)
	}
	workers, err = v.excludeSelf(workers)
	if err != nil {
		return err
	}
	if len(workers) == 0 {
		report.Outcome = OutcomeNoWorkers
		return nil
	}

	task, err := v.tasks.NextTask(ctx)
	if errors.Is(err, data.ErrNoTask) {
		report.Outcome = OutcomeNoTask
		return nil
	}
	if err != nil {
		return fmt.Errorf("fetching next task: %w", err)
	}
	report.Task = &task

	replies := v.poller.Poll(ctx, task, workers, v.cfg.CallTimeout)
	report.Polled = len(replies)
	for _, r := range replies {
		if r.HasPayload() {
			report.Replied++
			continue
		}
		report.Failures[r.Failure]++
		v.metrics.WorkerFailure(r.Failure)
	}

	result, err := consensus.Select(replies)
	if errors.Is(err, consensus.ErrNoConsensus) {
		report.Outcome = OutcomeNoConsensus
		return nil
	}
	if err != nil {
		return fmt.Errorf("selecting consensus: %w", err)
	}
	report.ConsensusHash = result.ContentHash
	report.Supporters = result.Supporters
	v.metrics.ConsensusSupport(len(result.Supporters))

	verdict, err := v.checker.Verify(ctx, task, result)
	if err != nil {
		return fmt.Errorf("verifying consensus: %w", err)
	}
	report.Verification = &verdict
	if !verdict.Accepted {
		report.Outcome = OutcomeRejected
		return nil
	}

	if err := v.tasks.SavePoolData(ctx, task, result.Payload); err != nil {
		return fmt.Errorf("archiving pool data: %w", err)
	}
	if err := v.tasks.MarkTaskComplete(ctx, task); err != nil {
		return fmt.Errorf("marking task complete: %w", err)
	}

	report.Scores = v.scorer.Score(replies, result)
	report.Allocation = weights.Allocate(report.Scores, v.cfg.MaxAllowedWeights, v.cfg.WeightBudget)
	if len(report.Allocation) == 0 {
		report.Outcome = OutcomeEmptyAllocation
		return nil
	}

	if err := v.submit(ctx, report.Allocation); err != nil {
		return err
	}
	v.metrics.WeightsSubmitted(len(report.Allocation))
	report.Outcome = OutcomeSubmitted
	return nil
}

// excludeSelf drops the validator's own entry and enforces registration
func (v *Validator) excludeSelf(workers []data.WorkerHandle) ([]data.WorkerHandle, error) {
	if len(v.selfKey) == 0 {
		return workers, nil
	}

	registered := false
	out := make([]data.WorkerHandle, 0, len(workers))
	for _, w := range workers {
		if bytes.Equal(w.IdentityKey, v.selfKey) {
			registered = true
			continue
		}
		out = append(out, w)
	}

	if v.cfg.RequireRegistration && !registered {
		return nil, ErrValidatorNotRegistered
	}
	return out, nil
}

func (v *Validator) submit(ctx context.Context, allocation data.Allocation) error {
	err := utils.RetryWithBackoff(ctx, func() error {
		err := v.registry.SubmitWeights(ctx, v.cfg.NetUID, allocation)
		if errors.Is(err, data.ErrInvalidAllocation) {
			return utils.Permanent(err)
		}
		if err != nil {
			v.logger.Warn("Weight submission failed", zap.Error(err))
		}
		return err
	}, v.retry)
	if err != nil {
		return fmt.Errorf("submitting weights: %w", err)
	}
	return nil
}

func (v *Validator) announce(ctx context.Context, report *RoundReport) {
	if v.announcer == nil || report.Task == nil {
		return
	}
	if err := v.announcer.Announce(ctx, report.Summary()); err != nil {
		v.logger.Warn("Failed to announce round",
			zap.String("round", report.RoundID),
			zap.Error(err))
	}
}

// Run executes rounds back to back, starting one at most every
// IterationInterval. A round that overruns is followed immediately by the
// next. Round errors are logged and the loop continues until ctx is done.
func (v *Validator) Run(ctx context.Context) error {
	v.logger.Info("Starting validation loop",
		zap.Int("netuid", v.cfg.NetUID),
		zap.Duration("interval", v.cfg.IterationInterval))

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		start := v.now()
		v.RunRound(ctx)

		wait := v.cfg.IterationInterval - v.now().Sub(start)
		if wait <= 0 {
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

type nopMetrics struct{}

func (nopMetrics) ObserveRound(string, time.Duration) {}
func (nopMetrics) WorkerFailure(data.FailureReason) {}
func (nopMetrics) ConsensusSupport(int) {}
func (nopMetrics) WeightsSubmitted(int) {}
