package verifier

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"pool_validator/pkg/consensus"
	"pool_validator/pkg/data"
)

const DefaultSampleCount = 10

// LookupKey selects the authoritative records for one pool at one block
type LookupKey struct {
	Pair  data.TokenPair
	Block int64
}

func (k LookupKey) String() string {
	return fmt.Sprintf("%s#%d", k.Pair, k.Block)
}

// Oracle is the trusted data source used for spot checks
type Oracle interface {
	BoundaryFor(ctx context.Context, task data.Task) (lower, upper int64, err error)
	Lookup(ctx context.Context, key LookupKey) ([]data.Record, error)
}

// Outcome is the verdict on one consensus result
type Outcome struct {
	Accepted bool
	Sampled  []data.Record
	Reason   string
}

// Verifier spot-checks consensus answers against an oracle
type Verifier struct {
	oracle      Oracle
	sampleCount int
	logger      *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

type Option func(*Verifier)

// WithSource sets the randomness used to pick samples
func WithSource(src rand.Source) Option {
	return func(v *Verifier) {
		v.rng = rand.New(src)
	}
}

func New(oracle Oracle, sampleCount int, logger *zap.Logger, opts ...Option) *Verifier {
	if sampleCount <= 0 {
		sampleCount = DefaultSampleCount
	}
	v := &Verifier{
		oracle:      oracle,
		sampleCount: sampleCount,
		logger:      logger,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify draws up to sampleCount records from the consensus payload. A record
// outside the task's block range rejects the result; the first record found in
// the oracle's data accepts it. Oracle failures are returned as errors.
func (v *Verifier) Verify(ctx context.Context, task data.Task, result consensus.Result) (Outcome, error) {
	if len(result.Payload) == 0 {
		return Outcome{Reason: "empty payload"}, nil
	}

	lower, upper, err := v.oracle.BoundaryFor(ctx, task)
	if err != nil {
		return Outcome{}, fmt.Errorf("resolving block range for %s: %w", task.Key(), err)
	}

	outcome := Outcome{Sampled: make([]data.Record, 0, v.sampleCount)}
	for i := 0; i < v.sampleCount; i++ {
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}

		rec := result.Payload[v.pick(len(result.Payload))]
		outcome.Sampled = append(outcome.Sampled, rec)

		if rec.BlockNumber < lower || rec.BlockNumber > upper {
			outcome.Reason = fmt.Sprintf("block %d outside [%d, %d]", rec.BlockNumber, lower, upper)
			v.logger.Info("Consensus rejected",
				zap.String("task", task.Key()),
				zap.String("reason", outcome.Reason))
			return outcome, nil
		}

		key := LookupKey{Pair: task.TokenPair, Block: rec.BlockNumber}
		authoritative, err := v.oracle.Lookup(ctx, key)
		if err != nil {
			return Outcome{}, fmt.Errorf("looking up %s: %w", key, err)
		}
		for _, a := range authoritative {
			if a.TransactionHash == rec.TransactionHash {
				outcome.Accepted = true
				v.logger.Debug("Consensus accepted",
					zap.String("task", task.Key()),
					zap.Int64("block", rec.BlockNumber),
					zap.Int("draws", i+1))
				return outcome, nil
			}
		}
	}

	outcome.Reason = fmt.Sprintf("no match in %d draws", v.sampleCount)
	v.logger.Info("Consensus rejected",
		zap.String("task", task.Key()),
		zap.String("reason", outcome.Reason))
	return outcome, nil
}

func (v *Verifier) pick(n int) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.rng.Intn(n)
}
