package validator

import (
	"time"

	"go.uber.org/zap"

	"pool_validator/pkg/data"
	"pool_validator/pkg/p2p/message"
	"pool_validator/pkg/scoring"
	"pool_validator/pkg/verifier"
)

// Outcome classifies how a round ended
type Outcome string

const (
	OutcomeSubmitted       Outcome = "submitted"
	OutcomeEmptyAllocation Outcome = "empty_allocation"
	OutcomeNoWorkers       Outcome = "no_workers"
	OutcomeNoTask          Outcome = "no_task"
	OutcomeNoConsensus     Outcome = "no_consensus"
	OutcomeRejected        Outcome = "rejected"
	OutcomeFailed          Outcome = "failed"
)

// RoundReport is the audit record of one round
type RoundReport struct {
	RoundID   string
	Outcome   Outcome
	Task      *data.Task
	StartedAt time.Time
	Duration  time.Duration

	Polled   int
	Replied  int
	Failures map[data.FailureReason]int

	ConsensusHash string
	Supporters    []int
	Verification  *verifier.Outcome

	Scores     scoring.Scores
	Allocation data.Allocation
}

// Summary converts the report to its gossip form
func (r *RoundReport) Summary() message.RoundSummary {
	s := message.RoundSummary{
		RoundID:       r.RoundID,
		Outcome:       string(r.Outcome),
		ConsensusHash: r.ConsensusHash,
		Supporters:    len(r.Supporters),
		Polled:        r.Polled,
		Replied:       r.Replied,
		Weights:       r.Allocation,
		StartedAt:     r.StartedAt,
		Duration:      r.Duration,
	}
	if r.Task != nil {
		s.Task = r.Task.Key()
	}
	return s
}

func (r *RoundReport) fields() []zap.Field {
	fields := []zap.Field{
		zap.String("round", r.RoundID),
		zap.String("outcome", string(r.Outcome)),
		zap.Duration("duration", r.Duration),
		zap.Int("polled", r.Polled),
		zap.Int("replied", r.Replied),
	}
	if r.Task != nil {
		fields = append(fields, zap.String("task", r.Task.Key()))
	}
	if r.ConsensusHash != "" {
		fields = append(fields,
			zap.String("consensus", r.ConsensusHash),
			zap.Int("supporters", len(r.Supporters)))
	}
	if len(r.Allocation) > 0 {
		fields = append(fields, zap.Stringer("weights", r.Allocation))
	}
	return fields
}
