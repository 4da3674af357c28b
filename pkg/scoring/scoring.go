package scoring

import (
	"fmt"
	"math"
	"time"

	"pool_validator/pkg/consensus"
	"pool_validator/pkg/data"
)

const (
	DefaultThreshold = 0.75
	DefaultExponent  = 3.0
)

// Record is the per-worker breakdown of one round's score
type Record struct {
	WorkerUID int
	Correct   int
	Total     int
	Accuracy  float64
	Latency   float64
	Composite float64
}

// Scores keeps records in poll order
type Scores []Record

// Map returns worker id -> composite
func (s Scores) Map() map[int]float64 {
	m := make(map[int]float64, len(s))
	for _, r := range s {
		m[r.WorkerUID] = r.Composite
	}
	return m
}

// Get returns the record for uid
func (s Scores) Get(uid int) (Record, bool) {
	for _, r := range s {
		if r.WorkerUID == uid {
			return r, true
		}
	}
	return Record{}, false
}

// Scorer blends answer accuracy and reply latency into a composite in [0,1]
type Scorer struct {
	threshold float64
	exponent  float64
}

// NewScorer validates the accuracy curve parameters
func NewScorer(threshold, exponent float64) (*Scorer, error) {
	if threshold <= 0 || threshold >= 1 {
		return nil, fmt.Errorf("fidelity threshold must be in (0,1), got %v", threshold)
	}
	if exponent <= 0 {
		return nil, fmt.Errorf("accuracy exponent must be positive, got %v", exponent)
	}
	return &Scorer{threshold: threshold, exponent: exponent}, nil
}

// Default uses the reference threshold and a cubic curve
func Default() *Scorer {
	return &Scorer{threshold: DefaultThreshold, exponent: DefaultExponent}
}

// Score rates every reply that carries a payload. Workers without a payload
// get no record at all.
func (s *Scorer) Score(replies []data.Reply, result consensus.Result) Scores {
	var answered []data.Reply
	for _, r := range replies {
		if r.HasPayload() {
			answered = append(answered, r)
		}
	}
	if len(answered) == 0 {
		return Scores{}
	}

	minLatency, maxLatency := answered[0].Latency, answered[0].Latency
	for _, r := range answered[1:] {
		if r.Latency < minLatency {
			minLatency = r.Latency
		}
		if r.Latency > maxLatency {
			maxLatency = r.Latency
		}
	}

	scores := make(Scores, 0, len(answered))
	for _, r := range answered {
		correct := matching(r.Payload, result.Payload)
		accuracy := s.Accuracy(correct, len(r.Payload))
		latency := LatencyScore(r.Latency, minLatency, maxLatency)
		scores = append(scores, Record{
			WorkerUID: r.WorkerUID,
			Correct:   correct,
			Total:     len(r.Payload),
			Accuracy:  accuracy,
			Latency:   latency,
			Composite: clamp((accuracy + latency) / 2),
		})
	}
	return scores
}

// Accuracy maps the hit ratio onto [0,1] around the fidelity threshold:
// d = (r-T)/(1-T) above T, (r-T)/T below, accuracy = 0.5 + 0.5*sign(d)*|d|^p.
// The threshold maps to 0.5, a perfect answer to 1 and an empty one to 0.
func (s *Scorer) Accuracy(correct, total int) float64 {
	if total <= 0 {
		return 0
	}
	ratio := clamp(float64(correct) / float64(total))

	var d float64
	if ratio >= s.threshold {
		d = (ratio - s.threshold) / (1 - s.threshold)
	} else {
		d = (ratio - s.threshold) / s.threshold
	}

	shaped := math.Pow(math.Abs(d), s.exponent)
	if d < 0 {
		shaped = -shaped
	}
	return clamp(0.5 + 0.5*shaped)
}

// LatencyScore is 1 for the fastest reply and 0.5 for the slowest
func LatencyScore(t, min, max time.Duration) float64 {
	if max <= min {
		return 1
	}
	return clamp(1 - 0.5*float64(t-min)/float64(max-min))
}

// matching counts positions where both payloads carry the same transaction
func matching(got, want []data.Record) int {
	n := len(got)
	if len(want) < n {
		n = len(want)
	}
	correct := 0
	for i := 0; i < n; i++ {
		if got[i].TransactionHash == want[i].TransactionHash {
			correct++
		}
	}
	return correct
}

func clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
