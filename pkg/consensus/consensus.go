package consensus

import (
	"errors"

	"pool_validator/pkg/data"
)

var ErrNoConsensus = errors.New("no usable worker replies")

// Result is the majority answer of a round
type Result struct {
	ContentHash string
	Supporters  []int
	Payload     []data.Record
}

// Select groups usable replies by content hash and returns the largest group.
// Ties go to the hash that appeared first; the payload is taken from the
// group's first member.
func Select(replies []data.Reply) (Result, error) {
	type group struct {
		first      int
		supporters []int
	}

	groups := make(map[string]*group)
	var order []string
	for i, r := range replies {
		if !r.HasPayload() || r.ContentHash == "" {
			continue
		}
		g, ok := groups[r.ContentHash]
		if !ok {
			g = &group{first: i}
			groups[r.ContentHash] = g
			order = append(order, r.ContentHash)
		}
		g.supporters = append(g.supporters, r.WorkerUID)
	}

	if len(order) == 0 {
		return Result{}, ErrNoConsensus
	}

	best := order[0]
	for _, hash := range order[1:] {
		if len(groups[hash].supporters) > len(groups[best].supporters) {
			best = hash
		}
	}

	winner := groups[best]
	return Result{
		ContentHash: best,
		Supporters:  winner.supporters,
		Payload:     replies[winner.first].Payload,
	}, nil
}

// Supports reports whether uid is in the winning group
func (r Result) Supports(uid int) bool {
	for _, s := range r.Supporters {
		if s == uid {
			return true
		}
	}
	return false
}
