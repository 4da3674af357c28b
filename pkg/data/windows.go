package data

import (
	"context"
	"time"
)

// Window bounds for the task timetable.
var (
	GenesisStart = time.Date(2021, 5, 4, 0, 0, 0, 0, time.UTC)
	WindowLength = 24 * time.Hour
)

// maxWindowsPerCall caps how many empty windows a single NextTask call may open
// before giving up until the next round.
const maxWindowsPerCall = 32

// PairSource lists the pools created inside a window. The oracle client implements it.
type PairSource interface {
	PoolsCreatedBetween(ctx context.Context, start, end time.Time) ([]TokenPair, error)
}

// nextWindow returns the window following last, or the genesis window when
// there is none. ok is false when the window has not closed yet at now.
func nextWindow(last *[2]time.Time, now time.Time) (start, end time.Time, ok bool) {
	if last == nil {
		start = GenesisStart
	} else {
		start = last[1]
	}
	end = start.Add(WindowLength)
	return start, end, !end.After(now)
}

// mergePairs appends the pairs in add that are not yet in base, keeping order.
func mergePairs(base, add []TokenPair) []TokenPair {
	seen := make(map[TokenPair]struct{}, len(base)+len(add))
	out := make([]TokenPair, 0, len(base)+len(add))
	for _, list := range [][]TokenPair{base, add} {
		for _, p := range list {
			if p.Validate() != nil {
				continue
			}
			if _, dup := seen[p]; dup {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}
