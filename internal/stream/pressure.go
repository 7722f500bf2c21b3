// SPDX-License-Identifier: MIT

package stream

import (
	"time"
)

// Verdict is the guard's decision for one tick.
type Verdict int

const (
	// VerdictSend means the frame may be written.
	VerdictSend Verdict = iota
	// VerdictSkip means the consumer is saturated; drop this frame.
	VerdictSkip
	// VerdictPause means saturation has persisted and the stream
	// should auto-pause.
	VerdictPause
)

// Guard decides per tick whether a frame may be written to a socket.
// A tick with more buffered bytes than the limit is a strike; enough
// strikes inside the window auto-pause the stream instead of letting
// the kernel buffer the simulation into the past.
type Guard struct {
	maxStrikes int
	window     time.Duration
	strikes    []time.Time
}

// NewGuard builds a guard for one stream.
func NewGuard(maxStrikes int, window time.Duration) *Guard {
	return &Guard{maxStrikes: maxStrikes, window: window}
}

// Check inspects the consumer's buffered bytes before a write. limit
// is the buffered-byte ceiling of the consumer's transport.
func (g *Guard) Check(buffered, limit int, now time.Time) Verdict {
	if buffered <= limit {
		return VerdictSend
	}

	cutoff := now.Add(-g.window)
	kept := g.strikes[:0]
	for _, t := range g.strikes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	g.strikes = append(kept, now)

	if len(g.strikes) >= g.maxStrikes {
		g.strikes = g.strikes[:0]
		return VerdictPause
	}
	return VerdictSkip
}

// Reset clears accumulated strikes, for resume after a manual pause.
func (g *Guard) Reset() {
	g.strikes = g.strikes[:0]
}
