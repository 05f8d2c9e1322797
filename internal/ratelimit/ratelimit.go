// ABOUTME: Per-connection admission control for inbound frames.
// ABOUTME: Enforces a payload size cap and a sliding-window message rate limit.

package ratelimit

import (
	"errors"
	"time"
)

// Admission errors. Both leave the connection open; the frame is simply
// not processed.
var (
	// ErrMessageTooLarge indicates the raw payload exceeded the byte cap.
	ErrMessageTooLarge = errors.New("message too large")

	// ErrRateLimited indicates the sender exceeded the per-window message ceiling.
	ErrRateLimited = errors.New("rate limited")
)

// Gate applies admission control for a single connection. It is not safe
// for concurrent use; each connection's read loop owns its own Gate.
type Gate struct {
	window   time.Duration
	maxCount int
	maxBytes int

	stamps []time.Time
	now    func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		g.now = now
	}
}

// New creates a Gate admitting at most maxCount frames per window, each at
// most maxBytes long.
func New(window time.Duration, maxCount, maxBytes int, opts ...Option) *Gate {
	g := &Gate{
		window:   window,
		maxCount: maxCount,
		maxBytes: maxBytes,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Admit records one inbound frame of the given raw size and decides whether
// it may proceed to decoding.
//
// Oversized frames are rejected before being counted. Rate-limited frames
// keep their timestamp recorded, so a sustained burst continues to fail
// until the window drains.
func (g *Gate) Admit(size int) error {
	if size > g.maxBytes {
		return ErrMessageTooLarge
	}

	now := g.now()
	cutoff := now.Add(-g.window)

	// Drop expired timestamps from the front; the slice is append-ordered.
	i := 0
	for i < len(g.stamps) && !g.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		g.stamps = append(g.stamps[:0], g.stamps[i:]...)
	}

	g.stamps = append(g.stamps, now)
	if len(g.stamps) > g.maxCount {
		return ErrRateLimited
	}
	return nil
}
