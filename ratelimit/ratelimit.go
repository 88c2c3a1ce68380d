// Package ratelimit implements the per-session admission control (C16):
// one token bucket per session, consulted on the event router's read
// path before an inbound event ever reaches the turn state machine.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiters holds one rate.Limiter per session, created lazily and
// destroyed alongside the session.
type Limiters struct {
	rps   rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New builds a Limiters set. rps and burst come from
// GATEWAY_RATE_LIMIT_RPS / GATEWAY_RATE_LIMIT_BURST.
func New(rps float64, burst int) *Limiters {
	return &Limiters{
		rps:      rate.Limit(rps),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Allow checks and consumes one token for sessionID's bucket, creating
// the bucket on first use. It is a transport-level admission decision:
// it never consults or mutates session phase, and a denial is counted
// separately from genuine InvalidState rejections.
func (l *Limiters) Allow(sessionID string) bool {
	return l.bucketFor(sessionID).Allow()
}

func (l *Limiters) bucketFor(sessionID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[sessionID]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.limiters[sessionID] = lim
	}
	return lim
}

// Destroy removes sessionID's bucket. Idempotent.
func (l *Limiters) Destroy(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, sessionID)
}
