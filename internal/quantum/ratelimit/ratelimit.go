// Package ratelimit provides admission control for traffic entering a
// quantum connection, independent of and upstream from the pacer's own
// per-packet release-time bookkeeping. Where the pacer spreads packets
// already accepted onto the wire, ratelimit decides whether a write should
// be accepted into the send queue at all.
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Admission gates writes using a token-bucket limiter.
type Admission struct {
	limiter *rate.Limiter
}

// New creates an Admission controller allowing up to bytesPerSecond
// sustained, with a burst allowance of burstBytes.
func New(bytesPerSecond int, burstBytes int) *Admission {
	return &Admission{
		limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), burstBytes),
	}
}

// Allow reports whether n bytes may be admitted right now, without
// blocking.
func (a *Admission) Allow(n int) bool {
	return a.limiter.AllowN(time.Now(), n)
}

// Wait blocks until n bytes may be admitted, or ctx is done.
func (a *Admission) Wait(ctx context.Context, n int) error {
	return a.limiter.WaitN(ctx, n)
}

// SetLimit adjusts the sustained admission rate in bytes/sec.
func (a *Admission) SetLimit(bytesPerSecond int) {
	a.limiter.SetLimit(rate.Limit(bytesPerSecond))
}
