package limits

import (
	"golang.org/x/time/rate"
)

// ConnGuard throttles the accept loop with a token bucket so a misbehaving
// client cannot starve the listener. All traffic is loopback, so a single
// global limiter suffices; there is no per-IP dimension to protect.
type ConnGuard struct {
	limiter *rate.Limiter
}

// NewConnGuard allows connsPerSec sustained accepts with an equal burst.
func NewConnGuard(connsPerSec int) *ConnGuard {
	return &ConnGuard{
		limiter: rate.NewLimiter(rate.Limit(connsPerSec), connsPerSec),
	}
}

// Allow reports whether one more connection may be accepted now.
func (g *ConnGuard) Allow() bool {
	return g.limiter.Allow()
}
