package auth

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"k8s.io/utils/clock"
)

// limiterIdle is how long an address may go without a login attempt
// before its limiter is discarded.
const limiterIdle = 10 * time.Minute

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// LoginLimiter throttles login attempts per client IP. A nil
// *LoginLimiter allows everything.
type LoginLimiter struct {
	mu      sync.Mutex
	perMin  int
	clock   clock.PassiveClock
	clients map[string]*ipLimiter
}

// NewLoginLimiter allows perMinute attempts per address, with the same
// burst. A non-positive perMinute returns nil, disabling the limit.
func NewLoginLimiter(perMinute int, clk clock.PassiveClock) *LoginLimiter {
	if perMinute <= 0 {
		return nil
	}

	if clk == nil {
		clk = clock.RealClock{}
	}

	return &LoginLimiter{
		perMin:  perMinute,
		clock:   clk,
		clients: make(map[string]*ipLimiter),
	}
}

// Allow reports whether ip may attempt a login now.
func (l *LoginLimiter) Allow(ip string) bool {
	if l == nil {
		return true
	}

	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.clients[ip]
	if !ok {
		c = &ipLimiter{limiter: rate.NewLimiter(rate.Limit(float64(l.perMin)/60), l.perMin)}
		l.clients[ip] = c
	}

	c.lastSeen = now

	return c.limiter.AllowN(now, 1)
}

// Prune drops limiters for addresses idle longer than limiterIdle.
func (l *LoginLimiter) Prune(_ context.Context) (int, error) {
	if l == nil {
		return 0, nil
	}

	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0

	for ip, c := range l.clients {
		if now.Sub(c.lastSeen) > limiterIdle {
			delete(l.clients, ip)
			removed++
		}
	}

	return removed, nil
}
