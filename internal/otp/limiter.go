package otp

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is a per-key token bucket. A zero or negative burst disables limiting.
type Limiter struct {
	mu      sync.Mutex
	m       map[string]*rate.Limiter
	every   rate.Limit
	burst   int
	nowF    func() time.Time
	sweepAt int
}

// NewLimiter allows burst events per key, refilling one token every interval.
func NewLimiter(burst int, interval time.Duration) *Limiter {
	every := rate.Inf
	if interval > 0 {
		every = rate.Every(interval)
	}
	return &Limiter{
		m:       make(map[string]*rate.Limiter),
		every:   every,
		burst:   burst,
		nowF:    time.Now,
		sweepAt: 1024,
	}
}

// Allow consumes one token for key and reports whether it was available.
func (l *Limiter) Allow(key string) bool {
	if l == nil || l.burst <= 0 {
		return true
	}
	now := l.nowF()
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.m[key]
	if !ok {
		if len(l.m) >= l.sweepAt {
			l.sweepLocked(now)
		}
		lim = rate.NewLimiter(l.every, l.burst)
		l.m[key] = lim
	}
	return lim.AllowN(now, 1)
}

// Forget drops the bucket for key, e.g. after a successful verification.
func (l *Limiter) Forget(key string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	delete(l.m, key)
	l.mu.Unlock()
}

// sweepLocked removes buckets that have fully refilled; they carry no state.
func (l *Limiter) sweepLocked(now time.Time) {
	for k, lim := range l.m {
		if lim.TokensAt(now) >= float64(l.burst) {
			delete(l.m, k)
		}
	}
	if len(l.m) >= l.sweepAt {
		l.sweepAt *= 2
	}
}
