// Package ratelimit throttles caller requests per owner.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter keeps one token bucket per owner
type Limiter struct {
	limiters map[string]*entry
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	perHour  int
	now      func() time.Time
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLimiter allows requestsPerHour per owner with bursts up to burst
func NewLimiter(requestsPerHour int, burst int) *Limiter {
	return &Limiter{
		limiters: make(map[string]*entry),
		rate:     rate.Limit(float64(requestsPerHour) / 3600.0),
		burst:    burst,
		perHour:  requestsPerHour,
		now:      time.Now,
	}
}

func (l *Limiter) get(ownerID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.limiters[ownerID]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[ownerID] = e
	}
	e.lastSeen = l.now()
	return e.limiter
}

// Allow reports whether ownerID may make another request now
func (l *Limiter) Allow(ownerID string) bool {
	return l.get(ownerID).AllowN(l.now(), 1)
}

// Remaining returns the whole tokens ownerID has left
func (l *Limiter) Remaining(ownerID string) int {
	return int(l.get(ownerID).TokensAt(l.now()))
}

// Limit is the configured hourly allowance
func (l *Limiter) Limit() int {
	return l.perHour
}

// Prune forgets owners idle for longer than idle and returns how many
// were dropped. A forgotten owner starts again with a full bucket.
func (l *Limiter) Prune(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-idle)
	dropped := 0
	for owner, e := range l.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(l.limiters, owner)
			dropped++
		}
	}
	return dropped
}
