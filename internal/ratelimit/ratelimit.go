// Package ratelimit provides per-identity token bucket rate limiting for
// visitor messages, admin API calls and login code verification.
//
// Buckets refill lazily from the injected Clock when they are consulted;
// there is no background refill timer.
package ratelimit

import (
	"math"
	"sync"
	"time"

	"github.com/real-rm/supportdesk/internal/metrics"
)

// Clock is the time source used by limiters and the session authority
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock
type SystemClock struct{}

// Now returns time.Now()
func (SystemClock) Now() time.Time { return time.Now() }

// Family describes one class of buckets
type Family struct {
	Name  string
	Rate  float64 // tokens per second
	Burst float64
}

// PerWindow builds a family permitting n events per window, refilling evenly
func PerWindow(name string, n int, window time.Duration) Family {
	return Family{Name: name, Rate: float64(n) / window.Seconds(), Burst: float64(n)}
}

// Bucket is the state kept for a single identity. 0 <= tokens <= Burst.
type Bucket struct {
	tokens     float64
	lastRefill time.Time
	lastAccess time.Time
}

// Limiter holds one bucket per identity for a single family
type Limiter struct {
	family  Family
	clock   Clock
	buckets map[string]*Bucket
	mu      sync.Mutex

	// Cleanup goroutine management
	stopCleanup chan struct{}
	cleanupOnce sync.Once
	cleanupWg   sync.WaitGroup
}

// NewLimiter creates a limiter for the family. A nil clock uses SystemClock.
func NewLimiter(family Family, clock Clock) *Limiter {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Limiter{
		family:      family,
		clock:       clock,
		buckets:     make(map[string]*Bucket),
		stopCleanup: make(chan struct{}),
	}
}

// Family returns the limiter's configuration
func (l *Limiter) Family() Family {
	return l.family
}

// refill must be called with l.mu held
func (l *Limiter) refill(identity string, now time.Time) *Bucket {
	b, ok := l.buckets[identity]
	if !ok {
		b = &Bucket{tokens: l.family.Burst, lastRefill: now}
		l.buckets[identity] = b
	}

	if elapsed := now.Sub(b.lastRefill).Seconds(); elapsed > 0 {
		b.tokens = math.Min(l.family.Burst, b.tokens+elapsed*l.family.Rate)
		b.lastRefill = now
	}
	b.lastAccess = now
	return b
}

// Allow deducts one token for identity
func (l *Limiter) Allow(identity string) bool {
	return l.AllowN(identity, 1)
}

// AllowN deducts weight tokens if available. It never deducts on refusal.
func (l *Limiter) AllowN(identity string, weight float64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.refill(identity, l.clock.Now())
	if b.tokens >= weight {
		b.tokens -= weight
		return true
	}

	metrics.RateLimitDenials.WithLabelValues(l.family.Name).Inc()
	return false
}

// RetryAfter returns how long until one token is available for identity
func (l *Limiter) RetryAfter(identity string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.refill(identity, l.clock.Now())
	if b.tokens >= 1 || l.family.Rate <= 0 {
		return 0
	}
	missing := 1 - b.tokens
	return time.Duration(math.Ceil(missing / l.family.Rate * float64(time.Second)))
}

// Tokens reports the current token count for identity after refilling
func (l *Limiter) Tokens(identity string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refill(identity, l.clock.Now()).tokens
}

// Reset forgets identity; its next request sees a full bucket
func (l *Limiter) Reset(identity string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, identity)
}

// Len returns the number of tracked identities
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Cleanup removes buckets untouched for maxIdle and returns how many were removed.
// A recreated bucket starts full, the same state an idle bucket would refill to.
func (l *Limiter) Cleanup(maxIdle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.clock.Now().Add(-maxIdle)
	removed := 0
	for id, b := range l.buckets {
		if b.lastAccess.Before(cutoff) {
			delete(l.buckets, id)
			removed++
		}
	}
	return removed
}

// StartCleanup periodically evicts buckets idle for longer than maxIdle
func (l *Limiter) StartCleanup(interval, maxIdle time.Duration) {
	l.cleanupWg.Add(1)
	go func() {
		defer l.cleanupWg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				l.Cleanup(maxIdle)
			case <-l.stopCleanup:
				return
			}
		}
	}()
}

// StopCleanup stops the cleanup goroutine and waits for it to finish
func (l *Limiter) StopCleanup() {
	l.cleanupOnce.Do(func() {
		close(l.stopCleanup)
	})
	l.cleanupWg.Wait()
}
