package notify

import (
	"sync"
	"time"
)

// tokenBucket is a per-user in-memory token bucket. Callers hold the
// limiter lock; the bucket itself is not goroutine safe.
type tokenBucket struct {
	tokens     float64
	lastRefill time.Time
}

// limiter caps notification volume per user.
type limiter struct {
	mu       sync.Mutex
	capacity float64
	rate     float64 // tokens per second
	buckets  map[string]*tokenBucket
}

func newLimiter(capacity int, per time.Duration) *limiter {
	if capacity <= 0 {
		capacity = 1
	}
	if per <= 0 {
		per = time.Minute
	}
	return &limiter{
		capacity: float64(capacity),
		rate:     float64(capacity) / per.Seconds(),
		buckets:  make(map[string]*tokenBucket),
	}
}

// take consumes a token for userID if one is available at now.
func (l *limiter) take(userID string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[userID]
	if !ok {
		b = &tokenBucket{tokens: l.capacity, lastRefill: now}
		l.buckets[userID] = b
	}
	if elapsed := now.Sub(b.lastRefill).Seconds(); elapsed > 0 {
		b.tokens += elapsed * l.rate
		if b.tokens > l.capacity {
			b.tokens = l.capacity
		}
		b.lastRefill = now
	}
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}
