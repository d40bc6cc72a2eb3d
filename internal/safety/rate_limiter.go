package safety

import (
	"context"
	"sync"
	"time"
)

// RateLimiter implements token bucket rate limiting
type RateLimiter struct {
	capacity   float64    // Maximum number of tokens
	tokens     float64    // Current number of tokens
	refillRate float64    // Tokens added per second
	lastRefill time.Time  // Last time tokens were added
	mutex      sync.Mutex // Protects token count
	name       string
	now        func() time.Time
}

// NewRateLimiter creates a new rate limiter. now may be nil.
func NewRateLimiter(name string, capacity, refillRate int, now func() time.Time) *RateLimiter {
	if now == nil {
		now = time.Now
	}
	if capacity <= 0 {
		capacity = 1
	}
	if refillRate <= 0 {
		refillRate = 1
	}
	return &RateLimiter{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		refillRate: float64(refillRate),
		lastRefill: now(),
		name:       name,
		now:        now,
	}
}

// Allow checks if an operation is allowed under the rate limit
func (rl *RateLimiter) Allow() bool {
	return rl.AllowN(1)
}

// AllowN checks if N operations are allowed under the rate limit
func (rl *RateLimiter) AllowN(n int) bool {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	rl.refillTokens()

	if rl.tokens >= float64(n) {
		rl.tokens -= float64(n)
		return true
	}
	return false
}

// Wait waits until an operation is allowed
func (rl *RateLimiter) Wait(ctx context.Context) error {
	return rl.WaitN(ctx, 1)
}

// WaitN waits until N operations are allowed
func (rl *RateLimiter) WaitN(ctx context.Context, n int) error {
	for {
		if rl.AllowN(n) {
			return nil
		}

		timer := time.NewTimer(rl.calculateWaitTime(n))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (rl *RateLimiter) refillTokens() {
	now := rl.now()
	elapsed := now.Sub(rl.lastRefill)
	if elapsed <= 0 {
		return
	}

	rl.tokens += elapsed.Seconds() * rl.refillRate
	if rl.tokens > rl.capacity {
		rl.tokens = rl.capacity
	}
	rl.lastRefill = now
}

func (rl *RateLimiter) calculateWaitTime(n int) time.Duration {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	rl.refillTokens()

	if rl.tokens >= float64(n) {
		return 0
	}

	secondsToWait := (float64(n) - rl.tokens) / rl.refillRate
	return time.Duration(secondsToWait*float64(time.Second)) + 5*time.Millisecond
}

// GetStats returns current statistics about the rate limiter
func (rl *RateLimiter) GetStats() RateLimiterStats {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	rl.refillTokens()

	return RateLimiterStats{
		Name:       rl.name,
		Capacity:   int(rl.capacity),
		Tokens:     int(rl.tokens),
		RefillRate: int(rl.refillRate),
		LastRefill: rl.lastRefill,
	}
}

// RateLimiterStats holds statistics about a rate limiter
type RateLimiterStats struct {
	Name       string
	Capacity   int
	Tokens     int
	RefillRate int
	LastRefill time.Time
}

// RateLimiterManager keeps one limiter per venue
type RateLimiterManager struct {
	limiters   map[string]*RateLimiter
	capacity   int
	refillRate int
	now        func() time.Time
	mutex      sync.RWMutex
}

// NewRateLimiterManager creates a manager whose limiters share one budget shape
func NewRateLimiterManager(capacity, refillRate int, now func() time.Time) *RateLimiterManager {
	return &RateLimiterManager{
		limiters:   make(map[string]*RateLimiter),
		capacity:   capacity,
		refillRate: refillRate,
		now:        now,
	}
}

// For gets an existing rate limiter or creates a new one
func (rlm *RateLimiterManager) For(name string) *RateLimiter {
	rlm.mutex.RLock()
	if rl, exists := rlm.limiters[name]; exists {
		rlm.mutex.RUnlock()
		return rl
	}
	rlm.mutex.RUnlock()

	rlm.mutex.Lock()
	defer rlm.mutex.Unlock()

	if rl, exists := rlm.limiters[name]; exists {
		return rl
	}

	rl := NewRateLimiter(name, rlm.capacity, rlm.refillRate, rlm.now)
	rlm.limiters[name] = rl
	return rl
}

// GetStats returns statistics for all rate limiters
func (rlm *RateLimiterManager) GetStats() []RateLimiterStats {
	rlm.mutex.RLock()
	defer rlm.mutex.RUnlock()

	stats := make([]RateLimiterStats, 0, len(rlm.limiters))
	for _, rl := range rlm.limiters {
		stats = append(stats, rl.GetStats())
	}
	return stats
}
