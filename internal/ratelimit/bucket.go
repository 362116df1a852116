// Package ratelimit provides the deterministic token bucket used to bound
// per-connection message rates on the hub.
package ratelimit

import (
	"sync"
	"time"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// nanoPerToken is the fixed-point scale: one token is 1e9 nano-tokens, so a
// refill rate of X tokens/sec adds X nano-tokens per elapsed nanosecond.
const nanoPerToken = int64(time.Second)

// Bucket is a token bucket refilling at an integer tokens/sec rate. It uses
// fixed-point arithmetic to avoid float rounding drift.
type Bucket struct {
	clock    Clock
	capacity int64 // tokens
	rate     int64 // tokens/sec

	mu        sync.Mutex
	available int64 // nano-tokens
	last      time.Time
}

func NewBucket(clock Clock, capacity, rate int64) *Bucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacity < 0 {
		capacity = 0
	}
	if rate < 0 {
		rate = 0
	}
	return &Bucket{
		clock:     clock,
		capacity:  capacity,
		rate:      rate,
		available: capacity * nanoPerToken,
		last:      clock.Now(),
	}
}

// Allow consumes n tokens if available. n <= 0 always succeeds.
func (b *Bucket) Allow(n int64) bool {
	if n <= 0 {
		return true
	}
	cost := n * nanoPerToken

	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	if b.available < cost {
		return false
	}
	b.available -= cost
	return true
}

func (b *Bucket) refill() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Clock went backwards; re-anchor without refilling.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Nanoseconds()
	b.last = now
	if elapsed <= 0 || b.rate <= 0 {
		return
	}

	max := b.capacity * nanoPerToken
	need := max - b.available
	if need <= 0 {
		b.available = max
		return
	}
	// Clamp before multiplying so a long idle period cannot overflow.
	if elapsed >= need/b.rate {
		b.available = max
		return
	}
	b.available += elapsed * b.rate
}
