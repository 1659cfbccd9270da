// Package ratelimit provides the per-site token bucket used by fetch clients and a
// keyed limiter guarding the API trigger endpoints.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// ErrExceedsCapacity is returned when a caller asks for more tokens than the bucket holds.
var ErrExceedsCapacity = errors.New("ratelimit: request exceeds bucket capacity")

// Bucket is a continuously refilling token bucket. Callers that find it empty
// sleep outside the lock until enough tokens have accrued.
type Bucket struct {
	mu         sync.Mutex
	rate       float64
	capacity   float64
	tokens     float64
	lastRefill time.Time

	now    func() time.Time
	onWait func(time.Duration)
}

// Option customises a Bucket.
type Option func(*Bucket)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Bucket) {
		if now != nil {
			b.now = now
		}
	}
}

// WithWaitObserver registers a callback receiving the total time each Take spent blocked.
func WithWaitObserver(fn func(time.Duration)) Option {
	return func(b *Bucket) {
		b.onWait = fn
	}
}

// NewBucket returns a full bucket refilling at rate tokens per second up to capacity.
func NewBucket(rate float64, capacity int, opts ...Option) (*Bucket, error) {
	if rate <= 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
		return nil, fmt.Errorf("ratelimit: rate must be a positive number, got %v", rate)
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("ratelimit: capacity must be > 0, got %d", capacity)
	}
	b := &Bucket{
		rate:     rate,
		capacity: float64(capacity),
		tokens:   float64(capacity),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.lastRefill = b.now()
	return b, nil
}

// Rate returns the refill rate in tokens per second.
func (b *Bucket) Rate() float64 {
	return b.rate
}

// Capacity returns the maximum number of tokens the bucket holds.
func (b *Bucket) Capacity() int {
	return int(b.capacity)
}

// Tokens returns the current token level after refilling.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return b.tokens
}

// Take blocks until n tokens are available and debits them. The only failures are
// a cancelled context and a request larger than the bucket.
func (b *Bucket) Take(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	need := float64(n)
	if need > b.capacity {
		return fmt.Errorf("take %d of %d: %w", n, int(b.capacity), ErrExceedsCapacity)
	}

	var waited time.Duration
	for {
		b.mu.Lock()
		b.refillLocked()
		if b.tokens >= need {
			b.tokens -= need
			b.mu.Unlock()
			if b.onWait != nil {
				b.onWait(waited)
			}
			return nil
		}
		deficit := need - b.tokens
		b.mu.Unlock()

		wait := time.Duration(deficit / b.rate * float64(time.Second))
		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		if err := sleep(ctx, wait); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
		waited += wait
	}
}

func (b *Bucket) refillLocked() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.rate)
	b.lastRefill = now
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
