package ratelimit

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// Keyed manages one x/time/rate limiter per key.
type Keyed struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
}

// KeyedConfig holds keyed limiter configuration.
type KeyedConfig struct {
	RPS   float64
	Burst int
}

// NewKeyed creates a Keyed limiter. A non-positive RPS disables limiting.
func NewKeyed(cfg KeyedConfig) *Keyed {
	r := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Keyed{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
	}
}

// Allow reports whether an event for key may happen now.
func (l *Keyed) Allow(key string) bool {
	return l.limiter(key).Allow()
}

// Wait blocks until an event for key is permitted, respecting the context.
func (l *Keyed) Wait(ctx context.Context, key string) error {
	if err := l.limiter(key).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}

func (l *Keyed) limiter(key string) *rate.Limiter {
	if key == "" {
		key = "unknown"
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, exists := l.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[key] = limiter
	}
	return limiter
}
