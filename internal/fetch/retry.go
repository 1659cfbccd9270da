package fetch

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// RetryPolicy is the plain-data description of how a fetch is retried.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
}

// DefaultRetryPolicy returns three attempts; the first retry waits 0.6s to 0.8s
// and no wait exceeds 2.2s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Base:        800 * time.Millisecond,
		Max:         2200 * time.Millisecond,
	}
}

// Attempts returns the number of attempts, at least one.
func (p RetryPolicy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Backoff returns the wait before the attempt following attempt (1-based): an
// exponentially growing ceiling capped at Max, of which the lower three quarters
// are fixed and the top quarter jittered.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.Base) * math.Pow(2, float64(attempt-1))
	if p.Max > 0 && delay > float64(p.Max) {
		delay = float64(p.Max)
	}
	ceiling := time.Duration(delay)
	floor := ceiling * 3 / 4
	return floor + randomJitter(ceiling-floor)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
