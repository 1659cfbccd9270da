package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBucketValidates(t *testing.T) {
	t.Parallel()

	_, err := NewBucket(0, 1)
	require.Error(t, err)
	_, err = NewBucket(1, 0)
	require.Error(t, err)

	b, err := NewBucket(2.5, 4)
	require.NoError(t, err)
	require.InDelta(t, 4, b.Tokens(), 0.001)
	require.Equal(t, 4, b.Capacity())
}

func TestBucketNeverExceedsCapacity(t *testing.T) {
	t.Parallel()

	now := time.Unix(0, 0)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	b, err := NewBucket(10, 3, WithClock(clock))
	require.NoError(t, err)

	require.NoError(t, b.Take(context.Background(), 3))
	require.InDelta(t, 0, b.Tokens(), 0.001)

	mu.Lock()
	now = now.Add(time.Hour)
	mu.Unlock()
	require.InDelta(t, 3, b.Tokens(), 0.001)
}

func TestBucketNeverNegativeUnderContention(t *testing.T) {
	t.Parallel()

	b, err := NewBucket(200, 5)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, b.Take(context.Background(), 1))
			tokens := b.Tokens()
			assert.GreaterOrEqual(t, tokens, 0.0)
			assert.LessOrEqual(t, tokens, 5.0)
		}()
	}
	wg.Wait()
}

func TestBucketRateConformance(t *testing.T) {
	t.Parallel()

	const (
		rate     = 50.0
		capacity = 5
		takes    = 15
	)
	b, err := NewBucket(rate, capacity)
	require.NoError(t, err)

	start := time.Now()
	for i := 0; i < takes; i++ {
		require.NoError(t, b.Take(context.Background(), 1))
	}
	elapsed := time.Since(start)

	minimum := time.Duration(float64(takes-capacity) / rate * float64(time.Second))
	require.GreaterOrEqual(t, elapsed, minimum-10*time.Millisecond)
}

func TestBucketTakeHonoursCancellation(t *testing.T) {
	t.Parallel()

	b, err := NewBucket(0.01, 1)
	require.NoError(t, err)
	require.NoError(t, b.Take(context.Background(), 1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = b.Take(ctx, 1)
	require.Error(t, err)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
	require.GreaterOrEqual(t, b.Tokens(), 0.0)
}

func TestBucketRejectsOversizedTake(t *testing.T) {
	t.Parallel()

	b, err := NewBucket(1, 2)
	require.NoError(t, err)
	require.ErrorIs(t, b.Take(context.Background(), 3), ErrExceedsCapacity)
}

func TestBucketReportsWait(t *testing.T) {
	t.Parallel()

	var waits []time.Duration
	var mu sync.Mutex
	b, err := NewBucket(100, 1, WithWaitObserver(func(d time.Duration) {
		mu.Lock()
		waits = append(waits, d)
		mu.Unlock()
	}))
	require.NoError(t, err)

	require.NoError(t, b.Take(context.Background(), 1))
	require.NoError(t, b.Take(context.Background(), 1))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, waits, 2)
	require.Zero(t, waits[0])
	require.Greater(t, waits[1], time.Duration(0))
}
