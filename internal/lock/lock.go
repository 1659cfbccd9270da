// Package lock prevents two runners from executing the same pass on the same
// site at once.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrHeld is returned by Acquire when another holder owns the lock.
var ErrHeld = errors.New("lock: held by another runner")

// Locker hands out exclusive, expiring leases.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error)
}

// Lease is one held lock.
type Lease struct {
	Key     string
	token   string
	release func(ctx context.Context, key, token string) error
	once    sync.Once
}

// Release gives the lock back. Releasing twice, or after the lease expired and
// was taken by someone else, is a no-op.
func (l *Lease) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		err = l.release(ctx, l.Key, l.token)
	})
	return err
}

// Key names the lock of one pass kind on one site.
func Key(kind, site string) string {
	return fmt.Sprintf("pricewatch:lock:%s:%s", kind, site)
}

func newToken() string {
	return uuid.NewString()
}

type localEntry struct {
	token   string
	expires time.Time
}

// Local is an in-process Locker used when Redis is not configured.
type Local struct {
	mu   sync.Mutex
	held map[string]localEntry
	now  func() time.Time
}

// NewLocal returns an empty Local locker.
func NewLocal() *Local {
	return &Local{held: make(map[string]localEntry), now: time.Now}
}

// Acquire takes key for ttl or returns ErrHeld.
func (l *Local) Acquire(_ context.Context, key string, ttl time.Duration) (*Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if entry, ok := l.held[key]; ok && now.Before(entry.expires) {
		return nil, fmt.Errorf("acquire %s: %w", key, ErrHeld)
	}
	token := newToken()
	l.held[key] = localEntry{token: token, expires: now.Add(ttl)}
	return &Lease{Key: key, token: token, release: l.release}, nil
}

func (l *Local) release(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if entry, ok := l.held[key]; ok && entry.token == token {
		delete(l.held, key)
	}
	return nil
}
