// Package fetch implements the rate- and concurrency-limited HTTP client shared by
// the site adapters.
package fetch

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound reports a 404 or 410 from the competitor site. It is never retried.
	ErrNotFound = errors.New("fetch: not found")
	// ErrTransient marks failures that were retried and may succeed later.
	ErrTransient = errors.New("fetch: transient failure")
	// ErrBlocked is returned by transports that refuse a URL before sending it.
	ErrBlocked = errors.New("fetch: request blocked")
)

// FetchError describes a failed fetch after the retry policy gave up.
type FetchError struct {
	URL        string
	StatusCode int
	Attempts   int
	Transient  bool
	Err        error
}

func (e *FetchError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("fetch %s: status %d after %d attempt(s): %v", e.URL, e.StatusCode, e.Attempts, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("fetch %s: status %d after %d attempt(s)", e.URL, e.StatusCode, e.Attempts)
	default:
		return fmt.Sprintf("fetch %s: after %d attempt(s): %v", e.URL, e.Attempts, e.Err)
	}
}

// Unwrap exposes the underlying transport error.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrTransient) classify retried failures.
func (e *FetchError) Is(target error) bool {
	return target == ErrTransient && e.Transient
}
