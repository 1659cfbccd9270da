package adapter

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/pricewatch/internal/pricing"
)

var (
	// ErrUnknownAdapter is returned when no adapter is registered for a site code.
	ErrUnknownAdapter = errors.New("adapter: no adapter registered for site")
	// ErrDuplicateAdapter is returned when a site code is registered twice.
	ErrDuplicateAdapter = errors.New("adapter: site already registered")
)

// DefaultLimits returns the built-in politeness budget for a known site code.
func DefaultLimits(code string) Limits {
	switch code {
	case MashiniBGCode:
		return Limits{Rate: 0.8, Burst: 2, Concurrency: 4}
	default:
		return Limits{Rate: 1.5, Burst: 3, Concurrency: 8}
	}
}

// Build constructs the adapter for a known site code.
func Build(code string, deps Deps) (pricing.SiteAdapter, error) {
	var (
		a   pricing.SiteAdapter
		err error
	)
	switch code {
	case PraktikerCode:
		a, err = NewPraktiker(deps)
	case MrBricolageCode:
		a, err = NewMrBricolage(deps)
	case MashiniBGCode:
		a, err = NewMashiniBG(deps)
	default:
		return nil, fmt.Errorf("build %q: %w", code, ErrUnknownAdapter)
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

type entry struct {
	adapter pricing.SiteAdapter
	limits  Limits
}

// Registry owns the adapter instances of a process, one per site code.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]entry
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]entry)}
}

// Register adds a under its site code.
func (r *Registry) Register(a pricing.SiteAdapter, limits Limits) error {
	if a == nil {
		return errors.New("adapter: nil adapter")
	}
	code := a.SiteCode()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[code]; exists {
		return fmt.Errorf("register %q: %w", code, ErrDuplicateAdapter)
	}
	r.adapters[code] = entry{adapter: a, limits: limits}
	return nil
}

// Get returns the adapter for code.
func (r *Registry) Get(code string) (pricing.SiteAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.adapters[code]
	if !ok {
		return nil, fmt.Errorf("get %q: %w", code, ErrUnknownAdapter)
	}
	return e.adapter, nil
}

// Limits returns the limits the adapter for code was registered with.
func (r *Registry) Limits(code string) (Limits, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.adapters[code]
	if !ok {
		return Limits{}, fmt.Errorf("limits %q: %w", code, ErrUnknownAdapter)
	}
	return e.limits, nil
}

// Codes lists the registered site codes in order.
func (r *Registry) Codes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	codes := make([]string, 0, len(r.adapters))
	for code := range r.adapters {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}
