package snapshot

import (
	"math"
	"strings"

	"github.com/JakeFAU/pricewatch/internal/pricing"
)

// DefaultTolerance is the price delta below which two prices are considered equal.
const DefaultTolerance = 0.005

// Decision reports whether an observation must be written and which rule decided.
type Decision struct {
	Write  bool
	Reason string
}

type changeRule struct {
	reason  string
	changed func(prior *pricing.Snapshot, next pricing.Snapshot, tolerance float64) bool
}

// changeRules are evaluated in order; the first that fires decides a write.
var changeRules = []changeRule{
	{
		reason: "first_observation",
		changed: func(prior *pricing.Snapshot, _ pricing.Snapshot, _ float64) bool {
			return prior == nil
		},
	},
	{
		reason: "regular_price",
		changed: func(prior *pricing.Snapshot, next pricing.Snapshot, tol float64) bool {
			return pricesDiffer(prior.RegularPrice, next.RegularPrice, tol)
		},
	},
	{
		reason: "promo_price",
		changed: func(prior *pricing.Snapshot, next pricing.Snapshot, tol float64) bool {
			return pricesDiffer(prior.PromoPrice, next.PromoPrice, tol)
		},
	},
	{
		reason: "label",
		changed: func(prior *pricing.Snapshot, next pricing.Snapshot, _ float64) bool {
			return strings.TrimSpace(prior.Label) != strings.TrimSpace(next.Label)
		},
	},
}

// Decide applies the change rules to an observation against the latest stored
// snapshot (nil when the key has never been observed).
func Decide(prior *pricing.Snapshot, next pricing.Snapshot, tolerance float64) Decision {
	for _, rule := range changeRules {
		if rule.changed(prior, next, tolerance) {
			return Decision{Write: true, Reason: rule.reason}
		}
	}
	return Decision{Reason: "unchanged"}
}

// pricesDiffer treats a nil/non-nil transition as a difference.
func pricesDiffer(a, b *float64, tolerance float64) bool {
	switch {
	case a == nil && b == nil:
		return false
	case a == nil || b == nil:
		return true
	default:
		return math.Abs(*a-*b) > tolerance
	}
}
