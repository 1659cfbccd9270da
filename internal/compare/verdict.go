package compare

import "github.com/JakeFAU/pricewatch/internal/pricing"

// Verdict classifies a competitor's effective price against ours.
type Verdict string

const (
	// VerdictUnobserved means either side has no effective price.
	VerdictUnobserved Verdict = "unobserved"
	// VerdictCheaper means the competitor sells below our price.
	VerdictCheaper Verdict = "cheaper"
	// VerdictPricier means the competitor sells above our price.
	VerdictPricier Verdict = "pricier"
	// VerdictEqual means the prices are within tolerance.
	VerdictEqual Verdict = "equal"
)

type verdictRule struct {
	verdict Verdict
	applies func(ours, theirs *float64, tolerance float64) bool
}

var verdictRules = []verdictRule{
	{VerdictUnobserved, func(ours, theirs *float64, _ float64) bool { return ours == nil || theirs == nil }},
	{VerdictCheaper, func(ours, theirs *float64, tol float64) bool { return *theirs-*ours < -tol }},
	{VerdictPricier, func(ours, theirs *float64, tol float64) bool { return *theirs-*ours > tol }},
	{VerdictEqual, func(*float64, *float64, float64) bool { return true }},
}

// Assess returns the competitor minus ours difference of effective prices (nil
// when either is unknown) and the first verdict rule that applies.
func Assess(ours, theirs *float64, tolerance float64) (*float64, Verdict) {
	for _, rule := range verdictRules {
		if !rule.applies(ours, theirs, tolerance) {
			continue
		}
		if rule.verdict == VerdictUnobserved {
			return nil, rule.verdict
		}
		return pricing.Float(*theirs - *ours), rule.verdict
	}
	return nil, VerdictUnobserved
}
