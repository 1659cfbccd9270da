package snapshot

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pricewatch/internal/pricing"
)

func TestDecide(t *testing.T) {
	t.Parallel()

	prior := &pricing.Snapshot{RegularPrice: pricing.Float(10), PromoPrice: pricing.Float(8), Label: "Промо"}
	cases := []struct {
		name   string
		prior  *pricing.Snapshot
		next   pricing.Snapshot
		write  bool
		reason string
	}{
		{"first", nil, pricing.Snapshot{}, true, "first_observation"},
		{"identical", prior, *prior, false, "unchanged"},
		{"within tolerance", prior, pricing.Snapshot{RegularPrice: pricing.Float(10.004), PromoPrice: pricing.Float(8), Label: "Промо"}, false, "unchanged"},
		{"regular changed", prior, pricing.Snapshot{RegularPrice: pricing.Float(10.5), PromoPrice: pricing.Float(8), Label: "Промо"}, true, "regular_price"},
		{"promo dropped", prior, pricing.Snapshot{RegularPrice: pricing.Float(10), Label: "Промо"}, true, "promo_price"},
		{"label changed", prior, pricing.Snapshot{RegularPrice: pricing.Float(10), PromoPrice: pricing.Float(8)}, true, "label"},
		{"label whitespace", prior, pricing.Snapshot{RegularPrice: pricing.Float(10), PromoPrice: pricing.Float(8), Label: " Промо "}, false, "unchanged"},
		{"regular appears", &pricing.Snapshot{}, pricing.Snapshot{RegularPrice: pricing.Float(1)}, true, "regular_price"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := Decide(tc.prior, tc.next, DefaultTolerance)
			require.Equal(t, tc.write, got.Write)
			require.Equal(t, tc.reason, got.Reason)
		})
	}
}
