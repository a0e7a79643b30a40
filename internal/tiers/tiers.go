package tiers

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/ethereumidentitykit/ens-market-bot-sub004/internal/storage"
)

// BandsPerCategory is the fixed ladder depth.
const BandsPerCategory = 4

// ConfigurationError reports a malformed tier ladder. It is fatal at load
// time; classification never sees an invalid ladder.
type ConfigurationError struct {
	Category string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("tiers: category %q: %s", e.Category, e.Reason)
}

// Classifier resolves USD amounts to tier bands over validated ladders.
type Classifier struct {
	ladders map[string][]storage.TierBand
}

// NewClassifier groups bands by category, validates each ladder, and returns
// a ready classifier. Validation failures surface as *ConfigurationError.
func NewClassifier(bands []storage.TierBand) (*Classifier, error) {
	ladders := make(map[string][]storage.TierBand)
	for _, band := range bands {
		ladders[band.Category] = append(ladders[band.Category], band)
	}
	if len(ladders) == 0 {
		return nil, &ConfigurationError{Category: "", Reason: "no tier bands configured"}
	}

	for category, ladder := range ladders {
		sort.Slice(ladder, func(i, j int) bool { return ladder[i].Index < ladder[j].Index })
		if err := ValidateLadder(category, ladder); err != nil {
			return nil, err
		}
		ladders[category] = ladder
	}

	return &Classifier{ladders: ladders}, nil
}

// ValidateLadder checks that the bands partition [0, ∞) without gaps or
// overlaps: four bands, first lower bound zero, each upper bound equal to the
// next lower bound, top band unbounded.
func ValidateLadder(category string, ladder []storage.TierBand) error {
	if len(ladder) != BandsPerCategory {
		return &ConfigurationError{
			Category: category,
			Reason:   fmt.Sprintf("expected %d bands, got %d", BandsPerCategory, len(ladder)),
		}
	}
	if !ladder[0].MinUSD.IsZero() {
		return &ConfigurationError{
			Category: category,
			Reason:   fmt.Sprintf("first band must start at 0, starts at %s", ladder[0].MinUSD),
		}
	}

	for i, band := range ladder {
		if band.MinNative.IsNegative() {
			return &ConfigurationError{
				Category: category,
				Reason:   fmt.Sprintf("band %d has negative auto-post floor %s", i, band.MinNative),
			}
		}
		last := i == len(ladder)-1
		if last {
			if band.MaxUSD != nil {
				return &ConfigurationError{
					Category: category,
					Reason:   fmt.Sprintf("top band must be unbounded, has upper bound %s", band.MaxUSD),
				}
			}
			continue
		}
		if band.MaxUSD == nil {
			return &ConfigurationError{
				Category: category,
				Reason:   fmt.Sprintf("band %d below the top must have an upper bound", i),
			}
		}
		if band.MaxUSD.Cmp(band.MinUSD) <= 0 {
			return &ConfigurationError{
				Category: category,
				Reason:   fmt.Sprintf("band %d is empty or inverted: [%s, %s)", i, band.MinUSD, band.MaxUSD),
			}
		}
		next := ladder[i+1]
		if next.MinUSD.Cmp(*band.MaxUSD) != 0 {
			return &ConfigurationError{
				Category: category,
				Reason: fmt.Sprintf("band %d ends at %s but band %d starts at %s",
					i, band.MaxUSD, i+1, next.MinUSD),
			}
		}
	}
	return nil
}

// Classify returns the band whose [min, max) range contains the amount. A
// value equal to a boundary belongs to the higher band.
func (c *Classifier) Classify(category string, usd decimal.Decimal) (storage.TierBand, error) {
	ladder, ok := c.ladders[category]
	if !ok {
		return storage.TierBand{}, fmt.Errorf("tiers: unknown category %q", category)
	}
	for _, band := range ladder {
		if usd.Cmp(band.MinUSD) < 0 {
			break
		}
		if band.MaxUSD == nil || usd.Cmp(*band.MaxUSD) < 0 {
			return band, nil
		}
	}
	return storage.TierBand{}, fmt.Errorf("tiers: amount %s outside ladder for %q", usd, category)
}

// Categories lists the configured categories.
func (c *Classifier) Categories() []string {
	out := make([]string, 0, len(c.ladders))
	for category := range c.ladders {
		out = append(out, category)
	}
	sort.Strings(out)
	return out
}

// Bands returns a copy of one category's ladder.
func (c *Classifier) Bands(category string) ([]storage.TierBand, bool) {
	ladder, ok := c.ladders[category]
	if !ok {
		return nil, false
	}
	out := make([]storage.TierBand, len(ladder))
	copy(out, ladder)
	return out, true
}

// Eligible reports whether the sale clears its band's ETH auto-post floor.
// USD tier and ETH floor are independent checks: a high-tier sale can still
// miss the floor and stay manual-only.
func Eligible(band storage.TierBand, priceETH decimal.Decimal) bool {
	return priceETH.Cmp(band.MinNative) >= 0
}
