package booking

import (
	"fmt"
	"time"
)

// Quote is the duration-derived base price for a product and window.
type Quote struct {
	DurationHours int64
	DurationDays  int64
	PricingType   PricingType
	BaseCents     AmountCents
}

// DiscountOutcome is the result of applying (or not applying) a discount
// code to a base price. RevenueShare is captured by value onto the
// reservation so later code edits cannot change historical attribution.
type DiscountOutcome struct {
	FinalCents   AmountCents
	RevenueShare RevenueShare
	CodeApplied  bool
}

// PriceQuote computes duration tiering over a half-open window. Rentals of
// up to 24 billed hours price hourly; anything longer prices by whole days.
// The cutoff is a hard threshold, not a best-of-both comparison.
func PriceQuote(product Product, window TimeWindow) (Quote, error) {
	if window.IsZero() {
		return Quote{}, fmt.Errorf("%w: window is required", ErrInvalidTimeWindow)
	}
	durationHours := ceilHours(window.Duration())
	durationDays := ceilDivInt(durationHours, hoursPerDay)
	if durationHours <= hourlyCutoffHours {
		return Quote{
			DurationHours: durationHours,
			DurationDays:  durationDays,
			PricingType:   PricingHourly,
			BaseCents:     AmountCents(product.HourlyPriceCents.Int64() * durationHours),
		}, nil
	}
	return Quote{
		DurationHours: durationHours,
		DurationDays:  durationDays,
		PricingType:   PricingDaily,
		BaseCents:     AmountCents(product.DailyPriceCents.Int64() * durationDays),
	}, nil
}

// ApplyDiscount applies a flat 10% reduction when the code is active and
// selects the revenue share the code carries. A nil or inactive code leaves
// the price unchanged at the default platform split. The rounding is not
// idempotent, so callers evaluate exactly one code once per checkout.
func ApplyDiscount(baseCents AmountCents, code *DiscountCode) DiscountOutcome {
	if code == nil || !code.Active {
		return DiscountOutcome{
			FinalCents:   baseCents,
			RevenueShare: SharePlatform70,
			CodeApplied:  false,
		}
	}
	discounted := (baseCents.Int64()*discountNumerator + discountDenominator/2) / discountDenominator
	return DiscountOutcome{
		FinalCents:   AmountCents(discounted),
		RevenueShare: code.Kind,
		CodeApplied:  true,
	}
}

func ceilHours(duration time.Duration) int64 {
	hours := int64(duration / time.Hour)
	if duration%time.Hour != 0 {
		hours++
	}
	return hours
}

func ceilDivInt(value int64, divisor int64) int64 {
	return (value + divisor - 1) / divisor
}
