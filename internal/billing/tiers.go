package billing

import "github.com/shopspring/decimal"

// walkTiers consumes usage through the tiers from the lowest band up and calls
// fn with each tier, the usage value where that band starts, and how many
// units were billed in it. The walk stops once usage is exhausted.
func walkTiers(tiers []TariffTier, usage decimal.Decimal, fn func(t TariffTier, start, consumed decimal.Decimal)) {
	remaining := usage
	prev := decimal.Zero
	for _, t := range tiers {
		if !remaining.IsPositive() {
			return
		}
		consumed := remaining
		limit, bounded := t.Limit.Value()
		if bounded {
			width := limit.Sub(prev)
			if !width.IsPositive() {
				continue
			}
			consumed = decimal.Min(remaining, width)
		}
		fn(t, prev, consumed)
		remaining = remaining.Sub(consumed)
		if bounded {
			prev = limit
		}
	}
}

// BaseCharge is the progressive (marginal) water charge: the first units are
// always priced at the first tier's rate, the next block at the second, and so on.
func BaseCharge(tiers []TariffTier, usage decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	walkTiers(tiers, usage, func(t TariffTier, _, consumed decimal.Decimal) {
		total = total.Add(t.Rate.Mul(consumed))
	})
	return total
}

// TaxableCharge is the part of the base charge earned on units above
// threshold: for each tier, the overlap of [start, start+consumed) with
// [threshold, threshold+usage) priced at that tier's rate.
func TaxableCharge(tiers []TariffTier, usage, threshold decimal.Decimal) decimal.Decimal {
	taxable := decimal.Zero
	taxEnd := threshold.Add(usage)
	walkTiers(tiers, usage, func(t TariffTier, start, consumed decimal.Decimal) {
		lo := decimal.Max(start, threshold)
		hi := decimal.Min(start.Add(consumed), taxEnd)
		if hi.GreaterThan(lo) {
			taxable = taxable.Add(t.Rate.Mul(hi.Sub(lo)))
		}
	})
	return taxable
}
