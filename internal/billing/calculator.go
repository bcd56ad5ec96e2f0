package billing

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Warning explains why a calculation was rated at zero.
type Warning string

const (
	WarningMalformedMonth Warning = "malformed_billing_month"
	WarningTariffNotFound Warning = "tariff_not_found"
	WarningEmptyTiers     Warning = "empty_tier_list"
)

var billingMonthRe = regexp.MustCompile(`^\d{4}-\d{2}$`)

// ParseBillingYear extracts the calendar year from a "YYYY-MM" token.
func ParseBillingYear(month string) (int, bool) {
	if !billingMonthRe.MatchString(month) {
		return 0, false
	}
	year, err := strconv.Atoi(month[:4])
	if err != nil {
		return 0, false
	}
	return year, true
}

// BillInput holds the five inputs of a bill calculation.
type BillInput struct {
	Usage         decimal.Decimal
	CustomerClass CustomerClass
	Sewerage      SewerageConnection
	MeterSize     float64
	BillingMonth  string
}

// Calculation is a breakdown plus the warning, if any, that forced it to zero.
type Calculation struct {
	Breakdown BillBreakdown
	Warning   Warning
}

// HasWarning reports whether the calculation degraded to the zero breakdown
// because of missing or malformed inputs.
func (c Calculation) HasWarning() bool { return c.Warning != "" }

// Calculator rates usage against the tariff returned by its resolver.
// It keeps no state between calls and is safe for concurrent use.
type Calculator struct {
	resolver TariffResolver
	log      *zap.SugaredLogger
}

// Option configures a Calculator.
type Option func(*Calculator)

// WithLogger sets the logger used for warnings.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Calculator) {
		if l != nil {
			c.log = l
		}
	}
}

// NewCalculator constructs a calculator over a resolver.
func NewCalculator(resolver TariffResolver, opts ...Option) *Calculator {
	c := &Calculator{
		resolver: resolver,
		log:      zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CalculateBill resolves the tariff for the billing month's year and rates the
// usage. Negative usage, a malformed month, a missing tariff and an empty tier
// list all yield the zero breakdown; only resolver faults return an error.
func (c *Calculator) CalculateBill(ctx context.Context, in BillInput) (Calculation, error) {
	if in.Usage.IsNegative() {
		return Calculation{Breakdown: ZeroBreakdown()}, nil
	}

	year, ok := ParseBillingYear(in.BillingMonth)
	if !ok {
		c.log.Warnw("billing: malformed billing month, rating at zero",
			"billing_month", in.BillingMonth,
			"customer_class", in.CustomerClass,
		)
		return Calculation{Breakdown: ZeroBreakdown(), Warning: WarningMalformedMonth}, nil
	}

	cfg, err := c.resolve(ctx, in.CustomerClass, year)
	if err != nil {
		if errors.Is(err, ErrTariffNotFound) {
			c.log.Warnw("billing: tariff not found, rating at zero",
				"customer_class", in.CustomerClass,
				"year", year,
				"error", err,
			)
			return Calculation{Breakdown: ZeroBreakdown(), Warning: WarningTariffNotFound}, nil
		}
		return Calculation{}, fmt.Errorf("resolve tariff %s/%d: %w", in.CustomerClass, year, err)
	}
	if len(cfg.Tiers) == 0 {
		c.log.Warnw("billing: tariff has no tiers, rating at zero",
			"customer_class", in.CustomerClass,
			"year", year,
		)
		return Calculation{Breakdown: ZeroBreakdown(), Warning: WarningEmptyTiers}, nil
	}

	return Calculation{
		Breakdown: Compute(cfg, in.Usage, in.CustomerClass, in.Sewerage, in.MeterSize),
	}, nil
}

func (c *Calculator) resolve(ctx context.Context, class CustomerClass, year int) (*TariffConfiguration, error) {
	if !class.Valid() || !ValidYear(year) {
		return nil, fmt.Errorf("%w: %q/%d", ErrTariffNotFound, class, year)
	}
	if c.resolver == nil {
		return nil, fmt.Errorf("%w: no resolver configured", ErrTariffNotFound)
	}
	cfg, err := c.resolver.Resolve(ctx, class, year)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, fmt.Errorf("%w: %s/%d", ErrTariffNotFound, class, year)
	}
	return cfg, nil
}

// Compute rates usage against an already-resolved configuration. It is a pure
// function of its arguments.
func Compute(cfg *TariffConfiguration, usage decimal.Decimal, class CustomerClass, sewerage SewerageConnection, meterSize float64) BillBreakdown {
	if cfg == nil || len(cfg.Tiers) == 0 || usage.IsNegative() {
		return ZeroBreakdown()
	}

	base := BaseCharge(cfg.Tiers, usage)

	var vat decimal.Decimal
	switch class {
	case NonDomestic:
		vat = cfg.VATRate.Mul(base)
	case Domestic:
		if usage.GreaterThan(cfg.VATUsageThreshold) {
			vat = cfg.VATRate.Mul(TaxableCharge(cfg.Tiers, usage, cfg.VATUsageThreshold))
		}
	}

	sewerageCharge := decimal.Zero
	if sewerage.Connected() {
		sewerageCharge = usage.Mul(cfg.SewerageRatePerUnit)
	}

	b := BillBreakdown{
		BaseWaterCharge: round(base),
		MaintenanceFee:  round(cfg.MaintenancePct.Mul(base)),
		SanitationFee:   round(cfg.SanitationPct.Mul(base)),
		VATAmount:       round(vat),
		MeterRent:       round(cfg.MeterRent(meterSize)),
		SewerageCharge:  round(sewerageCharge),
	}
	b.TotalBill = round(b.ComponentSum())
	return b
}

func round(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}
