package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrTariffNotFound is the NotFound signal of a TariffResolver.
	ErrTariffNotFound = errors.New("tariff not found")
	// ErrInvalidTariff is returned by TariffConfiguration.Validate.
	ErrInvalidTariff = errors.New("invalid tariff configuration")
)

// TariffResolver looks up the configuration in force for a class and year.
//
// Implementations return an error wrapping ErrTariffNotFound when no usable
// configuration exists (absent, undecodable or empty tier list). Any other
// error is treated as an infrastructure fault by the calculator.
type TariffResolver interface {
	Resolve(ctx context.Context, class CustomerClass, year int) (*TariffConfiguration, error)
}

// ResolverFunc adapts a function to the TariffResolver interface.
type ResolverFunc func(ctx context.Context, class CustomerClass, year int) (*TariffConfiguration, error)

func (f ResolverFunc) Resolve(ctx context.Context, class CustomerClass, year int) (*TariffConfiguration, error) {
	return f(ctx, class, year)
}

// ValidYear reports whether year is a 4-digit calendar year.
func ValidYear(year int) bool {
	return year >= 1000 && year <= 9999
}

// TierLimit is the upper bound of a tier: either a positive bounded limit or
// unbounded. The zero value is a bounded limit of 0 and never passes Validate.
type TierLimit struct {
	value     decimal.Decimal
	unbounded bool
}

// Bounded returns a limit at the given usage value.
func Bounded(limit decimal.Decimal) TierLimit {
	return TierLimit{value: limit}
}

// Unbounded returns the limit of the last tier.
func Unbounded() TierLimit {
	return TierLimit{unbounded: true}
}

// IsUnbounded reports whether the tier has no upper bound.
func (l TierLimit) IsUnbounded() bool { return l.unbounded }

// Value returns the bound and true, or zero and false when unbounded.
func (l TierLimit) Value() (decimal.Decimal, bool) {
	if l.unbounded {
		return decimal.Zero, false
	}
	return l.value, true
}

func (l TierLimit) String() string {
	if l.unbounded {
		return "unbounded"
	}
	return l.value.String()
}

// ParseTierLimit reads a limit from its text form. Empty, "unbounded",
// "infinity", "inf" and ".inf" all mean unbounded.
func ParseTierLimit(s string) (TierLimit, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "unbounded", "infinity", "+infinity", "inf", ".inf", "null":
		return Unbounded(), nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return TierLimit{}, fmt.Errorf("tier limit %q: %w", s, err)
	}
	return Bounded(d), nil
}

func (l TierLimit) MarshalJSON() ([]byte, error) {
	if l.unbounded {
		return []byte(`"unbounded"`), nil
	}
	return []byte(l.value.String()), nil
}

func (l *TierLimit) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		*l = Unbounded()
		return nil
	}
	if unq, err := strconv.Unquote(raw); err == nil {
		raw = unq
	}
	parsed, err := ParseTierLimit(raw)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// TariffTier prices the usage band between the previous tier's limit and Limit.
type TariffTier struct {
	Rate  decimal.Decimal `json:"rate"`
	Limit TierLimit       `json:"limit"`
}

// TariffConfiguration is the rate schedule for one customer class and year.
// It is read-only once handed to a calculation.
type TariffConfiguration struct {
	CustomerClass        CustomerClass              `json:"customer_class"`
	Year                 int                        `json:"year"`
	Tiers                []TariffTier               `json:"tiers"`
	MaintenancePct       decimal.Decimal            `json:"maintenance_pct"`
	SanitationPct        decimal.Decimal            `json:"sanitation_pct"`
	SewerageRatePerUnit  decimal.Decimal            `json:"sewerage_rate_per_unit"`
	MeterRentByMeterSize map[string]decimal.Decimal `json:"meter_rent_by_meter_size"`
	VATRate              decimal.Decimal            `json:"vat_rate"`
	VATUsageThreshold    decimal.Decimal            `json:"vat_usage_threshold"`
}

// MeterSizeKey is the canonical string form of a meter size used as the key
// of MeterRentByMeterSize: 0.5 -> "0.5", 2 -> "2".
func MeterSizeKey(size float64) string {
	return strconv.FormatFloat(size, 'f', -1, 64)
}

// MeterRent returns the flat rent for a meter size, or zero when the exact
// key is absent.
func (c *TariffConfiguration) MeterRent(size float64) decimal.Decimal {
	if c == nil || c.MeterRentByMeterSize == nil {
		return decimal.Zero
	}
	rent, ok := c.MeterRentByMeterSize[MeterSizeKey(size)]
	if !ok {
		return decimal.Zero
	}
	return rent
}

// Clone returns a deep copy.
func (c *TariffConfiguration) Clone() *TariffConfiguration {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Tiers = append([]TariffTier(nil), c.Tiers...)
	if c.MeterRentByMeterSize != nil {
		cp.MeterRentByMeterSize = make(map[string]decimal.Decimal, len(c.MeterRentByMeterSize))
		for k, v := range c.MeterRentByMeterSize {
			cp.MeterRentByMeterSize[k] = v
		}
	}
	return &cp
}

// Validate checks the tier schedule and rate ranges.
func (c *TariffConfiguration) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: nil configuration", ErrInvalidTariff)
	}
	if !c.CustomerClass.Valid() {
		return fmt.Errorf("%w: unknown customer class %q", ErrInvalidTariff, c.CustomerClass)
	}
	if !ValidYear(c.Year) {
		return fmt.Errorf("%w: year %d is not a 4-digit year", ErrInvalidTariff, c.Year)
	}
	if len(c.Tiers) == 0 {
		return fmt.Errorf("%w: no tiers", ErrInvalidTariff)
	}

	prev := decimal.Zero
	for i, t := range c.Tiers {
		if t.Rate.IsNegative() {
			return fmt.Errorf("%w: tier %d has negative rate", ErrInvalidTariff, i)
		}
		limit, bounded := t.Limit.Value()
		if !bounded {
			if i != len(c.Tiers)-1 {
				return fmt.Errorf("%w: unbounded tier %d is not last", ErrInvalidTariff, i)
			}
			continue
		}
		if i == len(c.Tiers)-1 {
			return fmt.Errorf("%w: last tier must be unbounded", ErrInvalidTariff)
		}
		if !limit.GreaterThan(prev) {
			return fmt.Errorf("%w: tier %d limit %s does not exceed %s", ErrInvalidTariff, i, limit, prev)
		}
		prev = limit
	}

	unit := decimal.NewFromInt(1)
	for name, pct := range map[string]decimal.Decimal{
		"maintenance_pct": c.MaintenancePct,
		"sanitation_pct":  c.SanitationPct,
		"vat_rate":        c.VATRate,
	} {
		if pct.IsNegative() || pct.GreaterThan(unit) {
			return fmt.Errorf("%w: %s %s outside [0,1]", ErrInvalidTariff, name, pct)
		}
	}
	if c.SewerageRatePerUnit.IsNegative() {
		return fmt.Errorf("%w: negative sewerage rate", ErrInvalidTariff)
	}
	if c.VATUsageThreshold.IsNegative() {
		return fmt.Errorf("%w: negative VAT usage threshold", ErrInvalidTariff)
	}
	for size, rent := range c.MeterRentByMeterSize {
		if rent.IsNegative() {
			return fmt.Errorf("%w: negative rent for meter size %s", ErrInvalidTariff, size)
		}
	}
	return nil
}

// EncodeTariff serializes a configuration for storage.
func EncodeTariff(c *TariffConfiguration) ([]byte, error) {
	return json.Marshal(c)
}

// DecodeTariff is the inverse of EncodeTariff.
func DecodeTariff(payload []byte) (*TariffConfiguration, error) {
	var c TariffConfiguration
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, err
	}
	return &c, nil
}
