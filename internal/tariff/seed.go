package tariff

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/bher20/aquabill/internal/billing"
)

// seedFile is the on-disk YAML layout:
//
//	tariffs:
//	  - customer_class: Domestic
//	    year: 2024
//	    tiers:
//	      - {rate: 10, limit: 5}
//	      - {rate: 15, limit: unbounded}
//	    maintenance_pct: 0.01
//	    meter_rent_by_meter_size: {0.5: 20, 1: 35}
type seedFile struct {
	Tariffs []seedTariff `yaml:"tariffs"`
}

type seedTariff struct {
	CustomerClass       string         `yaml:"customer_class"`
	Year                int            `yaml:"year"`
	Tiers               []seedTier     `yaml:"tiers"`
	MaintenancePct      yamlDecimal    `yaml:"maintenance_pct"`
	SanitationPct       yamlDecimal    `yaml:"sanitation_pct"`
	SewerageRatePerUnit yamlDecimal    `yaml:"sewerage_rate_per_unit"`
	MeterRent           meterRentTable `yaml:"meter_rent_by_meter_size"`
	VATRate             yamlDecimal    `yaml:"vat_rate"`
	VATUsageThreshold   yamlDecimal    `yaml:"vat_usage_threshold"`
}

type seedTier struct {
	Rate  yamlDecimal   `yaml:"rate"`
	Limit yamlTierLimit `yaml:"limit"`
}

// yamlDecimal reads the scalar text so that 0.1 never passes through float64.
type yamlDecimal struct{ decimal.Decimal }

func (d *yamlDecimal) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a number", n.Line)
	}
	v, err := decimal.NewFromString(n.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	d.Decimal = v
	return nil
}

type yamlTierLimit struct {
	billing.TierLimit
	set bool
}

func (l *yamlTierLimit) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a tier limit", n.Line)
	}
	l.set = true
	if n.Tag == "!!null" {
		l.TierLimit = billing.Unbounded()
		return nil
	}
	v, err := billing.ParseTierLimit(n.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	l.TierLimit = v
	return nil
}

// meterRentTable keys are normalized through billing.MeterSizeKey, so "0.50"
// and 0.5 land on the same entry.
type meterRentTable map[string]decimal.Decimal

func (m *meterRentTable) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: meter_rent_by_meter_size must be a mapping", n.Line)
	}
	out := make(meterRentTable, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		k, v := n.Content[i], n.Content[i+1]
		size, err := strconv.ParseFloat(k.Value, 64)
		if err != nil {
			return fmt.Errorf("line %d: meter size %q: %w", k.Line, k.Value, err)
		}
		rent, err := decimal.NewFromString(v.Value)
		if err != nil {
			return fmt.Errorf("line %d: rent for meter size %q: %w", v.Line, k.Value, err)
		}
		out[billing.MeterSizeKey(size)] = rent
	}
	*m = out
	return nil
}

func (s seedTariff) config() (*billing.TariffConfiguration, error) {
	class, ok := billing.ParseCustomerClass(s.CustomerClass)
	if !ok {
		return nil, fmt.Errorf("unknown customer class %q", s.CustomerClass)
	}
	cfg := &billing.TariffConfiguration{
		CustomerClass:        class,
		Year:                 s.Year,
		MaintenancePct:       s.MaintenancePct.Decimal,
		SanitationPct:        s.SanitationPct.Decimal,
		SewerageRatePerUnit:  s.SewerageRatePerUnit.Decimal,
		MeterRentByMeterSize: map[string]decimal.Decimal(s.MeterRent),
		VATRate:              s.VATRate.Decimal,
		VATUsageThreshold:    s.VATUsageThreshold.Decimal,
	}
	for _, t := range s.Tiers {
		limit := t.Limit.TierLimit
		// A tier with no limit key is the open-ended top tier.
		if !t.Limit.set {
			limit = billing.Unbounded()
		}
		cfg.Tiers = append(cfg.Tiers, billing.TariffTier{Rate: t.Rate.Decimal, Limit: limit})
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseSeed decodes and validates a YAML seed document.
func ParseSeed(r io.Reader) ([]*billing.TariffConfiguration, error) {
	var f seedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("decode tariff seed: %w", err)
	}

	seen := make(map[key]bool, len(f.Tariffs))
	out := make([]*billing.TariffConfiguration, 0, len(f.Tariffs))
	for i, t := range f.Tariffs {
		cfg, err := t.config()
		if err != nil {
			return nil, fmt.Errorf("tariff seed entry %d (%s/%d): %w", i, t.CustomerClass, t.Year, err)
		}
		k := key{cfg.CustomerClass, cfg.Year}
		if seen[k] {
			return nil, fmt.Errorf("tariff seed entry %d: duplicate %s/%d", i, cfg.CustomerClass, cfg.Year)
		}
		seen[k] = true
		out = append(out, cfg)
	}
	return out, nil
}

// LoadSeed reads a YAML seed file from disk.
func LoadSeed(path string) ([]*billing.TariffConfiguration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tariff seed: %w", err)
	}
	return ParseSeed(bytes.NewReader(data))
}
