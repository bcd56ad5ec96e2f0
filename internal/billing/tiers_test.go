package billing

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func threeTiers() []TariffTier {
	return []TariffTier{
		{Rate: d("2"), Limit: Bounded(d("10"))},
		{Rate: d("3"), Limit: Bounded(d("20"))},
		{Rate: d("4"), Limit: Unbounded()},
	}
}

func TestBaseCharge_MarginalRateMatchesTierBeingFilled(t *testing.T) {
	tiers := threeTiers()
	step := d("0.5")

	prev := BaseCharge(tiers, decimal.Zero)
	require.True(t, prev.IsZero())

	for u := step; u.LessThanOrEqual(d("40")); u = u.Add(step) {
		cur := BaseCharge(tiers, u)
		require.Truef(t, cur.GreaterThanOrEqual(prev), "base charge decreased at %s", u)

		var rate decimal.Decimal
		switch {
		case u.LessThanOrEqual(d("10")):
			rate = d("2")
		case u.LessThanOrEqual(d("20")):
			rate = d("3")
		default:
			rate = d("4")
		}
		marginal := cur.Sub(prev).Div(step)
		require.Truef(t, marginal.Equal(rate), "marginal rate at %s: want %s, got %s", u, rate, marginal)
		prev = cur
	}
}

func TestBaseCharge_FirstBlockAlwaysAtTierOneRate(t *testing.T) {
	tiers := threeTiers()
	// 10 units at 2, 10 at 3, 5 at 4
	assertDecimal(t, "70", BaseCharge(tiers, d("25")), "base")
	assertDecimal(t, "20", BaseCharge(tiers, d("10")), "base")
}

func TestTaxableCharge_OnlyUnitsAboveThreshold(t *testing.T) {
	tiers := threeTiers()
	// usage 25, threshold 15: 5 units at 3 and 5 units at 4
	assertDecimal(t, "35", TaxableCharge(tiers, d("25"), d("15")), "taxable")
	// threshold 0 taxes everything
	assertDecimal(t, "70", TaxableCharge(tiers, d("25"), decimal.Zero), "taxable")
	// threshold above usage taxes nothing
	assertDecimal(t, "0", TaxableCharge(tiers, d("25"), d("30")), "taxable")
}

func TestTierLimit_JSON(t *testing.T) {
	var tiers []TariffTier
	err := json.Unmarshal([]byte(`[
		{"rate": "10", "limit": 5},
		{"rate": 12.5, "limit": "7.5"},
		{"rate": "15", "limit": "Infinity"}
	]`), &tiers)
	require.NoError(t, err)
	require.Len(t, tiers, 3)

	l, ok := tiers[0].Limit.Value()
	require.True(t, ok)
	assertDecimal(t, "5", l, "limit0")
	l, ok = tiers[1].Limit.Value()
	require.True(t, ok)
	assertDecimal(t, "7.5", l, "limit1")
	assert.True(t, tiers[2].Limit.IsUnbounded())
	assertDecimal(t, "12.5", tiers[1].Rate, "rate1")

	var null TariffTier
	require.NoError(t, json.Unmarshal([]byte(`{"rate":"1","limit":null}`), &null))
	assert.True(t, null.Limit.IsUnbounded())

	out, err := json.Marshal(tiers[2].Limit)
	require.NoError(t, err)
	assert.JSONEq(t, `"unbounded"`, string(out))

	var bad TierLimit
	assert.Error(t, json.Unmarshal([]byte(`"lots"`), &bad))
}

func TestTariffRoundTripThroughPayload(t *testing.T) {
	cfg := twoTier(Domestic)
	cfg.MeterRentByMeterSize = map[string]decimal.Decimal{"0.5": d("20")}
	cfg.VATRate = d("0.15")

	payload, err := EncodeTariff(cfg)
	require.NoError(t, err)
	got, err := DecodeTariff(payload)
	require.NoError(t, err)

	require.Len(t, got.Tiers, 2)
	assert.True(t, got.Tiers[1].Limit.IsUnbounded())
	assertDecimal(t, "20", got.MeterRent(0.5), "rent")
	assertDecimal(t, "0.15", got.VATRate, "vat")
	assert.NoError(t, got.Validate())
}

func TestTariffConfiguration_Validate(t *testing.T) {
	valid := func() *TariffConfiguration {
		c := twoTier(Domestic)
		c.MaintenancePct = d("0.01")
		return c
	}
	require.NoError(t, valid().Validate())

	cases := map[string]func(c *TariffConfiguration){
		"no tiers":           func(c *TariffConfiguration) { c.Tiers = nil },
		"unknown class":      func(c *TariffConfiguration) { c.CustomerClass = "Commercial" },
		"two digit year":     func(c *TariffConfiguration) { c.Year = 24 },
		"negative rate":      func(c *TariffConfiguration) { c.Tiers[0].Rate = d("-1") },
		"zero first limit":   func(c *TariffConfiguration) { c.Tiers[0].Limit = Bounded(decimal.Zero) },
		"bounded last":       func(c *TariffConfiguration) { c.Tiers[1].Limit = Bounded(d("10")) },
		"unbounded not last": func(c *TariffConfiguration) { c.Tiers = append([]TariffTier{{Rate: d("1"), Limit: Unbounded()}}, c.Tiers...) },
		"descending limits": func(c *TariffConfiguration) {
			c.Tiers = []TariffTier{
				{Rate: d("1"), Limit: Bounded(d("10"))},
				{Rate: d("2"), Limit: Bounded(d("5"))},
				{Rate: d("3"), Limit: Unbounded()},
			}
		},
		"pct above one":  func(c *TariffConfiguration) { c.SanitationPct = d("1.5") },
		"negative vat":   func(c *TariffConfiguration) { c.VATRate = d("-0.1") },
		"negative rent":  func(c *TariffConfiguration) { c.MeterRentByMeterSize = map[string]decimal.Decimal{"1": d("-2")} },
		"negative sewer": func(c *TariffConfiguration) { c.SewerageRatePerUnit = d("-2") },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := valid()
			mutate(c)
			assert.ErrorIs(t, c.Validate(), ErrInvalidTariff)
		})
	}
}

func TestTariffConfiguration_CloneIsDetached(t *testing.T) {
	c := twoTier(Domestic)
	c.MeterRentByMeterSize = map[string]decimal.Decimal{"1": d("5")}
	cp := c.Clone()
	cp.Tiers[0].Rate = d("99")
	cp.MeterRentByMeterSize["1"] = d("99")

	assertDecimal(t, "10", c.Tiers[0].Rate, "rate")
	assertDecimal(t, "5", c.MeterRentByMeterSize["1"], "rent")
}

func TestParseCustomerClass(t *testing.T) {
	c, ok := ParseCustomerClass("non-domestic")
	require.True(t, ok)
	assert.Equal(t, NonDomestic, c)
	c, ok = ParseCustomerClass(" Domestic ")
	require.True(t, ok)
	assert.Equal(t, Domestic, c)
	_, ok = ParseCustomerClass("industrial")
	assert.False(t, ok)
}
