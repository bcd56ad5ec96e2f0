package tariff

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bher20/aquabill/internal/billing"
	"github.com/bher20/aquabill/internal/storage"
)

const seedYAML = `
tariffs:
  - customer_class: Domestic
    year: 2024
    tiers:
      - {rate: 10, limit: 5}
      - {rate: 15, limit: unbounded}
    maintenance_pct: 0.01
    sanitation_pct: 0.07
    sewerage_rate_per_unit: 2
    vat_rate: 0.15
    vat_usage_threshold: 5
    meter_rent_by_meter_size:
      0.5: 20
      "1.0": 35
  - customer_class: non-domestic
    year: 2024
    tiers:
      - rate: 12.5
`

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestParseSeed(t *testing.T) {
	cfgs, err := ParseSeed(strings.NewReader(seedYAML))
	require.NoError(t, err)
	require.Len(t, cfgs, 2)

	dom := cfgs[0]
	assert.Equal(t, billing.Domestic, dom.CustomerClass)
	require.Len(t, dom.Tiers, 2)
	limit, ok := dom.Tiers[0].Limit.Value()
	require.True(t, ok)
	assert.True(t, limit.Equal(d("5")))
	assert.True(t, dom.Tiers[1].Limit.IsUnbounded())
	assert.True(t, dom.MaintenancePct.Equal(d("0.01")))
	assert.True(t, dom.MeterRent(0.5).Equal(d("20")))
	assert.True(t, dom.MeterRent(1).Equal(d("35")), "1.0 key normalizes to 1")

	nonDom := cfgs[1]
	assert.Equal(t, billing.NonDomestic, nonDom.CustomerClass)
	require.Len(t, nonDom.Tiers, 1)
	assert.True(t, nonDom.Tiers[0].Limit.IsUnbounded(), "missing limit is unbounded")
}

func TestParseSeed_Rejects(t *testing.T) {
	cases := map[string]string{
		"unknown class": "tariffs:\n  - {customer_class: Farm, year: 2024, tiers: [{rate: 1}]}\n",
		"no tiers":      "tariffs:\n  - {customer_class: Domestic, year: 2024}\n",
		"bad rate":      "tariffs:\n  - {customer_class: Domestic, year: 2024, tiers: [{rate: cheap}]}\n",
		"unknown field": "tariffs:\n  - {customer_class: Domestic, year: 2024, tiers: [{rate: 1}], discount: 3}\n",
		"duplicate": "tariffs:\n" +
			"  - {customer_class: Domestic, year: 2024, tiers: [{rate: 1}]}\n" +
			"  - {customer_class: domestic, year: 2024, tiers: [{rate: 2}]}\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseSeed(strings.NewReader(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tariffs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seedYAML), 0o600))
	cfgs, err := LoadSeed(path)
	require.NoError(t, err)
	assert.Len(t, cfgs, 2)

	_, err = LoadSeed(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func seedStore(t *testing.T) *storage.MemoryStorage {
	t.Helper()
	cfgs, err := ParseSeed(strings.NewReader(seedYAML))
	require.NoError(t, err)
	recs, err := Records(cfgs)
	require.NoError(t, err)
	return storage.NewMemoryWithTariffs(recs)
}

func TestStoreResolver(t *testing.T) {
	ctx := context.Background()
	st := seedStore(t)
	r := NewStoreResolver(st, nil)

	cfg, err := r.Resolve(ctx, billing.Domestic, 2024)
	require.NoError(t, err)
	assert.Len(t, cfg.Tiers, 2)

	_, err = r.Resolve(ctx, billing.Domestic, 2025)
	assert.ErrorIs(t, err, billing.ErrTariffNotFound)

	require.NoError(t, st.UpsertTariff(ctx, storage.TariffRecord{CustomerClass: "Domestic", Year: 2026, Payload: []byte("{not json")}))
	_, err = r.Resolve(ctx, billing.Domestic, 2026)
	assert.ErrorIs(t, err, billing.ErrTariffNotFound)

	require.NoError(t, st.UpsertTariff(ctx, storage.TariffRecord{CustomerClass: "Domestic", Year: 2027, Payload: []byte(`{"tiers":[]}`)}))
	_, err = r.Resolve(ctx, billing.Domestic, 2027)
	assert.ErrorIs(t, err, billing.ErrTariffNotFound)

	require.NoError(t, st.UpsertTariff(ctx, storage.TariffRecord{CustomerClass: "Domestic", Year: 2028,
		Payload: []byte(`{"customer_class":"Non-domestic","year":2028,"tiers":[{"rate":"1","limit":"unbounded"}]}`)}))
	_, err = r.Resolve(ctx, billing.Domestic, 2028)
	assert.ErrorIs(t, err, billing.ErrTariffNotFound)
}

type failingStore struct{}

func (failingStore) GetTariff(context.Context, string, int) (*storage.TariffRecord, error) {
	return nil, errors.New("connection refused")
}

func TestStoreResolver_FaultPropagatesThroughCalculator(t *testing.T) {
	calc := billing.NewCalculator(NewStoreResolver(failingStore{}, nil))
	_, err := calc.CalculateBill(context.Background(), billing.BillInput{
		Usage: d("8"), CustomerClass: billing.Domestic, Sewerage: billing.SewerageNo, BillingMonth: "2024-03",
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, billing.ErrTariffNotFound)
}

func TestStoreResolver_WorkedExampleEndToEnd(t *testing.T) {
	ctx := context.Background()
	cfg := &billing.TariffConfiguration{
		CustomerClass: billing.Domestic,
		Year:          2024,
		Tiers: []billing.TariffTier{
			{Rate: d("10"), Limit: billing.Bounded(d("5"))},
			{Rate: d("15"), Limit: billing.Unbounded()},
		},
	}
	rec, err := Record(cfg)
	require.NoError(t, err)
	st := storage.NewMemoryWithTariffs([]storage.TariffRecord{rec})

	calc := billing.NewCalculator(NewCachedResolver(NewStoreResolver(st, nil), time.Minute))
	res, err := calc.CalculateBill(ctx, billing.BillInput{
		Usage: d("8"), CustomerClass: billing.Domestic, Sewerage: billing.SewerageNo, MeterSize: 0.5, BillingMonth: "2024-11",
	})
	require.NoError(t, err)
	assert.True(t, res.Breakdown.TotalBill.Equal(d("95")), "total %s", res.Breakdown.TotalBill)
}

type countingResolver struct {
	calls int
	next  billing.TariffResolver
}

func (c *countingResolver) Resolve(ctx context.Context, class billing.CustomerClass, year int) (*billing.TariffConfiguration, error) {
	c.calls++
	return c.next.Resolve(ctx, class, year)
}

func TestCachedResolver(t *testing.T) {
	ctx := context.Background()
	static, err := NewStaticResolver(&billing.TariffConfiguration{
		CustomerClass: billing.Domestic,
		Year:          2024,
		Tiers:         []billing.TariffTier{{Rate: d("10"), Limit: billing.Unbounded()}},
	})
	require.NoError(t, err)
	counter := &countingResolver{next: static}
	cached := NewCachedResolver(counter, time.Minute)

	for i := 0; i < 3; i++ {
		cfg, err := cached.Resolve(ctx, billing.Domestic, 2024)
		require.NoError(t, err)
		require.Len(t, cfg.Tiers, 1)
	}
	assert.Equal(t, 1, counter.calls)

	// Misses are not cached.
	for i := 0; i < 2; i++ {
		_, err := cached.Resolve(ctx, billing.NonDomestic, 2024)
		assert.ErrorIs(t, err, billing.ErrTariffNotFound)
	}
	assert.Equal(t, 3, counter.calls)

	// Callers cannot corrupt the cached copy.
	cfg, _ := cached.Resolve(ctx, billing.Domestic, 2024)
	cfg.Tiers[0].Rate = d("999")
	again, _ := cached.Resolve(ctx, billing.Domestic, 2024)
	assert.True(t, again.Tiers[0].Rate.Equal(d("10")))

	static.Put(&billing.TariffConfiguration{
		CustomerClass: billing.Domestic,
		Year:          2024,
		Tiers:         []billing.TariffTier{{Rate: d("11"), Limit: billing.Unbounded()}},
	})
	cached.Invalidate(billing.Domestic, 2024)
	updated, err := cached.Resolve(ctx, billing.Domestic, 2024)
	require.NoError(t, err)
	assert.True(t, updated.Tiers[0].Rate.Equal(d("11")))
}

func TestStaticResolver_AllIsOrderedAndDetached(t *testing.T) {
	tier := []billing.TariffTier{{Rate: d("10"), Limit: billing.Unbounded()}}
	static, err := NewStaticResolver(
		&billing.TariffConfiguration{CustomerClass: billing.NonDomestic, Year: 2024, Tiers: tier},
		&billing.TariffConfiguration{CustomerClass: billing.Domestic, Year: 2025, Tiers: tier},
		&billing.TariffConfiguration{CustomerClass: billing.Domestic, Year: 2024, Tiers: tier},
	)
	require.NoError(t, err)

	all := static.All()
	require.Len(t, all, 3)
	assert.Equal(t, billing.Domestic, all[0].CustomerClass)
	assert.Equal(t, 2024, all[0].Year)
	assert.Equal(t, billing.NonDomestic, all[1].CustomerClass)
	assert.Equal(t, 2025, all[2].Year)

	all[0].Tiers[0].Rate = d("999")
	cfg, err := static.Resolve(context.Background(), billing.Domestic, 2024)
	require.NoError(t, err)
	assert.True(t, cfg.Tiers[0].Rate.Equal(d("10")))
}

func TestNewStaticResolver_RejectsDuplicates(t *testing.T) {
	c := &billing.TariffConfiguration{CustomerClass: billing.Domestic, Year: 2024}
	_, err := NewStaticResolver(c, c)
	assert.Error(t, err)
}
