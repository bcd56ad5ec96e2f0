package billing

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestReconcile_EmptyDependentsReportsFullBulk(t *testing.T) {
	bulk := BillBreakdown{TotalBill: d("410.25")}
	res := Reconcile(bulk, d("42"), nil)
	assertDecimal(t, "42", res.DifferenceUsage, "usage")
	assertDecimal(t, "410.25", res.DifferenceBill, "bill")
}

func TestReconcile_SignedDifferences(t *testing.T) {
	bulk := BillBreakdown{TotalBill: d("100")}
	deps := []DependentBill{
		{Bill: BillBreakdown{TotalBill: d("60.50")}, Usage: d("6")},
		{Bill: BillBreakdown{TotalBill: d("70")}, Usage: d("7")},
	}

	res := Reconcile(bulk, d("10"), deps)
	assertDecimal(t, "-3", res.DifferenceUsage, "usage")
	assertDecimal(t, "-30.5", res.DifferenceBill, "bill")

	res = Reconcile(BillBreakdown{TotalBill: d("200")}, d("20"), deps)
	assertDecimal(t, "7", res.DifferenceUsage, "usage")
	assertDecimal(t, "69.5", res.DifferenceBill, "bill")
}

// Dependents whose readings sum to the bulk reading and that are rated under
// the same tariff inputs leave no difference when the schedule is flat.
func TestReconcile_IdentityUnderSameTariff(t *testing.T) {
	cfg := &TariffConfiguration{
		CustomerClass: NonDomestic,
		Year:          2024,
		Tiers:         []TariffTier{{Rate: d("12.5"), Limit: Unbounded()}},
		VATRate:       d("0.15"),
	}
	calc := NewCalculator(staticResolver(cfg))
	rate := func(usage decimal.Decimal) BillBreakdown {
		res, err := calc.CalculateBill(context.Background(), BillInput{
			Usage: usage, CustomerClass: NonDomestic, Sewerage: SewerageNo, BillingMonth: "2024-06",
		})
		require.NoError(t, err)
		return res.Breakdown
	}

	usages := []decimal.Decimal{d("4"), d("10"), d("16")}
	var deps []DependentBill
	for _, u := range usages {
		deps = append(deps, DependentBill{Bill: rate(u), Usage: u})
	}

	res := Reconcile(rate(d("30")), d("30"), deps)
	require.True(t, res.DifferenceUsage.IsZero(), "usage difference %s", res.DifferenceUsage)
	require.True(t, res.DifferenceBill.IsZero(), "bill difference %s", res.DifferenceBill)
}
