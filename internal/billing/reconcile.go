package billing

import "github.com/shopspring/decimal"

// Reconcile compares one bulk meter's bill and usage with the bills of its
// dependent customers. It reports signed differences only; an empty dependent
// set leaves the full bulk figures as the difference.
func Reconcile(bulkBill BillBreakdown, bulkUsage decimal.Decimal, dependents []DependentBill) ReconciliationResult {
	usage := decimal.Zero
	billed := decimal.Zero
	for _, d := range dependents {
		usage = usage.Add(d.Usage)
		billed = billed.Add(d.Bill.TotalBill)
	}
	return ReconciliationResult{
		DifferenceUsage: bulkUsage.Sub(usage),
		DifferenceBill:  bulkBill.TotalBill.Sub(billed),
	}
}
