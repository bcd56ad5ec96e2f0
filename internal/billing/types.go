package billing

import (
	"strings"

	"github.com/shopspring/decimal"
)

// CustomerClass selects the tariff schedule and the VAT rule applied to a bill.
type CustomerClass string

const (
	Domestic    CustomerClass = "Domestic"
	NonDomestic CustomerClass = "Non-domestic"
)

// Valid reports whether c is one of the recognized classes.
func (c CustomerClass) Valid() bool {
	return c == Domestic || c == NonDomestic
}

// ParseCustomerClass accepts the canonical names case-insensitively, plus the
// "nondomestic" / "non_domestic" spellings that show up in URLs.
func ParseCustomerClass(s string) (CustomerClass, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "domestic":
		return Domestic, true
	case "non-domestic", "nondomestic", "non_domestic":
		return NonDomestic, true
	}
	return "", false
}

// SewerageConnection is stored and exchanged as "Yes" / "No".
type SewerageConnection string

const (
	SewerageYes SewerageConnection = "Yes"
	SewerageNo  SewerageConnection = "No"
)

// Connected reports whether a sewerage charge applies.
func (s SewerageConnection) Connected() bool {
	return s == SewerageYes
}

// Valid reports whether s is "Yes" or "No".
func (s SewerageConnection) Valid() bool {
	return s == SewerageYes || s == SewerageNo
}

// BillBreakdown is the result of rating one usage quantity. Every component is
// rounded to 2 decimals on its own and TotalBill is the sum of the rounded
// components.
type BillBreakdown struct {
	BaseWaterCharge decimal.Decimal `json:"base_water_charge"`
	MaintenanceFee  decimal.Decimal `json:"maintenance_fee"`
	SanitationFee   decimal.Decimal `json:"sanitation_fee"`
	VATAmount       decimal.Decimal `json:"vat_amount"`
	MeterRent       decimal.Decimal `json:"meter_rent"`
	SewerageCharge  decimal.Decimal `json:"sewerage_charge"`
	TotalBill       decimal.Decimal `json:"total_bill"`
}

// ZeroBreakdown returns the all-zero breakdown used for every soft edge case.
func ZeroBreakdown() BillBreakdown {
	return BillBreakdown{
		BaseWaterCharge: decimal.Zero,
		MaintenanceFee:  decimal.Zero,
		SanitationFee:   decimal.Zero,
		VATAmount:       decimal.Zero,
		MeterRent:       decimal.Zero,
		SewerageCharge:  decimal.Zero,
		TotalBill:       decimal.Zero,
	}
}

// IsZero reports whether the breakdown carries no charge at all.
func (b BillBreakdown) IsZero() bool {
	return b.TotalBill.IsZero() &&
		b.BaseWaterCharge.IsZero() &&
		b.MaintenanceFee.IsZero() &&
		b.SanitationFee.IsZero() &&
		b.VATAmount.IsZero() &&
		b.MeterRent.IsZero() &&
		b.SewerageCharge.IsZero()
}

// ComponentSum adds the six line items.
func (b BillBreakdown) ComponentSum() decimal.Decimal {
	return decimal.Sum(
		b.BaseWaterCharge,
		b.MaintenanceFee,
		b.SanitationFee,
		b.VATAmount,
		b.MeterRent,
		b.SewerageCharge,
	)
}

// ReconciliationResult compares a bulk meter with its dependent customers.
// Positive values mean the bulk meter recorded more than its dependents.
type ReconciliationResult struct {
	DifferenceUsage decimal.Decimal `json:"difference_usage"`
	DifferenceBill  decimal.Decimal `json:"difference_bill"`
}

// DependentBill is one individual customer's contribution to a reconciliation.
type DependentBill struct {
	Bill  BillBreakdown
	Usage decimal.Decimal
}
