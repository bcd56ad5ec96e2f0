package api

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/bher20/aquabill/internal/billing"
	"github.com/bher20/aquabill/internal/portal"
	"github.com/bher20/aquabill/internal/storage"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("billing_month", func(fl validator.FieldLevel) bool {
		return portal.ValidMonth(fl.Field().String())
	})
	_ = v.RegisterValidation("customer_class", func(fl validator.FieldLevel) bool {
		_, ok := billing.ParseCustomerClass(fl.Field().String())
		return ok
	})
	_ = v.RegisterValidation("sewerage", func(fl validator.FieldLevel) bool {
		_, ok := portal.ParseSewerage(fl.Field().String())
		return ok
	})
	return v
}

// money renders an amount as a JSON number with two decimals.
func money(d decimal.Decimal) float64 {
	return d.Round(2).InexactFloat64()
}

type CalculateRequest struct {
	Usage         *decimal.Decimal `json:"usage" validate:"required"`
	CustomerClass string           `json:"customer_class" validate:"required,customer_class"`
	Sewerage      string           `json:"sewerage" validate:"omitempty,sewerage"`
	MeterSize     float64          `json:"meter_size" validate:"gte=0"`
	BillingMonth  string           `json:"billing_month" validate:"required,billing_month"`
}

func (r CalculateRequest) input() billing.BillInput {
	class, _ := billing.ParseCustomerClass(r.CustomerClass)
	sewerage, _ := portal.ParseSewerage(r.Sewerage)
	return billing.BillInput{
		Usage:         *r.Usage,
		CustomerClass: class,
		Sewerage:      sewerage,
		MeterSize:     r.MeterSize,
		BillingMonth:  r.BillingMonth,
	}
}

type BreakdownDTO struct {
	BaseWaterCharge float64 `json:"base_water_charge"`
	MaintenanceFee  float64 `json:"maintenance_fee"`
	SanitationFee   float64 `json:"sanitation_fee"`
	VATAmount       float64 `json:"vat_amount"`
	MeterRent       float64 `json:"meter_rent"`
	SewerageCharge  float64 `json:"sewerage_charge"`
	TotalBill       float64 `json:"total_bill"`
}

func toBreakdownDTO(b billing.BillBreakdown) BreakdownDTO {
	return BreakdownDTO{
		BaseWaterCharge: money(b.BaseWaterCharge),
		MaintenanceFee:  money(b.MaintenanceFee),
		SanitationFee:   money(b.SanitationFee),
		VATAmount:       money(b.VATAmount),
		MeterRent:       money(b.MeterRent),
		SewerageCharge:  money(b.SewerageCharge),
		TotalBill:       money(b.TotalBill),
	}
}

type CalculateResponse struct {
	BreakdownDTO
	// Warning is set when the bill was rated at zero because the billing
	// configuration is missing or the month is malformed.
	Warning string `json:"warning,omitempty"`
}

// NewCalculateResponse renders a calculation with money as numbers.
func NewCalculateResponse(res billing.Calculation) CalculateResponse {
	return CalculateResponse{BreakdownDTO: toBreakdownDTO(res.Breakdown), Warning: string(res.Warning)}
}

type CustomerRequest struct {
	Name          string  `json:"name" validate:"required,max=255"`
	MeterNumber   string  `json:"meter_number" validate:"required,max=64"`
	CustomerClass string  `json:"customer_class" validate:"required,customer_class"`
	MeterSize     float64 `json:"meter_size" validate:"gt=0"`
	Sewerage      string  `json:"sewerage" validate:"omitempty,sewerage"`
	BulkMeterID   string  `json:"bulk_meter_id" validate:"omitempty,uuid"`
	Status        string  `json:"status" validate:"omitempty,oneof=Active Inactive active inactive"`
}

func (r CustomerRequest) input() portal.CustomerInput {
	return portal.CustomerInput{
		Name:          r.Name,
		MeterNumber:   r.MeterNumber,
		CustomerClass: r.CustomerClass,
		MeterSize:     r.MeterSize,
		Sewerage:      r.Sewerage,
		BulkMeterID:   r.BulkMeterID,
		Status:        r.Status,
	}
}

type BulkMeterRequest struct {
	Name          string  `json:"name" validate:"required,max=255"`
	MeterNumber   string  `json:"meter_number" validate:"required,max=64"`
	CustomerClass string  `json:"customer_class" validate:"required,customer_class"`
	MeterSize     float64 `json:"meter_size" validate:"gt=0"`
	Sewerage      string  `json:"sewerage" validate:"omitempty,sewerage"`
}

type ReadingRequest struct {
	MeterKind string           `json:"meter_kind" validate:"required,oneof=customer bulk"`
	MeterID   string           `json:"meter_id" validate:"required"`
	Month     string           `json:"month" validate:"required,billing_month"`
	Previous  *decimal.Decimal `json:"previous" validate:"required"`
	Current   *decimal.Decimal `json:"current" validate:"required"`
}

type ReadingDTO struct {
	ID         string    `json:"id"`
	MeterKind  string    `json:"meter_kind"`
	MeterID    string    `json:"meter_id"`
	Month      string    `json:"month"`
	Previous   float64   `json:"previous"`
	Current    float64   `json:"current"`
	Usage      float64   `json:"usage"`
	RecordedAt time.Time `json:"recorded_at"`
}

func toReadingDTO(r storage.Reading) ReadingDTO {
	return ReadingDTO{
		ID:         r.ID,
		MeterKind:  string(r.MeterKind),
		MeterID:    r.MeterID,
		Month:      r.Month,
		Previous:   r.Previous.InexactFloat64(),
		Current:    r.Current.InexactFloat64(),
		Usage:      r.Usage().InexactFloat64(),
		RecordedAt: r.RecordedAt,
	}
}

type BillDTO struct {
	ID        string  `json:"id"`
	MeterKind string  `json:"meter_kind"`
	MeterID   string  `json:"meter_id"`
	Month     string  `json:"month"`
	Usage     float64 `json:"usage"`
	BreakdownDTO
	Warning       string     `json:"warning,omitempty"`
	PaymentStatus string     `json:"payment_status"`
	PaidAt        *time.Time `json:"paid_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func toBillDTO(b storage.Bill) BillDTO {
	return BillDTO{
		ID:            b.ID,
		MeterKind:     string(b.MeterKind),
		MeterID:       b.MeterID,
		Month:         b.Month,
		Usage:         b.Usage.InexactFloat64(),
		BreakdownDTO:  toBreakdownDTO(b.Breakdown()),
		Warning:       b.Warning,
		PaymentStatus: string(b.PaymentStatus),
		PaidAt:        b.PaidAt,
		CreatedAt:     b.CreatedAt,
		UpdatedAt:     b.UpdatedAt,
	}
}

func toBillDTOs(bills []storage.Bill) []BillDTO {
	return lo.Map(bills, func(b storage.Bill, _ int) BillDTO { return toBillDTO(b) })
}

type ReadingResponse struct {
	Reading ReadingDTO `json:"reading"`
	Bill    BillDTO    `json:"bill"`
}

type ReconciliationDTO struct {
	BulkMeterID        string   `json:"bulk_meter_id"`
	Month              string   `json:"month"`
	BulkUsage          float64  `json:"bulk_usage"`
	BulkTotal          float64  `json:"bulk_total"`
	DependentUsage     float64  `json:"dependent_usage"`
	DependentTotal     float64  `json:"dependent_total"`
	DependentCount     int      `json:"dependent_count"`
	DifferenceUsage    float64  `json:"difference_usage"`
	DifferenceBill     float64  `json:"difference_bill"`
	MissingCustomerIDs []string `json:"missing_customer_ids"`
}

func toReconciliationDTO(r *portal.Reconciliation) ReconciliationDTO {
	return ReconciliationDTO{
		BulkMeterID:        r.BulkMeterID,
		Month:              r.Month,
		BulkUsage:          r.BulkUsage.InexactFloat64(),
		BulkTotal:          money(r.BulkTotal),
		DependentUsage:     r.DependentUsage.InexactFloat64(),
		DependentTotal:     money(r.DependentTotal),
		DependentCount:     r.DependentCount,
		DifferenceUsage:    r.DifferenceUsage.InexactFloat64(),
		DifferenceBill:     money(r.DifferenceBill),
		MissingCustomerIDs: r.MissingCustomerIDs,
	}
}
