package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/bher20/aquabill/internal/billing"
)

// MeterKind tells whether a meter id refers to a customer or a bulk meter.
type MeterKind string

const (
	MeterKindCustomer MeterKind = "customer"
	MeterKindBulk     MeterKind = "bulk"
)

func (k MeterKind) Valid() bool {
	return k == MeterKindCustomer || k == MeterKindBulk
}

type PaymentStatus string

const (
	PaymentPaid   PaymentStatus = "Paid"
	PaymentUnpaid PaymentStatus = "Unpaid"
)

func (s PaymentStatus) Valid() bool {
	return s == PaymentPaid || s == PaymentUnpaid
}

const (
	StatusActive   = "Active"
	StatusInactive = "Inactive"
)

// Customer is an individually metered account. BulkMeterID is empty for
// customers that are not fed through a bulk meter.
type Customer struct {
	ID            string    `json:"id" gorm:"primaryKey;column:id"`
	Name          string    `json:"name" gorm:"column:name"`
	MeterNumber   string    `json:"meter_number" gorm:"uniqueIndex;column:meter_number"`
	CustomerClass string    `json:"customer_class" gorm:"column:customer_class"`
	MeterSize     float64   `json:"meter_size" gorm:"column:meter_size"`
	Sewerage      string    `json:"sewerage" gorm:"column:sewerage"`
	BulkMeterID   string    `json:"bulk_meter_id,omitempty" gorm:"index;column:bulk_meter_id"`
	Status        string    `json:"status" gorm:"column:status"`
	CreatedAt     time.Time `json:"created_at" gorm:"column:created_at"`
	UpdatedAt     time.Time `json:"updated_at" gorm:"column:updated_at"`
}

// BulkMeter is a master meter feeding one or more customers. It carries its
// own class, size and sewerage connection because it is billed like a customer.
type BulkMeter struct {
	ID            string    `json:"id" gorm:"primaryKey;column:id"`
	Name          string    `json:"name" gorm:"column:name"`
	MeterNumber   string    `json:"meter_number" gorm:"uniqueIndex;column:meter_number"`
	CustomerClass string    `json:"customer_class" gorm:"column:customer_class"`
	MeterSize     float64   `json:"meter_size" gorm:"column:meter_size"`
	Sewerage      string    `json:"sewerage" gorm:"column:sewerage"`
	Status        string    `json:"status" gorm:"column:status"`
	CreatedAt     time.Time `json:"created_at" gorm:"column:created_at"`
	UpdatedAt     time.Time `json:"updated_at" gorm:"column:updated_at"`
}

// Reading is one month's meter reading pair.
type Reading struct {
	ID         string          `json:"id" gorm:"primaryKey;column:id"`
	MeterKind  MeterKind       `json:"meter_kind" gorm:"uniqueIndex:idx_readings_meter_month;column:meter_kind"`
	MeterID    string          `json:"meter_id" gorm:"uniqueIndex:idx_readings_meter_month;column:meter_id"`
	Month      string          `json:"month" gorm:"uniqueIndex:idx_readings_meter_month;index;column:month"`
	Previous   decimal.Decimal `json:"previous" gorm:"type:numeric;column:previous_reading"`
	Current    decimal.Decimal `json:"current" gorm:"type:numeric;column:current_reading"`
	RecordedAt time.Time       `json:"recorded_at" gorm:"column:recorded_at"`
}

// Usage is the consumption between the two readings.
func (r Reading) Usage() decimal.Decimal {
	return r.Current.Sub(r.Previous)
}

// Bill is a persisted calculation for one meter and month.
type Bill struct {
	ID              string          `json:"id" gorm:"primaryKey;column:id"`
	MeterKind       MeterKind       `json:"meter_kind" gorm:"uniqueIndex:idx_bills_meter_month;column:meter_kind"`
	MeterID         string          `json:"meter_id" gorm:"uniqueIndex:idx_bills_meter_month;column:meter_id"`
	Month           string          `json:"month" gorm:"uniqueIndex:idx_bills_meter_month;index;column:month"`
	Usage           decimal.Decimal `json:"usage" gorm:"type:numeric;column:usage"`
	BaseWaterCharge decimal.Decimal `json:"base_water_charge" gorm:"type:numeric;column:base_water_charge"`
	MaintenanceFee  decimal.Decimal `json:"maintenance_fee" gorm:"type:numeric;column:maintenance_fee"`
	SanitationFee   decimal.Decimal `json:"sanitation_fee" gorm:"type:numeric;column:sanitation_fee"`
	VATAmount       decimal.Decimal `json:"vat_amount" gorm:"type:numeric;column:vat_amount"`
	MeterRent       decimal.Decimal `json:"meter_rent" gorm:"type:numeric;column:meter_rent"`
	SewerageCharge  decimal.Decimal `json:"sewerage_charge" gorm:"type:numeric;column:sewerage_charge"`
	TotalBill       decimal.Decimal `json:"total_bill" gorm:"type:numeric;column:total_bill"`
	Warning         string          `json:"warning,omitempty" gorm:"column:warning"`
	PaymentStatus   PaymentStatus   `json:"payment_status" gorm:"index;column:payment_status"`
	PaidAt          *time.Time      `json:"paid_at,omitempty" gorm:"column:paid_at"`
	CreatedAt       time.Time       `json:"created_at" gorm:"column:created_at"`
	UpdatedAt       time.Time       `json:"updated_at" gorm:"column:updated_at"`
}

// Breakdown returns the stored line items.
func (b Bill) Breakdown() billing.BillBreakdown {
	return billing.BillBreakdown{
		BaseWaterCharge: b.BaseWaterCharge,
		MaintenanceFee:  b.MaintenanceFee,
		SanitationFee:   b.SanitationFee,
		VATAmount:       b.VATAmount,
		MeterRent:       b.MeterRent,
		SewerageCharge:  b.SewerageCharge,
		TotalBill:       b.TotalBill,
	}
}

// SetBreakdown copies a calculation's line items onto the bill.
func (b *Bill) SetBreakdown(bd billing.BillBreakdown) {
	b.BaseWaterCharge = bd.BaseWaterCharge
	b.MaintenanceFee = bd.MaintenanceFee
	b.SanitationFee = bd.SanitationFee
	b.VATAmount = bd.VATAmount
	b.MeterRent = bd.MeterRent
	b.SewerageCharge = bd.SewerageCharge
	b.TotalBill = bd.TotalBill
}

// BillFilter narrows ListBills. Empty fields match everything.
type BillFilter struct {
	MeterKind     MeterKind
	MeterID       string
	Month         string
	PaymentStatus PaymentStatus
}

func (f BillFilter) Match(b Bill) bool {
	return (f.MeterKind == "" || b.MeterKind == f.MeterKind) &&
		(f.MeterID == "" || b.MeterID == f.MeterID) &&
		(f.Month == "" || b.Month == f.Month) &&
		(f.PaymentStatus == "" || b.PaymentStatus == f.PaymentStatus)
}

// TariffRecord stores one encoded billing.TariffConfiguration.
type TariffRecord struct {
	CustomerClass string    `json:"customer_class" gorm:"primaryKey;column:customer_class"`
	Year          int       `json:"year" gorm:"primaryKey;autoIncrement:false;column:year"`
	Payload       []byte    `json:"payload" gorm:"column:payload"`
	UpdatedAt     time.Time `json:"updated_at" gorm:"column:updated_at"`
}

type Setting struct {
	Key       string    `gorm:"primaryKey;column:key"`
	Value     string    `gorm:"column:value"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

type ScheduledJob struct {
	Name           string    `json:"name" gorm:"primaryKey;column:name"`
	LastRunAt      time.Time `json:"last_run_at" gorm:"column:last_run_at"`
	LastDurationMs int64     `json:"last_duration_ms" gorm:"column:last_duration_ms"`
	LastSuccess    int       `json:"last_success" gorm:"column:last_success"`
	LastError      string    `json:"last_error" gorm:"column:last_error"`
}

func newID() string {
	return uuid.NewString()
}
