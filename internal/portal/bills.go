package portal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/bher20/aquabill/internal/billing"
	"github.com/bher20/aquabill/internal/storage"
)

type ReadingInput struct {
	MeterKind storage.MeterKind
	MeterID   string
	Month     string
	Previous  decimal.Decimal
	Current   decimal.Decimal
}

// ReadingResult is a stored reading and the bill generated from it.
type ReadingResult struct {
	Reading storage.Reading `json:"reading"`
	Bill    storage.Bill    `json:"bill"`
}

// RecordReading stores a month's reading for a meter and (re)generates that
// month's bill. A current value below the previous one is rejected.
func (s *Service) RecordReading(ctx context.Context, in ReadingInput) (*ReadingResult, error) {
	if !in.MeterKind.Valid() {
		return nil, invalid("meter kind must be customer or bulk")
	}
	if in.MeterID == "" {
		return nil, invalid("meter id is required")
	}
	if !ValidMonth(in.Month) {
		return nil, invalid("month %q is not YYYY-MM", in.Month)
	}
	if in.Previous.IsNegative() {
		return nil, invalid("previous reading is negative")
	}
	if in.Current.LessThan(in.Previous) {
		return nil, ErrReadingDecrease
	}
	if _, err := s.meterProfile(ctx, in.MeterKind, in.MeterID); err != nil {
		return nil, err
	}

	r := storage.Reading{
		MeterKind:  in.MeterKind,
		MeterID:    in.MeterID,
		Month:      in.Month,
		Previous:   in.Previous,
		Current:    in.Current,
		RecordedAt: s.now().UTC(),
	}
	if err := s.store.SaveReading(ctx, &r); err != nil {
		return nil, fmt.Errorf("save reading: %w", err)
	}

	bill, err := s.GenerateBill(ctx, r)
	if err != nil {
		return nil, err
	}
	return &ReadingResult{Reading: r, Bill: *bill}, nil
}

// GenerateBill rates a reading with its meter's profile and stores the bill.
// A bill that already exists for the meter and month is replaced in place and
// keeps its payment status.
func (s *Service) GenerateBill(ctx context.Context, r storage.Reading) (*storage.Bill, error) {
	p, err := s.meterProfile(ctx, r.MeterKind, r.MeterID)
	if err != nil {
		return nil, err
	}

	usage := r.Usage()
	res, err := s.Calculate(ctx, billing.BillInput{
		Usage:         usage,
		CustomerClass: p.Class,
		Sewerage:      p.Sewerage,
		MeterSize:     p.MeterSize,
		BillingMonth:  r.Month,
	})
	if err != nil {
		return nil, fmt.Errorf("calculate bill for %s %s %s: %w", r.MeterKind, r.MeterID, r.Month, err)
	}

	bill := storage.Bill{
		MeterKind:     r.MeterKind,
		MeterID:       r.MeterID,
		Month:         r.Month,
		Usage:         usage,
		Warning:       string(res.Warning),
		PaymentStatus: storage.PaymentUnpaid,
	}
	prev, err := s.store.GetBillForMeter(ctx, r.MeterKind, r.MeterID, r.Month)
	if err != nil {
		return nil, fmt.Errorf("get bill: %w", err)
	}
	if prev != nil {
		bill.ID = prev.ID
		bill.CreatedAt = prev.CreatedAt
		bill.PaymentStatus = prev.PaymentStatus
		bill.PaidAt = prev.PaidAt
	}
	bill.SetBreakdown(res.Breakdown)

	if err := s.store.SaveBill(ctx, &bill); err != nil {
		return nil, fmt.Errorf("save bill: %w", err)
	}
	if res.HasWarning() {
		s.log.Warnw("portal: bill generated at zero",
			"meter_kind", r.MeterKind, "meter_id", r.MeterID, "month", r.Month, "warning", res.Warning)
	}
	return &bill, nil
}

// PendingReadings returns the month's readings that have no bill yet.
func (s *Service) PendingReadings(ctx context.Context, month string) ([]storage.Reading, error) {
	readings, err := s.store.ListReadings(ctx, month)
	if err != nil {
		return nil, fmt.Errorf("list readings: %w", err)
	}
	bills, err := s.store.ListBills(ctx, storage.BillFilter{Month: month})
	if err != nil {
		return nil, fmt.Errorf("list bills: %w", err)
	}
	billed := lo.SliceToMap(bills, func(b storage.Bill) (string, bool) {
		return string(b.MeterKind) + ":" + b.MeterID, true
	})
	return lo.Reject(readings, func(r storage.Reading, _ int) bool {
		return billed[string(r.MeterKind)+":"+r.MeterID]
	}), nil
}

func (s *Service) GetBill(ctx context.Context, id string) (*storage.Bill, error) {
	b, err := s.store.GetBill(ctx, id)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, fmt.Errorf("%w: bill %s", ErrNotFound, id)
	}
	return b, nil
}

func (s *Service) ListBills(ctx context.Context, f storage.BillFilter) ([]storage.Bill, error) {
	if f.MeterKind != "" && !f.MeterKind.Valid() {
		return nil, invalid("unknown meter kind %q", f.MeterKind)
	}
	if f.PaymentStatus != "" && !f.PaymentStatus.Valid() {
		return nil, invalid("unknown payment status %q", f.PaymentStatus)
	}
	if f.Month != "" && !ValidMonth(f.Month) {
		return nil, invalid("month %q is not YYYY-MM", f.Month)
	}
	return s.store.ListBills(ctx, f)
}

// MarkBillPaid records payment of a bill.
func (s *Service) MarkBillPaid(ctx context.Context, id string) (*storage.Bill, error) {
	now := s.now().UTC()
	return s.setPaymentStatus(ctx, id, storage.PaymentPaid, &now)
}

// MarkBillUnpaid reverts a payment.
func (s *Service) MarkBillUnpaid(ctx context.Context, id string) (*storage.Bill, error) {
	return s.setPaymentStatus(ctx, id, storage.PaymentUnpaid, nil)
}

func (s *Service) setPaymentStatus(ctx context.Context, id string, status storage.PaymentStatus, paidAt *time.Time) (*storage.Bill, error) {
	if err := s.store.SetBillPaymentStatus(ctx, id, status, paidAt); err != nil {
		if errors.Is(err, storage.ErrNoRows) {
			return nil, fmt.Errorf("%w: bill %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("set payment status: %w", err)
	}
	s.log.Infow("portal: bill payment status changed", "bill_id", id, "status", status)
	return s.GetBill(ctx, id)
}

// Reconciliation reports a bulk meter against its dependent customers for one
// month. Customers fed by the bulk meter that have no bill for the month are
// listed in MissingCustomerIDs and left out of the sums.
type Reconciliation struct {
	BulkMeterID        string          `json:"bulk_meter_id"`
	Month              string          `json:"month"`
	BulkUsage          decimal.Decimal `json:"bulk_usage"`
	BulkTotal          decimal.Decimal `json:"bulk_total"`
	DependentUsage     decimal.Decimal `json:"dependent_usage"`
	DependentTotal     decimal.Decimal `json:"dependent_total"`
	DependentCount     int             `json:"dependent_count"`
	MissingCustomerIDs []string        `json:"missing_customer_ids"`
	billing.ReconciliationResult
}

func (s *Service) ReconcileBulkMeter(ctx context.Context, bulkMeterID, month string) (*Reconciliation, error) {
	if !ValidMonth(month) {
		return nil, invalid("month %q is not YYYY-MM", month)
	}
	if _, err := s.GetBulkMeter(ctx, bulkMeterID); err != nil {
		return nil, err
	}

	bulkBill, err := s.store.GetBillForMeter(ctx, storage.MeterKindBulk, bulkMeterID, month)
	if err != nil {
		return nil, fmt.Errorf("get bulk bill: %w", err)
	}
	if bulkBill == nil {
		reading, err := s.store.GetReading(ctx, storage.MeterKindBulk, bulkMeterID, month)
		if err != nil {
			return nil, fmt.Errorf("get bulk reading: %w", err)
		}
		if reading == nil {
			return nil, fmt.Errorf("%w: no reading for bulk meter %s in %s", ErrNotFound, bulkMeterID, month)
		}
		if bulkBill, err = s.GenerateBill(ctx, *reading); err != nil {
			return nil, err
		}
	}

	customers, err := s.store.ListCustomersByBulkMeter(ctx, bulkMeterID)
	if err != nil {
		return nil, fmt.Errorf("list dependent customers: %w", err)
	}

	out := &Reconciliation{
		BulkMeterID:        bulkMeterID,
		Month:              month,
		BulkUsage:          bulkBill.Usage,
		BulkTotal:          bulkBill.TotalBill,
		DependentUsage:     decimal.Zero,
		DependentTotal:     decimal.Zero,
		MissingCustomerIDs: []string{},
	}
	var deps []billing.DependentBill
	for _, c := range customers {
		b, err := s.store.GetBillForMeter(ctx, storage.MeterKindCustomer, c.ID, month)
		if err != nil {
			return nil, fmt.Errorf("get bill for customer %s: %w", c.ID, err)
		}
		if b == nil {
			out.MissingCustomerIDs = append(out.MissingCustomerIDs, c.ID)
			continue
		}
		deps = append(deps, billing.DependentBill{Bill: b.Breakdown(), Usage: b.Usage})
		out.DependentUsage = out.DependentUsage.Add(b.Usage)
		out.DependentTotal = out.DependentTotal.Add(b.TotalBill)
	}
	out.DependentCount = len(deps)
	out.ReconciliationResult = billing.Reconcile(bulkBill.Breakdown(), bulkBill.Usage, deps)

	if len(out.MissingCustomerIDs) > 0 {
		s.log.Warnw("portal: reconciliation has customers without a bill",
			"bulk_meter_id", bulkMeterID, "month", month, "missing", len(out.MissingCustomerIDs))
	}
	return out, nil
}
