package storage

import (
	"context"
	"time"
)

// Storage abstracts persistence for the billing portal. Getters return
// (nil, nil) when the row does not exist.
type Storage interface {
	// Customers
	CreateCustomer(ctx context.Context, c *Customer) error
	GetCustomer(ctx context.Context, id string) (*Customer, error)
	ListCustomers(ctx context.Context) ([]Customer, error)
	ListCustomersByBulkMeter(ctx context.Context, bulkMeterID string) ([]Customer, error)
	UpdateCustomer(ctx context.Context, c Customer) error

	// Bulk meters
	CreateBulkMeter(ctx context.Context, m *BulkMeter) error
	GetBulkMeter(ctx context.Context, id string) (*BulkMeter, error)
	ListBulkMeters(ctx context.Context) ([]BulkMeter, error)

	// Readings
	SaveReading(ctx context.Context, r *Reading) error
	GetReading(ctx context.Context, kind MeterKind, meterID, month string) (*Reading, error)
	ListReadings(ctx context.Context, month string) ([]Reading, error)

	// Bills
	SaveBill(ctx context.Context, b *Bill) error
	GetBill(ctx context.Context, id string) (*Bill, error)
	GetBillForMeter(ctx context.Context, kind MeterKind, meterID, month string) (*Bill, error)
	ListBills(ctx context.Context, f BillFilter) ([]Bill, error)
	SetBillPaymentStatus(ctx context.Context, id string, status PaymentStatus, paidAt *time.Time) error

	// Tariffs
	UpsertTariff(ctx context.Context, t TariffRecord) error
	GetTariff(ctx context.Context, class string, year int) (*TariffRecord, error)
	ListTariffs(ctx context.Context) ([]TariffRecord, error)

	// Settings
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error

	// Scheduled jobs and locking
	AcquireAdvisoryLock(ctx context.Context, key int64) (bool, error)
	ReleaseAdvisoryLock(ctx context.Context, key int64) (bool, error)
	UpdateScheduledJob(ctx context.Context, name string, started time.Time, dur time.Duration, success bool, errMsg string) error
	GetScheduledJob(ctx context.Context, name string) (*ScheduledJob, error)

	// ReportPoolStats publishes connection pool gauges; a no-op without a pool.
	ReportPoolStats()
	Ping(ctx context.Context) error
	// Close releases any resources (no-op for in-memory).
	Close() error
}
