package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
)

var (
	// ErrDuplicate is returned when a unique key (meter number) is already taken.
	ErrDuplicate = errors.New("storage: duplicate key")
	// ErrNoRows is returned by updates that match nothing.
	ErrNoRows = errors.New("storage: no rows affected")
)

// MemoryStorage is an in-memory Storage implementation, useful for tests and
// simple single-process deployments.
type MemoryStorage struct {
	mu         sync.RWMutex
	customers  map[string]Customer
	bulkMeters map[string]BulkMeter
	readings   map[string]Reading
	bills      map[string]Bill
	tariffs    map[tariffKey]TariffRecord
	settings   map[string]string
	jobs       map[string]ScheduledJob
	locks      map[int64]bool
}

type tariffKey struct {
	class string
	year  int
}

// NewMemory returns an empty MemoryStorage.
func NewMemory() *MemoryStorage {
	return &MemoryStorage{
		customers:  make(map[string]Customer),
		bulkMeters: make(map[string]BulkMeter),
		readings:   make(map[string]Reading),
		bills:      make(map[string]Bill),
		tariffs:    make(map[tariffKey]TariffRecord),
		settings:   make(map[string]string),
		jobs:       make(map[string]ScheduledJob),
		locks:      make(map[int64]bool),
	}
}

// NewMemoryWithTariffs returns a MemoryStorage preloaded with tariff rows.
func NewMemoryWithTariffs(list []TariffRecord) *MemoryStorage {
	m := NewMemory()
	for _, t := range list {
		m.tariffs[tariffKey{t.CustomerClass, t.Year}] = t
	}
	return m
}

func (m *MemoryStorage) Close() error { return nil }

func (m *MemoryStorage) Ping(ctx context.Context) error { return nil }

func (m *MemoryStorage) ReportPoolStats() {}

// Customers

func (m *MemoryStorage) CreateCustomer(ctx context.Context, c *Customer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.meterNumberTaken(c.MeterNumber, c.ID) {
		return ErrDuplicate
	}
	if c.ID == "" {
		c.ID = newID()
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	m.customers[c.ID] = *c
	return nil
}

// meterNumberTaken checks customers and bulk meters; callers hold m.mu.
func (m *MemoryStorage) meterNumberTaken(number, exceptID string) bool {
	if number == "" {
		return false
	}
	for id, c := range m.customers {
		if id != exceptID && c.MeterNumber == number {
			return true
		}
	}
	for id, b := range m.bulkMeters {
		if id != exceptID && b.MeterNumber == number {
			return true
		}
	}
	return false
}

func (m *MemoryStorage) GetCustomer(ctx context.Context, id string) (*Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.customers[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m *MemoryStorage) ListCustomers(ctx context.Context) ([]Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := lo.Values(m.customers)
	sortByCreated(out, func(c Customer) (time.Time, string) { return c.CreatedAt, c.ID })
	return out, nil
}

func (m *MemoryStorage) ListCustomersByBulkMeter(ctx context.Context, bulkMeterID string) ([]Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := lo.Filter(lo.Values(m.customers), func(c Customer, _ int) bool {
		return c.BulkMeterID == bulkMeterID
	})
	sortByCreated(out, func(c Customer) (time.Time, string) { return c.CreatedAt, c.ID })
	return out, nil
}

func (m *MemoryStorage) UpdateCustomer(ctx context.Context, c Customer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.customers[c.ID]
	if !ok {
		return ErrNoRows
	}
	if m.meterNumberTaken(c.MeterNumber, c.ID) {
		return ErrDuplicate
	}
	c.CreatedAt = prev.CreatedAt
	c.UpdatedAt = time.Now().UTC()
	m.customers[c.ID] = c
	return nil
}

// Bulk meters

func (m *MemoryStorage) CreateBulkMeter(ctx context.Context, b *BulkMeter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.meterNumberTaken(b.MeterNumber, b.ID) {
		return ErrDuplicate
	}
	if b.ID == "" {
		b.ID = newID()
	}
	now := time.Now().UTC()
	b.CreatedAt, b.UpdatedAt = now, now
	m.bulkMeters[b.ID] = *b
	return nil
}

func (m *MemoryStorage) GetBulkMeter(ctx context.Context, id string) (*BulkMeter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bulkMeters[id]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (m *MemoryStorage) ListBulkMeters(ctx context.Context) ([]BulkMeter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := lo.Values(m.bulkMeters)
	sortByCreated(out, func(b BulkMeter) (time.Time, string) { return b.CreatedAt, b.ID })
	return out, nil
}

// Readings

func (m *MemoryStorage) SaveReading(ctx context.Context, r *Reading) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == "" {
		if prev, ok := m.findReading(r.MeterKind, r.MeterID, r.Month); ok {
			r.ID = prev.ID
		} else {
			r.ID = newID()
		}
	}
	if r.RecordedAt.IsZero() {
		r.RecordedAt = time.Now().UTC()
	}
	m.readings[r.ID] = *r
	return nil
}

func (m *MemoryStorage) findReading(kind MeterKind, meterID, month string) (Reading, bool) {
	return lo.Find(lo.Values(m.readings), func(r Reading) bool {
		return r.MeterKind == kind && r.MeterID == meterID && r.Month == month
	})
}

func (m *MemoryStorage) GetReading(ctx context.Context, kind MeterKind, meterID, month string) (*Reading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.findReading(kind, meterID, month)
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (m *MemoryStorage) ListReadings(ctx context.Context, month string) ([]Reading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := lo.Filter(lo.Values(m.readings), func(r Reading, _ int) bool {
		return month == "" || r.Month == month
	})
	sortByCreated(out, func(r Reading) (time.Time, string) { return r.RecordedAt, r.ID })
	return out, nil
}

// Bills

func (m *MemoryStorage) SaveBill(ctx context.Context, b *Bill) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if b.ID == "" {
		if prev, ok := m.findBill(b.MeterKind, b.MeterID, b.Month); ok {
			b.ID = prev.ID
			b.CreatedAt = prev.CreatedAt
		} else {
			b.ID = newID()
		}
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	if b.PaymentStatus == "" {
		b.PaymentStatus = PaymentUnpaid
	}
	b.UpdatedAt = now
	m.bills[b.ID] = cloneBill(*b)
	return nil
}

func (m *MemoryStorage) findBill(kind MeterKind, meterID, month string) (Bill, bool) {
	return lo.Find(lo.Values(m.bills), func(b Bill) bool {
		return b.MeterKind == kind && b.MeterID == meterID && b.Month == month
	})
}

func (m *MemoryStorage) GetBill(ctx context.Context, id string) (*Bill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bills[id]
	if !ok {
		return nil, nil
	}
	cp := cloneBill(b)
	return &cp, nil
}

func (m *MemoryStorage) GetBillForMeter(ctx context.Context, kind MeterKind, meterID, month string) (*Bill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.findBill(kind, meterID, month)
	if !ok {
		return nil, nil
	}
	cp := cloneBill(b)
	return &cp, nil
}

func (m *MemoryStorage) ListBills(ctx context.Context, f BillFilter) ([]Bill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := lo.FilterMap(lo.Values(m.bills), func(b Bill, _ int) (Bill, bool) {
		return cloneBill(b), f.Match(b)
	})
	sortByCreated(out, func(b Bill) (time.Time, string) { return b.CreatedAt, b.ID })
	return out, nil
}

func (m *MemoryStorage) SetBillPaymentStatus(ctx context.Context, id string, status PaymentStatus, paidAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bills[id]
	if !ok {
		return ErrNoRows
	}
	b.PaymentStatus = status
	b.PaidAt = paidAt
	b.UpdatedAt = time.Now().UTC()
	m.bills[id] = cloneBill(b)
	return nil
}

func cloneBill(b Bill) Bill {
	if b.PaidAt != nil {
		t := *b.PaidAt
		b.PaidAt = &t
	}
	return b
}

// Tariffs

func (m *MemoryStorage) UpsertTariff(ctx context.Context, t TariffRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now().UTC()
	}
	t.Payload = append([]byte(nil), t.Payload...)
	m.tariffs[tariffKey{t.CustomerClass, t.Year}] = t
	return nil
}

func (m *MemoryStorage) GetTariff(ctx context.Context, class string, year int) (*TariffRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tariffs[tariffKey{class, year}]
	if !ok {
		return nil, nil
	}
	t.Payload = append([]byte(nil), t.Payload...)
	return &t, nil
}

func (m *MemoryStorage) ListTariffs(ctx context.Context) ([]TariffRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := lo.Values(m.tariffs)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Year != out[j].Year {
			return out[i].Year < out[j].Year
		}
		return out[i].CustomerClass < out[j].CustomerClass
	})
	return out, nil
}

// Settings

func (m *MemoryStorage) GetSetting(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings[key], nil
}

func (m *MemoryStorage) SetSetting(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[key] = value
	return nil
}

// Scheduled jobs & locking

// AcquireAdvisoryLock only guards against overlapping runs inside this process.
func (m *MemoryStorage) AcquireAdvisoryLock(ctx context.Context, key int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[key] {
		return false, nil
	}
	m.locks[key] = true
	return true, nil
}

func (m *MemoryStorage) ReleaseAdvisoryLock(ctx context.Context, key int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	held := m.locks[key]
	delete(m.locks, key)
	return held, nil
}

func (m *MemoryStorage) UpdateScheduledJob(ctx context.Context, name string, started time.Time, dur time.Duration, success bool, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[name] = newScheduledJob(name, started, dur, success, errMsg)
	return nil
}

func (m *MemoryStorage) GetScheduledJob(ctx context.Context, name string) (*ScheduledJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[name]
	if !ok {
		return nil, nil
	}
	return &j, nil
}

func newScheduledJob(name string, started time.Time, dur time.Duration, success bool, errMsg string) ScheduledJob {
	status := 0
	if success {
		status = 1
	}
	return ScheduledJob{
		Name:           name,
		LastRunAt:      started,
		LastDurationMs: dur.Milliseconds(),
		LastSuccess:    status,
		LastError:      errMsg,
	}
}

func sortByCreated[T any](items []T, key func(T) (time.Time, string)) {
	sort.SliceStable(items, func(i, j int) bool {
		ti, idi := key(items[i])
		tj, idj := key(items[j])
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return idi < idj
	})
}
