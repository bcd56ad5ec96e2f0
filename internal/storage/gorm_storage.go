package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/bher20/aquabill/internal/metrics"
)

type GormStorage struct {
	db     *gorm.DB
	driver string
	// locker holds session-level advisory locks on dedicated connections;
	// nil for sqlite.
	locker *PostgresLocker
}

func NewGormStorage(driver, dsn string) (*GormStorage, error) {
	var gormDialector gorm.Dialector
	switch driver {
	case "postgres":
		gormDialector = postgres.Open(dsn)
	case "sqlite":
		gormDialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}

	db, err := gorm.Open(gormDialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	return &GormStorage{db: db, driver: driver}, nil
}

// WithLocker attaches a pgxpool-backed advisory locker.
func (s *GormStorage) WithLocker(l *PostgresLocker) *GormStorage {
	s.locker = l
	return s
}

func (s *GormStorage) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&Customer{},
		&BulkMeter{},
		&Reading{},
		&Bill{},
		&TariffRecord{},
		&Setting{},
		&ScheduledJob{},
	)
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	return err
}

// meterNumberTaken reports whether a customer or bulk meter other than
// exceptID already uses number. Meter numbers are unique across both tables.
func meterNumberTaken(tx *gorm.DB, number, exceptID string) (bool, error) {
	if number == "" {
		return false, nil
	}
	for _, model := range []any{&Customer{}, &BulkMeter{}} {
		var n int64
		if err := tx.Model(model).Where("meter_number = ? AND id <> ?", number, exceptID).Count(&n).Error; err != nil {
			return false, err
		}
		if n > 0 {
			return true, nil
		}
	}
	return false, nil
}

// createMeter inserts a customer or bulk meter after the cross-table meter
// number check.
func (s *GormStorage) createMeter(ctx context.Context, row any, number, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		taken, err := meterNumberTaken(tx, number, id)
		if err != nil {
			return err
		}
		if taken {
			return ErrDuplicate
		}
		return translate(tx.Create(row).Error)
	})
}

// Customers

func (s *GormStorage) CreateCustomer(ctx context.Context, c *Customer) error {
	if c.ID == "" {
		c.ID = newID()
	}
	return s.createMeter(ctx, c, c.MeterNumber, c.ID)
}

func (s *GormStorage) GetCustomer(ctx context.Context, id string) (*Customer, error) {
	var c Customer
	result := s.db.WithContext(ctx).First(&c, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &c, nil
}

func (s *GormStorage) ListCustomers(ctx context.Context) ([]Customer, error) {
	var out []Customer
	result := s.db.WithContext(ctx).Order("created_at, id").Find(&out)
	return out, result.Error
}

func (s *GormStorage) ListCustomersByBulkMeter(ctx context.Context, bulkMeterID string) ([]Customer, error) {
	var out []Customer
	result := s.db.WithContext(ctx).Where("bulk_meter_id = ?", bulkMeterID).Order("created_at, id").Find(&out)
	return out, result.Error
}

func (s *GormStorage) UpdateCustomer(ctx context.Context, c Customer) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&Customer{}).Where("id = ?", c.ID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return ErrNoRows
		}
		taken, err := meterNumberTaken(tx, c.MeterNumber, c.ID)
		if err != nil {
			return err
		}
		if taken {
			return ErrDuplicate
		}
		result := tx.Model(&Customer{}).Where("id = ?", c.ID).Updates(map[string]any{
			"name":           c.Name,
			"meter_number":   c.MeterNumber,
			"customer_class": c.CustomerClass,
			"meter_size":     c.MeterSize,
			"sewerage":       c.Sewerage,
			"bulk_meter_id":  c.BulkMeterID,
			"status":         c.Status,
			"updated_at":     time.Now().UTC(),
		})
		return translate(result.Error)
	})
}

// Bulk meters

func (s *GormStorage) CreateBulkMeter(ctx context.Context, b *BulkMeter) error {
	if b.ID == "" {
		b.ID = newID()
	}
	return s.createMeter(ctx, b, b.MeterNumber, b.ID)
}

func (s *GormStorage) GetBulkMeter(ctx context.Context, id string) (*BulkMeter, error) {
	var b BulkMeter
	result := s.db.WithContext(ctx).First(&b, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &b, nil
}

func (s *GormStorage) ListBulkMeters(ctx context.Context) ([]BulkMeter, error) {
	var out []BulkMeter
	result := s.db.WithContext(ctx).Order("created_at, id").Find(&out)
	return out, result.Error
}

// Readings

func (s *GormStorage) SaveReading(ctx context.Context, r *Reading) error {
	if r.RecordedAt.IsZero() {
		r.RecordedAt = time.Now().UTC()
	}
	if r.ID == "" {
		prev, err := s.GetReading(ctx, r.MeterKind, r.MeterID, r.Month)
		if err != nil {
			return err
		}
		if prev != nil {
			r.ID = prev.ID
		} else {
			r.ID = newID()
		}
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(r).Error
}

func (s *GormStorage) GetReading(ctx context.Context, kind MeterKind, meterID, month string) (*Reading, error) {
	var r Reading
	result := s.db.WithContext(ctx).First(&r, "meter_kind = ? AND meter_id = ? AND month = ?", kind, meterID, month)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &r, nil
}

func (s *GormStorage) ListReadings(ctx context.Context, month string) ([]Reading, error) {
	var out []Reading
	q := s.db.WithContext(ctx).Order("recorded_at, id")
	if month != "" {
		q = q.Where("month = ?", month)
	}
	result := q.Find(&out)
	return out, result.Error
}

// Bills

func (s *GormStorage) SaveBill(ctx context.Context, b *Bill) error {
	now := time.Now().UTC()
	if b.ID == "" {
		prev, err := s.GetBillForMeter(ctx, b.MeterKind, b.MeterID, b.Month)
		if err != nil {
			return err
		}
		if prev != nil {
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
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(b).Error
}

func (s *GormStorage) GetBill(ctx context.Context, id string) (*Bill, error) {
	var b Bill
	result := s.db.WithContext(ctx).First(&b, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &b, nil
}

func (s *GormStorage) GetBillForMeter(ctx context.Context, kind MeterKind, meterID, month string) (*Bill, error) {
	var b Bill
	result := s.db.WithContext(ctx).First(&b, "meter_kind = ? AND meter_id = ? AND month = ?", kind, meterID, month)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &b, nil
}

func (s *GormStorage) ListBills(ctx context.Context, f BillFilter) ([]Bill, error) {
	var out []Bill
	q := s.db.WithContext(ctx).Order("created_at, id")
	if f.MeterKind != "" {
		q = q.Where("meter_kind = ?", f.MeterKind)
	}
	if f.MeterID != "" {
		q = q.Where("meter_id = ?", f.MeterID)
	}
	if f.Month != "" {
		q = q.Where("month = ?", f.Month)
	}
	if f.PaymentStatus != "" {
		q = q.Where("payment_status = ?", f.PaymentStatus)
	}
	result := q.Find(&out)
	return out, result.Error
}

func (s *GormStorage) SetBillPaymentStatus(ctx context.Context, id string, status PaymentStatus, paidAt *time.Time) error {
	result := s.db.WithContext(ctx).Model(&Bill{}).Where("id = ?", id).Updates(map[string]any{
		"payment_status": status,
		"paid_at":        paidAt,
		"updated_at":     time.Now().UTC(),
	})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNoRows
	}
	return nil
}

// Tariffs

func (s *GormStorage) UpsertTariff(ctx context.Context, t TariffRecord) error {
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "customer_class"}, {Name: "year"}},
		UpdateAll: true,
	}).Create(&t).Error
}

func (s *GormStorage) GetTariff(ctx context.Context, class string, year int) (*TariffRecord, error) {
	var t TariffRecord
	result := s.db.WithContext(ctx).First(&t, "customer_class = ? AND year = ?", class, year)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &t, nil
}

func (s *GormStorage) ListTariffs(ctx context.Context) ([]TariffRecord, error) {
	var out []TariffRecord
	result := s.db.WithContext(ctx).Order("year, customer_class").Find(&out)
	return out, result.Error
}

// Settings

func (s *GormStorage) GetSetting(ctx context.Context, key string) (string, error) {
	var setting Setting
	result := s.db.WithContext(ctx).First(&setting, "key = ?", key)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", result.Error
	}
	return setting.Value, nil
}

func (s *GormStorage) SetSetting(ctx context.Context, key, value string) error {
	setting := Setting{
		Key:       key,
		Value:     value,
		UpdatedAt: time.Now().UTC(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		UpdateAll: true,
	}).Create(&setting).Error
}

// Close & Ping

func (s *GormStorage) Close() error {
	if s.locker != nil {
		s.locker.Close()
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStorage) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// ReportPoolStats publishes database/sql pool stats under the gorm driver
// label, plus the pgxpool stats of the locker when one is attached.
func (s *GormStorage) ReportPoolStats() {
	if sqlDB, err := s.db.DB(); err == nil {
		st := sqlDB.Stats()
		metrics.UpdateDBPoolMetrics("gorm_"+s.driver,
			float64(st.OpenConnections), float64(st.Idle), float64(st.InUse), st.WaitCount)
	}
	if s.locker != nil {
		s.locker.ReportPoolStats()
	}
}

// Scheduled Jobs & Locking

func (s *GormStorage) AcquireAdvisoryLock(ctx context.Context, key int64) (bool, error) {
	if s.locker != nil {
		return s.locker.Acquire(ctx, key)
	}
	// For SQLite, no advisory locks, assume always successful (single instance)
	return true, nil
}

func (s *GormStorage) ReleaseAdvisoryLock(ctx context.Context, key int64) (bool, error) {
	if s.locker != nil {
		return s.locker.Release(ctx, key)
	}
	return true, nil
}

func (s *GormStorage) UpdateScheduledJob(ctx context.Context, name string, started time.Time, dur time.Duration, success bool, errMsg string) error {
	job := newScheduledJob(name, started, dur, success, errMsg)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		UpdateAll: true,
	}).Create(&job).Error
}

func (s *GormStorage) GetScheduledJob(ctx context.Context, name string) (*ScheduledJob, error) {
	var job ScheduledJob
	result := s.db.WithContext(ctx).First(&job, "name = ?", name)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &job, nil
}
