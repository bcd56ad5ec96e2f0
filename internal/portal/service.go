// Package portal is the application layer of the billing portal: it registers
// meters, turns readings into bills and reconciles bulk meters.
package portal

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bher20/aquabill/internal/billing"
	"github.com/bher20/aquabill/internal/metrics"
	"github.com/bher20/aquabill/internal/storage"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("conflict")
	// ErrReadingDecrease rejects a reading whose current value is below the previous one.
	ErrReadingDecrease = fmt.Errorf("%w: current reading is below previous reading", ErrInvalidInput)
)

var monthRe = regexp.MustCompile(`^\d{4}-(0[1-9]|1[0-2])$`)

// ValidMonth reports whether s is a YYYY-MM month with a month of 01-12.
func ValidMonth(s string) bool {
	return monthRe.MatchString(s)
}

// TariffCache is implemented by resolvers that must forget a tariff after it
// is edited.
type TariffCache interface {
	Invalidate(class billing.CustomerClass, year int)
}

type Service struct {
	store storage.Storage
	calc  *billing.Calculator
	cache TariffCache
	log   *zap.SugaredLogger
	now   func() time.Time
}

type Option func(*Service)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

func WithTariffCache(c TariffCache) Option {
	return func(s *Service) { s.cache = c }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store storage.Storage, calc *billing.Calculator, opts ...Option) *Service {
	s := &Service{
		store: store,
		calc:  calc,
		log:   zap.NewNop().Sugar(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store exposes the underlying storage for health checks and jobs.
func (s *Service) Store() storage.Storage { return s.store }

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// MeterProfile is everything about a meter that affects its bill.
type MeterProfile struct {
	Class     billing.CustomerClass
	Sewerage  billing.SewerageConnection
	MeterSize float64
}

func parseProfile(class, sewerage string, size float64) (MeterProfile, error) {
	c, ok := billing.ParseCustomerClass(class)
	if !ok {
		return MeterProfile{}, invalid("unknown customer class %q", class)
	}
	sw, ok := ParseSewerage(sewerage)
	if !ok {
		return MeterProfile{}, invalid("sewerage connection must be Yes or No, got %q", sewerage)
	}
	if size <= 0 {
		return MeterProfile{}, invalid("meter size must be positive")
	}
	return MeterProfile{Class: c, Sewerage: sw, MeterSize: size}, nil
}

// ParseSewerage accepts Yes/No in any case. An empty value means not connected.
func ParseSewerage(s string) (billing.SewerageConnection, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes":
		return billing.SewerageYes, true
	case "no", "":
		return billing.SewerageNo, true
	}
	return "", false
}

func (s *Service) meterProfile(ctx context.Context, kind storage.MeterKind, id string) (MeterProfile, error) {
	switch kind {
	case storage.MeterKindCustomer:
		c, err := s.store.GetCustomer(ctx, id)
		if err != nil {
			return MeterProfile{}, fmt.Errorf("get customer %s: %w", id, err)
		}
		if c == nil {
			return MeterProfile{}, fmt.Errorf("%w: customer %s", ErrNotFound, id)
		}
		return MeterProfile{Class: billing.CustomerClass(c.CustomerClass), Sewerage: billing.SewerageConnection(c.Sewerage), MeterSize: c.MeterSize}, nil
	case storage.MeterKindBulk:
		b, err := s.store.GetBulkMeter(ctx, id)
		if err != nil {
			return MeterProfile{}, fmt.Errorf("get bulk meter %s: %w", id, err)
		}
		if b == nil {
			return MeterProfile{}, fmt.Errorf("%w: bulk meter %s", ErrNotFound, id)
		}
		return MeterProfile{Class: billing.CustomerClass(b.CustomerClass), Sewerage: billing.SewerageConnection(b.Sewerage), MeterSize: b.MeterSize}, nil
	}
	return MeterProfile{}, invalid("unknown meter kind %q", kind)
}

// Calculate rates an ad-hoc usage quantity without persisting anything.
func (s *Service) Calculate(ctx context.Context, in billing.BillInput) (billing.Calculation, error) {
	res, err := s.calc.CalculateBill(ctx, in)
	if err != nil {
		return res, err
	}
	metrics.ObserveCalculation(string(in.CustomerClass), string(res.Warning))
	return res, nil
}
