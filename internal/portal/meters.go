package portal

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bher20/aquabill/internal/storage"
)

type CustomerInput struct {
	Name          string
	MeterNumber   string
	CustomerClass string
	MeterSize     float64
	Sewerage      string
	BulkMeterID   string
	Status        string
}

type BulkMeterInput struct {
	Name          string
	MeterNumber   string
	CustomerClass string
	MeterSize     float64
	Sewerage      string
}

func normalizeStatus(s string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "active":
		return storage.StatusActive, nil
	case "inactive":
		return storage.StatusInactive, nil
	}
	return "", invalid("unknown status %q", s)
}

func (s *Service) customerFromInput(ctx context.Context, in CustomerInput) (storage.Customer, error) {
	if strings.TrimSpace(in.Name) == "" || strings.TrimSpace(in.MeterNumber) == "" {
		return storage.Customer{}, invalid("name and meter number are required")
	}
	p, err := parseProfile(in.CustomerClass, in.Sewerage, in.MeterSize)
	if err != nil {
		return storage.Customer{}, err
	}
	status, err := normalizeStatus(in.Status)
	if err != nil {
		return storage.Customer{}, err
	}
	if in.BulkMeterID != "" {
		bm, err := s.store.GetBulkMeter(ctx, in.BulkMeterID)
		if err != nil {
			return storage.Customer{}, fmt.Errorf("get bulk meter %s: %w", in.BulkMeterID, err)
		}
		if bm == nil {
			return storage.Customer{}, fmt.Errorf("%w: bulk meter %s", ErrNotFound, in.BulkMeterID)
		}
	}
	return storage.Customer{
		Name:          strings.TrimSpace(in.Name),
		MeterNumber:   strings.TrimSpace(in.MeterNumber),
		CustomerClass: string(p.Class),
		MeterSize:     p.MeterSize,
		Sewerage:      string(p.Sewerage),
		BulkMeterID:   in.BulkMeterID,
		Status:        status,
	}, nil
}

func conflictOr(err error, what string) error {
	if errors.Is(err, storage.ErrDuplicate) {
		return fmt.Errorf("%w: %s meter number already registered", ErrConflict, what)
	}
	return fmt.Errorf("save %s: %w", what, err)
}

func (s *Service) RegisterCustomer(ctx context.Context, in CustomerInput) (*storage.Customer, error) {
	c, err := s.customerFromInput(ctx, in)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateCustomer(ctx, &c); err != nil {
		return nil, conflictOr(err, "customer")
	}
	s.log.Infow("portal: customer registered", "customer_id", c.ID, "meter_number", c.MeterNumber, "bulk_meter_id", c.BulkMeterID)
	return &c, nil
}

// UpdateCustomer replaces a customer's details. Bills already generated keep
// the profile they were rated with.
func (s *Service) UpdateCustomer(ctx context.Context, id string, in CustomerInput) (*storage.Customer, error) {
	existing, err := s.store.GetCustomer(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get customer %s: %w", id, err)
	}
	if existing == nil {
		return nil, fmt.Errorf("%w: customer %s", ErrNotFound, id)
	}
	c, err := s.customerFromInput(ctx, in)
	if err != nil {
		return nil, err
	}
	c.ID = id
	if err := s.store.UpdateCustomer(ctx, c); err != nil {
		if errors.Is(err, storage.ErrNoRows) {
			return nil, fmt.Errorf("%w: customer %s", ErrNotFound, id)
		}
		return nil, conflictOr(err, "customer")
	}
	return s.store.GetCustomer(ctx, id)
}

func (s *Service) GetCustomer(ctx context.Context, id string) (*storage.Customer, error) {
	c, err := s.store.GetCustomer(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("%w: customer %s", ErrNotFound, id)
	}
	return c, nil
}

func (s *Service) ListCustomers(ctx context.Context) ([]storage.Customer, error) {
	return s.store.ListCustomers(ctx)
}

func (s *Service) RegisterBulkMeter(ctx context.Context, in BulkMeterInput) (*storage.BulkMeter, error) {
	if strings.TrimSpace(in.Name) == "" || strings.TrimSpace(in.MeterNumber) == "" {
		return nil, invalid("name and meter number are required")
	}
	p, err := parseProfile(in.CustomerClass, in.Sewerage, in.MeterSize)
	if err != nil {
		return nil, err
	}
	b := storage.BulkMeter{
		Name:          strings.TrimSpace(in.Name),
		MeterNumber:   strings.TrimSpace(in.MeterNumber),
		CustomerClass: string(p.Class),
		MeterSize:     p.MeterSize,
		Sewerage:      string(p.Sewerage),
		Status:        storage.StatusActive,
	}
	if err := s.store.CreateBulkMeter(ctx, &b); err != nil {
		return nil, conflictOr(err, "bulk meter")
	}
	s.log.Infow("portal: bulk meter registered", "bulk_meter_id", b.ID, "meter_number", b.MeterNumber)
	return &b, nil
}

func (s *Service) GetBulkMeter(ctx context.Context, id string) (*storage.BulkMeter, error) {
	b, err := s.store.GetBulkMeter(ctx, id)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, fmt.Errorf("%w: bulk meter %s", ErrNotFound, id)
	}
	return b, nil
}

func (s *Service) ListBulkMeters(ctx context.Context) ([]storage.BulkMeter, error) {
	return s.store.ListBulkMeters(ctx)
}

// BulkMeterCustomers lists the customers fed by a bulk meter.
func (s *Service) BulkMeterCustomers(ctx context.Context, bulkMeterID string) ([]storage.Customer, error) {
	if _, err := s.GetBulkMeter(ctx, bulkMeterID); err != nil {
		return nil, err
	}
	return s.store.ListCustomersByBulkMeter(ctx, bulkMeterID)
}
