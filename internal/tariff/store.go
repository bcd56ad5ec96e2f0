// Package tariff adapts storage, seed files and caches to billing.TariffResolver.
package tariff

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/bher20/aquabill/internal/billing"
	"github.com/bher20/aquabill/internal/storage"
)

// Store is the slice of storage.Storage the resolver needs.
type Store interface {
	GetTariff(ctx context.Context, class string, year int) (*storage.TariffRecord, error)
}

// StoreResolver loads tariff rows from storage. Rows that are missing, cannot
// be decoded, have no tiers or fail validation resolve as not found; storage
// errors are returned as faults.
type StoreResolver struct {
	store Store
	log   *zap.SugaredLogger
}

func NewStoreResolver(store Store, log *zap.SugaredLogger) *StoreResolver {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &StoreResolver{store: store, log: log}
}

func (r *StoreResolver) Resolve(ctx context.Context, class billing.CustomerClass, year int) (*billing.TariffConfiguration, error) {
	rec, err := r.store.GetTariff(ctx, string(class), year)
	if err != nil {
		return nil, fmt.Errorf("tariff store: %w", err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: no row for %s/%d", billing.ErrTariffNotFound, class, year)
	}

	cfg, err := billing.DecodeTariff(rec.Payload)
	if err != nil {
		r.log.Warnw("tariff: stored payload is not decodable", "customer_class", class, "year", year, "error", err)
		return nil, fmt.Errorf("%w: undecodable payload for %s/%d", billing.ErrTariffNotFound, class, year)
	}
	if cfg.CustomerClass == "" {
		cfg.CustomerClass = class
	}
	if cfg.Year == 0 {
		cfg.Year = year
	}
	if cfg.CustomerClass != class || cfg.Year != year {
		r.log.Warnw("tariff: stored payload is keyed differently",
			"customer_class", class, "year", year,
			"payload_class", cfg.CustomerClass, "payload_year", cfg.Year)
		return nil, fmt.Errorf("%w: payload for %s/%d does not match its key", billing.ErrTariffNotFound, class, year)
	}
	if len(cfg.Tiers) == 0 {
		return nil, fmt.Errorf("%w: %s/%d has no tiers", billing.ErrTariffNotFound, class, year)
	}
	if err := cfg.Validate(); err != nil {
		r.log.Warnw("tariff: stored configuration is invalid", "customer_class", class, "year", year, "error", err)
		return nil, fmt.Errorf("%w: %v", billing.ErrTariffNotFound, err)
	}
	return cfg, nil
}

// Record encodes a configuration as a storage row.
func Record(cfg *billing.TariffConfiguration) (storage.TariffRecord, error) {
	payload, err := billing.EncodeTariff(cfg)
	if err != nil {
		return storage.TariffRecord{}, fmt.Errorf("encode tariff %s/%d: %w", cfg.CustomerClass, cfg.Year, err)
	}
	return storage.TariffRecord{
		CustomerClass: string(cfg.CustomerClass),
		Year:          cfg.Year,
		Payload:       payload,
	}, nil
}

// Records encodes a list of configurations.
func Records(cfgs []*billing.TariffConfiguration) ([]storage.TariffRecord, error) {
	out := make([]storage.TariffRecord, 0, len(cfgs))
	for _, c := range cfgs {
		rec, err := Record(c)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
