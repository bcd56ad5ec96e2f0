package portal

import (
	"context"
	"fmt"

	"github.com/bher20/aquabill/internal/billing"
	"github.com/bher20/aquabill/internal/tariff"
)

// PutTariff validates and stores a tariff, replacing any existing one for the
// same class and year. Bills already generated are not re-rated.
func (s *Service) PutTariff(ctx context.Context, cfg *billing.TariffConfiguration) error {
	if cfg == nil {
		return invalid("tariff is required")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	rec, err := tariff.Record(cfg)
	if err != nil {
		return fmt.Errorf("encode tariff: %w", err)
	}
	if err := s.store.UpsertTariff(ctx, rec); err != nil {
		return fmt.Errorf("upsert tariff: %w", err)
	}
	if s.cache != nil {
		s.cache.Invalidate(cfg.CustomerClass, cfg.Year)
	}
	s.log.Infow("portal: tariff updated", "customer_class", cfg.CustomerClass, "year", cfg.Year, "tiers", len(cfg.Tiers))
	return nil
}

func (s *Service) GetTariff(ctx context.Context, class billing.CustomerClass, year int) (*billing.TariffConfiguration, error) {
	rec, err := s.store.GetTariff(ctx, string(class), year)
	if err != nil {
		return nil, fmt.Errorf("get tariff: %w", err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: tariff %s/%d", ErrNotFound, class, year)
	}
	cfg, err := billing.DecodeTariff(rec.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode tariff %s/%d: %w", class, year, err)
	}
	return cfg, nil
}

// ListTariffs returns every stored tariff. Rows that no longer decode are
// logged and skipped.
func (s *Service) ListTariffs(ctx context.Context) ([]*billing.TariffConfiguration, error) {
	recs, err := s.store.ListTariffs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tariffs: %w", err)
	}
	out := make([]*billing.TariffConfiguration, 0, len(recs))
	for _, rec := range recs {
		cfg, err := billing.DecodeTariff(rec.Payload)
		if err != nil {
			s.log.Warnw("portal: skipping undecodable tariff", "customer_class", rec.CustomerClass, "year", rec.Year, "error", err)
			continue
		}
		out = append(out, cfg)
	}
	return out, nil
}
