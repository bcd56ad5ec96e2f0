package storage

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

const (
	defaultSQLiteDSN   = "aquabill.db"
	defaultPostgresDSN = "postgres://localhost:5432/aquabill?sslmode=disable"
)

// Config controls how the storage backend is opened.
type Config struct {
	Driver  string
	DSN     string
	Tariffs []TariffRecord
	Logger  *zap.SugaredLogger
}

// DefaultDSN is the DSN used for driver when none is configured.
func DefaultDSN(driver string) string {
	switch driver {
	case "sqlite":
		return defaultSQLiteDSN
	case "postgres":
		return defaultPostgresDSN
	}
	return ""
}

// Open constructs a Storage based on the given configuration.
func Open(ctx context.Context, cfg Config) (Storage, error) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	drv := cfg.Driver
	if drv == "" {
		drv = "memory"
	}
	switch drv {
	case "memory":
		log.Infow("storage: using in-memory backend")
		return NewMemoryWithTariffs(cfg.Tariffs), nil

	case "sqlite", "postgres":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = DefaultDSN(drv)
		}
		log.Infow("storage: using gorm backend", "driver", drv)
		st, err := NewGormStorage(drv, dsn)
		if err != nil {
			return nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			st.Close()
			return nil, fmt.Errorf("storage migrate: %w", err)
		}
		if drv == "postgres" {
			locker, err := OpenPostgresLocker(ctx, dsn)
			if err != nil {
				st.Close()
				return nil, fmt.Errorf("storage advisory locker: %w", err)
			}
			st.WithLocker(locker)
		}
		// Seed rows never overwrite tariffs already in the database.
		for _, t := range cfg.Tariffs {
			existing, err := st.GetTariff(ctx, t.CustomerClass, t.Year)
			if err == nil && existing != nil {
				continue
			}
			if err == nil {
				err = st.UpsertTariff(ctx, t)
			}
			if err != nil {
				st.Close()
				return nil, fmt.Errorf("storage seed tariff %s/%d: %w", t.CustomerClass, t.Year, err)
			}
		}
		return st, nil

	default:
		return nil, fmt.Errorf("unsupported storage driver %q", drv)
	}
}
