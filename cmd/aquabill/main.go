package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bher20/aquabill/internal/billing"
	"github.com/bher20/aquabill/internal/config"
	"github.com/bher20/aquabill/internal/logging"
	"github.com/bher20/aquabill/internal/migrate"
	"github.com/bher20/aquabill/internal/portal"
	"github.com/bher20/aquabill/internal/storage"
	"github.com/bher20/aquabill/internal/tariff"
)

// app carries what every subcommand needs once the root command has loaded
// configuration.
type app struct {
	configPath string
	cfg        *config.Config
	log        *zap.SugaredLogger
}

func main() {
	// Errors raised before configuration loads still get a logger.
	a := &app{log: logging.Nop()}
	root := &cobra.Command{
		Use:           "aquabill",
		Short:         "Water utility billing portal",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "path to a config file (default: aquabill.yaml in ., ./config, /etc/aquabill)")

	root.AddCommand(
		a.serveCmd(),
		a.workerCmd(),
		a.migrateCmd(),
		a.calcCmd(),
		a.tariffsCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "aquabill:", err)
		os.Exit(1)
	}
}

func (a *app) init() error {
	var err error
	if a.configPath != "" {
		a.cfg, err = config.LoadFile(a.configPath)
	} else {
		a.cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	a.log, err = logging.New(a.cfg.Log.Level)
	return err
}

func (a *app) dsn() string {
	if a.cfg.DB.DSN != "" {
		return a.cfg.DB.DSN
	}
	return storage.DefaultDSN(a.cfg.DB.Driver)
}

// seedTariffs reads the configured seed file. No file means no seed.
func (a *app) seedTariffs() ([]*billing.TariffConfiguration, error) {
	if a.cfg.Tariffs.SeedFile == "" {
		return nil, nil
	}
	cfgs, err := tariff.LoadSeed(a.cfg.Tariffs.SeedFile)
	if err != nil {
		return nil, err
	}
	a.log.Infow("tariffs: loaded seed file", "path", a.cfg.Tariffs.SeedFile, "tariffs", len(cfgs))
	return cfgs, nil
}

// openService opens storage, runs migrations when configured and assembles
// the portal service over a cached store-backed resolver.
func (a *app) openService(ctx context.Context) (*portal.Service, func(), error) {
	if a.cfg.DB.AutoMigrate && a.cfg.DB.Driver != "memory" {
		if err := migrate.Up(ctx, a.cfg.DB.Driver, a.dsn()); err != nil {
			return nil, nil, fmt.Errorf("auto-migration: %w", err)
		}
		a.log.Infow("migrate: schema up to date", "driver", a.cfg.DB.Driver)
	}

	seed, err := a.seedTariffs()
	if err != nil {
		return nil, nil, err
	}
	recs, err := tariff.Records(seed)
	if err != nil {
		return nil, nil, err
	}
	st, err := storage.Open(ctx, storage.Config{
		Driver:  a.cfg.DB.Driver,
		DSN:     a.cfg.DB.DSN,
		Tariffs: recs,
		Logger:  a.log,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open storage: %w", err)
	}

	resolver := tariff.NewCachedResolver(tariff.NewStoreResolver(st, a.log), a.cfg.Tariffs.CacheTTL)
	calc := billing.NewCalculator(resolver, billing.WithLogger(a.log))
	svc := portal.NewService(st, calc,
		portal.WithLogger(a.log),
		portal.WithTariffCache(resolver),
	)
	closeFn := func() {
		if err := st.Close(); err != nil {
			a.log.Warnw("storage: close failed", "error", err)
		}
	}
	return svc, closeFn, nil
}
