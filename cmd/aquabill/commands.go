package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/bher20/aquabill/internal/alerting"
	"github.com/bher20/aquabill/internal/api"
	"github.com/bher20/aquabill/internal/billing"
	"github.com/bher20/aquabill/internal/cron"
	"github.com/bher20/aquabill/internal/migrate"
	"github.com/bher20/aquabill/internal/portal"
	"github.com/bher20/aquabill/internal/tariff"
)

func (a *app) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, closeFn, err := a.openService(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			srv := &http.Server{
				Addr:              a.cfg.Addr(),
				Handler:           api.NewMux(svc, a.log),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				a.log.Infow("aquabill listening", "addr", srv.Addr, "driver", a.cfg.DB.Driver)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return fmt.Errorf("server failed: %w", err)
			case <-ctx.Done():
			}

			a.log.Infow("aquabill shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}

func (a *app) workerCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the scheduled monthly bill run",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, closeFn, err := a.openService(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			run, err := cron.NewBillRun(svc, cron.Options{
				Schedule: a.cfg.Billing.Schedule,
				Workers:  a.cfg.Billing.Workers,
				Month:    a.cfg.Billing.Month,
				Logger:   a.log,
				Notifier: alerting.NewAlerter(a.cfg.Alerting, a.log),
			})
			if err != nil {
				return err
			}
			if once {
				res, ran, err := run.RunOnce(ctx)
				if !ran && err == nil {
					return errors.New("bill run skipped: advisory lock held by another worker")
				}
				if encErr := printJSON(res); encErr != nil {
					return encErr
				}
				return err
			}
			if err := run.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single bill run and exit")
	return cmd
}

func (a *app) migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := a.init(); err != nil {
				return err
			}
			if a.cfg.DB.Driver == "memory" {
				return errors.New("migrate needs db.driver sqlite or postgres")
			}
			return nil
		},
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				return migrate.Up(cmd.Context(), a.cfg.DB.Driver, a.dsn())
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the latest migration",
			RunE: func(cmd *cobra.Command, args []string) error {
				return migrate.Down(cmd.Context(), a.cfg.DB.Driver, a.dsn())
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Print migration status",
			RunE: func(cmd *cobra.Command, args []string) error {
				return migrate.Status(cmd.Context(), a.cfg.DB.Driver, a.dsn())
			},
		},
	)
	return cmd
}

func (a *app) calcCmd() *cobra.Command {
	var (
		usage, class, sewerage, month string
		meterSize                     float64
	)
	cmd := &cobra.Command{
		Use:   "calc",
		Short: "Calculate one bill and print the breakdown as JSON",
		Long: "Calculate one bill. Tariffs come from tariffs.seed_file when set, " +
			"otherwise from the configured storage.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			u, err := decimal.NewFromString(usage)
			if err != nil {
				return fmt.Errorf("usage %q: %w", usage, err)
			}
			cc, ok := billing.ParseCustomerClass(class)
			if !ok {
				return fmt.Errorf("unknown customer class %q", class)
			}
			sw, ok := portal.ParseSewerage(sewerage)
			if !ok {
				return fmt.Errorf("sewerage must be Yes or No, got %q", sewerage)
			}

			var resolver billing.TariffResolver
			seed, err := a.seedTariffs()
			if err != nil {
				return err
			}
			if seed != nil {
				static, err := tariff.NewStaticResolver(seed...)
				if err != nil {
					return err
				}
				for _, c := range static.All() {
					a.log.Debugw("tariffs: serving seed tariff",
						"customer_class", c.CustomerClass, "year", c.Year, "tiers", len(c.Tiers))
				}
				resolver = static
			} else {
				svc, closeFn, err := a.openService(ctx)
				if err != nil {
					return err
				}
				defer closeFn()
				resolver = tariff.NewStoreResolver(svc.Store(), a.log)
			}

			res, err := billing.NewCalculator(resolver, billing.WithLogger(a.log)).CalculateBill(ctx, billing.BillInput{
				Usage:         u,
				CustomerClass: cc,
				Sewerage:      sw,
				MeterSize:     meterSize,
				BillingMonth:  month,
			})
			if err != nil {
				return err
			}
			return printJSON(api.NewCalculateResponse(res))
		},
	}
	f := cmd.Flags()
	f.StringVar(&usage, "usage", "0", "consumption in cubic metres")
	f.StringVar(&class, "class", string(billing.Domestic), "customer class (Domestic or Non-domestic)")
	f.StringVar(&sewerage, "sewerage", "No", "sewerage connection (Yes or No)")
	f.Float64Var(&meterSize, "meter-size", 0.5, "meter size in inches")
	f.StringVar(&month, "month", time.Now().Format("2006-01"), "billing month (YYYY-MM)")
	return cmd
}

func (a *app) tariffsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tariffs",
		Short: "Manage stored tariffs",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "import [file]",
		Short: "Store every tariff from a YAML seed file, replacing existing ones",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			path := a.cfg.Tariffs.SeedFile
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				return errors.New("no seed file: pass one or set tariffs.seed_file")
			}
			cfgs, err := tariff.LoadSeed(path)
			if err != nil {
				return err
			}

			// Open without the seed so PutTariff does the writing.
			a.cfg.Tariffs.SeedFile = ""
			svc, closeFn, err := a.openService(ctx)
			if err != nil {
				return err
			}
			defer closeFn()
			for _, c := range cfgs {
				if err := svc.PutTariff(ctx, c); err != nil {
					return err
				}
			}
			a.log.Infow("tariffs: import complete", "path", path, "tariffs", len(cfgs))
			return nil
		},
	})
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
