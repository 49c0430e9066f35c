/*
main.go - Application entry point

PURPOSE:
  CLI for the Tecnotouch vending analytics service. One binary carries the
  HTTP server and the maintenance operations, all sharing the same wiring.

COMMANDS:
  serve          Run the HTTP API server
  import FILE    Import a saved event export from disk
  fetch          Download events from the machine and import them
  backfill       Repair null event-to-transaction links
  update-brands  Assign brands to sales imported before brand resolution

GLOBAL FLAGS:
  --config   YAML config path (optional; defaults apply without it)
  --db       SQLite database path, overrides the config file
  --log-level, --pretty

GRACEFUL SHUTDOWN (serve):
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database connection
  4. Exit

EXAMPLES:
  tecnotouch serve --db=./data/tecnotouch.db
  tecnotouch import exports/september.json
  tecnotouch fetch --from=2026-08-01 --to=2026-08-31

SEE ALSO:
  - api/server.go: Router configuration
  - config: File format and defaults
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sleli/tecnotouch/analytics"
	"github.com/sleli/tecnotouch/api"
	"github.com/sleli/tecnotouch/client"
	"github.com/sleli/tecnotouch/config"
	"github.com/sleli/tecnotouch/logger"
	"github.com/sleli/tecnotouch/machine"
	"github.com/sleli/tecnotouch/pipeline"
	"github.com/sleli/tecnotouch/store/sqlite"
)

var (
	flagConfig   string
	flagDB       string
	flagLogLevel string
	flagPretty   bool
)

// app is the assembled dependency graph shared by every command.
type app struct {
	cfg       config.Config
	log       zerolog.Logger
	store     *sqlite.Store
	importer  *pipeline.Importer
	analytics *analytics.Service
	machine   *client.Client
}

func buildApp() (*app, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagDB != "" {
		cfg.DBPath = flagDB
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	if flagPretty {
		cfg.LogPretty = true
	}

	log := logger.New(cfg.LogLevel, cfg.LogPretty)

	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	mc, err := client.New(cfg.Machine)
	if err != nil {
		store.Close()
		return nil, err
	}

	return &app{
		cfg:       cfg,
		log:       log,
		store:     store,
		importer:  pipeline.New(store),
		analytics: analytics.NewService(store),
		machine:   mc,
	}, nil
}

func (a *app) close() {
	a.store.Close()
}

func (a *app) ctx() context.Context {
	return logger.WithContext(context.Background(), a.log)
}

func main() {
	root := &cobra.Command{
		Use:           "tecnotouch",
		Short:         "Sales analytics for a Tecnotouch vending machine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "YAML config path")
	root.PersistentFlags().StringVar(&flagDB, "db", "", "SQLite database path (overrides config)")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&flagPretty, "pretty", false, "human-readable log output")

	root.AddCommand(serveCmd(), importCmd(), fetchCmd(), backfillCmd(), updateBrandsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.close()

			broker := api.NewBroker()
			fetcher := api.NewFetcher(a.machine, a.importer, a.analytics,
				a.store, broker, a.log, a.cfg.Fetch.HardTimeout(), a.cfg.Machine.IP)
			handler := api.NewHandler(a.store, a.importer, a.analytics,
				a.machine, fetcher, broker, a.log)

			scheduler := api.NewFetchScheduler(fetcher, a.log,
				a.cfg.Fetch.AutoInterval(), a.cfg.Fetch.WindowDays)
			scheduler.Start()
			defer scheduler.Stop()

			server := &http.Server{
				Addr:        a.cfg.ListenAddr,
				Handler:     api.NewRouter(handler),
				ReadTimeout: 15 * time.Second,
				// No write timeout: the SSE progress stream is long-lived.
				IdleTimeout: 60 * time.Second,
			}

			go func() {
				a.log.Info().Str("addr", a.cfg.ListenAddr).Msg("server starting")
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					a.log.Fatal().Err(err).Msg("server failed")
				}
			}()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit

			a.log.Info().Msg("shutting down server")
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server forced to shutdown: %w", err)
			}
			a.log.Info().Msg("server stopped")
			return nil
		},
	}
}

func importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE",
		Short: "Import a saved event export from disk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.close()

			events, err := client.LoadFile(args[0])
			if err != nil {
				if errors.Is(err, machine.ErrNoEvents) {
					a.log.Info().Str("file", args[0]).Msg("no events in file")
					return nil
				}
				return err
			}

			summary, err := a.importer.Import(a.ctx(), events)
			if err != nil {
				return err
			}
			a.log.Info().
				Int("new_events", summary.NewEvents).
				Int("new_sales", summary.NewSales).
				Int("finalized", summary.FinalizedTransactions).
				Msg("file import done")
			return nil
		},
	}
}

func fetchCmd() *cobra.Command {
	var fromStr, toStr string
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Download events from the machine and import them",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.close()

			now := time.Now()
			from, to := now.AddDate(0, 0, -7), now
			if fromStr != "" {
				if from, err = time.ParseInLocation("2006-01-02", fromStr, time.Local); err != nil {
					return fmt.Errorf("invalid --from: %w", err)
				}
			}
			if toStr != "" {
				if to, err = time.ParseInLocation("2006-01-02", toStr, time.Local); err != nil {
					return fmt.Errorf("invalid --to: %w", err)
				}
			}

			ctx, cancel := context.WithTimeout(a.ctx(), a.cfg.Fetch.HardTimeout())
			defer cancel()

			if err := a.machine.Login(ctx); err != nil {
				return err
			}
			events, fetchErr := a.machine.FetchEvents(ctx, from, to)
			if err := a.machine.ExitProgramming(ctx); err != nil {
				a.log.Warn().Err(err).Msg("failed to exit programming mode")
			}
			if fetchErr != nil {
				if errors.Is(fetchErr, machine.ErrNoEvents) {
					a.log.Info().Msg("machine returned no events")
					return nil
				}
				return fetchErr
			}

			summary, err := a.importer.Import(ctx, events)
			if err != nil {
				return err
			}
			if err := a.store.SetStatus(ctx, sqlite.StatusMachineIP, a.cfg.Machine.IP); err != nil {
				return err
			}
			a.log.Info().
				Int("new_events", summary.NewEvents).
				Int("new_sales", summary.NewSales).
				Int("finalized", summary.FinalizedTransactions).
				Msg("fetch done")
			return nil
		},
	}
	cmd.Flags().StringVar(&fromStr, "from", "", "window start (YYYY-MM-DD, default 7 days ago)")
	cmd.Flags().StringVar(&toStr, "to", "", "window end (YYYY-MM-DD, default today)")
	return cmd
}

func backfillCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backfill",
		Short: "Repair null event-to-transaction links",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.close()

			linked, err := a.importer.Backfill(a.ctx())
			if err != nil {
				return err
			}
			a.log.Info().Int("linked_events", linked).Msg("backfill done")
			return nil
		},
	}
}

func updateBrandsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "update-brands",
		Short: "Assign brands to sales imported before brand resolution",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.close()

			updated, err := a.store.UpdateMissingBrands(a.ctx())
			if err != nil {
				return err
			}
			a.log.Info().Int("updated_sales", updated).Msg("brand update done")
			return nil
		},
	}
}
