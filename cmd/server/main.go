/*
main.go - Application entry point

PURPOSE:
  The `ledger` command. Subcommands share one bootstrap: load config,
  build the logger, open the SQLite store and wire the stock services.

COMMANDS:
  serve       HTTP API + scheduled reconciliation (serve.go)
  reconcile   One drift pass, optionally repairing (reconcile.go)
  audit       Replay every pool from its movements (audit.go)
  migrate     Create or upgrade the schema (migrate.go)

CONFIGURATION:
  config.yaml in --config, ./ or ./config, overridden by LEDGER_* env vars.
  e.g. LEDGER_DATABASE_PATH=./data/ledger.db LEDGER_NOTIFY_DRIVER=redis

SEE ALSO:
  - config/config.go: Settings and defaults
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/warp/fulfillment-ledger/config"
	"github.com/warp/fulfillment-ledger/notify"
	"github.com/warp/fulfillment-ledger/orders"
	"github.com/warp/fulfillment-ledger/stock"
	"github.com/warp/fulfillment-ledger/store/sqlite"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "ledger",
	Short:         "Fulfillment stock ledger",
	Long:          `Tracks available, local-round and express stock per product, drives delivery rounds through handover and return, and reconciles drift.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "directory containing config.yaml")
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("Failed to execute command")
	}
}

// =============================================================================
// BOOTSTRAP
// =============================================================================

// app is the wired engine shared by every subcommand.
type app struct {
	cfg        config.Config
	logger     zerolog.Logger
	store      *sqlite.Store
	ledger     *stock.Ledger
	rounds     *stock.RoundService
	reconciler *stock.Reconciler
	orders     *orders.Service

	closeNotifier func() error
}

// newApp loads configuration and opens the store. The notifier is built
// from config; commands that publish nothing pass withNotifier=false.
func newApp(ctx context.Context, withNotifier bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger := config.NewLogger(cfg)
	log.Logger = logger

	st, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return nil, err
	}

	var notifier stock.Notifier = stock.NopNotifier{}
	closeNotifier := func() error { return nil }
	if withNotifier {
		notifier, closeNotifier, err = notify.New(ctx, cfg.Notify, logger.With().Str("component", "notify").Logger())
		if err != nil {
			st.Close()
			return nil, err
		}
	}

	ledger := stock.NewLedger(st)
	ledger.Logger = logger.With().Str("component", "ledger").Logger()

	rounds := stock.NewRoundService(ledger, notifier)
	rounds.Logger = logger.With().Str("component", "rounds").Logger()

	reconciler := stock.NewReconciler(ledger, notifier)
	reconciler.Logger = logger.With().Str("component", "reconciler").Logger()

	svc := orders.NewService(ledger)
	svc.Logger = logger.With().Str("component", "orders").Logger()

	logger.Debug().Str("database", cfg.Database.Path).Str("notify", cfg.Notify.Driver).Msg("engine wired")

	return &app{
		cfg:           cfg,
		logger:        logger,
		store:         st,
		ledger:        ledger,
		rounds:        rounds,
		reconciler:    reconciler,
		orders:        svc,
		closeNotifier: closeNotifier,
	}, nil
}

func (a *app) Close() {
	if err := a.closeNotifier(); err != nil {
		a.logger.Warn().Err(err).Msg("closing notifier")
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("closing store")
	}
}
