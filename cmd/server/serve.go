package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/warp/fulfillment-ledger/api"
	"github.com/warp/fulfillment-ledger/stock"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server",
	Long:  `Start the HTTP API and, when reconciliation.enabled is set, the periodic drift check.`,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	a, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	handler := api.NewHandler(a.ledger, a.rounds, a.reconciler, a.orders)
	handler.Logger = a.logger.With().Str("component", "api").Logger()

	srv := &http.Server{
		Addr:         a.cfg.Server.Address,
		Handler:      api.NewRouter(handler, a.cfg.Server.CorsOrigins),
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
	}

	var scheduler *api.ReconciliationScheduler
	if rc := a.cfg.Reconciliation; rc.Enabled {
		scheduler = api.NewReconciliationScheduler(a.reconciler, rc.Interval)
		scheduler.AutoRepair = rc.AutoRepair
		scheduler.Actor = stock.ActorID(rc.Actor)
		scheduler.Logger = a.logger.With().Str("component", "scheduler").Logger()
		if err := scheduler.Start(ctx); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info().Str("addr", srv.Addr).Msg("API server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		a.logger.Info().Msg("Shutting down API server")
		return errors.Wrap(srv.Shutdown(shutdownCtx), "http shutdown")
	})

	if scheduler != nil {
		g.Go(func() error {
			<-ctx.Done()
			return scheduler.Stop()
		})
	}

	return g.Wait()
}
