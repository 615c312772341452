package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/storefront-cache/pkg/warmup"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the cache daemon",
	Long: "Run the connectivity detector, background warmup and record sweeps, and serve\n" +
		"/healthz, /readyz, /status and /metrics.",
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      newMux(a),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCanceled(a.detector.Run(gctx))
	})

	if cfg.Warmup.Enabled {
		updates, unsubscribe := a.detector.Subscribe()
		defer unsubscribe()
		warmer := warmup.New(a.detector, cfg.WarmupConfig())
		g.Go(func() error {
			return ignoreCanceled(warmer.Watch(gctx, updates, cfg.Warmup.Interval.Std(), a.service.WarmJobs))
		})
	}

	g.Go(func() error {
		return ignoreCanceled(sweepLoop(gctx, a, cfg.Records.SweepInterval.Std()))
	})

	g.Go(func() error {
		a.logger.Info().
			Str("addr", server.Addr).
			Str("backend", cfg.Backend.BaseURL).
			Str("store", cfg.Cache.Store).
			Msg("Starting storefront cache")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	a.logger.Info().Msg("Storefront cache stopped")
	return err
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
