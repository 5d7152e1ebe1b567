package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/newthinker/quotegate/internal/app"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the quotegate server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("building app: %w", err)
	}
	defer a.Close()

	if err := a.Start(ctx); err != nil {
		return err
	}
	defer a.Stop()

	server, err := a.NewServer()
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	log.Info("starting quotegate server",
		zap.String("addr", cfg.Addr()),
		zap.Strings("providers", a.ProviderNames()),
		zap.String("quota_backend", cfg.Quota.Backend),
		zap.Bool("rate_limit", cfg.RateLimit.Enabled),
	)
	if worst := cfg.ProviderWorstCase(); worst > cfg.Server.RequestTimeout {
		log.Warn("provider chain can outlast request_timeout; slow resolutions will serve stale data",
			zap.Duration("provider_worst_case", worst),
			zap.Duration("request_timeout", cfg.Server.RequestTimeout),
		)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down quotegate server")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown failed", zap.Error(err))
		return err
	}
	return nil
}
