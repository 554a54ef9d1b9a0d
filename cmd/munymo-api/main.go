package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"munymo/internal/api"
	"munymo/internal/app"
	"munymo/internal/auth"
	"munymo/internal/billing"
	"munymo/internal/config"

	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadAPIFromEnv()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	deps, err := app.Build(ctx, cfg, logger, app.Options{Live: true})
	if err != nil {
		logger.Error("startup failed", "err", err)
		os.Exit(1)
	}
	defer deps.Close()

	authClient := auth.NewSupabaseClient(cfg.SupabaseURL, cfg.SupabaseAnonKey)
	opts := []api.Option{
		api.WithDevices(deps.Notify),
		api.WithJobs(deps.Jobs),
		api.WithLive(http.HandlerFunc(deps.Hub.ServeWS)),
		api.WithMetrics(deps.Metrics),
	}
	if cfg.Stripe.Enabled() {
		gw := billing.NewStripeGateway(cfg.Stripe.SecretKey, cfg.Stripe.WebhookSecret)
		opts = append(opts, api.WithBilling(billing.NewService(gw, billing.NewPGStore(deps.Pool),
			cfg.Stripe.PriceID, cfg.AppURL, logger, deps.Metrics)))
	} else {
		logger.Warn("stripe not configured, billing endpoints disabled")
	}
	server := api.New(cfg, logger, authClient, deps.Game, opts...)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		deps.Hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return deps.Relay.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		logger.Info("munymo api listening", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server failed", "err", err)
		os.Exit(1)
	}
	logger.Info("munymo api stopped")
}
