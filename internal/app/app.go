// Package app assembles the services shared by the API and the worker.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"munymo/internal/cache"
	"munymo/internal/config"
	"munymo/internal/db"
	"munymo/internal/discovery"
	"munymo/internal/game"
	"munymo/internal/live"
	"munymo/internal/llm"
	"munymo/internal/market"
	"munymo/internal/metrics"
	"munymo/internal/notify"
	"munymo/internal/scheduler"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Options struct {
	// Live creates a websocket hub fed by the event relay.
	Live          bool
	SchedulerPoll time.Duration
}

type Deps struct {
	Pool    *pgxpool.Pool
	Redis   *redis.Client
	Metrics *metrics.Registry
	Cache   cache.Cache
	Hub     *live.Hub
	Relay   *live.Relay
	Notify  *notify.Service
	Game    *game.Service
	Jobs    *scheduler.Runner
}

func Build(ctx context.Context, cfg config.APIConfig, logger *slog.Logger, opts Options) (*Deps, error) {
	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	d := &Deps{Pool: pool, Metrics: metrics.New()}
	if cfg.AutoMigrate {
		if err := db.Migrate(ctx, pool); err != nil {
			d.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		logger.Info("schema migrated")
	}

	d.Redis = connectRedis(ctx, cfg.RedisAddr, logger)
	d.Cache = cache.New(d.Redis)
	if opts.Live {
		d.Hub = live.NewHub(logger, d.Metrics)
	}
	d.Relay = live.NewRelay(d.Hub, d.Redis, logger)

	var sender notify.Sender
	if cfg.Firebase.Enabled() {
		fcm, err := notify.NewFCMSender(ctx, cfg.Firebase.CredentialsFile, cfg.Firebase.ProjectID)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("firebase: %w", err)
		}
		sender = fcm
	} else {
		logger.Warn("firebase not configured, push notifications are logged only")
	}
	d.Notify = notify.NewService(notify.NewPGStore(pool), sender,
		notify.WithLogger(logger),
		notify.WithMetrics(d.Metrics),
		notify.WithRateLimit(cfg.Notify.RequestsPerSec),
		notify.WithBatchSize(cfg.Notify.BatchSize),
	)

	prices := market.NewClient(
		market.WithBaseURL(cfg.Market.BaseURL),
		market.WithHTTPClient(&http.Client{Timeout: cfg.Market.Timeout}),
		market.WithRateLimit(cfg.Market.RequestsPerSec, 2),
		market.WithLogger(logger),
		market.WithMetrics(d.Metrics),
	)
	gameOpts := []game.Option{
		game.WithPriceSource(prices),
		game.WithUniverse(discovery.NewStore(d.Cache, cfg.UniverseFile, logger)),
		game.WithPublisher(d.Relay),
		game.WithNotifier(d.Notify),
		game.WithMetrics(d.Metrics),
		game.WithCache(d.Cache, cfg.LeaderboardTTL),
		game.WithAdminEmails(cfg.IsAdminEmail),
	}
	if cfg.OpenAI.Enabled() {
		gameOpts = append(gameOpts, game.WithCopywriter(llm.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.Model, cfg.OpenAI.BaseURL,
			llm.WithLogger(logger),
			llm.WithMetrics(d.Metrics),
		)))
	}
	d.Game = game.NewService(pool, logger, gameOpts...)

	d.Jobs = scheduler.NewRunner(scheduler.NewPGStore(pool), opts.SchedulerPoll, logger, d.Metrics)
	scheduler.RegisterDefaults(d.Jobs, d.Game, d.Notify)
	return d, nil
}

// connectRedis returns nil when redis is not configured or not reachable;
// callers then fall back to in-process cache and events.
func connectRedis(ctx context.Context, addr string, logger *slog.Logger) *redis.Client {
	if addr == "" {
		return nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unavailable, using in-process cache and events", "addr", addr, "err", err)
		_ = rdb.Close()
		return nil
	}
	return rdb
}

func (d *Deps) Close() {
	if d.Redis != nil {
		_ = d.Redis.Close()
	}
	if d.Pool != nil {
		d.Pool.Close()
	}
}
