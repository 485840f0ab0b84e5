package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/arb-engine/internal/api"
	"github.com/atmx/arb-engine/internal/arbitrage"
	"github.com/atmx/arb-engine/internal/config"
	"github.com/atmx/arb-engine/internal/feed"
	"github.com/atmx/arb-engine/internal/ledger"
	"github.com/atmx/arb-engine/internal/model"
	"github.com/atmx/arb-engine/internal/probability"
	"github.com/atmx/arb-engine/internal/store"
	"github.com/atmx/arb-engine/internal/supervisor"
	"github.com/atmx/arb-engine/internal/trade"
	"github.com/atmx/arb-engine/internal/trigger"
	"github.com/atmx/arb-engine/internal/venue"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("arb-engine failed", "err", err)
		os.Exit(1)
	}
	fmt.Println("arb-engine stopped")
}

func newLogger(cfg *config.Config) *slog.Logger {
	lvl, _ := cfg.SlogLevel()
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(cfg.Log.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// --- Ledger and daily rollover ---
	led := ledger.New(st, cfg.LedgerConfig(), logger)
	today, err := led.Today(ctx)
	if err != nil {
		return fmt.Errorf("load today's portfolio: %w", err)
	}
	logger.Info("portfolio loaded",
		"date", today.Date.Format(time.DateOnly),
		"balance", today.CurrentBalance.String(),
		"trading_enabled", today.TradingEnabled,
	)
	rollover, err := ledger.NewScheduler(ctx, led, cfg.Risk.RolloverCron)
	if err != nil {
		return fmt.Errorf("rollover schedule: %w", err)
	}

	// --- Upstreams ---
	markets := venue.NewClient(venue.Config{
		BaseURL:   cfg.Venue.BaseURL,
		APIKey:    cfg.Venue.APIKey,
		RateLimit: cfg.Venue.RateLimit,
		Timeout:   cfg.Venue.Timeout,
	})
	provider := feed.NewPandaScore(feed.Config{
		BaseURL:   cfg.Feed.BaseURL,
		APIKey:    cfg.Feed.APIKey,
		RateLimit: cfg.Feed.RateLimit,
		Timeout:   cfg.Feed.Timeout,
	})
	if cfg.Feed.APIKey == "" {
		logger.Warn("PANDA_SCORE_API_KEY not set, live-match requests will be rejected upstream")
	}

	// --- Trading ---
	hub := api.NewHub(logger)
	trades := trade.NewManager(st, led, markets, hub, cfg.TradeConfig(), logger)
	if _, err := trades.Resume(ctx); err != nil {
		return err
	}

	dispatcher := trigger.NewDispatcher(st, cfg.ImpactModel())
	dispatcher.GoldSwingThreshold = cfg.Impact.GoldEventThreshold

	sup := supervisor.New(supervisor.Deps{
		Feed:      provider,
		Markets:   markets,
		Store:     st,
		Processor: dispatcher,
		Estimator: probability.NewEngine(st, cfg.Probability),
		Detector:  arbitrage.NewDetector(cfg.MinEdge()),
		Trader:    trades,
		Portfolio: led,
		Notifier:  hub,
	}, cfg.PollConfig(), logger)

	// --- HTTP ---
	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      api.NewRouter(sup, st, hub, logger),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		rollover.Start()
		<-gctx.Done()
		rollover.Stop()
		return nil
	})
	g.Go(func() error {
		sup.Start(gctx)
		<-gctx.Done()
		sup.Stop()
		return nil
	})
	g.Go(func() error {
		logger.Info("arb-engine listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down arb-engine...")
		return srv.Shutdown(shutdownCtx)
	})
	err = g.Wait()

	// The supervisor is stopped, so no new trades can open past this point.
	if cfg.Trading.CloseOnShutdown {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		if cerr := trades.CloseAll(closeCtx, model.ExitShutdown); cerr != nil {
			logger.Warn("some trades left open", "err", cerr)
		}
		cancel()
	}
	trades.Stop()
	return err
}

// openStore connects Postgres (plus the optional Redis cache) or falls back
// to memory. An unreachable configured store is fatal.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, func(), error) {
	if cfg.Database.URL == "" {
		logger.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), func() {}, nil
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	if cfg.Database.MaxConns > 0 {
		poolCfg.MaxConns = cfg.Database.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}
	cleanup := []func(){pool.Close}
	closeAll := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	pg := store.NewPostgresStore(pool)
	if err := pg.Ping(ctx); err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("database unreachable: %w", err)
	}
	if cfg.Database.Migrate {
		if err := pg.Migrate(ctx); err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
	}
	logger.Info("connected to PostgreSQL")

	var st store.Store = pg
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		cached := store.NewCachedStore(pg, rdb, cfg.Redis.CacheTTL)
		if err := cached.Ping(ctx); err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("redis unreachable: %w", err)
		}
		st = cached
		logger.Info("Redis cache enabled")
	}
	return st, closeAll, nil
}
