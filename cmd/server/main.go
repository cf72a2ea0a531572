package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/campusx/exchange/internal/account"
	"github.com/campusx/exchange/internal/api"
	"github.com/campusx/exchange/internal/config"
	"github.com/campusx/exchange/internal/escrow"
	"github.com/campusx/exchange/internal/feed"
	"github.com/campusx/exchange/internal/market"
	"github.com/campusx/exchange/internal/matching"
	"github.com/campusx/exchange/internal/metrics"
	"github.com/campusx/exchange/internal/scheduler"
	"github.com/campusx/exchange/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		if err := store.Migrate(cfg.DatabaseURL); err != nil {
			slog.Error("database migration failed", "err", err)
			os.Exit(1)
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.RedisTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.RedisTTL.String())
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Services ---
	accounts := account.NewService(st, cfg.Retry, logger)
	escrows := escrow.NewService(st, cfg.Retry, logger)
	mkt := market.NewService(st, cfg.Retry, cfg.TradingWindow, logger)
	if _, err := mkt.Init(ctx, cfg.InitialMarketState()); err != nil {
		slog.Error("market state initialization failed", "err", err)
		os.Exit(1)
	}

	engine := matching.NewEngine(st, mkt, matching.Config{
		MarketBuyBuffer: cfg.MarketBuyBuffer,
		Retry:           cfg.Retry,
	}, logger)

	// --- Trade feed ---
	hub := feed.NewHub(logger)
	go hub.Run(ctx)

	publishers := feed.NewMulti(logger)
	publishers.Add("websocket", hub)
	if len(cfg.KafkaBrokers) > 0 {
		kp := feed.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		cleanup = append(cleanup, func() {
			if err := kp.Close(); err != nil {
				slog.Error("kafka writer close failed", "err", err)
			}
		})
		publishers.Add("kafka", kp)
		slog.Info("kafka trade feed enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}
	// Publishing runs off the settlement path; a slow sink only fills the queue.
	feedQueue := feed.NewQueue(publishers, cfg.FeedQueueSize, cfg.FeedPublishTimeout, logger)
	feedCtx, stopFeed := context.WithCancel(context.Background())
	defer stopFeed()
	go feedQueue.Run(feedCtx)
	engine.SetPublisher(feedQueue)

	// --- Matching scheduler ---
	sched := scheduler.New(engine, cfg.MatchInterval, logger)
	engine.SetNotifier(sched)
	if err := sched.Start(context.Background()); err != nil {
		slog.Error("scheduler start failed", "err", err)
		os.Exit(1)
	}
	// Pick up orders left open by a previous run.
	sched.Trigger()

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+api.AccountHeader)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"exchange"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	handler := api.NewHandler(engine, accounts, escrows, mkt, logger)
	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket trade feed; long-lived, so outside the request timeout.
		r.Get("/ws", hub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			handler.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		slog.Info("exchange listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down exchange...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		slog.Error("scheduler stop error", "err", err)
	}
	if err := feedQueue.Close(shutdownCtx); err != nil {
		slog.Error("trade feed drain error", "err", err)
	}
	fmt.Println("exchange stopped")
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
