package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/coinpulse/exchange-core/internal/chain"
	"github.com/coinpulse/exchange-core/internal/config"
	"github.com/coinpulse/exchange-core/internal/game"
	"github.com/coinpulse/exchange-core/internal/gateway"
	"github.com/coinpulse/exchange-core/internal/ledger"
	"github.com/coinpulse/exchange-core/internal/metrics"
	"github.com/coinpulse/exchange-core/internal/settle"
	"github.com/coinpulse/exchange-core/internal/store"
	"github.com/coinpulse/exchange-core/internal/trade"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.Load()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
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
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Ledger ---
	led := ledger.New(st)

	// --- Matching gateway ---
	gw := gateway.New(cfg.EngineURL, st, gateway.Options{
		ReconcileInterval: cfg.ReconcileInterval,
		ReconcileAge:      cfg.ReconcileAge,
	})
	go gw.Run(ctx)

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub()
	go wsHub.Run()

	// --- Settlement coordinator ---
	coord := settle.New(st, led, gw.Events(), wsHub, settle.Options{
		FeeRate:     cfg.FeeRate(),
		ReorderWait: cfg.ReorderWait,
	})
	go coord.Run(ctx)

	// --- Games and wallet ---
	games := game.NewEngine(st, led, nil)
	chainSvc := chain.NewSimulated()

	// --- Trade service ---
	tradeSvc := trade.NewService(st, led, gw, games, chainSvc, wsHub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"exchange-core"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time order updates.
		r.Get("/ws", wsHub.HandleWS)

		// Reference data.
		r.Get("/markets", tradeSvc.ListMarkets)
		r.Get("/orderbook/{base}/{quote}", tradeSvc.GetOrderBook)

		// Orders.
		r.Post("/orders", tradeSvc.PlaceOrder)
		r.Get("/orders", tradeSvc.ListOrders)
		r.Get("/orders/{orderID}", tradeSvc.GetOrder)
		r.Delete("/orders/{orderID}", tradeSvc.CancelOrder)

		// Games.
		r.Post("/games/dice", tradeSvc.PlayDice)
		r.Post("/games/crash", tradeSvc.PlayCrash)
		r.Get("/games/history", tradeSvc.GameHistory)

		// Wallet.
		r.Get("/wallet/{userID}/balances", tradeSvc.GetBalances)
		r.Post("/wallet/deposit", tradeSvc.Deposit)
		r.Post("/wallet/withdraw", tradeSvc.Withdraw)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("exchange-core listening", "port", cfg.Port, "engine", cfg.EngineURL)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()
	stop()

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down exchange-core...")
	if err := srv.Shutdown(shutCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("exchange-core stopped")
}
