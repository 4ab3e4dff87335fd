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

	"github.com/cenkalti/backoff/v4"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/crossledger/exchange-engine/internal/engine"
	"github.com/crossledger/exchange-engine/internal/exchange"
	"github.com/crossledger/exchange-engine/internal/ledger"
	"github.com/crossledger/exchange-engine/internal/metrics"
	"github.com/crossledger/exchange-engine/internal/orders"
	"github.com/crossledger/exchange-engine/internal/risk"
	"github.com/crossledger/exchange-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// --- Initialize store ---
	var st store.Store
	var tokens store.TokenReserver
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := connectDB(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured. The cached
		// store also provides client order token reservation.
		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			cached := store.NewCachedStore(st, rdb, 30*time.Second)
			st = cached
			tokens = cached
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

	// --- Pre-trade risk rules ---
	rules, err := riskRulesFromEnv()
	if err != nil {
		slog.Error("invalid risk configuration", "err", err)
		os.Exit(1)
	}

	// --- WebSocket hub ---
	wsHub := exchange.NewWSHub()
	go wsHub.Run()

	// --- Matching engine ---
	eng := engine.New(st, ledger.New(), orders.NewManager(st, rules...))
	eng.SetReporter(wsHub)
	if err := eng.Start(context.Background()); err != nil {
		slog.Error("engine recovery failed", "err", err)
		os.Exit(1)
	}

	// --- Exchange service ---
	svc := exchange.NewService(st, eng, tokens)

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
		w.Write([]byte(`{"status":"ok","service":"exchange-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for private execution reports.
		r.Get("/ws", wsHub.HandleWS)

		// Accounts.
		r.Post("/accounts", svc.CreateAccount)
		r.Get("/accounts/{accountID}", svc.GetPortfolio)
		r.Get("/accounts/{accountID}/orders", svc.ListAccountOrders)

		// Symbols.
		r.Post("/symbols", svc.CreateSymbol)
		r.Get("/symbols", svc.ListSymbols)

		// Order entry.
		r.Post("/orders", svc.PlaceOrder)
		r.Get("/orders/{orderID}", svc.GetOrder)
		r.Post("/orders/{orderID}/cancel", svc.CancelOrder)

		// Market data.
		r.Get("/books/{symbol}", svc.GetBook)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("exchange-engine listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down exchange-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	if err := eng.Stop(); err != nil {
		slog.Error("engine stop error", "err", err)
	}
	fmt.Println("exchange-engine stopped")
}

// connectDB opens the pgx pool and waits for the database to answer. The
// database is often still coming up when the server starts, so the first
// ping retries with exponential backoff.
func connectDB(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	if err := backoff.Retry(func() error { return pool.Ping(ctx) }, policy); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// riskRulesFromEnv builds the optional pre-trade risk rules. TICK_SIZE and
// MAX_NOTIONAL are decimal strings; unset leaves the rule disabled.
func riskRulesFromEnv() ([]risk.Rule, error) {
	var rules []risk.Rule
	if v := os.Getenv("TICK_SIZE"); v != "" {
		tick, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("TICK_SIZE: %w", err)
		}
		rules = append(rules, risk.NewTickSizeRule(tick))
	}
	if v := os.Getenv("MAX_NOTIONAL"); v != "" {
		max, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("MAX_NOTIONAL: %w", err)
		}
		rules = append(rules, risk.NewNotionalCapRule(max))
	}
	return rules, nil
}
