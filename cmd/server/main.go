package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/autobotela-sys/saas-copy-trading/internal/account"
	"github.com/autobotela-sys/saas-copy-trading/internal/auth"
	"github.com/autobotela-sys/saas-copy-trading/internal/broadcast"
	"github.com/autobotela-sys/saas-copy-trading/internal/config"
	"github.com/autobotela-sys/saas-copy-trading/internal/gateway"
	"github.com/autobotela-sys/saas-copy-trading/internal/ledger"
	"github.com/autobotela-sys/saas-copy-trading/internal/metrics"
	"github.com/autobotela-sys/saas-copy-trading/internal/pnl"
	"github.com/autobotela-sys/saas-copy-trading/internal/ratelimit"
	"github.com/autobotela-sys/saas-copy-trading/internal/store"
	"github.com/autobotela-sys/saas-copy-trading/internal/tokenrefresh"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Redis (cache + shared rate limits) ---
	var rdb *redis.Client
	var cleanup []func()

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	// --- Initialize store ---
	var st store.Store

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("database migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
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

	// --- Failed-auth limiter ---
	var limiter ratelimit.Limiter
	if rdb != nil {
		limiter = ratelimit.NewRedisLimiter(rdb, int64(cfg.AuthMaxFailures), cfg.AuthLockout)
	} else {
		slog.Warn("REDIS_URL not set, auth lockouts are per instance")
		limiter = ratelimit.NewMemoryLimiter(int64(cfg.AuthMaxFailures), cfg.AuthLockout)
	}

	// --- Broker gateways ---
	sealer, err := gateway.NewSealer(cfg.EncryptionKey, cfg.EncryptionPrevKey)
	if err != nil {
		slog.Error("invalid encryption key", "err", err)
		os.Exit(1)
	}
	gateways := gateway.NewRegistry(
		gateway.NewKite(cfg.KiteBaseURL, cfg.KiteAPIKey, sealer, nil, cfg.GatewayTimeout),
		gateway.NewDhan(cfg.DhanBaseURL, sealer, nil, cfg.GatewayTimeout),
	)

	// --- Ledger, P&L, broadcasts ---
	led := ledger.New(st, ledger.KeyScope(cfg.PositionKeyScope))
	agg := pnl.NewAggregator(led, st, gateways)

	wsHub := broadcast.NewWSHub(cfg.AllowedOrigins)
	go wsHub.Run()

	broadcastSvc := broadcast.NewService(st, gateways, led, agg, wsHub)
	accountSvc := account.NewService(st, sealer)

	// --- Token refresh ---
	refresher := tokenrefresh.NewRefresher(st, gateways, cfg.TokenRefreshThreshold)
	scheduler, err := tokenrefresh.NewScheduler(ctx, refresher, cfg.TokenRefreshSpec)
	if err != nil {
		slog.Error("invalid token refresh schedule", "err", err)
		os.Exit(1)
	}
	scheduler.Start()

	// --- HTTP router ---
	jwtAuth := auth.JWT{Secret: []byte(cfg.JWTSecret)}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(cors(cfg.AllowedOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"copy-trading-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for broadcast progress. Browsers pass the
		// token as ?token= on the handshake.
		r.With(auth.WebSocketMiddleware(jwtAuth, limiter), auth.RequireAdmin).Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(jwtAuth, limiter))

			// The caller's own profile and broker link.
			r.Get("/users/me/trading-profile", accountSvc.GetProfile)
			r.Post("/users/me/trading-profile", accountSvc.SaveProfile)
			r.Put("/users/me/trading-profile", accountSvc.UpdateProfile)
			r.Post("/broker-accounts", accountSvc.LinkAccount)
			r.Get("/broker-accounts", accountSvc.GetAccount)
			r.Get("/broker-accounts/{accountID}/token-status", accountSvc.GetTokenStatus)

			// Portfolio queries (owner or admin).
			r.Get("/users/{userID}/positions", broadcastSvc.ListPositions)
			r.Get("/users/{userID}/pnl", broadcastSvc.GetPnL)
			r.Get("/users/{userID}/broker-positions", broadcastSvc.GetBrokerPositions)
			r.Post("/positions/{positionID}/close", broadcastSvc.ClosePosition)

			// Broker credential maintenance.
			r.Post("/broker-accounts/{accountID}/refresh", refresher.RefreshNow)
			r.Get("/broker-accounts/{accountID}/refresh-logs", refresher.ListLogs)

			r.Group(func(r chi.Router) {
				r.Use(auth.RequireAdmin)

				r.Post("/broadcast/order", broadcastSvc.BroadcastOrder)
				r.Post("/broadcast/exit", broadcastSvc.BroadcastExit)
				r.Get("/broadcast/history", broadcastSvc.ListHistory)
				r.Get("/broadcast/{broadcastID}", broadcastSvc.GetBroadcast)
			})
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 75 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("copy-trading engine listening", "port", cfg.Port, "position_scope", led.Scope())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	slog.Info("shutting down copy-trading engine...")
	scheduler.Stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("copy-trading engine stopped")
}

// cors allows the configured origins. "*" allows any origin.
func cors(allowed []string) func(http.Handler) http.Handler {
	wildcard := slices.Contains(allowed, "*")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case wildcard:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case origin != "" && slices.Contains(allowed, origin):
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
