package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/companionchat/chat-api/internal/config"
	"github.com/companionchat/chat-api/internal/domain/catalog"
	"github.com/companionchat/chat-api/internal/domain/idempotency"
	"github.com/companionchat/chat-api/internal/domain/ledger"
	"github.com/companionchat/chat-api/internal/domain/mutation"
	"github.com/companionchat/chat-api/internal/domain/shop"
	"github.com/companionchat/chat-api/internal/middleware"
	"github.com/companionchat/chat-api/internal/pkg/database"
	"github.com/companionchat/chat-api/internal/pkg/jwt"
	"github.com/companionchat/chat-api/internal/pkg/logger"
	"github.com/companionchat/chat-api/internal/pkg/ratelimit"
	pkgresponse "github.com/companionchat/chat-api/internal/pkg/response"
)

func main() {
	cfg := config.Load()
	logger.Init(logger.Config{Level: cfg.LogLevel, Environment: cfg.Env, Service: "chat-api"})

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	log.Info().
		Str("env", cfg.Env).
		Str("port", cfg.Port).
		Str("database", cfg.DatabaseDriver).
		Str("idempotency_backend", cfg.IdempotencyBackend).
		Msg("Starting chat API")

	db, err := database.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer database.Close(db)

	if cfg.AutoMigrate {
		if err := database.Migrate(context.Background(), db); err != nil {
			log.Fatal().Err(err).Msg("Failed to migrate database")
		}
	}

	redis, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer database.CloseRedis(redis)

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.CatalogPath).Msg("Failed to load catalog")
	}

	// ---------- Idempotency store ----------
	storeOpts := idempotency.Options{Retention: cfg.IdempotencyRetention}
	var store idempotency.Store
	switch cfg.IdempotencyBackend {
	case "redis":
		store = idempotency.NewRedisStore(redis, storeOpts)
	default:
		store = idempotency.NewSQLStore(db, storeOpts)
	}

	// ---------- Services ----------
	ledgerRepo := ledger.NewRepository(db, cfg.LedgerTxMaxAttempts)
	ledgerSvc := ledger.NewService(ledgerRepo)
	mutationSvc := mutation.NewService(db, ledgerRepo, store, mutation.Options{
		PendingTTL:       cfg.IdempotencyPendingTTL,
		MaxTxAttempts:    cfg.LedgerTxMaxAttempts,
		ReplayRejections: cfg.IdempotencyReplayRejections,
	})
	shopSvc := shop.NewService(mutationSvc, cat)

	jwtService := jwt.NewService(cfg.JWTSecret, cfg.JWTAccessTTL)
	limiter := ratelimit.PerMinute(cfg.PurchaseRatePerMinute)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := newRouter(cfg, routes{
		db:       db,
		auth:     middleware.Auth(jwtService),
		limiter:  limiter,
		ledger:   ledger.NewHandler(ledgerSvc),
		mutation: mutation.NewHandler(mutationSvc, store),
		shop:     shop.NewHandler(shopSvc),
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", server.Addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		if purger, ok := store.(idempotency.Purger); ok {
			idempotency.NewSweeper(purger).Start(gctx, cfg.IdempotencySweepInterval)
		}
		return nil
	})

	g.Go(func() error {
		limiter.StartJanitor(gctx, time.Minute)
		<-gctx.Done()

		log.Info().Msg("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server stopped with error")
		os.Exit(1)
	}

	log.Info().Msg("Server exited properly")
}

type routes struct {
	db       *sqlx.DB
	auth     func(http.Handler) http.Handler
	limiter  *ratelimit.Store
	ledger   *ledger.Handler
	mutation *mutation.Handler
	shop     *shop.Handler
}

func newRouter(cfg *config.Config, h routes) chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recover)
	r.Use(middleware.Metrics)
	r.Use(middleware.CORSHandler(cfg.AllowedOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.PingContext(ctx); err != nil {
			pkgresponse.ServiceUnavailable(w, "database unavailable")
			return
		}
		pkgresponse.OK(w, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Mount("/ledger", h.ledger.Routes(h.auth))
		r.Mount("/shop", h.shop.Routes(h.auth, middleware.RateLimit(h.limiter)))
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(h.auth)
		r.Use(middleware.RequireAdmin())
		r.Mount("/shop", h.shop.AdminRoutes())
		r.Mount("/", h.mutation.AdminRoutes(h.ledger))
	})

	return r
}
