package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/cors"

	"github.com/lilseedabe/genbroker/internal/auth"
	"github.com/lilseedabe/genbroker/internal/cache"
	"github.com/lilseedabe/genbroker/internal/config"
	"github.com/lilseedabe/genbroker/internal/dashboard"
	"github.com/lilseedabe/genbroker/internal/jobs"
	"github.com/lilseedabe/genbroker/internal/ledger"
	"github.com/lilseedabe/genbroker/internal/migrations"
	"github.com/lilseedabe/genbroker/internal/notify"
	"github.com/lilseedabe/genbroker/internal/provider"
	"github.com/lilseedabe/genbroker/internal/provider/eden"
	providermock "github.com/lilseedabe/genbroker/internal/provider/mock"
	"github.com/lilseedabe/genbroker/internal/router"
	"github.com/lilseedabe/genbroker/internal/usage"
	"github.com/lilseedabe/genbroker/internal/validate"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.Load()
	if cfg.JWTSecret == "" {
		slog.Error("JWT_SECRET is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("creating database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		slog.Error("cannot reach PostgreSQL", "error", err)
		os.Exit(1)
	}

	if err := migrations.Up(cfg.DatabaseURL); err != nil {
		slog.Error("schema migration failed", "error", err)
		os.Exit(1)
	}
	slog.Info("schema migrations applied")

	redisOpts, err := goredis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("parsing REDIS_URL", "error", err)
		os.Exit(1)
	}
	redisClient := goredis.NewClient(redisOpts)
	defer redisClient.Close()
	store := cache.NewRedis(redisClient)

	node, err := snowflake.NewNode(1)
	if err != nil {
		slog.Error("creating snowflake node", "error", err)
		os.Exit(1)
	}

	validator, err := validate.New()
	if err != nil {
		slog.Error("compiling request schemas", "error", err)
		os.Exit(1)
	}

	// Ledger
	ledgerRepo := ledger.NewRepository(pool)
	ledgerSvc := ledger.NewService(ledgerRepo, ledgerRepo, ledgerRepo, ledgerRepo, logger)

	// Orchestrator
	limiter := usage.NewLimiter(store, logger)
	jobsRepo := jobs.NewRepository(pool)
	jobsSvc := jobs.NewService(jobsRepo, ledgerSvc, validator, limiter, store, node, logger)

	// Membership
	authRepo := auth.NewRepository(pool)
	authSvc := auth.NewService(authRepo, ledgerSvc, cfg.JWTSecret, logger)

	// Notifications
	var sinks []notify.Sink
	if cfg.WebhookURL != "" {
		sinks = append(sinks, notify.NewDiscordWebhook(cfg.WebhookURL))
	}
	dispatcher := notify.NewDispatcher(logger, sinks...)

	gen := newProvider(cfg, logger)
	slog.Info("generation provider selected", "provider", gen.Name())

	riverClient, err := newRiverClient(pool, jobsSvc, authSvc, gen, dispatcher, logger)
	if err != nil {
		slog.Error("creating river client", "error", err)
		os.Exit(1)
	}
	bindQueue(jobsSvc, riverClient)

	go func() {
		if err := riverClient.Start(ctx); err != nil && ctx.Err() == nil {
			slog.Error("river client stopped", "error", err)
		}
	}()

	authHandler := auth.NewHandler(authSvc, logger)
	jobsHandler := jobs.NewHandler(jobsSvc, logger)
	dashHandler := dashboard.NewHandler(ledgerSvc, authRepo, logger)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{cfg.AllowOrigins},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler(router.New(authHandler, jobsHandler, dashHandler, authSvc))

	srv := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           corsHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("starting HTTP server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown", "error", err)
	}
	if err := riverClient.Stop(shutdownCtx); err != nil {
		slog.Error("river shutdown", "error", err)
	}
}

func newProvider(cfg config.Config, logger *slog.Logger) provider.Provider {
	switch cfg.Provider {
	case "eden":
		if cfg.EdenAPIKey == "" {
			slog.Error("EDEN_API_KEY is required when PROVIDER=eden")
			os.Exit(1)
		}
		return eden.New(cfg.EdenBaseURL, cfg.EdenAPIKey, logger)
	default:
		return providermock.New()
	}
}
