package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/limiter"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fenwick-dev/rendezvous-server/internal/api"
	"github.com/fenwick-dev/rendezvous-server/internal/apierr"
	"github.com/fenwick-dev/rendezvous-server/internal/auth"
	"github.com/fenwick-dev/rendezvous-server/internal/config"
	"github.com/fenwick-dev/rendezvous-server/internal/gateway"
	"github.com/fenwick-dev/rendezvous-server/internal/httputil"
	"github.com/fenwick-dev/rendezvous-server/internal/iceservers"
	"github.com/fenwick-dev/rendezvous-server/internal/machine"
	"github.com/fenwick-dev/rendezvous-server/internal/metrics"
	"github.com/fenwick-dev/rendezvous-server/internal/postgres"
	"github.com/fenwick-dev/rendezvous-server/internal/presence"
	"github.com/fenwick-dev/rendezvous-server/internal/session"
	"github.com/fenwick-dev/rendezvous-server/internal/signaling"
	"github.com/fenwick-dev/rendezvous-server/internal/user"
)

// Build metadata injected via ldflags at compile time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.LogFormat == "console" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}

	log.Info().
		Str("version", version).
		Str("commit", commit).
		Str("built", date).
		Str("env", cfg.Env).
		Msg("Starting rendezvous server")

	if cfg.AllowedOrigins == "*" {
		log.Warn().Msg("ALLOWED_ORIGINS is set to a wildcard. Set an explicit origin when in production.")
	}

	ctx := context.Background()

	db, err := connectWithRetry(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()
	log.Info().Msg("PostgreSQL connected")

	if err := postgres.Migrate(cfg.DatabaseURL, log.Logger); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Info().Msg("Database migrations complete")

	userRepo := user.NewPGRepository(db, log.Logger)
	sessionRepo := session.NewPGRepository(db, log.Logger)
	machineRepo := machine.NewPGRepository(db, log.Logger)

	authService, err := auth.NewService(userRepo, sessionRepo, cfg, log.Logger)
	if err != nil {
		return fmt.Errorf("create auth service: %w", err)
	}

	machineService := machine.NewService(machineRepo, log.Logger)
	broker := signaling.NewBroker(machineService, log.Logger)
	presenceBroadcaster := presence.NewBroadcaster(broker, machineService, log.Logger)

	var reg prometheus.Registerer
	if cfg.MetricsEnabled {
		reg = prometheus.DefaultRegisterer
	}
	m := metrics.New(reg)

	hub := gateway.NewHub(cfg, authService, userRepo, machineService, broker, presenceBroadcaster, m, log.Logger)

	sweepCtx, sweepCancel := context.WithCancel(ctx)
	defer sweepCancel()
	go hub.Run(sweepCtx)

	// Background session audit purge, mirroring the machine sweep's periodic-ticker shape.
	go runSessionPurge(sweepCtx, sessionRepo, cfg.JWTExpiresIn, log.Logger)

	app := fiber.New(fiber.Config{
		AppName: "rendezvous",
		// ErrorHandler catches errors returned by handlers that are not already mapped to structured responses (e.g.
		// Fiber's built-in 404/405). errors.AsType is a generic helper added in Go 1.26.
		ErrorHandler: func(c fiber.Ctx, err error) error {
			status := fiber.StatusInternalServerError
			message := "an internal error occurred"
			code := apierr.InternalError
			if e, ok := errors.AsType[*fiber.Error](err); ok {
				status = e.Code
				message = e.Message
				code = fiberStatusToCode(status)
			} else {
				log.Error().Err(err).Str("method", c.Method()).Str("path", c.Path()).Msg("unhandled error")
			}
			return c.Status(status).JSON(httputil.ErrorResponse{
				Error: httputil.ErrorBody{Code: code, Message: message},
			})
		},
	})

	app.Use(requestid.New())
	app.Use(httputil.RequestLogger(log.Logger))
	app.Use(cors.New(cors.Config{
		AllowOrigins:  strings.Split(cfg.AllowedOrigins, ","),
		AllowMethods:  []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"X-Request-ID"},
	}))
	app.Use(limiter.New(limiter.Config{
		Max:        cfg.RateLimitHTTPRequests,
		Expiration: time.Duration(cfg.RateLimitHTTPWindowSeconds) * time.Second,
	}))

	registerRoutes(app, cfg, db, hub, authService, userRepo)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Shutting down server")
		hub.Shutdown()
		sweepCancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
		}
	}()

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	log.Info().Str("addr", addr).Msg("server listening")

	if err := app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

func registerRoutes(
	app *fiber.App,
	cfg *config.Config,
	db *pgxpool.Pool,
	hub *gateway.Hub,
	authService *auth.Service,
	userRepo user.Repository,
) {
	healthHandler := api.NewHealthHandler(db, hub)
	app.Get("/health", healthHandler.Health)

	iceHandler := api.NewICEHandler(iceservers.Config{
		STUNServers:    cfg.STUNServers,
		TURNURL:        cfg.TURNURL,
		TURNTCPURL:     cfg.TURNTCPURL,
		TURNSURL:       cfg.TURNSURL,
		TURNUsername:   cfg.TURNUsername,
		TURNCredential: cfg.TURNCredential,
	})
	app.Get("/ice-servers", iceHandler.List)

	authHandler := api.NewAuthHandler(authService, userRepo)
	authGroup := app.Group("/auth")
	authGroup.Post("/register", authHandler.Register)
	authGroup.Post("/login", authHandler.Login)
	authGroup.Get("/me", auth.RequireAuth(cfg.JWTSecret, cfg.Issuer), authHandler.Me)

	gatewayHandler := api.NewGatewayHandler(hub)
	app.Get("/gateway", gatewayHandler.Upgrade)

	if cfg.MetricsEnabled {
		app.Get("/metrics", api.MetricsHandler())
	}

	app.Use(func(_ fiber.Ctx) error {
		return fiber.ErrNotFound
	})
}

// connectWithRetry connects to PostgreSQL with exponential backoff, since the database may still be starting when
// this process does (common in compose/k8s startup ordering).
func connectWithRetry(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 30 * time.Second

	var db *pgxpool.Pool
	operation := func() error {
		pool, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConn, cfg.DatabaseMinConn)
		if err != nil {
			log.Warn().Err(err).Msg("postgres connection attempt failed, retrying")
			return err
		}
		db = pool
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}
	return db, nil
}

// runSessionPurge periodically deletes expired session audit rows. It runs for the lifetime of ctx and never returns
// an error to the caller: purge failures are logged and retried on the next tick.
func runSessionPurge(ctx context.Context, repo session.Repository, tokenTTL time.Duration, logger zerolog.Logger) {
	const interval = time.Hour
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := repo.PurgeExpired(ctx, time.Now().Add(-tokenTTL))
			if err != nil {
				logger.Warn().Err(err).Msg("failed to purge expired sessions")
				continue
			}
			if deleted > 0 {
				logger.Info().Int64("deleted", deleted).Msg("purged expired sessions")
			}
		}
	}
}

// fiberStatusToCode maps an HTTP status code from Fiber's built-in errors (404, 405, etc.) to the closest stable
// error code.
func fiberStatusToCode(status int) apierr.Code {
	switch status {
	case fiber.StatusNotFound:
		return apierr.NotFound
	case fiber.StatusUnauthorized:
		return apierr.Unauthorized
	case fiber.StatusBadRequest:
		return apierr.ValidationError
	default:
		if status >= 400 && status < 500 {
			return apierr.ValidationError
		}
		return apierr.InternalError
	}
}
