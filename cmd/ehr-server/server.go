package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/eldercare/ehr/internal/config"
	"github.com/eldercare/ehr/internal/platform/auth"
	"github.com/eldercare/ehr/internal/platform/db"
	"github.com/eldercare/ehr/internal/platform/hipaa"
	"github.com/eldercare/ehr/internal/platform/metrics"
	"github.com/eldercare/ehr/internal/platform/middleware"
	"github.com/eldercare/ehr/internal/platform/websocket"
)

const shutdownTimeout = 10 * time.Second

// app holds the process-wide compliance components.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
	svc     *hipaa.ComplianceService
}

func poolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	}
}

func detectorConfig(cfg *config.Config) hipaa.DetectorConfig {
	d := hipaa.DefaultDetectorConfig()
	d.FailedLoginThreshold = cfg.FailedLoginThreshold
	d.BulkPHIThreshold = cfg.BulkPHIAccessThreshold
	return d
}

// newApp opens the configured stores and builds the compliance service.
// reg may be nil, which disables instrumentation.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, reg prometheus.Registerer) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	if reg != nil && cfg.MetricsEnabled {
		a.metrics = metrics.New(reg)
	}

	stores := hipaa.MemoryStores()
	if cfg.UsesPostgres() {
		pool, err := db.NewPool(ctx, poolConfig(cfg), logger)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		a.pool = pool
		stores = hipaa.PostgresStores(pool)
	} else {
		logger.Warn().Msg("DATABASE_URL not set; audit data is held in memory and lost on exit")
	}

	seed, err := cfg.EncryptionKeySeed()
	if err != nil {
		a.Close()
		return nil, err
	}
	if seed == nil {
		logger.Warn().Msg("HIPAA_ENCRYPTION_KEY not set; key v1 is random and ciphertext will not survive a restart")
	}

	svc, err := hipaa.NewComplianceService(ctx, stores, hipaa.ServiceConfig{
		Algorithm:     hipaa.Algorithm(cfg.EncryptionAlgorithm),
		KeySeed:       seed,
		Detector:      detectorConfig(cfg),
		RetentionDays: cfg.AuditRetentionDays,
		Metrics:       a.metrics,
	}, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("start compliance service: %w", err)
	}
	a.svc = svc
	return a, nil
}

// Close releases the database pool, if any.
func (a *app) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

// pinger returns the database health target; nil means memory storage.
func (a *app) pinger() db.Pinger {
	if a.pool == nil {
		return nil
	}
	return a.pool
}

// newEcho builds the HTTP surface: probes, metrics, the compliance API and
// the live event stream.
func newEcho(a *app, hub *websocket.Hub, metricsHandler http.Handler) *echo.Echo {
	cfg, logger := a.cfg, a.logger

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	if cfg.BodyLimit != "" {
		e.Use(echomw.BodyLimit(cfg.BodyLimit))
	}
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	if cfg.IsDev() && cfg.AuthSigningKey == "" {
		logger.Warn().Msg("development auth active: unauthenticated requests run as admin")
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}
	e.Use(middleware.Audit(logger, a.svc.AuditLog()))

	e.GET("/health", db.HealthHandler(a.pinger()))
	if metricsHandler != nil {
		e.GET("/metrics", echo.WrapHandler(metricsHandler))
	}

	apiV1 := e.Group("/api/v1")
	if cfg.RateLimitRPS > 0 {
		apiV1.Use(echomw.RateLimiterWithConfig(echomw.RateLimiterConfig{
			Store: echomw.NewRateLimiterMemoryStoreWithConfig(echomw.RateLimiterMemoryStoreConfig{
				Rate:      rate.Limit(cfg.RateLimitRPS),
				Burst:     cfg.RateLimitBurst,
				ExpiresIn: 3 * time.Minute,
			}),
		}))
	}
	hipaa.NewHandler(a.svc, logger).RegisterRoutes(apiV1)
	websocket.NewHandler(hub, cfg.CORSOrigins, logger).RegisterRoutes(apiV1)

	return e
}

// runServer serves HTTP until ctx is cancelled, then shuts down gracefully.
func runServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a, err := newApp(ctx, cfg, logger, reg)
	if err != nil {
		return err
	}
	defer a.Close()

	hub := websocket.NewHub(logger,
		websocket.WithBufferSize(cfg.LiveBufferSize),
		websocket.WithMetrics(a.metrics),
	)
	defer hub.Close()

	g, gctx := errgroup.WithContext(ctx)

	if cfg.RedisURL != "" {
		client, err := websocket.DialRedis(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()

		relay := websocket.NewRelay(hub, client, logger)
		a.svc.AttachLive(relay, hub)
		g.Go(func() error { return relay.Run(gctx) })
	} else {
		a.svc.AttachLive(hub, hub)
	}

	if err := a.svc.Retention().Start(cfg.RetentionSchedule); err != nil {
		return err
	}
	defer a.svc.Retention().Stop()

	var metricsHandler http.Handler
	if cfg.MetricsEnabled {
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
	}
	e := newEcho(a, hub, metricsHandler)

	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Bool("postgres", cfg.UsesPostgres()).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info().Msg("server stopped")
	return err
}
