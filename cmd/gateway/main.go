// Command gateway runs the agent gateway: the HTTP API, the broker consumer
// that drains the response stream, and the background reaper for expired
// correlation records.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/openanalyst/agent-gateway/internal/broker"
	"github.com/openanalyst/agent-gateway/internal/config"
	"github.com/openanalyst/agent-gateway/internal/delivery"
	httpapi "github.com/openanalyst/agent-gateway/internal/http"
	"github.com/openanalyst/agent-gateway/internal/observability"
	"github.com/openanalyst/agent-gateway/internal/repo"
	"github.com/openanalyst/agent-gateway/internal/services"
	"github.com/openanalyst/agent-gateway/internal/sysutil"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// Optional .env for local development; absence is not an error.
	_ = godotenv.Load()

	cfg := config.MustLoad()

	sysutil.SetLogLevel(cfg.LogLevel)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	lg := log.With().Str("service", cfg.OTEL.ServiceName).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Tracing.
	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		lg.Fatal().Err(err).Msg("otel setup failed")
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			lg.Warn().Err(err).Msg("otel shutdown failed")
		}
	}()

	// Correlation store.
	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		lg.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open database failed")
	}
	if err := repo.AutoMigrate(db); err != nil {
		lg.Fatal().Err(err).Msg("migrate database failed")
	}
	defer func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}()

	// Broker.
	opts, err := redis.ParseURL(cfg.Broker.RedisURL)
	if err != nil {
		lg.Fatal().Err(err).Msg("invalid REDIS_URL")
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		// The consumer reconnects on its own; a dead broker at boot is worth
		// a loud warning but not a refusal to serve reads.
		lg.Warn().Err(err).Msg("redis unreachable at startup")
	}

	// Delivery engine.
	registry := delivery.NewRegistry(cfg.Delivery.MaxChannelsPerUser, lg)
	waiters := delivery.NewWaiters()
	router := delivery.NewRouter(db, registry, waiters, lg)
	dispatcher := broker.NewDispatcher(rdb, cfg.Broker.RequestStream, lg)

	consumerName := cfg.Broker.ConsumerName
	if consumerName == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "gateway"
		}
		consumerName = host
	}
	consumer := broker.NewConsumer(rdb, cfg.Broker.ResponseStream, cfg.Broker.ConsumerGroup, consumerName, db, router, lg)
	go consumer.Run(ctx)

	// Expired-record reaper.
	if cfg.Delivery.ReaperInterval > 0 {
		go runReaper(ctx, db, cfg.Delivery.ReaperInterval, lg)
	}

	// Stalled-request sweep: republish pending records no worker ever claimed.
	if cfg.Delivery.RequeueInterval > 0 {
		svc := services.NewResponseService(db, dispatcher, waiters)
		go runRequeue(ctx, svc, cfg.Delivery.RequeueInterval, cfg.Delivery.RequeueMinAge, lg)
	}

	// HTTP API.
	gin.SetMode(cfg.GinMode)
	engine := gin.New()
	httpapi.RegisterRoutes(engine, db, dispatcher, registry, waiters, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           engine,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		lg.Info().Str("addr", srv.Addr).Str("version", version).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	lg.Info().Msg("shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		lg.Warn().Err(err).Msg("http shutdown incomplete")
	}
	lg.Info().Msg("gateway stopped")
}

// runRequeue periodically republishes the request envelopes of pending
// records older than minAge. Workers dedupe through the store's conditional
// claim, so an occasional double publish is harmless.
func runRequeue(ctx context.Context, svc *services.ResponseService, interval, minAge time.Duration, lg zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := svc.RequeueStalled(ctx, minAge, 100)
			if err != nil {
				lg.Warn().Err(err).Msg("requeue sweep failed")
			}
			if n > 0 {
				lg.Info().Int("requeued", n).Msg("stalled requests republished")
			}
		}
	}
}

// runReaper periodically purges expired correlation records. Reads already
// exclude expired rows; the reaper only reclaims storage.
func runReaper(ctx context.Context, db *gorm.DB, interval time.Duration, lg zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := repo.PurgeExpired(ctx, db, time.Now().UTC())
			if err != nil {
				lg.Warn().Err(err).Msg("purge expired records failed")
				continue
			}
			if n > 0 {
				lg.Info().Int64("purged", n).Msg("expired records reclaimed")
			}
		}
	}
}
