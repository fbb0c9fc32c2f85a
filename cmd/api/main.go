package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/teletherapy-api/internal/bootstrap"
	"github.com/jwalitptl/teletherapy-api/internal/config"
	"github.com/jwalitptl/teletherapy-api/internal/handler/appointment"
	"github.com/jwalitptl/teletherapy-api/internal/handler/availability"
	"github.com/jwalitptl/teletherapy-api/internal/handler/call"
	"github.com/jwalitptl/teletherapy-api/internal/handler/health"
	httpmetrics "github.com/jwalitptl/teletherapy-api/internal/handler/prometheus"
	"github.com/jwalitptl/teletherapy-api/internal/middleware"
	"github.com/jwalitptl/teletherapy-api/internal/queue"
	"github.com/jwalitptl/teletherapy-api/internal/repository/postgres"
	"github.com/jwalitptl/teletherapy-api/internal/router"
	appointmentService "github.com/jwalitptl/teletherapy-api/internal/service/appointment"
	availabilityService "github.com/jwalitptl/teletherapy-api/internal/service/availability"
	eventService "github.com/jwalitptl/teletherapy-api/internal/service/event"
	"github.com/jwalitptl/teletherapy-api/internal/service/signaling"
	"github.com/jwalitptl/teletherapy-api/pkg/auth"
	"github.com/jwalitptl/teletherapy-api/pkg/logger"
	"github.com/jwalitptl/teletherapy-api/pkg/metrics"
	"github.com/jwalitptl/teletherapy-api/pkg/security"
)

const metricsNamespace = "teletherapy"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	appLogger := logger.NewLogger(bootstrap.LoggerConfig(cfg.Log))
	log.Logger = appLogger.Zerolog()
	zerolog.SetGlobalLevel(logger.ParseLevel(cfg.Log.Level))

	if err := middleware.RegisterValidators(); err != nil {
		log.Fatal().Err(err).Msg("failed to register validators")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize database
	db, err := postgres.NewDB(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if cfg.Database.Migrate {
		if err := postgres.Migrate(ctx, db); err != nil {
			log.Fatal().Err(err).Msg("failed to migrate database")
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(reg, metricsNamespace)

	checks := map[string]health.Checker{
		"postgres": db.PingContext,
	}

	var rdb *goredis.Client
	if cfg.Signaling.Store != config.StoreMemory {
		rdb, err = bootstrap.RedisClient(ctx, cfg.Redis)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to Redis")
		}
		defer rdb.Close()
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	callStore, closeStore, err := bootstrap.CallStore(ctx, cfg, rdb, m, appLogger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open call store")
	}
	defer closeStore()

	// Ring timeouts go through asynq so they survive restarts. The in-memory
	// store is process-local, so it keeps the local timer fallback.
	var timeouts signaling.TimeoutScheduler
	if rdb != nil {
		redisOpt, err := queue.RedisOpt(cfg.Redis.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid redis url")
		}
		client := asynq.NewClient(redisOpt)
		defer client.Close()
		timeouts = queue.NewScheduler(client, appLogger)
	}

	// Initialize repositories
	therapistRepo := postgres.NewTherapistRepository(db)
	notesCipher, err := security.NewFieldCipher(cfg.Database.NotesKey)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid database.notes_key")
	}
	appointmentRepo := postgres.NewAppointmentRepository(db, notesCipher)
	outboxRepo := postgres.NewOutboxRepository(db)

	// Initialize services
	events := eventService.NewService(outboxRepo)
	availabilitySvc := availabilityService.NewService(therapistRepo, appointmentRepo, availabilityService.Config{
		RespectBlockedSlots: cfg.Availability.RespectBlockedSlots,
		CollisionPolicy:     availabilityService.CollisionPolicy(cfg.Availability.CollisionPolicy),
		CacheTTL:            cfg.Availability.CacheTTL,
	}, m, appLogger)
	appointmentSvc := appointmentService.NewService(appointmentRepo, therapistRepo, availabilitySvc, events, appLogger)
	signalingSvc := signaling.NewService(callStore, timeouts, events, signaling.Config{
		RingTimeout:  cfg.Signaling.RingTimeout,
		WriteTimeout: cfg.Signaling.WriteTimeout,
	}, m, appLogger)

	tokens := auth.NewTokenService(auth.Config{
		Secret:        cfg.JWT.Secret,
		Issuer:        cfg.JWT.Issuer,
		GrantAudience: cfg.JWT.ChannelGrantAudience,
		GrantTTL:      cfg.JWT.ChannelGrantTTL,
	})

	// Initialize handlers
	httpMetrics := httpmetrics.New(reg, metricsNamespace)
	r := router.NewRouter(
		middleware.NewAuthMiddleware(tokens),
		availability.NewHandler(availabilitySvc),
		appointment.NewHandler(appointmentSvc),
		call.NewHandler(signalingSvc, tokens),
		health.NewHandler(checks, httpMetrics.Handler()),
		httpMetrics,
		router.RouterConfig{
			Mode:           cfg.Server.Mode,
			RequestTimeout: cfg.Server.Timeout(),
			RateLimit: middleware.RateLimiterConfig{
				Rate:  rate.Limit(cfg.RateLimit.RPS),
				Burst: cfg.RateLimit.Burst,
			},
			AllowOrigins: cfg.CORS.AllowOrigins,
			MaxBodySize:  middleware.DefaultMaxBodySize,
			Security:     middleware.DefaultSecurityConfig(),
		},
	)
	r.Setup()

	// Open SSE streams end when shutdown starts instead of holding it up.
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           r.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	srv.RegisterOnShutdown(cancelBase)

	go func() {
		log.Info().Int("port", cfg.Server.Port).Str("call_store", cfg.Signaling.Store).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
		os.Exit(1)
	}

	log.Info().Msg("server exited properly")
}
