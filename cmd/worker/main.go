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
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jwalitptl/teletherapy-api/internal/bootstrap"
	"github.com/jwalitptl/teletherapy-api/internal/config"
	"github.com/jwalitptl/teletherapy-api/internal/handler/health"
	"github.com/jwalitptl/teletherapy-api/internal/notification"
	"github.com/jwalitptl/teletherapy-api/internal/queue"
	"github.com/jwalitptl/teletherapy-api/internal/repository/postgres"
	eventService "github.com/jwalitptl/teletherapy-api/internal/service/event"
	"github.com/jwalitptl/teletherapy-api/internal/service/signaling"
	"github.com/jwalitptl/teletherapy-api/pkg/logger"
	"github.com/jwalitptl/teletherapy-api/pkg/messaging"
	"github.com/jwalitptl/teletherapy-api/pkg/messaging/redis"
	"github.com/jwalitptl/teletherapy-api/pkg/metrics"
	"github.com/jwalitptl/teletherapy-api/pkg/worker"
)

func newZap(development bool) (*zap.Logger, error) {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}

func main() {
	wcfg, err := config.LoadWorkerConfig()
	if err != nil {
		panic(err)
	}

	zl, err := newZap(wcfg.Development)
	if err != nil {
		panic(err)
	}
	defer zl.Sync()
	sugar := zl.Sugar()

	cfg, err := config.LoadConfig()
	if err != nil {
		sugar.Fatalw("failed to load config", "error", err)
	}

	// Components take the zerolog wrapper shared with the API.
	appLogger := logger.NewLogger(bootstrap.LoggerConfig(cfg.Log)).
		WithFields(map[string]interface{}{"service": "worker"})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := postgres.NewDB(cfg.Database)
	if err != nil {
		sugar.Fatalw("failed to connect to database", "error", err)
	}
	defer db.Close()

	rdb, err := bootstrap.RedisClient(ctx, cfg.Redis)
	if err != nil {
		sugar.Fatalw("failed to connect to redis", "error", err)
	}
	defer rdb.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(reg, "teletherapy_worker")

	therapistRepo := postgres.NewTherapistRepository(db)
	outboxRepo := postgres.NewOutboxRepository(db)

	broker := messaging.NewBrokerAdapter(redis.NewRedisBroker(rdb, m, appLogger), appLogger)
	defer broker.Close()

	// Outbox relay
	processor := worker.NewOutboxProcessor(outboxRepo, broker, worker.OutboxProcessorConfig{
		BatchSize:     cfg.Outbox.BatchSize,
		PollInterval:  cfg.Outbox.PollInterval,
		RetryAttempts: cfg.Outbox.RetryAttempts,
		RetryDelay:    cfg.Outbox.RetryDelay,
		Retention:     cfg.Outbox.Retention,
	}, appLogger, m)
	go processor.Start(ctx)

	// Therapist e-mails
	mailer := notification.NewMailer(
		therapistRepo,
		notification.NewGuardedSender(
			notification.NewDialer(wcfg.SMTPHost, wcfg.SMTPPort, wcfg.SMTPUser, wcfg.SMTPPassword),
			notification.BreakerConfig{MaxFailures: wcfg.SMTPMaxFailures, Cooldown: wcfg.SMTPCooldown},
			appLogger,
		),
		wcfg.MailFrom,
		appLogger,
	)
	if err := mailer.Subscribe(ctx, broker); err != nil {
		sugar.Fatalw("failed to subscribe mailer", "error", err)
	}

	// Call timeouts
	var taskServer *asynq.Server
	if cfg.Signaling.Store == config.StoreMemory {
		sugar.Warnw("call store is process-local, call timeouts are not processed by the worker",
			"store", cfg.Signaling.Store)
	} else {
		callStore, closeStore, err := bootstrap.CallStore(ctx, cfg, rdb, m, appLogger)
		if err != nil {
			sugar.Fatalw("failed to open call store", "error", err)
		}
		defer closeStore()

		signalingSvc := signaling.NewService(callStore, nil, eventService.NewService(outboxRepo), signaling.Config{
			WriteTimeout: cfg.Signaling.WriteTimeout,
		}, m, appLogger)

		redisOpt, err := queue.RedisOpt(cfg.Redis.URL)
		if err != nil {
			sugar.Fatalw("invalid redis url", "error", err)
		}
		taskServer = asynq.NewServer(redisOpt, asynq.Config{
			Concurrency: wcfg.Concurrency,
			Queues: map[string]int{
				queue.QueueCalls: 6,
				"default":        1,
			},
			Logger:          sugar,
			ShutdownTimeout: wcfg.ShutdownTimeout,
		})
		if err := taskServer.Start(queue.NewServeMux(signalingSvc, appLogger)); err != nil {
			sugar.Fatalw("failed to start task server", "error", err)
		}
	}

	// Health
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	health.NewHandler(map[string]health.Checker{
		"postgres": db.PingContext,
		"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	}, gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))).RegisterRoutes(engine)

	healthSrv := &http.Server{
		Addr:              wcfg.HealthAddr,
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := healthSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sugar.Errorw("health server failed", "error", err)
			os.Exit(1)
		}
	}()

	sugar.Infow("worker started",
		"health_addr", wcfg.HealthAddr,
		"concurrency", wcfg.Concurrency,
		"call_store", cfg.Signaling.Store,
	)

	<-ctx.Done()
	sugar.Info("shutting down...")

	if taskServer != nil {
		taskServer.Shutdown()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), wcfg.ShutdownTimeout)
	defer cancel()
	if err := healthSrv.Shutdown(shutdownCtx); err != nil {
		sugar.Errorw("health server forced to shutdown", "error", err)
	}
}
