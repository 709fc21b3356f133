package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	mqcontracts "cohortengine/contracts/mq"
	"cohortengine/notification-service/internal/config"
	"cohortengine/notification-service/internal/httpserver"
	"cohortengine/notification-service/internal/mqhandler"
	"cohortengine/notification-service/internal/repository"
	"cohortengine/notification-service/internal/service"
	"cohortengine/pkg/db"
	"cohortengine/pkg/logger"
	"cohortengine/pkg/mq"
	"cohortengine/pkg/otel"
	"cohortengine/pkg/redis"
	"cohortengine/pkg/util"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log := logger.NewLogger(cfg.Env)
	defer log.Sync()

	log.Info("Starting notification-service...",
		zap.String("db_host", cfg.DB.Host),
		zap.Int("db_port", cfg.DB.Port),
		zap.String("mq_url", cfg.MQ.URL),
	)

	shutdownTracing, err := otel.Init(otel.Config{
		ServiceName:    "notification-service",
		ServiceVersion: "1.0.0",
		Endpoint:       cfg.Otel.Endpoint,
		SampleRatio:    cfg.Otel.SampleRatio,
		Enabled:        cfg.Otel.Enabled,
	}, log)
	if err != nil {
		log.Fatal("Failed to init tracing", zap.Error(err))
	}
	defer shutdownTracing()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// DB
	log.Info("Initializing database connection...")
	dbConn, err := db.NewConnection(ctx, cfg.DB, log)
	if err != nil {
		log.Fatal("Failed to init DB", zap.Error(err))
	}
	defer dbConn.Close()

	// Redis：去重与重试计数，不可用时退化为 event_id 唯一约束
	var (
		deduper mqhandler.Deduper
		retries *util.RetryCounter
	)
	rdb, err := redis.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		log.Warn("Redis unavailable, consumer dedupe and retry counting disabled", zap.Error(err))
	} else {
		defer rdb.Close()
		deduper = util.NewDeduper(rdb, 24*time.Hour, log)
		retries = util.NewRetryCounter(rdb, cfg.RetryTTL())
	}

	// Repositories
	notificationRepo := repository.NewNotificationRepository(dbConn, log)

	// Services
	sender := service.NewNotificationSender(notificationRepo, service.NewLogPusher(log), log)

	// MQ Handlers
	createdHandler := mqhandler.NewNotificationCreatedHandler(notificationRepo, sender, deduper, log)

	log.Info("Initializing MQ consumer for notification.created...",
		zap.String("queue", cfg.Notification.Queue),
		zap.String("routing_key", mqcontracts.RoutingKeyNotificationCreated),
	)
	consumer, err := mq.NewConsumer(cfg.MQ.URL, cfg.Notification.Queue, mqcontracts.RoutingKeyNotificationCreated, "notification-service", log)
	if err != nil {
		log.Fatal("Failed to init consumer", zap.Error(err))
	}
	defer consumer.Close()

	consumer.SetHandler(createdHandler.Handle)
	if retries != nil {
		consumer.WithRetryCounter(retries, cfg.Notification.MaxRetries)
	}

	go func() {
		log.Info("Starting notification.created consumer...")
		if err := consumer.StartConsuming(ctx); err != nil {
			log.Error("Notification consumer failed", zap.Error(err))
			stop()
		}
	}()

	// HTTP Server
	router := httpserver.NewRouter(notificationRepo, cfg.JWT.Secret, dbConn, log)
	srv := &http.Server{
		Addr:              ":" + cfg.Notification.ServerPort,
		Handler:           router.Engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("HTTP server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server failed", zap.Error(err))
			stop()
		}
	}()

	log.Info("notification-service is fully initialized and running")

	// Graceful shutdown
	<-ctx.Done()
	log.Info("Shutting down notification-service gracefully...")

	consumer.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	} else {
		log.Info("HTTP server stopped")
	}

	log.Info("notification-service shutdown complete")
}
