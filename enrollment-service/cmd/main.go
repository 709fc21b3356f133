package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"cohortengine/enrollment-service/internal/config"
	"cohortengine/enrollment-service/internal/handler"
	"cohortengine/enrollment-service/internal/httpserver"
	"cohortengine/enrollment-service/internal/notify"
	"cohortengine/enrollment-service/internal/payment"
	"cohortengine/enrollment-service/internal/repository"
	"cohortengine/enrollment-service/internal/service"
	"cohortengine/migrations"
	"cohortengine/pkg/circuitbreaker"
	"cohortengine/pkg/db"
	"cohortengine/pkg/logger"
	"cohortengine/pkg/mq"
	"cohortengine/pkg/otel"
	"cohortengine/pkg/outbox"
	"cohortengine/pkg/ratelimit"
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

	log.Info("Starting enrollment-service...",
		zap.String("env", cfg.Env),
		zap.String("db_host", cfg.DB.Host),
		zap.String("mq_url", cfg.MQ.URL),
		zap.String("payment_mode", cfg.Enrollment.PaymentMode),
	)

	shutdownTracing, err := otel.Init(otel.Config{
		ServiceName:    "enrollment-service",
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
	pool, err := db.NewConnection(ctx, cfg.DB, log)
	if err != nil {
		log.Fatal("Failed to init DB", zap.Error(err))
	}
	defer pool.Close()

	if os.Getenv("AUTO_MIGRATE") == "true" {
		applied, err := db.Migrate(ctx, pool, migrations.FS, log)
		if err != nil {
			log.Fatal("Failed to apply migrations", zap.Error(err))
		}
		log.Info("Migrations applied", zap.Int("count", applied))
	}

	// Redis 不可用时退化为只依赖 attempt 的 CAS 去重
	var deduper handler.EventDeduper
	rdb, err := redis.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		log.Warn("Redis unavailable, webhook dedupe fast path disabled", zap.Error(err))
	} else {
		defer rdb.Close()
		deduper = util.NewDeduper(rdb, cfg.DedupeTTL(), log)
	}

	// MQ Publisher
	publisher, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		log.Fatal("Failed to init MQ publisher", zap.Error(err))
	}
	defer publisher.Close()

	outboxRepo := outbox.NewRepository(pool)
	dispatcher := outbox.NewDispatcher(outboxRepo, publisher, log).
		WithMaxRetries(cfg.Outbox.MaxRetries).
		WithInterval(cfg.OutboxInterval()).
		WithBatchSize(cfg.Outbox.BatchSize)
	replayer := outbox.NewReplayService(outboxRepo, publisher, log)

	breakerCfg := circuitbreaker.DefaultConfig()
	if cfg.Stripe.BreakerFailures > 0 {
		breakerCfg.FailureThreshold = cfg.Stripe.BreakerFailures
	}
	if cfg.Stripe.BreakerCooldownSeconds > 0 {
		breakerCfg.Timeout = time.Duration(cfg.Stripe.BreakerCooldownSeconds) * time.Second
	}
	processor := payment.NewStripeProcessor(payment.StripeConfig{
		SecretKey:  cfg.Stripe.SecretKey,
		BackendURL: cfg.Stripe.BackendURL,
		Timeout:    cfg.StripeTimeout(),
	}, circuitbreaker.New("stripe", breakerCfg), log)

	opts, err := cfg.EnrollmentOptions()
	if err != nil {
		log.Fatal("Invalid enrollment config", zap.Error(err))
	}
	strategy, err := service.ParseStrategy(cfg.Enrollment.Strategy)
	if err != nil {
		log.Fatal("Invalid allocation strategy", zap.Error(err))
	}

	store := repository.NewPgStore(pool, log)
	emitter := notify.NewEmitter(log)
	allocator := service.NewAllocator(strategy, emitter, log)

	enrollments := service.NewEnrollmentService(store, processor, allocator, emitter, opts, log)
	subscriptions := service.NewSubscriptionService(store, processor, emitter, log,
		service.WithApplicationFeeRate(opts.ApplicationFeeRate))
	progress := service.NewProgressService(store, emitter, log)

	if len(cfg.Stripe.WebhookSecrets) == 0 {
		log.Warn("No payment webhook secrets configured, every payment webhook will be rejected")
	}
	if cfg.Webhook.VideoToken == "" {
		log.Warn("No video webhook token configured, every video webhook will be rejected")
	}

	var limiter *ratelimit.KeyedLimiter
	if cfg.RateLimit.PerSecond > 0 {
		limiter = ratelimit.NewKeyedLimiter(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst, 10*time.Minute)
	}

	router := httpserver.NewRouter(httpserver.Handlers{
		Enrollment:   handler.NewEnrollmentHandler(enrollments, log),
		Subscription: handler.NewSubscriptionHandler(subscriptions, log),
		Progress:     handler.NewProgressHandler(progress, validator.New(), log),
		Webhook: handler.NewWebhookHandler(
			payment.NewWebhookParser(cfg.Stripe.WebhookSecrets),
			enrollments,
			progress,
			deduper,
			cfg.Webhook.VideoToken,
			log,
		),
		Admin:   handler.NewAdminHandler(replayer, log),
		Limiter: limiter,
	}, cfg.JWT.Secret, pool, log)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router.Engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return dispatcher.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down enrollment-service gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("enrollment-service stopped with error", zap.Error(err))
		return
	}
	log.Info("enrollment-service shutdown complete")
}
