package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"cohortengine/enrollment-service/internal/handler"
	"cohortengine/pkg/otel"
	"cohortengine/pkg/ratelimit"
	"cohortengine/pkg/rbac"
)

// Pinger 由 *pgxpool.Pool 实现
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handlers struct {
	Enrollment   *handler.EnrollmentHandler
	Subscription *handler.SubscriptionHandler
	Progress     *handler.ProgressHandler
	Webhook      *handler.WebhookHandler
	Admin        *handler.AdminHandler
	// Limiter 为 nil 时不限流
	Limiter      *ratelimit.KeyedLimiter
}

type Router struct {
	Engine *gin.Engine
}

func NewRouter(h Handlers, jwtSecret string, db Pinger, logger *zap.Logger) *Router {
	r := gin.New()
	r.Use(gin.Recovery(), TraceMiddleware(), otel.GinMiddleware(), RequestLogger(logger))

	// Health endpoints (放在最前面)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	r.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 1*time.Second)
		defer cancel()

		if err := db.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db_not_ready", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 回调由签名或共享令牌校验，不走 JWT
	r.POST("/webhooks/payment", h.Webhook.Payment)
	r.POST("/webhooks/video", h.Webhook.Video)

	auth := r.Group("/")
	auth.Use(AuthMiddleware(jwtSecret))
	limited := RateLimit(h.Limiter)
	{
		auth.POST("/projects/:id/join", RequirePermission(rbac.PermissionJoinProject), limited, h.Enrollment.Join)
		auth.GET("/projects/:id/teams", RequirePermission(rbac.PermissionReadOwnData), h.Enrollment.ListTeams)
		auth.POST("/payments/:reference/confirm", RequirePermission(rbac.PermissionJoinProject), limited, h.Enrollment.ConfirmPayment)
		auth.GET("/payments/:reference", RequirePermission(rbac.PermissionReadOwnData), h.Enrollment.GetPayment)

		auth.POST("/tiers/:id/subscribe", RequirePermission(rbac.PermissionSubscribe), limited, h.Subscription.Subscribe)
		auth.DELETE("/tiers/:id/subscribe", RequirePermission(rbac.PermissionSubscribe), h.Subscription.Cancel)
		auth.GET("/me/coupons", RequirePermission(rbac.PermissionReadOwnData), h.Subscription.ListCoupons)

		auth.POST("/milestones/:id/reports", RequirePermission(rbac.PermissionSubmitReport), h.Progress.Submit)
		auth.PATCH("/reports/:id", RequirePermission(rbac.PermissionReviewReport), h.Progress.Review)
		auth.GET("/reports/:id", RequirePermission(rbac.PermissionReadOwnData), h.Progress.GetReport)
	}

	if h.Admin != nil {
		admin := r.Group("/admin")
		admin.Use(AuthMiddleware(jwtSecret), RequirePermission(rbac.PermissionReplayOutbox))
		{
			admin.GET("/outbox/failed", h.Admin.ListFailedEvents)
			admin.POST("/outbox/replay", h.Admin.ReplayOutboxEvent)
			admin.POST("/outbox/replay-failed", h.Admin.ReplayFailedEvents)
		}
	}

	return &Router{Engine: r}
}
