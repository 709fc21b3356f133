package httpserver

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"cohortengine/notification-service/internal/repository"
	"cohortengine/pkg/apperr"
	"cohortengine/pkg/logger"
	"cohortengine/pkg/otel"
	"cohortengine/pkg/trace"
	"cohortengine/pkg/util"
)

const ctxRecipientID = "recipient_id"

type Pinger interface {
	Ping(ctx context.Context) error
}

type NotificationReader interface {
	ListForRecipient(ctx context.Context, recipientID int64, unreadOnly bool, limit int) ([]repository.Notification, error)
	MarkAsRead(ctx context.Context, id, recipientID int64) (bool, error)
}

type Router struct {
	Engine *gin.Engine
}

func NewRouter(store NotificationReader, jwtSecret string, db Pinger, log *zap.Logger) *Router {
	r := gin.New()
	r.Use(gin.Recovery(), traceMiddleware(), otel.GinMiddleware())

	// Health endpoints
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

	h := &notificationHandler{store: store, logger: log}
	auth := r.Group("/notifications")
	auth.Use(authMiddleware(jwtSecret))
	{
		auth.GET("", h.list)
		auth.POST("/:id/read", h.markRead)
	}

	return &Router{Engine: r}
}

func abort(c *gin.Context, code apperr.Code, msg string) {
	c.AbortWithStatusJSON(apperr.HTTPStatus(code), gin.H{
		"error": gin.H{"code": code, "message": msg},
	})
}

func traceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, traceID := trace.Ensure(c.Request.Context(), c.GetHeader(trace.HeaderName))
		c.Request = c.Request.WithContext(ctx)
		c.Header(trace.HeaderName, traceID)
		c.Next()
	}
}

func authMiddleware(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := util.ExtractToken(c.Request)
		if token == "" {
			abort(c, apperr.CodeUnauthorized, "missing token")
			return
		}
		claims, err := util.ParseJWT(token, jwtSecret)
		if err != nil || claims.SubscriberID <= 0 {
			abort(c, apperr.CodeUnauthorized, "invalid token")
			return
		}
		c.Set(ctxRecipientID, claims.SubscriberID)
		c.Next()
	}
}

type notificationHandler struct {
	store  NotificationReader
	logger *zap.Logger
}

// list GET /notifications?unread=true&limit=50
func (h *notificationHandler) list(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 || limit > 200 {
		limit = 50
	}
	unread := c.Query("unread") == "true"

	list, err := h.store.ListForRecipient(c.Request.Context(), c.GetInt64(ctxRecipientID), unread, limit)
	if err != nil {
		logger.WithTrace(c.Request.Context(), h.logger).Error("Failed to list notifications", zap.Error(err))
		abort(c, apperr.CodeInternal, "internal error")
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": list, "count": len(list)})
}

// markRead POST /notifications/:id/read
func (h *notificationHandler) markRead(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		abort(c, apperr.CodeValidation, "invalid notification id")
		return
	}

	ok, err := h.store.MarkAsRead(c.Request.Context(), id, c.GetInt64(ctxRecipientID))
	if err != nil {
		logger.WithTrace(c.Request.Context(), h.logger).Error("Failed to mark notification read",
			zap.Int64("id", id), zap.Error(err))
		abort(c, apperr.CodeInternal, "internal error")
		return
	}
	if !ok {
		abort(c, apperr.CodeNotFound, "notification not found")
		return
	}
	c.Status(http.StatusNoContent)
}
