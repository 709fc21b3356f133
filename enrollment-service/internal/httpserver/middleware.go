package httpserver

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"cohortengine/enrollment-service/internal/handler"
	"cohortengine/pkg/metrics"
	"cohortengine/pkg/ratelimit"
	"cohortengine/pkg/rbac"
	"cohortengine/pkg/trace"
	"cohortengine/pkg/util"
)

// TraceMiddleware 复用调用方的 X-Trace-ID，否则生成新的
func TraceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, traceID := trace.Ensure(c.Request.Context(), c.GetHeader(trace.HeaderName))
		c.Request = c.Request.WithContext(ctx)
		c.Header(trace.HeaderName, traceID)
		c.Next()
	}
}

// RequestLogger 请求日志与延迟指标
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		latency := time.Since(start)
		status := c.Writer.Status()
		metrics.RecordHTTPRequestDuration(c.Request.Method, route, strconv.Itoa(status), latency)

		logger.Info("HTTP Request",
			zap.String("trace_id", trace.FromContext(c.Request.Context())),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Duration("latency", latency),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

func AuthMiddleware(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := util.ExtractToken(c.Request)
		if token == "" {
			handler.AbortUnauthorized(c, "missing token")
			return
		}

		claims, err := util.ParseJWT(token, jwtSecret)
		if err != nil {
			handler.AbortUnauthorized(c, "invalid token")
			return
		}

		c.Set(handler.CtxSubscriberID, claims.SubscriberID)
		c.Set(handler.CtxRole, rbac.NormalizeRole(claims.Role))
		c.Next()
	}
}

// RequirePermission 中间件：要求用户具有指定权限
func RequirePermission(permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		subscriberID := c.GetInt64(handler.CtxSubscriberID)
		if subscriberID == 0 {
			handler.AbortUnauthorized(c, "subscriber not authenticated")
			return
		}

		if err := rbac.CheckPermission(subscriberID, c.GetString(handler.CtxRole), permission); err != nil {
			handler.AbortForbidden(c, err.Error())
			return
		}
		c.Next()
	}
}

// RateLimit 按订阅者限流，只挂在会调用支付处理方的路由上
func RateLimit(limiter *ratelimit.KeyedLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil {
			c.Next()
			return
		}
		key := strconv.FormatInt(c.GetInt64(handler.CtxSubscriberID), 10)
		if !limiter.Allow(key) {
			handler.AbortRateLimited(c)
			return
		}
		c.Next()
	}
}
