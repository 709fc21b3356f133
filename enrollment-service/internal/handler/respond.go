package handler

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"cohortengine/pkg/apperr"
	"cohortengine/pkg/logger"
)

// 鉴权中间件写入 gin.Context 的键
const (
	CtxSubscriberID = "subscriber_id"
	CtxRole         = "role"
)

type errorBody struct {
	Code    apperr.Code `json:"code"`
	Message string      `json:"message"`
}

func abortWithCode(c *gin.Context, code apperr.Code, message string) {
	c.AbortWithStatusJSON(apperr.HTTPStatus(code), gin.H{"error": errorBody{Code: code, Message: message}})
}

// writeError 业务错误按错误码返回；内部错误只记录日志，不向调用方暴露细节
func writeError(c *gin.Context, log *zap.Logger, err error) {
	code := apperr.CodeOf(err)
	if code == apperr.CodeInternal {
		logger.WithTrace(c.Request.Context(), log).Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		abortWithCode(c, code, "internal error")
		return
	}

	message := err.Error()
	var ae *apperr.Error
	if errors.As(err, &ae) {
		message = ae.Message
	}
	abortWithCode(c, code, message)
}

// AbortUnauthorized 供 httpserver 中间件复用同一错误格式
func AbortUnauthorized(c *gin.Context, message string) {
	abortWithCode(c, apperr.CodeUnauthorized, message)
}

func AbortForbidden(c *gin.Context, message string) {
	abortWithCode(c, apperr.CodeForbidden, message)
}

func AbortRateLimited(c *gin.Context) {
	abortWithCode(c, apperr.CodeRateLimited, "too many requests")
}

func currentSubscriber(c *gin.Context) (int64, bool) {
	v, ok := c.Get(CtxSubscriberID)
	if !ok {
		AbortUnauthorized(c, "subscriber not authenticated")
		return 0, false
	}
	id, ok := v.(int64)
	if !ok || id <= 0 {
		AbortUnauthorized(c, "subscriber not authenticated")
		return 0, false
	}
	return id, true
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		abortWithCode(c, apperr.CodeValidation, "invalid "+name)
		return 0, false
	}
	return id, true
}

// bindJSON 解析并校验请求体
func bindJSON(c *gin.Context, v *validator.Validate, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		abortWithCode(c, apperr.CodeValidation, "invalid request body")
		return false
	}
	if err := v.Struct(req); err != nil {
		abortWithCode(c, apperr.CodeValidation, "validation error: "+err.Error())
		return false
	}
	return true
}
