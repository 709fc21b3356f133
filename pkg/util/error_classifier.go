package util

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"cohortengine/pkg/apperr"
)

// IsRetryableError 判断错误是否值得重试，返回 (是否可重试, 错误类型)
func IsRetryableError(err error) (bool, string) {
	if err == nil {
		return false, ""
	}

	// JSON 格式错误：重试也不会成功
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return false, "json_decode_error"
	}

	// 业务错误：校验/权限/不存在，不重试
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		if appErr.Code == apperr.CodeInternal {
			return true, "internal_error"
		}
		return false, "business_" + strings.ToLower(string(appErr.Code))
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return false, "not_found"
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return false, "duplicate_key"
		case pgErr.Code == "40001" || pgErr.Code == "40P01":
			return true, "serialization_failure"
		case strings.HasPrefix(pgErr.Code, "08"):
			return true, "db_connection_error"
		case strings.HasPrefix(pgErr.Code, "23"):
			return false, "constraint_violation"
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true, "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return false, "context_canceled"
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true, "network_timeout"
		}
		return true, "network_error"
	}

	if pgconn.SafeToRetry(err) {
		return true, "db_connection_error"
	}

	// 未知错误保守处理：不重试
	return false, "unknown_error"
}

// ShouldRetry 结合重试次数判断
func ShouldRetry(retryCount, maxRetries int64, isRetryable bool) bool {
	return isRetryable && retryCount <= maxRetries
}
