package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code 稳定的错误码，直接返回给调用方
type Code string

const (
	CodeIneligibleTier    Code = "INELIGIBLE_TIER"
	CodePaymentRequired   Code = "PAYMENT_REQUIRED"
	CodePaymentFailed     Code = "PAYMENT_FAILED"
	CodeProjectNotFound   Code = "PROJECT_NOT_FOUND"
	CodeNotFound          Code = "NOT_FOUND"
	CodeValidation        Code = "VALIDATION_FAILED"
	CodeForbidden         Code = "FORBIDDEN"
	CodeUnauthorized      Code = "UNAUTHORIZED"
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodeConflict          Code = "CONFLICT"
	CodeRateLimited       Code = "RATE_LIMITED"
	CodeInternal          Code = "INTERNAL"
)

// Error 业务错误，携带错误码与可读信息
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap 保留底层错误，便于日志排查
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf 提取错误码，非业务错误统一视为 INTERNAL
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

func Is(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// HTTPStatus 错误码到 HTTP 状态码的映射
func HTTPStatus(code Code) int {
	switch code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeIneligibleTier, CodeForbidden:
		return http.StatusForbidden
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeNotFound, CodeProjectNotFound:
		return http.StatusNotFound
	case CodePaymentRequired:
		return http.StatusPaymentRequired
	case CodePaymentFailed:
		return http.StatusBadGateway
	case CodeInvalidTransition, CodeConflict:
		return http.StatusConflict
	case CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
