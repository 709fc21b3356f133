package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOfWrappedError(t *testing.T) {
	base := New(CodeIneligibleTier, "free tier cannot join projects")
	wrapped := fmt.Errorf("request enrollment: %w", base)

	assert.Equal(t, CodeIneligibleTier, CodeOf(wrapped))
	assert.True(t, Is(wrapped, CodeIneligibleTier))
	assert.False(t, Is(wrapped, CodeForbidden))
}

func TestCodeOfPlainErrorIsInternal(t *testing.T) {
	assert.Equal(t, CodeInternal, CodeOf(errors.New("boom")))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("processor timeout")
	err := Wrap(CodePaymentFailed, "could not create charge", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "processor timeout")
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Code]int{
		CodeValidation:        http.StatusBadRequest,
		CodeIneligibleTier:    http.StatusForbidden,
		CodeForbidden:         http.StatusForbidden,
		CodeProjectNotFound:   http.StatusNotFound,
		CodePaymentRequired:   http.StatusPaymentRequired,
		CodePaymentFailed:     http.StatusBadGateway,
		CodeRateLimited:       http.StatusTooManyRequests,
		CodeInvalidTransition: http.StatusConflict,
		CodeInternal:          http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, HTTPStatus(code), string(code))
	}
}
