package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var errBoom = errors.New("boom")

func fail() error { return errBoom }
func ok() error   { return nil }

func TestOpensAfterThresholdAndRecovers(t *testing.T) {
	now := time.Unix(0, 0)
	cb := New("test", Config{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Second, HalfOpenMaxRequests: 1})
	cb.now = func() time.Time { return now }

	assert.ErrorIs(t, cb.Execute(fail, nil), errBoom)
	assert.Equal(t, StateClosed, cb.State())
	assert.ErrorIs(t, cb.Execute(fail, nil), errBoom)
	assert.Equal(t, StateOpen, cb.State())

	assert.ErrorIs(t, cb.Execute(ok, nil), ErrOpen)

	now = now.Add(2 * time.Second)
	assert.NoError(t, cb.Execute(ok, nil))
	assert.Equal(t, StateClosed, cb.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	now := time.Unix(0, 0)
	cb := New("test", Config{FailureThreshold: 1, SuccessThreshold: 2, Timeout: time.Second, HalfOpenMaxRequests: 1})
	cb.now = func() time.Time { return now }

	_ = cb.Execute(fail, nil)
	now = now.Add(2 * time.Second)
	_ = cb.Execute(fail, nil)
	assert.Equal(t, StateOpen, cb.State())
}

func TestIgnoredErrorsDoNotTrip(t *testing.T) {
	cb := New("test", Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Second, HalfOpenMaxRequests: 1})
	notCounted := func(error) bool { return false }

	assert.ErrorIs(t, cb.Execute(fail, notCounted), errBoom)
	assert.Equal(t, StateClosed, cb.State())
}
