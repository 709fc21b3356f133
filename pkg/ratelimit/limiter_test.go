package ratelimit

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAllowHonoursBurstPerKey(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := NewKeyedLimiter(1, 2, time.Minute)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"), "keys do not share a bucket")

	now = now.Add(time.Second)
	assert.True(t, l.Allow("a"))
}

func TestIdleKeysArePruned(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := NewKeyedLimiter(1, 1, time.Minute)
	l.now = func() time.Time { return now }

	for i := 0; i < pruneEvery-1; i++ {
		l.Allow(fmt.Sprintf("k%d", i))
	}
	assert.Equal(t, pruneEvery-1, l.Len())

	now = now.Add(2 * time.Minute)
	l.Allow("fresh")
	assert.Equal(t, 1, l.Len())
}
