package middleware

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterExhaustsBurst(t *testing.T) {
	l := NewRatelimiter(3, time.Second)

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow(), "call %d should be within burst", i)
	}
	assert.False(t, l.Allow(), "burst exhausted")
}

func TestRateLimiterRefills(t *testing.T) {
	l := NewRatelimiter(1, 20*time.Millisecond)

	assert.True(t, l.Allow())
	assert.False(t, l.Allow())

	time.Sleep(30 * time.Millisecond)
	assert.True(t, l.Allow(), "a token should have regenerated")
}
