package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientRateLimiter_Acquire(t *testing.T) {
	t.Run("should allow requests under limit", func(t *testing.T) {
		limiter := NewClientRateLimiterWithLimits(10, 5)

		for i := 0; i < 5; i++ {
			release, reason, ok := limiter.Acquire()
			require.True(t, ok)
			assert.Empty(t, reason)
			release()
		}
	})

	t.Run("should reject when concurrent limit exceeded", func(t *testing.T) {
		limiter := NewClientRateLimiterWithLimits(100, 3)

		for i := 0; i < 3; i++ {
			_, _, ok := limiter.Acquire()
			require.True(t, ok)
		}

		_, reason, ok := limiter.Acquire()
		assert.False(t, ok)
		assert.Equal(t, reasonTooConcurrent, reason)
	})

	t.Run("should free a slot on release", func(t *testing.T) {
		limiter := NewClientRateLimiterWithLimits(100, 1)

		release, _, ok := limiter.Acquire()
		require.True(t, ok)
		release()
		release()

		_, concurrent := limiter.GetStats()
		assert.Equal(t, 0, concurrent)

		_, _, ok = limiter.Acquire()
		assert.True(t, ok)
	})

	t.Run("should reject when rate limit exceeded", func(t *testing.T) {
		limiter := NewClientRateLimiterWithLimits(5, 10)

		for i := 0; i < 5; i++ {
			release, _, ok := limiter.Acquire()
			require.True(t, ok)
			release()
		}

		_, reason, ok := limiter.Acquire()
		assert.False(t, ok)
		assert.Equal(t, reasonRateLimited, reason)
	})

	t.Run("should forget requests outside the window", func(t *testing.T) {
		limiter := NewClientRateLimiterWithLimits(2, 10)
		now := time.Now()
		limiter.now = func() time.Time { return now }

		for i := 0; i < 2; i++ {
			release, _, ok := limiter.Acquire()
			require.True(t, ok)
			release()
		}
		_, _, ok := limiter.Acquire()
		require.False(t, ok)

		now = now.Add(61 * time.Second)
		_, _, ok = limiter.Acquire()
		assert.True(t, ok)
	})
}

func TestClientRateLimiter_Defaults(t *testing.T) {
	t.Run("should use defaults for non-positive limits", func(t *testing.T) {
		limiter := NewClientRateLimiterWithLimits(0, -1)
		assert.Equal(t, DefaultRequestsPerMinute, limiter.requestsPerMinute)
		assert.Equal(t, DefaultMaxConcurrent, limiter.maxConcurrent)
	})

	t.Run("should apply updated limits", func(t *testing.T) {
		limiter := NewClientRateLimiter()
		limiter.UpdateLimits(1, 1)

		release, _, ok := limiter.Acquire()
		require.True(t, ok)
		release()

		_, _, ok = limiter.Acquire()
		assert.False(t, ok)
	})
}
