package actions

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/leadflow/pkg/schema"
)

func TestBreakers_Lifecycle(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreakers(BreakerConfig{FailureThreshold: 3, Cooldown: time.Minute})
	b.now = func() time.Time { return now }

	const host = "hooks.example.com"
	for i := 0; i < 2; i++ {
		require.NoError(t, b.Allow(host))
		assert.Equal(t, CircuitClosed, b.Failure(host))
	}
	require.NoError(t, b.Allow(host))
	assert.Equal(t, CircuitOpen, b.Failure(host))

	err := b.Allow(host)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeCircuitOpen))
	assert.NoError(t, b.Allow("other.example.com"), "circuits are per host")

	now = now.Add(time.Minute)
	assert.Equal(t, CircuitHalfOpen, b.State(host))
	require.NoError(t, b.Allow(host), "one trial request passes")
	assert.True(t, schema.IsCode(b.Allow(host), schema.ErrCodeCircuitOpen), "second trial request is held back")

	assert.Equal(t, CircuitOpen, b.Failure(host), "failed trial request reopens")

	now = now.Add(time.Minute)
	require.NoError(t, b.Allow(host))
	b.Success(host)
	assert.Equal(t, CircuitClosed, b.State(host))
	assert.NoError(t, b.Allow(host))
}

func TestBreakers_Defaults(t *testing.T) {
	b := NewBreakers(BreakerConfig{})
	assert.Equal(t, DefaultBreakerConfig(), b.config)
	assert.Equal(t, "half_open", CircuitHalfOpen.String())
}

func TestRetryPolicy_Backoff(t *testing.T) {
	exp := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: 350 * time.Millisecond, Backoff: "exponential"}
	assert.Equal(t, 100*time.Millisecond, exp.backoff(0))
	assert.Equal(t, 200*time.Millisecond, exp.backoff(1))
	assert.Equal(t, 350*time.Millisecond, exp.backoff(2))

	lin := RetryPolicy{BaseDelay: 100 * time.Millisecond, Backoff: "linear"}
	assert.Equal(t, 300*time.Millisecond, lin.backoff(2))

	constant := RetryPolicy{BaseDelay: 50 * time.Millisecond, Backoff: "constant"}
	assert.Equal(t, 50*time.Millisecond, constant.backoff(5))

	assert.Zero(t, RetryPolicy{}.backoff(3))
}

func TestRetryClassification(t *testing.T) {
	assert.True(t, retryableStatus(503))
	assert.True(t, retryableStatus(429))
	assert.False(t, retryableStatus(404))
	assert.False(t, retryableError(nil))
}
