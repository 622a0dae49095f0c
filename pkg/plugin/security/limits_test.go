package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResourceLimitPresets(t *testing.T) {
	def := DefaultResourceLimits()
	strict := StrictResourceLimits()
	relaxed := RelaxedResourceLimits()

	assert.Less(t, strict.MemoryLimit, def.MemoryLimit)
	assert.Less(t, def.MemoryLimit, relaxed.MemoryLimit)
	assert.Less(t, strict.StackDepth, def.StackDepth)
	assert.Less(t, strict.ExecutionTimeout, relaxed.ExecutionTimeout)
	assert.Greater(t, def.MaxFetchBytes, int64(0))
}

func TestRateLimiter(t *testing.T) {
	t.Run("consumes burst then refuses", func(t *testing.T) {
		rl := NewRateLimiter(3)
		assert.True(t, rl.Allow())
		assert.True(t, rl.Allow())
		assert.True(t, rl.Allow())
		assert.False(t, rl.Allow())
	})

	t.Run("zero rate means unlimited", func(t *testing.T) {
		rl := NewRateLimiter(0)
		for i := 0; i < 100; i++ {
			assert.True(t, rl.Allow())
		}
	})

	t.Run("reset restores capacity", func(t *testing.T) {
		rl := NewRateLimiter(1)
		assert.True(t, rl.Allow())
		assert.False(t, rl.Allow())
		rl.Reset()
		assert.True(t, rl.Allow())
	})
}

func TestMonitor(t *testing.T) {
	limits := DefaultResourceLimits()
	limits.NetworkPerSecond = 1

	m := NewMonitor(limits)
	assert.False(t, m.Exceeded())

	assert.True(t, m.TryNetworkRequest())
	assert.False(t, m.TryNetworkRequest())
	assert.True(t, m.Exceeded())
	assert.Contains(t, m.Reason(), "rate limit")

	m.Reset()
	assert.False(t, m.Exceeded())
	assert.Empty(t, m.Reason())
	assert.True(t, m.TryNetworkRequest())

	assert.Equal(t, 1, m.Limits().NetworkPerSecond)
}
