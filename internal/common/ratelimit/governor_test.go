package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGovernor_SpacesCalls(t *testing.T) {
	g := NewGovernor(20 * time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 4; i++ {
		require.NoError(t, g.Throttle(ctx))
	}
	elapsed := time.Since(start)

	// first call passes immediately, the remaining three wait one interval each
	assert.GreaterOrEqual(t, elapsed, 55*time.Millisecond)
}

func TestGovernor_HonoursContext(t *testing.T) {
	g := NewGovernor(time.Hour)
	require.NoError(t, g.Throttle(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := g.Throttle(ctx)
	assert.Error(t, err)
}

func TestGovernor_Unlimited(t *testing.T) {
	g := NewGovernor(0)
	start := time.Now()
	for i := 0; i < 100; i++ {
		require.NoError(t, g.Throttle(context.Background()))
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestPerSecond(t *testing.T) {
	assert.Equal(t, DefaultInterval, PerSecond(20).Interval())
	assert.Equal(t, time.Duration(0), PerSecond(0).Interval())
}
