package rategov

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGovernor(t *testing.T) (*Governor, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg := DefaultConfig()
	cfg.DomainCapacity = 2
	cfg.DomainWindow = time.Minute
	cfg.GlobalCapacity = 100
	return New(client, cfg), mr
}

func TestReserve_GrantsUpToCapacity(t *testing.T) {
	g, _ := newTestGovernor(t)
	ctx := context.Background()

	d1, err := g.Reserve(ctx, "gmail.com")
	require.NoError(t, err)
	assert.True(t, d1.Granted)

	d2, err := g.Reserve(ctx, "gmail.com")
	require.NoError(t, err)
	assert.True(t, d2.Granted)

	d3, err := g.Reserve(ctx, "gmail.com")
	require.NoError(t, err)
	assert.False(t, d3.Granted)
	assert.Equal(t, "domain-capacity", d3.Reason)
}

func TestReserve_HardBlockDeniesImmediately(t *testing.T) {
	g, _ := newTestGovernor(t)
	ctx := context.Background()

	require.NoError(t, g.SetBlock(ctx, "slow.example", "450 throttled", 1))

	d, err := g.Reserve(ctx, "slow.example")
	require.NoError(t, err)
	assert.False(t, d.Granted)
	assert.Equal(t, "domain-block", d.Reason)
}

func TestSetBlock_421AlsoTripsGlobal(t *testing.T) {
	g, mr := newTestGovernor(t)
	ctx := context.Background()

	require.NoError(t, g.SetBlock(ctx, "aol.com", "421 rate limit exceeded", 0))
	assert.True(t, mr.Exists("throttle:global"))
	assert.True(t, mr.Exists("throttle:domain:aol.com"))
}

func TestEffectiveDomainCapacity_ShrinksWithFailureRate(t *testing.T) {
	g, _ := newTestGovernor(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, g.RecordOutcome(ctx, "yahoo.com", false))
	}

	capacity, err := g.effectiveDomainCapacity(ctx, "yahoo.com")
	require.NoError(t, err)
	assert.Equal(t, 1, capacity) // 2 * 1.0 * 0.2 floors to 0, clamped to 1
}

func TestIsThrottleSignal(t *testing.T) {
	cases := []struct {
		in       string
		expected bool
	}{
		{"421 Too many connections", true},
		{"450 Requested mail action not taken", true},
		{"550 No such user here", false},
		{"rate limit exceeded, try again later", true},
		{"connection reset by peer", false},
	}
	for _, tt := range cases {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsThrottleSignal(tt.in))
		})
	}
}
