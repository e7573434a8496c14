package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heraldhq/herald/internal/store"
	"github.com/heraldhq/herald/model"
)

func request() Request {
	return Request{
		TenantID:      "acme",
		UserID:        "usr_1",
		ServiceOrigin: "billing",
		Channel:       model.ChannelSMS,
	}
}

func TestExactBurstUnderConcurrency(t *testing.T) {
	// burst of 5 with no refill: 10 concurrent callers must see exactly
	// 5 admissions and 5 rejections
	limiter := NewLimiter(store.NewMemoryStore(), model.RateLimitConfig{
		WindowSec:   60,
		MaxRequests: 0,
		Burst:       5,
	}, nil)

	var wg sync.WaitGroup
	results := make([]*Result, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := limiter.CheckAndConsume(context.Background(), request())
			require.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	allowed := 0
	for _, res := range results {
		if res.Allowed {
			allowed++
		}
	}
	assert.Equal(t, 5, allowed)
}

func TestContinuousRefill(t *testing.T) {
	limiter := NewLimiter(store.NewMemoryStore(), model.RateLimitConfig{
		WindowSec:   10,
		MaxRequests: 10, // 1 token/sec
		Burst:       2,
	}, nil)

	now := time.Now()
	limiter.now = func() time.Time { return now }

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		res, err := limiter.CheckAndConsume(ctx, request())
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}

	res, err := limiter.CheckAndConsume(ctx, request())
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	// 1.5s later one token has refilled
	now = now.Add(1500 * time.Millisecond)
	res, err = limiter.CheckAndConsume(ctx, request())
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	// refill never exceeds burst
	now = now.Add(time.Hour)
	for i := 0; i < 2; i++ {
		res, err = limiter.CheckAndConsume(ctx, request())
		require.NoError(t, err)
		assert.True(t, res.Allowed, "burst capacity after long idle")
	}
	res, err = limiter.CheckAndConsume(ctx, request())
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}

func TestUserScopeExhaustsFirst(t *testing.T) {
	limiter := NewLimiter(store.NewMemoryStore(), model.RateLimitConfig{
		WindowSec: 60,
		Burst:     3,
	}, nil)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		res, err := limiter.CheckAndConsume(ctx, request())
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}

	res, err := limiter.CheckAndConsume(ctx, request())
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, ScopeUser, res.Scope)
	assert.False(t, res.ResetAt.IsZero())
}

func TestServiceScopeExhaustsAcrossUsers(t *testing.T) {
	// two users share one service bucket, so the service scope runs out
	// while each user bucket still has room
	limiter := NewLimiter(store.NewMemoryStore(), model.RateLimitConfig{
		WindowSec: 60,
		Burst:     4,
	}, nil)

	ctx := context.Background()
	users := []string{"usr_1", "usr_2"}
	for i := 0; i < 4; i++ {
		req := request()
		req.UserID = users[i%2]
		res, err := limiter.CheckAndConsume(ctx, req)
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}

	req := request()
	req.UserID = "usr_1"
	res, err := limiter.CheckAndConsume(ctx, req)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, ScopeService, res.Scope)
}

func TestResolvePrefersTenantSpecificConfig(t *testing.T) {
	def := model.RateLimitConfig{WindowSec: 60, MaxRequests: 100, Burst: 100}
	overrides := []model.RateLimitConfig{
		{
			Scope:     model.ScopeKey{Tenant: model.Wildcard, Service: model.Wildcard, Channel: model.ChannelSMS},
			WindowSec: 60, MaxRequests: 50, Burst: 50,
		},
		{
			Scope:     model.ScopeKey{Tenant: "acme", Service: model.Wildcard, Channel: model.ChannelSMS},
			WindowSec: 60, MaxRequests: 10, Burst: 10,
		},
	}
	limiter := NewLimiter(store.NewMemoryStore(), def, overrides)

	cfg := limiter.Resolve("acme", "billing", model.ChannelSMS)
	assert.Equal(t, 10, cfg.MaxRequests)

	cfg = limiter.Resolve("other", "billing", model.ChannelSMS)
	assert.Equal(t, 50, cfg.MaxRequests)

	cfg = limiter.Resolve("other", "billing", model.ChannelPush)
	assert.Equal(t, 100, cfg.MaxRequests)
}

func TestDisabledConfigSkipsChecks(t *testing.T) {
	disabled := false
	limiter := NewLimiter(store.NewMemoryStore(), model.RateLimitConfig{
		WindowSec: 60,
		Burst:     1,
		Enabled:   &disabled,
	}, nil)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		res, err := limiter.CheckAndConsume(ctx, request())
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}
}

func TestOverrideRequiresReason(t *testing.T) {
	limiter := NewLimiter(store.NewMemoryStore(), model.RateLimitConfig{WindowSec: 60, Burst: 1}, nil)

	_, err := limiter.Override(request(), "")
	assert.Error(t, err)

	res, err := limiter.Override(request(), "incident 4211 backfill")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestRetryAfterRoundsUp(t *testing.T) {
	res := &Result{ResetAt: time.Now().Add(2500 * time.Millisecond)}
	assert.Equal(t, int64(3), res.RetryAfter())

	res = &Result{ResetAt: time.Now().Add(-time.Second)}
	assert.Equal(t, int64(0), res.RetryAfter())
}
