// Package ratelimit implements the hierarchical token-bucket admission
// check. Buckets live in the shared atomic store so concurrent process
// instances converge on one token count per scope.
package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/heraldhq/herald/internal/store"
	"github.com/heraldhq/herald/model"
)

const (
	ScopeUser    = "user"
	ScopeService = "service"
	ScopeTenant  = "tenant"
)

// casAttempts bounds the optimistic-concurrency retry loop. Every round at
// least one contender makes progress, so exhaustion signals a store problem
// rather than ordinary contention.
const casAttempts = 32

var ErrContention = errors.New("rate limit state contention")

// Request identifies the admission being gated.
type Request struct {
	TenantID      string
	UserID        string
	ServiceOrigin string
	Channel       string
	Cost          int
}

// Result reports one check outcome. On rejection Scope names the exhausted
// level and ResetAt is when that bucket next admits the request.
type Result struct {
	Allowed   bool
	Scope     string
	ScopeKey  string
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter returns seconds until the limiting bucket refills, rounded up.
func (r *Result) RetryAfter() int64 {
	secs := int64(math.Ceil(time.Until(r.ResetAt).Seconds()))
	if secs < 0 {
		return 0
	}
	return secs
}

type Limiter struct {
	store     store.AtomicStore
	def       model.RateLimitConfig
	overrides []model.RateLimitConfig
	now       func() time.Time
}

func NewLimiter(s store.AtomicStore, def model.RateLimitConfig, overrides []model.RateLimitConfig) *Limiter {
	return &Limiter{store: s, def: def, overrides: overrides, now: time.Now}
}

// Resolve returns the config governing a concrete tuple: tenant-specific
// overrides first, then wildcard-tenant ones, then the global default.
func (l *Limiter) Resolve(tenant, service, channel string) model.RateLimitConfig {
	for _, key := range model.LookupKeys(tenant, service, channel) {
		for _, cfg := range l.overrides {
			if cfg.Scope == key {
				return cfg
			}
		}
	}
	return l.def
}

// CheckAndConsume gates one admission. Scopes are evaluated user, then
// service, then tenant; the first exhausted scope rejects and its reset time
// is surfaced. Tokens consumed at passed levels before a rejection are not
// refunded.
func (l *Limiter) CheckAndConsume(ctx context.Context, req Request) (*Result, error) {
	if req.Cost <= 0 {
		req.Cost = 1
	}
	cfg := l.Resolve(req.TenantID, req.ServiceOrigin, req.Channel)
	if !cfg.IsEnabled() {
		return &Result{Allowed: true, Limit: cfg.MaxRequests, Remaining: cfg.Burst}, nil
	}

	levels := []struct {
		scope string
		key   string
	}{
		{ScopeUser, fmt.Sprintf("ratelimit:user:%s:%s:%s", req.TenantID, req.UserID, req.Channel)},
		{ScopeService, fmt.Sprintf("ratelimit:service:%s:%s:%s", req.TenantID, req.ServiceOrigin, req.Channel)},
		{ScopeTenant, fmt.Sprintf("ratelimit:tenant:%s:%s", req.TenantID, req.Channel)},
	}

	tightest := &Result{Allowed: true, Limit: cfg.MaxRequests, Remaining: math.MaxInt32}
	for _, level := range levels {
		res, err := l.consume(ctx, level.key, cfg, req.Cost)
		if err != nil {
			return nil, err
		}
		res.Scope = level.scope
		res.ScopeKey = level.key
		if !res.Allowed {
			return res, nil
		}
		if res.Remaining < tightest.Remaining {
			tightest = res
		}
	}
	return tightest, nil
}

// Override bypasses every scope check. The reason is mandatory and logged so
// the bypass leaves a trail.
func (l *Limiter) Override(req Request, reason string) (*Result, error) {
	if reason == "" {
		return nil, errors.New("rate limit override requires a reason")
	}
	logrus.WithFields(logrus.Fields{
		"tenant_id": req.TenantID,
		"user_id":   req.UserID,
		"service":   req.ServiceOrigin,
		"channel":   req.Channel,
		"reason":    reason,
	}).Warn("rate limit override applied")
	cfg := l.Resolve(req.TenantID, req.ServiceOrigin, req.Channel)
	return &Result{Allowed: true, Limit: cfg.MaxRequests, Remaining: cfg.Burst}, nil
}

// bucketState is the serialized token-bucket record in the shared store.
type bucketState struct {
	Tokens       float64 `json:"t"`
	LastRefillMs int64   `json:"lr"`
}

// consume executes the check-compute-decrement sequence as one atomic unit:
// the new state is written with compare-and-swap against the snapshot it was
// derived from, and the sequence restarts when another caller got in between.
func (l *Limiter) consume(ctx context.Context, key string, cfg model.RateLimitConfig, cost int) (*Result, error) {
	rate := cfg.RefillRate()
	burst := float64(cfg.Burst)

	for i := 0; i < casAttempts; i++ {
		raw, err := l.store.Get(ctx, key)
		if err != nil {
			return nil, err
		}

		now := l.now()
		state := bucketState{Tokens: burst, LastRefillMs: now.UnixMilli()}
		if raw != nil {
			if err := json.Unmarshal(raw, &state); err != nil {
				return nil, err
			}
			elapsed := float64(now.UnixMilli()-state.LastRefillMs) / 1000.0
			if elapsed > 0 {
				state.Tokens = math.Min(burst, state.Tokens+elapsed*rate)
			}
			state.LastRefillMs = now.UnixMilli()
		}

		allowed := state.Tokens >= float64(cost)
		if allowed {
			state.Tokens -= float64(cost)
		}

		next, err := json.Marshal(state)
		if err != nil {
			return nil, err
		}
		ok, err := l.store.CompareAndSwap(ctx, key, raw, next, 2*cfg.Window())
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		return &Result{
			Allowed:   allowed,
			Limit:     cfg.MaxRequests,
			Remaining: int(state.Tokens),
			ResetAt:   resetAt(now, state.Tokens, float64(cost), burst, rate, cfg.Window()),
		}, nil
	}
	return nil, ErrContention
}

// resetAt estimates when the bucket next matters to the caller: for a
// rejection, when enough tokens exist to cover the cost; otherwise when the
// bucket is full again.
func resetAt(now time.Time, tokens, cost, burst, rate float64, window time.Duration) time.Time {
	var deficit float64
	if tokens < cost {
		deficit = cost - tokens
	} else {
		deficit = burst - tokens
	}
	if rate <= 0 {
		return now.Add(window)
	}
	return now.Add(time.Duration(deficit / rate * float64(time.Second)))
}
