package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// RateLimitConfig describes one token-bucket limit. Scope fields may be the
// wildcard; resolution walks LookupKeys most-specific-first.
type RateLimitConfig struct {
	Scope       ScopeKey `json:"scope"`
	WindowSec   int      `json:"window_sec"`
	MaxRequests int      `json:"max_requests"`
	Burst       int      `json:"burst"`
	Enabled     *bool    `json:"enabled,omitempty"`
}

func (c RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowSec) * time.Second
}

// RefillRate returns tokens replenished per second.
func (c RateLimitConfig) RefillRate() float64 {
	if c.WindowSec == 0 {
		return 0
	}
	return float64(c.MaxRequests) / float64(c.WindowSec)
}

func (c RateLimitConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// RetryPolicy controls async retry behavior, keyed by service origin and
// channel with wildcard fallback to a global default policy.
type RetryPolicy struct {
	Service          string  `json:"service"`
	Channel          string  `json:"channel"`
	MaxAttempts      int     `json:"max_attempts"`
	BaseDelayMs      int64   `json:"base_delay_ms"`
	BackoffFactor    float64 `json:"backoff_factor"`
	MaxBackoffMs     int64   `json:"max_backoff_ms"`
	JitterBoundMs    int64   `json:"jitter_bound_ms"`
	AttemptTimeoutMs int64   `json:"attempt_timeout_ms"`
}

func (p RetryPolicy) BaseDelay() time.Duration {
	return time.Duration(p.BaseDelayMs) * time.Millisecond
}

func (p RetryPolicy) MaxBackoff() time.Duration {
	return time.Duration(p.MaxBackoffMs) * time.Millisecond
}

func (p RetryPolicy) JitterBound() time.Duration {
	return time.Duration(p.JitterBoundMs) * time.Millisecond
}

func (p RetryPolicy) AttemptTimeout() time.Duration {
	return time.Duration(p.AttemptTimeoutMs) * time.Millisecond
}

// BudgetConfig caps monthly spend for a scope. The cap is expressed in
// currency minor units.
type BudgetConfig struct {
	Scope            ScopeKey `json:"scope"`
	MonthlyCapMinor  int64    `json:"monthly_cap_minor"`
	WarnThresholdPct int      `json:"warn_threshold_pct"`
	AllowOverride    bool     `json:"allow_override"`
}

func (b BudgetConfig) MonthlyCap() decimal.Decimal {
	return decimal.NewFromInt(b.MonthlyCapMinor)
}

// ChannelCost is one row of the channel cost table. BillableOn selects
// whether a unit is charged when the send resolves or only on confirmed
// delivery.
type ChannelCost struct {
	Channel       string `json:"channel"`
	UnitCostMinor int64  `json:"unit_cost_minor"`
	BillableOn    string `json:"billable_on"`
}

const (
	BillableOnSend     = "send"
	BillableOnDelivery = "delivery"
)

func (c ChannelCost) UnitCost() decimal.Decimal {
	return decimal.NewFromInt(c.UnitCostMinor)
}

// CostRecord is one append-only ledger entry. Monthly enforcement totals are
// aggregated separately; the ledger is the audit source.
type CostRecord struct {
	ID            int64           `json:"-"`
	RecordID      string          `json:"id"`
	TenantID      string          `json:"tenant_id"`
	ServiceOrigin string          `json:"service_origin"`
	Channel       string          `json:"channel"`
	UnitCost      decimal.Decimal `json:"unit_cost"`
	Units         int64           `json:"units"`
	TotalCost     decimal.Decimal `json:"total_cost"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// AuditRecord captures privileged actions: admin retries, breaker resets, and
// rate-limit overrides.
type AuditRecord struct {
	ID             int64     `json:"-"`
	AuditID        string    `json:"id"`
	NotificationID string    `json:"notification_id,omitempty"`
	Action         string    `json:"action"`
	Actor          string    `json:"actor,omitempty"`
	Reason         string    `json:"reason"`
	CreatedAt      time.Time `json:"created_at"`
}
