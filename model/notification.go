package model

import (
	"encoding/json"
	"time"
)

const (
	StatusQueued    = "QUEUED"
	StatusSending   = "SENDING"
	StatusSent      = "SENT"
	StatusDelivered = "DELIVERED"
	StatusFailed    = "FAILED"
	StatusCancelled = "CANCELLED"
	StatusRetrying  = "RETRYING"
	StatusTimedOut  = "TIMED_OUT"
)

const (
	PriorityUrgent = "urgent"
	PriorityHigh   = "high"
	PriorityNormal = "normal"
	PriorityLow    = "low"
)

const (
	ChannelEmail = "email"
	ChannelSMS   = "sms"
	ChannelPush  = "push"
	ChannelInApp = "in_app"
)

const (
	OutcomePending   = "pending"
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
)

// Notification is the unit of delivery. Its identity is stable across every
// provider attempt; only the attempt list grows on failover and retry.
type Notification struct {
	ID             int64                  `json:"-"`
	NotificationID string                 `json:"id"`
	TenantID       string                 `json:"tenant_id"`
	UserID         string                 `json:"user_id"`
	ServiceOrigin  string                 `json:"service_origin"`
	Channel        string                 `json:"channel"`
	Priority       string                 `json:"priority"`
	Status         string                 `json:"status"`
	Recipient      string                 `json:"recipient"`
	TemplateKey    string                 `json:"template_key,omitempty"`
	TemplateVars   map[string]interface{} `json:"template_vars,omitempty"`
	Locale         string                 `json:"locale,omitempty"`
	Subject        string                 `json:"subject,omitempty"`
	Body           string                 `json:"body,omitempty"`
	ScheduledFor   time.Time              `json:"scheduled_for,omitempty"`
	CorrelationID  string                 `json:"correlation_id,omitempty"`
	Attempts       []ProviderAttempt      `json:"attempts,omitempty"`
	MetaData       map[string]interface{} `json:"meta_data,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at,omitempty"`
	SentAt         time.Time              `json:"sent_at,omitempty"`
	DeliveredAt    time.Time              `json:"delivered_at,omitempty"`
}

// ProviderAttempt is one concrete try to deliver via one gateway. Attempts are
// owned by their notification and append-only.
type ProviderAttempt struct {
	ID                int64     `json:"-"`
	AttemptID         string    `json:"id"`
	NotificationID    string    `json:"notification_id"`
	Provider          string    `json:"provider"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	Number            int       `json:"number"`
	Outcome           string    `json:"outcome"`
	ErrorCode         string    `json:"error_code,omitempty"`
	ErrorMessage      string    `json:"error_message,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// transitions encodes the delivery state machine. Status changes are monotonic:
// once a terminal state is reached no further transition is admitted.
var transitions = map[string][]string{
	StatusQueued:   {StatusSending, StatusCancelled, StatusFailed},
	StatusSending:  {StatusSent, StatusDelivered, StatusFailed, StatusTimedOut, StatusRetrying},
	StatusSent:     {StatusDelivered, StatusFailed, StatusRetrying},
	StatusRetrying: {StatusSending, StatusCancelled, StatusFailed, StatusDelivered},
	StatusTimedOut: {StatusRetrying, StatusFailed},
}

// IsTerminal reports whether a status admits no further transitions.
func IsTerminal(status string) bool {
	switch status {
	case StatusDelivered, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether the state machine allows moving from one
// status to another.
func CanTransition(from, to string) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the notification has reached a terminal state.
func (n *Notification) Terminal() bool {
	return IsTerminal(n.Status)
}

// HighPriority reports whether the notification may bypass a fully consumed
// budget.
func (n *Notification) HighPriority() bool {
	return n.Priority == PriorityHigh || n.Priority == PriorityUrgent
}

// AttemptCount returns the number of logical delivery attempts recorded so
// far. Provider failovers inside one attempt share an attempt number, so the
// count is the highest number seen rather than the list length.
func (n *Notification) AttemptCount() int {
	highest := 0
	for _, a := range n.Attempts {
		if a.Number > highest {
			highest = a.Number
		}
	}
	return highest
}

// Prerendered reports whether the request carried ready-to-send content that
// can stand in when template rendering fails.
func (n *Notification) Prerendered() bool {
	return n.Body != ""
}

// MetaRateLimitOverride marks a request admitted past the rate limiter by an
// elevated caller. The value is the mandatory override reason.
const MetaRateLimitOverride = "rate_limit_override_reason"

// RateLimitOverrideReason returns the override reason carried by the request,
// or "" when no override was granted. The marker rides in MetaData so it
// survives the queue round-trip.
func (n *Notification) RateLimitOverrideReason() string {
	if n.MetaData == nil {
		return ""
	}
	reason, _ := n.MetaData[MetaRateLimitOverride].(string)
	return reason
}

func (n *Notification) ToJSON() ([]byte, error) {
	return json.Marshal(n)
}

func ValidChannel(channel string) bool {
	switch channel {
	case ChannelEmail, ChannelSMS, ChannelPush, ChannelInApp:
		return true
	}
	return false
}

func ValidPriority(priority string) bool {
	switch priority {
	case PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}
