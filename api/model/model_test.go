package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func validCreate() CreateNotification {
	return CreateNotification{
		TenantID:      "acme",
		UserID:        "usr_1",
		ServiceOrigin: "billing",
		Channel:       "email",
		Recipient:     "jo@example.com",
		Subject:       "Invoice ready",
		Body:          "Your invoice is ready.",
	}
}

func TestTemplateOrContentValidation(t *testing.T) {
	tests := []struct {
		name         string
		notification CreateNotification
		wantErr      bool
	}{
		{
			name: "Valid with template key",
			notification: CreateNotification{
				TemplateKey: "invoice.ready",
			},
			wantErr: false,
		},
		{
			name: "Valid with pre-rendered body",
			notification: CreateNotification{
				Body: "Your invoice is ready.",
			},
			wantErr: false,
		},
		{
			name:         "Invalid with neither",
			notification: CreateNotification{},
			wantErr:      true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := templateOrContentValidation(&tt.notification)(nil)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateCreateNotification(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*CreateNotification)
		wantErr bool
	}{
		{name: "Valid request", mutate: func(n *CreateNotification) {}, wantErr: false},
		{name: "Missing tenant", mutate: func(n *CreateNotification) { n.TenantID = "" }, wantErr: true},
		{name: "Missing user", mutate: func(n *CreateNotification) { n.UserID = "" }, wantErr: true},
		{name: "Missing service origin", mutate: func(n *CreateNotification) { n.ServiceOrigin = "" }, wantErr: true},
		{name: "Missing recipient", mutate: func(n *CreateNotification) { n.Recipient = "" }, wantErr: true},
		{name: "Unknown channel", mutate: func(n *CreateNotification) { n.Channel = "fax" }, wantErr: true},
		{name: "Unknown priority", mutate: func(n *CreateNotification) { n.Priority = "asap" }, wantErr: true},
		{name: "Valid priority", mutate: func(n *CreateNotification) { n.Priority = "urgent" }, wantErr: false},
		{name: "Bad scheduled date", mutate: func(n *CreateNotification) { n.ScheduledFor = "tomorrow" }, wantErr: true},
		{name: "Valid scheduled date", mutate: func(n *CreateNotification) { n.ScheduledFor = "2024-04-22T15:28:03+00:00" }, wantErr: false},
		{name: "Override without reason", mutate: func(n *CreateNotification) { n.RateLimitOverride = true }, wantErr: true},
		{name: "Override with reason", mutate: func(n *CreateNotification) {
			n.RateLimitOverride = true
			n.OverrideReason = "incident 4821 paging storm"
		}, wantErr: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := validCreate()
			tt.mutate(&n)
			err := n.ValidateCreateNotification()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateBatchNotifications(t *testing.T) {
	t.Run("Empty batch rejected", func(t *testing.T) {
		b := BatchNotifications{}
		assert.Error(t, b.ValidateBatchNotifications())
	})

	t.Run("Oversized batch rejected", func(t *testing.T) {
		b := BatchNotifications{Notifications: make([]CreateNotification, 101)}
		for i := range b.Notifications {
			b.Notifications[i] = validCreate()
		}
		assert.Error(t, b.ValidateBatchNotifications())
	})

	t.Run("Invalid item rejected", func(t *testing.T) {
		b := BatchNotifications{Notifications: []CreateNotification{validCreate(), {}}}
		assert.Error(t, b.ValidateBatchNotifications())
	})

	t.Run("Full batch accepted", func(t *testing.T) {
		b := BatchNotifications{Notifications: make([]CreateNotification, 100)}
		for i := range b.Notifications {
			b.Notifications[i] = validCreate()
		}
		assert.NoError(t, b.ValidateBatchNotifications())
	})
}

func TestToNotificationParsesSchedule(t *testing.T) {
	n := validCreate()
	n.ScheduledFor = "2024-04-22T15:28:03+00:00"

	converted := n.ToNotification()
	assert.Equal(t, 2024, converted.ScheduledFor.Year())
	assert.Equal(t, "acme", converted.TenantID)
	assert.Equal(t, "email", converted.Channel)
}

func TestToNotificationCarriesOverrideMarker(t *testing.T) {
	n := validCreate()
	n.RateLimitOverride = true
	n.OverrideReason = "incident 4821 paging storm"

	converted := n.ToNotification()
	assert.Equal(t, "incident 4821 paging storm", converted.RateLimitOverrideReason())

	plainCreate := validCreate()
	plain := plainCreate.ToNotification()
	assert.Empty(t, plain.RateLimitOverrideReason())
}

func TestValidateDeliveryReport(t *testing.T) {
	tests := []struct {
		name    string
		report  DeliveryReport
		wantErr bool
	}{
		{name: "Delivered", report: DeliveryReport{ProviderMessageID: "m1", Status: "delivered"}, wantErr: false},
		{name: "Failed", report: DeliveryReport{ProviderMessageID: "m1", Status: "failed"}, wantErr: false},
		{name: "Bounced", report: DeliveryReport{ProviderMessageID: "m1", Status: "bounced"}, wantErr: false},
		{name: "Unknown status", report: DeliveryReport{ProviderMessageID: "m1", Status: "snoozed"}, wantErr: true},
		{name: "Missing message id", report: DeliveryReport{Status: "delivered"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.report.ValidateDeliveryReport()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateCancelAndAdminRetry(t *testing.T) {
	assert.Error(t, (&CancelNotification{}).ValidateCancelNotification())
	assert.NoError(t, (&CancelNotification{Reason: "user unsubscribed"}).ValidateCancelNotification())

	assert.Error(t, (&AdminRetry{}).ValidateAdminRetry())
	assert.NoError(t, (&AdminRetry{Reason: "provider outage resolved"}).ValidateAdminRetry())
}
