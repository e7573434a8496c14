/*
Copyright 2024 Herald Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package model

import (
	"time"

	"github.com/heraldhq/herald/model"
)

type CreateNotification struct {
	TenantID      string                 `json:"tenant_id"`
	UserID        string                 `json:"user_id"`
	ServiceOrigin string                 `json:"service_origin"`
	Channel       string                 `json:"channel"`
	Priority      string                 `json:"priority"`
	Recipient     string                 `json:"recipient"`
	TemplateKey   string                 `json:"template_key"`
	TemplateVars  map[string]interface{} `json:"template_vars"`
	Locale        string                 `json:"locale"`
	Subject       string                 `json:"subject"`
	Body          string                 `json:"body"`
	ScheduledFor  string                 `json:"scheduled_for"`
	CorrelationID string                 `json:"correlation_id"`
	MetaData      map[string]interface{} `json:"meta_data"`

	// Elevated callers may bypass rate limiting; the reason is mandatory
	// and audited.
	RateLimitOverride bool   `json:"rate_limit_override"`
	OverrideReason    string `json:"override_reason"`
}

type BatchNotifications struct {
	Notifications []CreateNotification `json:"notifications"`
}

type CancelNotification struct {
	Reason string `json:"reason"`
}

type AdminRetry struct {
	Reason        string `json:"reason"`
	Actor         string `json:"actor"`
	ForceProvider string `json:"force_provider"`
}

type DeliveryReport struct {
	ProviderMessageID string `json:"provider_message_id"`
	Status            string `json:"status"`
	Reason            string `json:"reason"`
	OccurredAt        string `json:"occurred_at"`
}

func (n *CreateNotification) ToNotification() *model.Notification {
	out := &model.Notification{
		TenantID:      n.TenantID,
		UserID:        n.UserID,
		ServiceOrigin: n.ServiceOrigin,
		Channel:       n.Channel,
		Priority:      n.Priority,
		Recipient:     n.Recipient,
		TemplateKey:   n.TemplateKey,
		TemplateVars:  n.TemplateVars,
		Locale:        n.Locale,
		Subject:       n.Subject,
		Body:          n.Body,
		CorrelationID: n.CorrelationID,
		MetaData:      n.MetaData,
	}
	if n.RateLimitOverride {
		if out.MetaData == nil {
			out.MetaData = map[string]interface{}{}
		}
		out.MetaData[model.MetaRateLimitOverride] = n.OverrideReason
	}
	if n.ScheduledFor != "" {
		if t, err := time.Parse(time.RFC3339, n.ScheduledFor); err == nil {
			out.ScheduledFor = t
		}
	}
	return out
}
