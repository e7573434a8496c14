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
	"errors"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/heraldhq/herald/model"
)

func templateOrContentValidation(n *CreateNotification) validation.RuleFunc {
	return func(value interface{}) error {
		if n.TemplateKey == "" && n.Subject == "" && n.Body == "" {
			return errors.New("either template_key or pre-rendered subject/body is required")
		}
		return nil
	}
}

func validateDateFormat(value string) error {
	_, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return errors.New("please format the scheduled date as 'YYYY-MM-DDTHH:MM:SS+00:00' (e.g., 2024-04-22T15:28:03+00:00)")
	}
	return nil
}

func (n *CreateNotification) ValidateCreateNotification() error {
	return validation.ValidateStruct(n,
		validation.Field(&n.TenantID, validation.Required),
		validation.Field(&n.UserID, validation.Required),
		validation.Field(&n.ServiceOrigin, validation.Required),
		validation.Field(&n.Recipient, validation.Required),
		validation.Field(&n.Channel, validation.Required, validation.By(func(value interface{}) error {
			channel, _ := value.(string)
			if !model.ValidChannel(channel) {
				return errors.New("channel must be one of email, sms, push, in_app")
			}
			return nil
		})),
		validation.Field(&n.Priority, validation.By(func(value interface{}) error {
			priority, _ := value.(string)
			if priority != "" && !model.ValidPriority(priority) {
				return errors.New("priority must be one of urgent, high, normal, low")
			}
			return nil
		})),
		validation.Field(&n.TemplateKey, validation.By(templateOrContentValidation(n))),
		validation.Field(&n.ScheduledFor, validation.By(func(value interface{}) error {
			scheduled, _ := value.(string)
			if scheduled == "" {
				return nil
			}
			return validateDateFormat(scheduled)
		})),
		validation.Field(&n.OverrideReason, validation.By(func(value interface{}) error {
			reason, _ := value.(string)
			if n.RateLimitOverride && reason == "" {
				return errors.New("override_reason is required when rate_limit_override is set")
			}
			return nil
		})),
	)
}

func (b *BatchNotifications) ValidateBatchNotifications() error {
	if err := validation.ValidateStruct(b,
		validation.Field(&b.Notifications, validation.Required, validation.Length(1, 100)),
	); err != nil {
		return err
	}
	for i := range b.Notifications {
		if err := b.Notifications[i].ValidateCreateNotification(); err != nil {
			return err
		}
	}
	return nil
}

func (c *CancelNotification) ValidateCancelNotification() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Reason, validation.Required),
	)
}

func (a *AdminRetry) ValidateAdminRetry() error {
	return validation.ValidateStruct(a,
		validation.Field(&a.Reason, validation.Required),
	)
}

func (d *DeliveryReport) ValidateDeliveryReport() error {
	return validation.ValidateStruct(d,
		validation.Field(&d.ProviderMessageID, validation.Required),
		validation.Field(&d.Status, validation.Required, validation.In("delivered", "failed", "bounced")),
	)
}
