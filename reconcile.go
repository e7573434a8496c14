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

package herald

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/heraldhq/herald/internal/apierror"
	"github.com/heraldhq/herald/model"
)

// Delivery report statuses accepted from provider webhooks.
const (
	ReportDelivered = "delivered"
	ReportFailed    = "failed"
	ReportBounced   = "bounced"
)

// reports older than this are noise from provider replay storms
const reportDedupeTTL = 24 * time.Hour

// DeliveryReport is a provider webhook callback after signature
// verification: the provider's verdict on a message we handed off earlier.
type DeliveryReport struct {
	Provider          string    `json:"provider"`
	ProviderMessageID string    `json:"provider_message_id"`
	Status            string    `json:"status"`
	Reason            string    `json:"reason,omitempty"`
	OccurredAt        time.Time `json:"occurred_at,omitempty"`
}

// ReconcileDeliveryReport folds a provider's asynchronous verdict back into
// the notification lifecycle. Providers redeliver webhooks freely, so the
// whole path is idempotent: a replayed report is absorbed without a second
// state change.
func (h *Herald) ReconcileDeliveryReport(ctx context.Context, report DeliveryReport) (retErr error) {
	ctx, span := tracer.Start(ctx, "Reconciling delivery report")
	defer span.End()

	if report.ProviderMessageID == "" {
		return apierror.NewAPIError(apierror.ErrInvalidInput, "Delivery report has no provider message id", nil)
	}
	switch report.Status {
	case ReportDelivered, ReportFailed, ReportBounced:
	default:
		return apierror.NewAPIError(apierror.ErrInvalidInput,
			fmt.Sprintf("Unknown delivery report status '%s'", report.Status), nil)
	}

	claimed, err := h.claimReport(ctx, report)
	if err != nil {
		return err
	}
	if !claimed {
		logrus.WithFields(logrus.Fields{
			"provider":            report.Provider,
			"provider_message_id": report.ProviderMessageID,
			"status":              report.Status,
		}).Info("duplicate delivery report, already reconciled")
		return nil
	}
	// a failed reconciliation releases the claim so the provider's
	// redelivery gets another chance
	defer func() {
		if retErr != nil {
			_ = h.store.Delete(context.WithoutCancel(ctx), h.reportClaimKey(report))
		}
	}()

	n, err := h.datasource.GetNotificationByProviderMessageID(ctx, report.ProviderMessageID)
	if err != nil {
		return err
	}
	if n.Terminal() {
		return nil
	}

	attempt := findAttemptByProviderMessageID(n, report.ProviderMessageID)

	if report.Status == ReportDelivered {
		if attempt != nil {
			_ = h.datasource.UpdateAttemptOutcome(ctx, attempt.AttemptID, model.OutcomeSucceeded, "", "")
		}
		if err := h.datasource.UpdateNotificationStatus(ctx, n.NotificationID, model.StatusDelivered); err != nil {
			if apierror.Is(err, apierror.ErrConflict) {
				return nil
			}
			return err
		}
		// a confirmed delivery makes any scheduled retry moot
		h.queue.CancelPending(n.NotificationID)
		h.chargeCost(ctx, n, model.BillableOnDelivery)
		h.SendEvent(ctx, EventNotificationDelivered, n.NotificationID, map[string]interface{}{
			"notification_id":     n.NotificationID,
			"provider":            report.Provider,
			"provider_message_id": report.ProviderMessageID,
		})
		return nil
	}

	// failed or bounced: the provider accepted the message but could not
	// place it. The scheduled backoff no longer reflects reality, so the
	// retry runs out of band, immediately.
	if attempt != nil {
		_ = h.datasource.UpdateAttemptOutcome(ctx, attempt.AttemptID, model.OutcomeFailed,
			"PROVIDER_"+report.Status, report.Reason)
	}

	policy := h.retries.Lookup(n.ServiceOrigin, n.Channel)
	attempts := n.AttemptCount()
	if report.Status != ReportBounced && h.retries.ShouldRetry(policy, attempts) {
		if err := h.datasource.UpdateNotificationStatus(ctx, n.NotificationID, model.StatusRetrying); err != nil {
			if apierror.Is(err, apierror.ErrConflict) {
				return nil
			}
			return err
		}
		h.queue.CancelPending(n.NotificationID)
		h.SendEvent(ctx, EventNotificationRetrying, n.NotificationID, map[string]interface{}{
			"notification_id": n.NotificationID,
			"attempt":         attempts,
			"reason":          "provider reported " + report.Status,
		})
		return h.queue.ScheduleRetry(ctx, n, attempts+1, 0)
	}

	// a hard bounce never recovers, and an exhausted policy is final
	if err := h.datasource.UpdateNotificationStatus(ctx, n.NotificationID, model.StatusFailed); err != nil {
		if apierror.Is(err, apierror.ErrConflict) {
			return nil
		}
		return err
	}
	h.queue.CancelPending(n.NotificationID)
	h.SendEvent(ctx, EventNotificationFailed, n.NotificationID, map[string]interface{}{
		"notification_id": n.NotificationID,
		"reason":          "provider reported " + report.Status,
		"detail":          report.Reason,
	})
	return nil
}

// claimReport marks a (provider, message, status) triple as seen. Only the
// first caller wins the claim; replays lose and skip reconciliation.
func (h *Herald) claimReport(ctx context.Context, report DeliveryReport) (bool, error) {
	return h.store.CompareAndSwap(ctx, h.reportClaimKey(report), nil, []byte("1"), reportDedupeTTL)
}

func (h *Herald) reportClaimKey(report DeliveryReport) string {
	return fmt.Sprintf("webhook:seen:%s:%s:%s", report.Provider, report.ProviderMessageID, report.Status)
}

func findAttemptByProviderMessageID(n *model.Notification, providerMessageID string) *model.ProviderAttempt {
	for i := range n.Attempts {
		if n.Attempts[i].ProviderMessageID == providerMessageID {
			return &n.Attempts[i]
		}
	}
	return nil
}
