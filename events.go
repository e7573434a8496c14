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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/heraldhq/herald/config"
	"github.com/heraldhq/herald/internal/alert"
	"github.com/heraldhq/herald/internal/budget"
	"github.com/heraldhq/herald/internal/gateway"
	"github.com/heraldhq/herald/model"
)

// Outbound domain event types.
const (
	EventNotificationQueued    = "notification.queued"
	EventNotificationSent      = "notification.sent"
	EventNotificationDelivered = "notification.delivered"
	EventNotificationFailed    = "notification.failed"
	EventNotificationRetrying  = "notification.retrying"
	EventNotificationCancelled = "notification.cancelled"
	EventBudgetThreshold       = "budget.threshold"
)

// EventEnvelope is the wire shape of every outbound event.
type EventEnvelope struct {
	ID          string      `json:"id"`
	Type        string      `json:"type"`
	Source      string      `json:"source"`
	Subject     string      `json:"subject"`
	Time        time.Time   `json:"time"`
	ContentType string      `json:"content_type"`
	Data        interface{} `json:"data"`
}

// SendEvent ships a domain event to the event queue. Event delivery is best
// effort: a queue hiccup never fails the notification operation that
// produced the event.
func (h *Herald) SendEvent(ctx context.Context, eventType, subject string, data interface{}) {
	envelope := &EventEnvelope{
		ID:          model.GenerateUUIDWithSuffix("evt"),
		Type:        eventType,
		Source:      "herald",
		Subject:     subject,
		Time:        time.Now().UTC(),
		ContentType: "application/json",
		Data:        data,
	}
	if err := h.queue.queueEvent(ctx, envelope); err != nil {
		logrus.WithFields(logrus.Fields{
			"event_type": eventType,
			"subject":    subject,
		}).WithError(err).Error("failed to queue event")
	}
}

// ProcessEvent delivers one dequeued event to the configured sink. The POST
// is signed the same way provider dispatches are, so consumers share one
// verification path.
func (h *Herald) ProcessEvent(ctx context.Context, envelope *EventEnvelope) error {
	cnf, err := config.Fetch()
	if err != nil {
		return err
	}
	if cnf.EventSink.Url == "" {
		logrus.WithField("event_type", envelope.Type).Debug("no event sink configured, dropping event")
		return nil
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, cnf.EventSink.Url, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range cnf.EventSink.Headers {
			req.Header.Set(k, v)
		}
		if cnf.EventSink.Secret != "" {
			ts := time.Now().Unix()
			req.Header.Set(gateway.HeaderTimestamp, strconv.FormatInt(ts, 10))
			req.Header.Set(gateway.HeaderSignature, gateway.ComputeSignature(cnf.EventSink.Secret, ts, payload))
		}

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return backoff.Permanent(fmt.Errorf("event sink rejected %s: %d", envelope.Type, resp.StatusCode))
		}
		return fmt.Errorf("event sink returned %d", resp.StatusCode)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		logrus.WithFields(logrus.Fields{
			"event_id":   envelope.ID,
			"event_type": envelope.Type,
		}).WithError(err).Error("event delivery failed")
		return err
	}
	return nil
}

// budgetAlert bridges budget threshold crossings into the alerting channels
// and the event stream.
func (h *Herald) budgetAlert(ctx context.Context, a budget.ThresholdAlert) {
	alert.Notify(alert.Alert{
		Kind: alert.KindBudgetThreshold,
		Message: fmt.Sprintf("budget %s at %d%% for %s (%d of %d minor units)",
			a.Scope, a.ThresholdPct, a.Month, a.SpentMinor, a.CapMinor),
		Fields: map[string]interface{}{
			"scope":         a.Scope,
			"month":         a.Month,
			"threshold_pct": a.ThresholdPct,
			"spent_minor":   a.SpentMinor,
			"cap_minor":     a.CapMinor,
		},
	})
	h.SendEvent(ctx, EventBudgetThreshold, a.Scope, a)
}

// WireAlertEvents routes alert notifications through the event queue so
// downstream consumers see operational alerts alongside domain events.
func (h *Herald) WireAlertEvents() {
	alert.RegisterEventSender(func(eventType string, payload interface{}) error {
		h.SendEvent(context.Background(), eventType, "", payload)
		return nil
	})
}
