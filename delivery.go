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
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/heraldhq/herald/config"
	"github.com/heraldhq/herald/internal/alert"
	"github.com/heraldhq/herald/internal/apierror"
	"github.com/heraldhq/herald/internal/gateway"
	"github.com/heraldhq/herald/internal/ratelimit"
	"github.com/heraldhq/herald/internal/retrysched"
	"github.com/heraldhq/herald/model"
)

var tracer = otel.Tracer("herald.delivery")

// prerenderedOnly is the default renderer: it passes through content the
// caller rendered themselves and refuses template keys.
func prerenderedOnly(_ context.Context, n *model.Notification) (string, string, error) {
	if n.Prerendered() {
		return n.Subject, n.Body, nil
	}
	return "", "", fmt.Errorf("no renderer installed for template %q", n.TemplateKey)
}

// QueueNotification validates, persists, and enqueues a notification for
// asynchronous delivery. Admission gates run at dequeue time, not here: the
// caller gets a fast acknowledgment and the workers absorb the rate.
func (h *Herald) QueueNotification(ctx context.Context, n *model.Notification) (*model.Notification, error) {
	ctx, span := tracer.Start(ctx, "Queueing notification")
	defer span.End()

	if err := validateNotification(n); err != nil {
		return nil, err
	}

	n.NotificationID = model.GenerateUUIDWithSuffix("ntf")
	n.Status = model.StatusQueued
	if n.Priority == "" {
		n.Priority = model.PriorityNormal
	}
	n.CreatedAt = time.Now()

	persisted, err := h.datasource.CreateNotification(ctx, n)
	if err != nil {
		return nil, err
	}
	if err := h.queue.Enqueue(ctx, persisted); err != nil {
		return nil, err
	}
	h.SendEvent(ctx, EventNotificationQueued, persisted.NotificationID, persisted)
	return persisted, nil
}

// BatchResult correlates one batch item's outcome to its input index.
type BatchResult struct {
	Index        int                 `json:"index"`
	Notification *model.Notification `json:"notification,omitempty"`
	Error        error               `json:"-"`
	ErrorMessage string              `json:"error,omitempty"`
}

// QueueBatch admits up to 100 notifications with bounded parallelism. Items
// are isolated: one failure never aborts the rest, and the result slice maps
// back to input order.
func (h *Herald) QueueBatch(ctx context.Context, notifications []*model.Notification) ([]BatchResult, error) {
	if len(notifications) == 0 {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "Batch cannot be empty", nil)
	}
	if len(notifications) > 100 {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput,
			fmt.Sprintf("Batch size %d exceeds the limit of 100", len(notifications)), nil)
	}

	workers := 10
	if cnf, err := config.Fetch(); err == nil && cnf.Delivery.BatchWorkers > 0 {
		workers = cnf.Delivery.BatchWorkers
	}

	results := make([]BatchResult, len(notifications))
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for i, n := range notifications {
		wg.Add(1)
		go func(i int, n *model.Notification) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			queued, err := h.QueueNotification(ctx, n)
			results[i] = BatchResult{Index: i, Notification: queued, Error: err}
			if err != nil {
				results[i].ErrorMessage = err.Error()
			}
		}(i, n)
	}
	wg.Wait()
	return results, nil
}

// SendNow delivers synchronously under a hard timeout. On timeout the call
// fails immediately and nothing is queued: the caller owns the decision to
// try again.
func (h *Herald) SendNow(ctx context.Context, n *model.Notification) (*model.Notification, error) {
	ctx, span := tracer.Start(ctx, "Synchronous delivery")
	defer span.End()

	if err := validateNotification(n); err != nil {
		return nil, err
	}

	timeout := 2 * time.Second
	if cnf, err := config.Fetch(); err == nil && cnf.Delivery.SyncTimeoutMs > 0 {
		timeout = time.Duration(cnf.Delivery.SyncTimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := h.admit(ctx, n); err != nil {
		return nil, err
	}

	n.NotificationID = model.GenerateUUIDWithSuffix("ntf")
	n.Status = model.StatusSending
	if n.Priority == "" {
		n.Priority = model.PriorityNormal
	}
	n.CreatedAt = time.Now()
	if _, err := h.datasource.CreateNotification(ctx, n); err != nil {
		return nil, err
	}

	if err := h.render(ctx, n); err != nil {
		_ = h.datasource.UpdateNotificationStatus(ctx, n.NotificationID, model.StatusFailed)
		return nil, err
	}

	err := h.deliverOnce(ctx, n, 1)
	if ctx.Err() == context.DeadlineExceeded {
		_ = h.datasource.UpdateNotificationStatus(context.WithoutCancel(ctx), n.NotificationID, model.StatusTimedOut)
		_ = h.datasource.UpdateNotificationStatus(context.WithoutCancel(ctx), n.NotificationID, model.StatusFailed)
		return nil, apierror.NewAPIError(apierror.ErrDeliveryTimeout,
			fmt.Sprintf("Delivery did not complete within %v", timeout), nil)
	}
	if err != nil {
		_ = h.datasource.UpdateNotificationStatus(ctx, n.NotificationID, model.StatusFailed)
		return nil, err
	}
	return h.datasource.GetNotification(ctx, n.NotificationID)
}

// ProcessDelivery is the worker entrypoint for one dequeued notification.
// The persisted record is the source of truth: the queued payload only
// carries identity.
func (h *Herald) ProcessDelivery(ctx context.Context, queued *model.Notification) error {
	ctx, span := tracer.Start(ctx, "Processing delivery from queue")
	defer span.End()

	n, err := h.datasource.GetNotification(ctx, queued.NotificationID)
	if err != nil {
		return err
	}
	if n.Terminal() {
		logrus.WithField("notification_id", n.NotificationID).Info("skipping terminal notification")
		return nil
	}

	// admission gates, rate limiter first
	res, err := h.checkRateLimit(ctx, n)
	if err != nil {
		return err
	}
	if !res.Allowed {
		// back to the queue, eligible again when the bucket refills
		logrus.WithFields(logrus.Fields{
			"notification_id": n.NotificationID,
			"scope":           res.Scope,
			"retry_after":     res.RetryAfter(),
		}).Info("delivery deferred by rate limit")
		return h.queue.ScheduleDeferred(ctx, n, res.ResetAt)
	}

	if err := h.budget.Check(ctx, n.TenantID, n.ServiceOrigin, n.Channel, n.Priority); err != nil {
		_ = h.datasource.UpdateNotificationStatus(ctx, n.NotificationID, model.StatusFailed)
		h.SendEvent(ctx, EventNotificationFailed, n.NotificationID, map[string]interface{}{
			"notification_id": n.NotificationID,
			"reason":          "budget exceeded",
		})
		return nil // admission verdict recorded, nothing to retry
	}

	if err := h.datasource.UpdateNotificationStatus(ctx, n.NotificationID, model.StatusSending); err != nil {
		return err
	}

	if err := h.render(ctx, n); err != nil {
		_ = h.datasource.UpdateNotificationStatus(ctx, n.NotificationID, model.StatusFailed)
		h.SendEvent(ctx, EventNotificationFailed, n.NotificationID, map[string]interface{}{
			"notification_id": n.NotificationID,
			"reason":          "template render failure",
		})
		return nil
	}

	attemptNumber := n.AttemptCount() + 1
	if err := h.deliverOnce(ctx, n, attemptNumber); err != nil {
		return h.handleAttemptFailure(ctx, n, attemptNumber, err)
	}
	return nil
}

// deliverOnce runs one logical attempt: every breaker-admitted provider for
// the channel is tried in failover order before the attempt counts as
// failed. All failover tries share the attempt number.
func (h *Herald) deliverOnce(ctx context.Context, n *model.Notification, attemptNumber int) error {
	candidates := h.router.Candidates(n.Channel)
	if len(candidates) == 0 {
		return apierror.NewAPIError(apierror.ErrProviderUnavailable,
			fmt.Sprintf("No providers configured for channel '%s'", n.Channel), nil)
	}

	policy := h.retries.Lookup(n.ServiceOrigin, n.Channel)
	admitted := false
	var lastErr error

	for _, g := range candidates {
		allowed, err := h.breaker.Allow(ctx, n.Channel, g.Name())
		if err != nil {
			return err
		}
		if !allowed {
			continue
		}
		admitted = true

		attempt := &model.ProviderAttempt{
			AttemptID:      model.GenerateUUIDWithSuffix("att"),
			NotificationID: n.NotificationID,
			Provider:       g.Name(),
			Number:         attemptNumber,
			Outcome:        model.OutcomePending,
			CreatedAt:      time.Now(),
		}
		if _, err := h.datasource.RecordAttempt(ctx, attempt); err != nil {
			return err
		}

		attemptCtx, cancel := retrysched.AttemptContext(ctx, policy)
		result, sendErr := g.Send(attemptCtx, n)
		cancel()

		if sendErr != nil {
			code, message := classifyError(sendErr)
			_ = h.datasource.UpdateAttemptOutcome(ctx, attempt.AttemptID, model.OutcomeFailed, code, message)
			if berr := h.breaker.RecordOutcome(ctx, n.Channel, g.Name(), false); berr != nil {
				logrus.WithError(berr).Error("failed to record breaker outcome")
			}
			lastErr = sendErr
			if !gateway.IsRetryable(sendErr) {
				// a permanently bad request fails identically everywhere
				break
			}
			continue
		}

		// accepted by the provider
		_ = h.datasource.UpdateAttemptOutcome(ctx, attempt.AttemptID, model.OutcomeSucceeded, "", "")
		if result.ProviderMessageID != "" {
			_ = h.datasource.SetAttemptProviderMessageID(ctx, attempt.AttemptID, result.ProviderMessageID)
			h.cacheProviderMessageID(ctx, result.ProviderMessageID, n.NotificationID)
		}
		if berr := h.breaker.RecordOutcome(ctx, n.Channel, g.Name(), true); berr != nil {
			logrus.WithError(berr).Error("failed to record breaker outcome")
		}
		if err := h.datasource.UpdateNotificationStatus(ctx, n.NotificationID, model.StatusSent); err != nil {
			return err
		}
		h.chargeCost(ctx, n, model.BillableOnSend)
		h.SendEvent(ctx, EventNotificationSent, n.NotificationID, map[string]interface{}{
			"notification_id":     n.NotificationID,
			"provider":            g.Name(),
			"provider_message_id": result.ProviderMessageID,
			"attempt":             attemptNumber,
		})
		return nil
	}

	if !admitted {
		return apierror.NewAPIError(apierror.ErrProviderUnavailable,
			fmt.Sprintf("All providers for channel '%s' have open circuits", n.Channel), nil)
	}
	return lastErr
}

// handleAttemptFailure schedules the next backoff attempt or declares the
// notification failed once the policy is exhausted.
func (h *Herald) handleAttemptFailure(ctx context.Context, n *model.Notification, attemptNumber int, cause error) error {
	policy := h.retries.Lookup(n.ServiceOrigin, n.Channel)

	if gateway.IsRetryable(cause) && h.retries.ShouldRetry(policy, attemptNumber) {
		if err := h.datasource.UpdateNotificationStatus(ctx, n.NotificationID, model.StatusRetrying); err != nil {
			return err
		}
		delay := retrysched.Delay(policy, attemptNumber+1)
		h.SendEvent(ctx, EventNotificationRetrying, n.NotificationID, map[string]interface{}{
			"notification_id": n.NotificationID,
			"attempt":         attemptNumber,
			"next_in_ms":      delay.Milliseconds(),
		})
		return h.queue.ScheduleRetry(ctx, n, attemptNumber+1, delay)
	}

	if err := h.datasource.UpdateNotificationStatus(ctx, n.NotificationID, model.StatusFailed); err != nil {
		return err
	}
	alert.Notify(alert.Alert{
		Kind:    alert.KindRetryExhausted,
		Message: fmt.Sprintf("notification %s failed after %d attempts", n.NotificationID, attemptNumber),
		Fields: map[string]interface{}{
			"notification_id": n.NotificationID,
			"tenant_id":       n.TenantID,
			"channel":         n.Channel,
			"cause":           cause.Error(),
		},
	})
	h.SendEvent(ctx, EventNotificationFailed, n.NotificationID, map[string]interface{}{
		"notification_id": n.NotificationID,
		"attempts":        attemptNumber,
		"cause":           cause.Error(),
	})
	return nil
}

// CancelNotification cancels a pending notification. Only QUEUED and
// RETRYING admit cancellation; an in-flight send is past the point of no
// return and a terminal record has nothing to cancel.
func (h *Herald) CancelNotification(ctx context.Context, id, reason string) (*model.Notification, error) {
	n, err := h.datasource.GetNotification(ctx, id)
	if err != nil {
		return nil, err
	}
	if !model.CanTransition(n.Status, model.StatusCancelled) {
		return nil, apierror.NewAPIError(apierror.ErrConflict,
			fmt.Sprintf("Notification '%s' cannot be cancelled while %s", id, n.Status), nil)
	}

	if err := h.datasource.UpdateNotificationStatus(ctx, id, model.StatusCancelled); err != nil {
		return nil, err
	}
	h.queue.CancelPending(id)
	_ = h.datasource.RecordAuditLog(ctx, &model.AuditRecord{
		AuditID:        model.GenerateUUIDWithSuffix("aud"),
		NotificationID: id,
		Action:         "cancel",
		Reason:         reason,
		CreatedAt:      time.Now(),
	})
	h.SendEvent(ctx, EventNotificationCancelled, id, map[string]interface{}{
		"notification_id": id,
		"reason":          reason,
	})
	return h.datasource.GetNotification(ctx, id)
}

// AdminRetry re-admits a failed notification ahead of any backoff. It is a
// privileged operation: the caller is authenticated upstream, the reason is
// mandatory, and an audit record is written.
func (h *Herald) AdminRetry(ctx context.Context, id, reason, actor, forceProvider string) (*model.Notification, error) {
	if reason == "" {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "Admin retry requires a reason", nil)
	}
	n, err := h.datasource.GetNotification(ctx, id)
	if err != nil {
		return nil, err
	}
	if n.Status == model.StatusDelivered || n.Status == model.StatusCancelled {
		return nil, apierror.NewAPIError(apierror.ErrConflict,
			fmt.Sprintf("Notification '%s' is %s and cannot be retried", id, n.Status), nil)
	}

	if forceProvider != "" {
		if berr := h.breaker.Reset(ctx, n.Channel, forceProvider); berr != nil {
			return nil, berr
		}
	}

	if err := h.datasource.ReviveNotification(ctx, id); err != nil {
		return nil, err
	}
	_ = h.datasource.RecordAuditLog(ctx, &model.AuditRecord{
		AuditID:        model.GenerateUUIDWithSuffix("aud"),
		NotificationID: id,
		Action:         "admin_retry",
		Actor:          actor,
		Reason:         reason,
		CreatedAt:      time.Now(),
	})

	n.Status = model.StatusRetrying
	if err := h.queue.ScheduleRetry(ctx, n, n.AttemptCount()+1, 0); err != nil {
		return nil, err
	}
	return h.datasource.GetNotification(ctx, id)
}

// GetNotification returns the full record including its attempt history.
func (h *Herald) GetNotification(ctx context.Context, id string) (*model.Notification, error) {
	return h.datasource.GetNotification(ctx, id)
}

// admit runs the synchronous-path admission gates in order: rate limiter,
// then budget.
func (h *Herald) admit(ctx context.Context, n *model.Notification) error {
	res, err := h.checkRateLimit(ctx, n)
	if err != nil {
		return err
	}
	if !res.Allowed {
		return apierror.NewAPIError(apierror.ErrRateLimited,
			fmt.Sprintf("Rate limit exhausted at %s scope", res.Scope),
			apierror.RateLimitDetails{
				Scope:      res.Scope,
				Limit:      res.Limit,
				Remaining:  res.Remaining,
				ResetEpoch: res.ResetAt.Unix(),
				RetryAfter: res.RetryAfter(),
			})
	}
	return h.budget.Check(ctx, n.TenantID, n.ServiceOrigin, n.Channel, n.Priority)
}

// checkRateLimit consults the hierarchical limiter, honoring an elevated
// override riding on the request. Overrides bypass every scope bucket but
// leave an audit trail.
func (h *Herald) checkRateLimit(ctx context.Context, n *model.Notification) (*ratelimit.Result, error) {
	req := ratelimit.Request{
		TenantID:      n.TenantID,
		UserID:        n.UserID,
		ServiceOrigin: n.ServiceOrigin,
		Channel:       n.Channel,
	}
	if reason := n.RateLimitOverrideReason(); reason != "" {
		res, err := h.limiter.Override(req, reason)
		if err != nil {
			return nil, err
		}
		h.RecordAudit(ctx, &model.AuditRecord{
			AuditID:        model.GenerateUUIDWithSuffix("aud"),
			NotificationID: n.NotificationID,
			Action:         "rate_limit_override",
			Reason:         reason,
			CreatedAt:      time.Now(),
		})
		return res, nil
	}
	return h.limiter.CheckAndConsume(ctx, req)
}

// render resolves template content, falling back to pre-rendered content
// when the renderer fails and the caller supplied any.
func (h *Herald) render(ctx context.Context, n *model.Notification) error {
	if n.TemplateKey == "" {
		if !n.Prerendered() {
			return apierror.NewAPIError(apierror.ErrTemplateRenderFailure,
				"Notification carries neither a template key nor pre-rendered content", nil)
		}
		return nil
	}

	subject, body, err := h.renderer(ctx, n)
	if err != nil {
		if n.Prerendered() {
			logrus.WithFields(logrus.Fields{
				"notification_id": n.NotificationID,
				"template_key":    n.TemplateKey,
			}).WithError(err).Warn("render failed, using pre-rendered fallback")
			return nil
		}
		return apierror.NewAPIError(apierror.ErrTemplateRenderFailure,
			fmt.Sprintf("Failed to render template '%s'", n.TemplateKey), err)
	}

	n.Subject = subject
	n.Body = body
	if n.NotificationID != "" {
		_ = h.datasource.UpdateRenderedContent(ctx, n.NotificationID, subject, body)
	}
	return nil
}

// chargeCost records a billable unit for the given billing event and
// persists the ledger entry.
func (h *Herald) chargeCost(ctx context.Context, n *model.Notification, event string) {
	record, err := h.budget.RecordCost(ctx, n, event)
	if err != nil {
		logrus.WithError(err).Error("failed to record cost")
		return
	}
	if record == nil {
		return
	}
	if err := h.datasource.RecordCost(ctx, record); err != nil {
		logrus.WithError(err).Error("failed to persist cost record")
	}
}

func (h *Herald) cacheProviderMessageID(ctx context.Context, providerMessageID, notificationID string) {
	if h.datasource == nil {
		return
	}
	if ds, ok := h.datasource.(interface {
		CacheProviderMessageID(ctx context.Context, providerMessageID, notificationID string)
	}); ok {
		ds.CacheProviderMessageID(ctx, providerMessageID, notificationID)
	}
}

func validateNotification(n *model.Notification) error {
	if n.TenantID == "" || n.UserID == "" || n.ServiceOrigin == "" {
		return apierror.NewAPIError(apierror.ErrInvalidInput, "tenant_id, user_id and service_origin are required", nil)
	}
	if !model.ValidChannel(n.Channel) {
		return apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("Unknown channel '%s'", n.Channel), nil)
	}
	if n.Priority != "" && !model.ValidPriority(n.Priority) {
		return apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("Unknown priority '%s'", n.Priority), nil)
	}
	if n.Recipient == "" {
		return apierror.NewAPIError(apierror.ErrInvalidInput, "Recipient is required", nil)
	}
	return nil
}

func classifyError(err error) (code, message string) {
	var pe *gateway.ProviderError
	if ok := asProviderError(err, &pe); ok {
		return pe.Code, pe.Message
	}
	return "UNKNOWN", err.Error()
}

func asProviderError(err error, target **gateway.ProviderError) bool {
	for err != nil {
		if pe, ok := err.(*gateway.ProviderError); ok {
			*target = pe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
