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
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/heraldhq/herald/config"
	"github.com/heraldhq/herald/model"
)

// SendResult is the provider's acknowledgment of an accepted send.
type SendResult struct {
	ProviderMessageID string
	StatusCode        int
}

// ProviderError classifies a failed provider call. Retryable errors count
// against the provider's circuit and are eligible for failover and retry;
// non-retryable errors mean the request itself is bad.
type ProviderError struct {
	Provider   string
	StatusCode int
	Code       string
	Message    string
	Retryable  bool
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %s (%s)", e.Provider, e.Message, e.Code)
}

// IsRetryable reports whether err is a provider failure worth retrying.
// Transport errors without a ProviderError classification are retryable.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return true
}

// Gateway is one concrete provider endpoint for a channel.
type Gateway interface {
	Name() string
	Channel() string
	Send(ctx context.Context, notification *model.Notification) (*SendResult, error)
}

// dispatchPayload is the wire body pushed to provider endpoints. Subject and
// body are already rendered; providers never see template keys.
type dispatchPayload struct {
	NotificationID string                 `json:"notification_id"`
	TenantID       string                 `json:"tenant_id"`
	Channel        string                 `json:"channel"`
	Recipient      string                 `json:"recipient"`
	Subject        string                 `json:"subject,omitempty"`
	Body           string                 `json:"body"`
	CorrelationID  string                 `json:"correlation_id,omitempty"`
	MetaData       map[string]interface{} `json:"meta_data,omitempty"`
}

type acceptResponse struct {
	MessageID string `json:"message_id"`
}

// HTTPGateway delivers over a signed HTTP POST to the provider endpoint.
type HTTPGateway struct {
	name    string
	channel string
	cfg     config.ProviderConfig
	client  *http.Client

	now func() time.Time
}

func NewHTTPGateway(channel string, cfg config.ProviderConfig) *HTTPGateway {
	timeout := 15 * time.Second
	if cfg.TimeoutSec > 0 {
		timeout = time.Duration(cfg.TimeoutSec) * time.Second
	}
	return &HTTPGateway{
		name:    cfg.Name,
		channel: channel,
		cfg:     cfg,
		client:  &http.Client{Timeout: timeout},
		now:     time.Now,
	}
}

func (g *HTTPGateway) Name() string    { return g.name }
func (g *HTTPGateway) Channel() string { return g.channel }

// Send posts the rendered notification to the provider. The body is signed
// with the provider's signing secret so the far side can authenticate us the
// same way we authenticate its delivery reports.
func (g *HTTPGateway) Send(ctx context.Context, notification *model.Notification) (*SendResult, error) {
	payload, err := json.Marshal(dispatchPayload{
		NotificationID: notification.NotificationID,
		TenantID:       notification.TenantID,
		Channel:        notification.Channel,
		Recipient:      notification.Recipient,
		Subject:        notification.Subject,
		Body:           notification.Body,
		CorrelationID:  notification.CorrelationID,
		MetaData:       notification.MetaData,
	})
	if err != nil {
		return nil, errors.Wrap(err, "gateway: marshal dispatch payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "gateway: build request")
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range g.cfg.Headers {
		req.Header.Set(k, v)
	}
	if g.cfg.SigningSecret != "" {
		ts := g.now().Unix()
		req.Header.Set(HeaderTimestamp, fmt.Sprintf("%d", ts))
		req.Header.Set(HeaderSignature, ComputeSignature(g.cfg.SigningSecret, ts, payload))
	}

	resp, err := g.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &ProviderError{
				Provider:  g.name,
				Code:      "TIMEOUT",
				Message:   "provider did not respond within the attempt deadline",
				Retryable: true,
			}
		}
		return nil, &ProviderError{
			Provider:  g.name,
			Code:      "TRANSPORT",
			Message:   err.Error(),
			Retryable: true,
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrap(err, "gateway: read provider response")
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var accepted acceptResponse
		if err := json.Unmarshal(body, &accepted); err != nil || accepted.MessageID == "" {
			logrus.WithFields(logrus.Fields{
				"provider":        g.name,
				"notification_id": notification.NotificationID,
			}).Warn("provider accepted send without a message id")
		}
		return &SendResult{ProviderMessageID: accepted.MessageID, StatusCode: resp.StatusCode}, nil
	}

	return nil, &ProviderError{
		Provider:   g.name,
		StatusCode: resp.StatusCode,
		Code:       fmt.Sprintf("HTTP_%d", resp.StatusCode),
		Message:    string(body),
		Retryable:  resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
	}
}
