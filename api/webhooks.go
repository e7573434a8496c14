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
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/heraldhq/herald"
	model2 "github.com/heraldhq/herald/api/model"
	"github.com/heraldhq/herald/internal/gateway"
)

// ReceiveDeliveryReport ingests a provider's delivery callback. The HMAC
// signature is verified against the provider's webhook secret before any
// state changes; an unverifiable request is rejected with no side effects.
func (a Api) ReceiveDeliveryReport(c *gin.Context) {
	provider, passed := requireParam(c, "gateway")
	if !passed {
		return
	}

	secret, known := a.herald.Router().WebhookSecret(provider)
	if !known {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown gateway '" + provider + "'"})
		return
	}

	payload, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read request body"})
		return
	}

	if secret != "" {
		err := gateway.VerifySignature(secret, payload,
			c.GetHeader(gateway.HeaderTimestamp),
			c.GetHeader(gateway.HeaderSignature),
			gateway.DefaultTolerance)
		if err != nil {
			logrus.WithField("gateway", provider).WithError(err).Warn("rejected webhook with bad signature")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid signature"})
			return
		}
	}

	var report model2.DeliveryReport
	if err := json.Unmarshal(payload, &report); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input"})
		return
	}
	if err := report.ValidateDeliveryReport(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	occurredAt := time.Time{}
	if report.OccurredAt != "" {
		occurredAt, _ = time.Parse(time.RFC3339, report.OccurredAt)
	}

	err = a.herald.ReconcileDeliveryReport(c.Request.Context(), herald.DeliveryReport{
		Provider:          provider,
		ProviderMessageID: report.ProviderMessageID,
		Status:            report.Status,
		Reason:            report.Reason,
		OccurredAt:        occurredAt,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "reconciled"})
}
