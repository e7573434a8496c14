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
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/heraldhq/herald/model"
)

// GetBreakerState reports the circuit state for one channel/provider pair.
func (a Api) GetBreakerState(c *gin.Context) {
	channel, passed := requireParam(c, "channel")
	if !passed {
		return
	}
	provider, passed := requireParam(c, "provider")
	if !passed {
		return
	}

	snapshot, err := a.herald.Breaker().State(c.Request.Context(), channel, provider)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"channel":  channel,
		"provider": provider,
		"state":    snapshot.State,
		"failures": snapshot.Failures,
	})
}

// ResetBreaker force-closes a circuit. The action is audited: an operator
// overriding the breaker is taking responsibility for the provider.
func (a Api) ResetBreaker(c *gin.Context) {
	channel, passed := requireParam(c, "channel")
	if !passed {
		return
	}
	provider, passed := requireParam(c, "provider")
	if !passed {
		return
	}

	var body struct {
		Reason string `json:"reason"`
		Actor  string `json:"actor"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input"})
		return
	}
	if body.Reason == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reason is required"})
		return
	}

	if err := a.herald.Breaker().Reset(c.Request.Context(), channel, provider); err != nil {
		respondError(c, err)
		return
	}
	a.herald.RecordAudit(c.Request.Context(), &model.AuditRecord{
		AuditID:   model.GenerateUUIDWithSuffix("aud"),
		Action:    "breaker_reset",
		Actor:     body.Actor,
		Reason:    body.Reason + " (" + channel + "/" + provider + ")",
		CreatedAt: time.Now(),
	})

	c.JSON(http.StatusOK, gin.H{"channel": channel, "provider": provider, "state": "closed"})
}

// RecoverStuck triggers an immediate sweep of notifications stranded in
// SENDING. Accepts an optional threshold in seconds.
func (a Api) RecoverStuck(c *gin.Context) {
	var body struct {
		ThresholdSec int `json:"threshold_sec"`
	}
	_ = c.ShouldBindJSON(&body)

	threshold := time.Duration(body.ThresholdSec) * time.Second
	recovered, err := a.herald.RecoverStuckDeliveries(c.Request.Context(), threshold)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"recovered": recovered})
}
