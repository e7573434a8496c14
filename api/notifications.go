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

	"github.com/sirupsen/logrus"

	model2 "github.com/heraldhq/herald/api/model"
	"github.com/heraldhq/herald/model"

	"github.com/gin-gonic/gin"
)

// QueueNotification accepts one notification for asynchronous delivery. The
// 202 response carries the persisted record; delivery happens on the workers.
func (a Api) QueueNotification(c *gin.Context) {
	var newNotification model2.CreateNotification
	if err := c.ShouldBindJSON(&newNotification); err != nil {
		logrus.Error(err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input"})
		return
	}

	if err := newNotification.ValidateCreateNotification(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	resp, err := a.herald.QueueNotification(c.Request.Context(), newNotification.ToNotification())
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, resp)
}

// QueueBatch accepts up to 100 notifications in one call. Items are
// independent: the response reports success or failure per index.
func (a Api) QueueBatch(c *gin.Context) {
	var batch model2.BatchNotifications
	if err := c.ShouldBindJSON(&batch); err != nil {
		logrus.Error(err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input"})
		return
	}

	if err := batch.ValidateBatchNotifications(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	notifications := make([]*model.Notification, len(batch.Notifications))
	for i := range batch.Notifications {
		notifications[i] = batch.Notifications[i].ToNotification()
	}

	results, err := a.herald.QueueBatch(c.Request.Context(), notifications)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"results": results})
}

// SendNow delivers synchronously under the configured hard timeout. A
// timeout is final: nothing is queued behind the caller's back.
func (a Api) SendNow(c *gin.Context) {
	var newNotification model2.CreateNotification
	if err := c.ShouldBindJSON(&newNotification); err != nil {
		logrus.Error(err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input"})
		return
	}

	if err := newNotification.ValidateCreateNotification(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	resp, err := a.herald.SendNow(c.Request.Context(), newNotification.ToNotification())
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

// GetNotification returns one notification with its full attempt history.
func (a Api) GetNotification(c *gin.Context) {
	id, passed := requireParam(c, "id")
	if !passed {
		return
	}

	resp, err := a.herald.GetNotification(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// CancelNotification cancels a queued or retrying notification.
func (a Api) CancelNotification(c *gin.Context) {
	id, passed := requireParam(c, "id")
	if !passed {
		return
	}

	var body model2.CancelNotification
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input"})
		return
	}
	if err := body.ValidateCancelNotification(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	resp, err := a.herald.CancelNotification(c.Request.Context(), id, body.Reason)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// AdminRetry re-admits a failed notification. The reason is mandatory and
// the action lands in the audit log.
func (a Api) AdminRetry(c *gin.Context) {
	id, passed := requireParam(c, "id")
	if !passed {
		return
	}

	var body model2.AdminRetry
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input"})
		return
	}
	if err := body.ValidateAdminRetry(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	resp, err := a.herald.AdminRetry(c.Request.Context(), id, body.Reason, body.Actor, body.ForceProvider)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, resp)
}
