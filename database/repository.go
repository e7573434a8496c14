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

package database

import (
	"context"
	"time"

	"github.com/heraldhq/herald/model"
)

// IDataSource groups the persistence operations of the delivery engine.
type IDataSource interface {
	notification
	attempt
	cost
	audit
}

// notification defines methods for the notification lifecycle.
type notification interface {
	CreateNotification(ctx context.Context, n *model.Notification) (*model.Notification, error)
	GetNotification(ctx context.Context, id string) (*model.Notification, error)
	GetNotificationByProviderMessageID(ctx context.Context, providerMessageID string) (*model.Notification, error)
	// UpdateNotificationStatus performs a guarded transition: once the row is
	// terminal it fails with a conflict instead of regressing the status.
	// Non-terminal rows accept any status; callers own the ordering.
	UpdateNotificationStatus(ctx context.Context, id string, status string) error
	UpdateRenderedContent(ctx context.Context, id, subject, body string) error
	// ReviveNotification moves a FAILED or TIMED_OUT row back to RETRYING.
	// It is the only path out of a failed terminal state and exists solely
	// for privileged admin retries.
	ReviveNotification(ctx context.Context, id string) error
	GetAllNotifications(ctx context.Context, tenantID string, limit, offset int) ([]model.Notification, error)
	// GetStuckNotifications lists rows parked in SENDING longer than the
	// given age, oldest first.
	GetStuckNotifications(ctx context.Context, olderThan time.Duration, limit int) ([]*model.Notification, error)
}

// attempt defines methods for provider attempt records.
type attempt interface {
	RecordAttempt(ctx context.Context, a *model.ProviderAttempt) (*model.ProviderAttempt, error)
	UpdateAttemptOutcome(ctx context.Context, attemptID, outcome, errorCode, errorMessage string) error
	SetAttemptProviderMessageID(ctx context.Context, attemptID, providerMessageID string) error
	GetAttempts(ctx context.Context, notificationID string) ([]model.ProviderAttempt, error)
}

// cost defines methods for the append-only spend ledger.
type cost interface {
	RecordCost(ctx context.Context, record *model.CostRecord) error
	GetCostRecords(ctx context.Context, tenantID string, from, to time.Time) ([]model.CostRecord, error)
}

// audit defines methods for privileged-action records.
type audit interface {
	RecordAuditLog(ctx context.Context, record *model.AuditRecord) error
	GetAuditLogs(ctx context.Context, notificationID string) ([]model.AuditRecord, error)
}
