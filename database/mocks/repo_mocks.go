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
package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/heraldhq/herald/model"
)

// MockDataSource is a mock implementation of the IDataSource interface
type MockDataSource struct {
	mock.Mock
}

// Notification methods

func (m *MockDataSource) CreateNotification(ctx context.Context, n *model.Notification) (*model.Notification, error) {
	args := m.Called(ctx, n)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	if rf, ok := args.Get(0).(func(context.Context, *model.Notification) *model.Notification); ok {
		return rf(ctx, n), args.Error(1)
	}
	return args.Get(0).(*model.Notification), args.Error(1)
}

func (m *MockDataSource) GetNotification(ctx context.Context, id string) (*model.Notification, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Notification), args.Error(1)
}

func (m *MockDataSource) GetNotificationByProviderMessageID(ctx context.Context, providerMessageID string) (*model.Notification, error) {
	args := m.Called(ctx, providerMessageID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Notification), args.Error(1)
}

func (m *MockDataSource) UpdateNotificationStatus(ctx context.Context, id string, status string) error {
	args := m.Called(ctx, id, status)
	return args.Error(0)
}

func (m *MockDataSource) UpdateRenderedContent(ctx context.Context, id, subject, body string) error {
	args := m.Called(ctx, id, subject, body)
	return args.Error(0)
}

func (m *MockDataSource) ReviveNotification(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockDataSource) GetAllNotifications(ctx context.Context, tenantID string, limit, offset int) ([]model.Notification, error) {
	args := m.Called(ctx, tenantID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Notification), args.Error(1)
}

func (m *MockDataSource) GetStuckNotifications(ctx context.Context, olderThan time.Duration, limit int) ([]*model.Notification, error) {
	args := m.Called(ctx, olderThan, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.Notification), args.Error(1)
}

// Attempt methods

func (m *MockDataSource) RecordAttempt(ctx context.Context, a *model.ProviderAttempt) (*model.ProviderAttempt, error) {
	args := m.Called(ctx, a)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	if rf, ok := args.Get(0).(func(context.Context, *model.ProviderAttempt) *model.ProviderAttempt); ok {
		return rf(ctx, a), args.Error(1)
	}
	return args.Get(0).(*model.ProviderAttempt), args.Error(1)
}

func (m *MockDataSource) UpdateAttemptOutcome(ctx context.Context, attemptID, outcome, errorCode, errorMessage string) error {
	args := m.Called(ctx, attemptID, outcome, errorCode, errorMessage)
	return args.Error(0)
}

func (m *MockDataSource) SetAttemptProviderMessageID(ctx context.Context, attemptID, providerMessageID string) error {
	args := m.Called(ctx, attemptID, providerMessageID)
	return args.Error(0)
}

func (m *MockDataSource) GetAttempts(ctx context.Context, notificationID string) ([]model.ProviderAttempt, error) {
	args := m.Called(ctx, notificationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.ProviderAttempt), args.Error(1)
}

// Cost methods

func (m *MockDataSource) RecordCost(ctx context.Context, record *model.CostRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockDataSource) GetCostRecords(ctx context.Context, tenantID string, from, to time.Time) ([]model.CostRecord, error) {
	args := m.Called(ctx, tenantID, from, to)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.CostRecord), args.Error(1)
}

// Audit methods

func (m *MockDataSource) RecordAuditLog(ctx context.Context, record *model.AuditRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockDataSource) GetAuditLogs(ctx context.Context, notificationID string) ([]model.AuditRecord, error) {
	args := m.Called(ctx, notificationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.AuditRecord), args.Error(1)
}
