package herald

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/heraldhq/herald/database/mocks"
	"github.com/heraldhq/herald/internal/apierror"
	"github.com/heraldhq/herald/model"
)

func sentNotification(id, providerMessageID string) *model.Notification {
	n := testNotification("email")
	n.NotificationID = id
	n.Status = model.StatusSent
	n.Attempts = []model.ProviderAttempt{
		{
			AttemptID:         "att_1",
			NotificationID:    id,
			Provider:          "sendgrid",
			ProviderMessageID: providerMessageID,
			Number:            1,
			Outcome:           model.OutcomeSucceeded,
			CreatedAt:         time.Now(),
		},
	}
	return n
}

func TestReconcileDeliveredMarksTerminal(t *testing.T) {
	mockDS := new(mocks.MockDataSource)
	h, _ := newTestHerald(t, mockDS)

	stored := sentNotification("ntf_rec1", "sg-msg-1")
	mockDS.On("GetNotificationByProviderMessageID", mock.Anything, "sg-msg-1").Return(stored, nil).Once()
	mockDS.On("UpdateAttemptOutcome", mock.Anything, "att_1", model.OutcomeSucceeded, "", "").Return(nil).Once()
	mockDS.On("UpdateNotificationStatus", mock.Anything, "ntf_rec1", model.StatusDelivered).Return(nil).Once()

	err := h.ReconcileDeliveryReport(context.Background(), DeliveryReport{
		Provider:          "sendgrid",
		ProviderMessageID: "sg-msg-1",
		Status:            ReportDelivered,
	})
	assert.NoError(t, err)
	mockDS.AssertExpectations(t)
}

func TestReconcileDeliveredIsIdempotent(t *testing.T) {
	mockDS := new(mocks.MockDataSource)
	h, _ := newTestHerald(t, mockDS)

	stored := sentNotification("ntf_rec2", "sg-msg-2")
	// the whole reconciliation pipeline runs once, no matter how often the
	// provider redelivers the callback
	mockDS.On("GetNotificationByProviderMessageID", mock.Anything, "sg-msg-2").Return(stored, nil).Once()
	mockDS.On("UpdateAttemptOutcome", mock.Anything, "att_1", model.OutcomeSucceeded, "", "").Return(nil).Once()
	mockDS.On("UpdateNotificationStatus", mock.Anything, "ntf_rec2", model.StatusDelivered).Return(nil).Once()

	report := DeliveryReport{
		Provider:          "sendgrid",
		ProviderMessageID: "sg-msg-2",
		Status:            ReportDelivered,
	}

	assert.NoError(t, h.ReconcileDeliveryReport(context.Background(), report))
	assert.NoError(t, h.ReconcileDeliveryReport(context.Background(), report))
	assert.NoError(t, h.ReconcileDeliveryReport(context.Background(), report))

	mockDS.AssertExpectations(t)
	mockDS.AssertNumberOfCalls(t, "UpdateNotificationStatus", 1)
}

func TestReconcileFailedTriggersImmediateRetry(t *testing.T) {
	mockDS := new(mocks.MockDataSource)
	h, _ := newTestHerald(t, mockDS)

	stored := sentNotification("ntf_rec3", "sg-msg-3")
	mockDS.On("GetNotificationByProviderMessageID", mock.Anything, "sg-msg-3").Return(stored, nil).Once()
	mockDS.On("UpdateAttemptOutcome", mock.Anything, "att_1", model.OutcomeFailed, "PROVIDER_failed", "mailbox busy").Return(nil).Once()
	mockDS.On("UpdateNotificationStatus", mock.Anything, "ntf_rec3", model.StatusRetrying).Return(nil).Once()

	err := h.ReconcileDeliveryReport(context.Background(), DeliveryReport{
		Provider:          "sendgrid",
		ProviderMessageID: "sg-msg-3",
		Status:            ReportFailed,
		Reason:            "mailbox busy",
	})
	assert.NoError(t, err)
	mockDS.AssertExpectations(t)
}

func TestReconcileBouncedNeverRetries(t *testing.T) {
	mockDS := new(mocks.MockDataSource)
	h, _ := newTestHerald(t, mockDS)

	stored := sentNotification("ntf_rec4", "sg-msg-4")
	mockDS.On("GetNotificationByProviderMessageID", mock.Anything, "sg-msg-4").Return(stored, nil).Once()
	mockDS.On("UpdateAttemptOutcome", mock.Anything, "att_1", model.OutcomeFailed, "PROVIDER_bounced", "hard bounce").Return(nil).Once()
	mockDS.On("UpdateNotificationStatus", mock.Anything, "ntf_rec4", model.StatusFailed).Return(nil).Once()

	err := h.ReconcileDeliveryReport(context.Background(), DeliveryReport{
		Provider:          "sendgrid",
		ProviderMessageID: "sg-msg-4",
		Status:            ReportBounced,
		Reason:            "hard bounce",
	})
	assert.NoError(t, err)
	mockDS.AssertNotCalled(t, "UpdateNotificationStatus", mock.Anything, "ntf_rec4", model.StatusRetrying)
	mockDS.AssertExpectations(t)
}

func TestReconcileSkipsTerminalNotification(t *testing.T) {
	mockDS := new(mocks.MockDataSource)
	h, _ := newTestHerald(t, mockDS)

	stored := sentNotification("ntf_rec5", "sg-msg-5")
	stored.Status = model.StatusCancelled

	mockDS.On("GetNotificationByProviderMessageID", mock.Anything, "sg-msg-5").Return(stored, nil).Once()

	err := h.ReconcileDeliveryReport(context.Background(), DeliveryReport{
		Provider:          "sendgrid",
		ProviderMessageID: "sg-msg-5",
		Status:            ReportDelivered,
	})
	assert.NoError(t, err)
	mockDS.AssertNotCalled(t, "UpdateNotificationStatus", mock.Anything, mock.Anything, mock.Anything)
}

func TestReconcileRejectsUnknownStatus(t *testing.T) {
	mockDS := new(mocks.MockDataSource)
	h, _ := newTestHerald(t, mockDS)

	err := h.ReconcileDeliveryReport(context.Background(), DeliveryReport{
		Provider:          "sendgrid",
		ProviderMessageID: "sg-msg-6",
		Status:            "snoozed",
	})
	assert.True(t, apierror.Is(err, apierror.ErrInvalidInput))
	mockDS.AssertNotCalled(t, "GetNotificationByProviderMessageID", mock.Anything, mock.Anything)
}

func TestReconcileReleasesClaimOnLookupFailure(t *testing.T) {
	mockDS := new(mocks.MockDataSource)
	h, _ := newTestHerald(t, mockDS)

	report := DeliveryReport{
		Provider:          "sendgrid",
		ProviderMessageID: "sg-msg-7",
		Status:            ReportDelivered,
	}

	notFound := apierror.NewAPIError(apierror.ErrNotFound, "no such message", nil)
	mockDS.On("GetNotificationByProviderMessageID", mock.Anything, "sg-msg-7").Return(nil, notFound).Once()

	err := h.ReconcileDeliveryReport(context.Background(), report)
	assert.Error(t, err)

	// the claim was released, so the provider's redelivery gets processed
	stored := sentNotification("ntf_rec7", "sg-msg-7")
	mockDS.On("GetNotificationByProviderMessageID", mock.Anything, "sg-msg-7").Return(stored, nil).Once()
	mockDS.On("UpdateAttemptOutcome", mock.Anything, "att_1", model.OutcomeSucceeded, "", "").Return(nil).Once()
	mockDS.On("UpdateNotificationStatus", mock.Anything, "ntf_rec7", model.StatusDelivered).Return(nil).Once()

	assert.NoError(t, h.ReconcileDeliveryReport(context.Background(), report))
	mockDS.AssertExpectations(t)
}

func TestRecoverStuckReAdmitsSendingNotification(t *testing.T) {
	mockDS := new(mocks.MockDataSource)
	h, _ := newTestHerald(t, mockDS)

	stuck := testNotification("email")
	stuck.NotificationID = "ntf_stuck"
	stuck.Status = model.StatusSending
	stuck.Attempts = []model.ProviderAttempt{{AttemptID: "att_1", Number: 1, Outcome: model.OutcomeFailed}}

	mockDS.On("GetStuckNotifications", mock.Anything, 5*time.Minute, mock.Anything).
		Return([]*model.Notification{stuck}, nil).Once()
	mockDS.On("UpdateNotificationStatus", mock.Anything, "ntf_stuck", model.StatusRetrying).Return(nil).Once()

	recovered, err := h.RecoverStuckDeliveries(context.Background(), 5*time.Minute)
	assert.NoError(t, err)
	assert.Equal(t, 1, recovered)
	mockDS.AssertExpectations(t)
}

func TestRecoverStuckAbandonsExhaustedNotification(t *testing.T) {
	mockDS := new(mocks.MockDataSource)
	h, _ := newTestHerald(t, mockDS)

	stuck := testNotification("email")
	stuck.NotificationID = "ntf_stuck_done"
	stuck.Status = model.StatusSending
	stuck.Attempts = []model.ProviderAttempt{
		{AttemptID: "att_1", Number: 1}, {AttemptID: "att_2", Number: 2},
		{AttemptID: "att_3", Number: 3}, {AttemptID: "att_4", Number: 4},
	}

	mockDS.On("GetStuckNotifications", mock.Anything, 5*time.Minute, mock.Anything).
		Return([]*model.Notification{stuck}, nil).Once()
	mockDS.On("UpdateNotificationStatus", mock.Anything, "ntf_stuck_done", model.StatusFailed).Return(nil).Once()

	recovered, err := h.RecoverStuckDeliveries(context.Background(), 5*time.Minute)
	assert.NoError(t, err)
	assert.Equal(t, 1, recovered)
	mockDS.AssertExpectations(t)
}
