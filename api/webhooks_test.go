package api

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/heraldhq/herald"
	"github.com/heraldhq/herald/config"
	"github.com/heraldhq/herald/database/mocks"
	"github.com/heraldhq/herald/internal/gateway"
	"github.com/heraldhq/herald/model"
)

const testWebhookSecret = "whsec_test"

func newWebhookRouter(t *testing.T, mockDS *mocks.MockDataSource) *gin.Engine {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	config.MockConfig(&config.Configuration{
		Redis: config.RedisConfig{Dns: mr.Addr()},
		Queue: config.QueueConfig{
			DeliveryQueue:  "test:delivery",
			EventQueue:     "test:event",
			NumberOfQueues: 1,
		},
		Providers: map[string][]config.ProviderConfig{
			"email": {
				{Name: "sendgrid", URL: "https://sendgrid.test/send", WebhookSecret: testWebhookSecret},
			},
		},
	})

	h, err := herald.New(mockDS)
	require.NoError(t, err)
	return NewAPI(h).Router()
}

func signedReportRequest(target string, payload []byte) *http.Request {
	req := httptest.NewRequest(http.MethodPost, target, bytes.NewReader(payload))
	ts := time.Now().Unix()
	req.Header.Set(gateway.HeaderTimestamp, fmt.Sprintf("%d", ts))
	req.Header.Set(gateway.HeaderSignature, gateway.ComputeSignature(testWebhookSecret, ts, payload))
	return req
}

func TestReceiveDeliveryReportUnknownGateway(t *testing.T) {
	mockDS := new(mocks.MockDataSource)
	router := newWebhookRouter(t, mockDS)

	payload := []byte(`{"provider_message_id":"sg-msg-1","status":"delivered"}`)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, signedReportRequest("/webhooks/mystery", payload))

	assert.Equal(t, http.StatusNotFound, resp.Code)
	mockDS.AssertNotCalled(t, "GetNotificationByProviderMessageID", mock.Anything, mock.Anything)
}

func TestReceiveDeliveryReportRejectsBadSignature(t *testing.T) {
	mockDS := new(mocks.MockDataSource)
	router := newWebhookRouter(t, mockDS)

	payload := []byte(`{"provider_message_id":"sg-msg-1","status":"delivered"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/sendgrid", bytes.NewReader(payload))
	req.Header.Set(gateway.HeaderTimestamp, fmt.Sprintf("%d", time.Now().Unix()))
	req.Header.Set(gateway.HeaderSignature, "deadbeef")

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	// rejected before any state changes
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
	mockDS.AssertNotCalled(t, "GetNotificationByProviderMessageID", mock.Anything, mock.Anything)
	mockDS.AssertNotCalled(t, "UpdateNotificationStatus", mock.Anything, mock.Anything, mock.Anything)
}

func TestReceiveDeliveryReportTamperedPayload(t *testing.T) {
	mockDS := new(mocks.MockDataSource)
	router := newWebhookRouter(t, mockDS)

	signed := signedReportRequest("/webhooks/sendgrid", []byte(`{"provider_message_id":"sg-msg-1","status":"delivered"}`))
	tampered := httptest.NewRequest(http.MethodPost, "/webhooks/sendgrid",
		bytes.NewReader([]byte(`{"provider_message_id":"sg-msg-1","status":"failed"}`)))
	tampered.Header.Set(gateway.HeaderTimestamp, signed.Header.Get(gateway.HeaderTimestamp))
	tampered.Header.Set(gateway.HeaderSignature, signed.Header.Get(gateway.HeaderSignature))

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, tampered)

	assert.Equal(t, http.StatusUnauthorized, resp.Code)
	mockDS.AssertNotCalled(t, "GetNotificationByProviderMessageID", mock.Anything, mock.Anything)
}

func TestReceiveDeliveryReportReconcilesDelivered(t *testing.T) {
	mockDS := new(mocks.MockDataSource)
	router := newWebhookRouter(t, mockDS)

	stored := &model.Notification{
		NotificationID: "ntf_hook1",
		TenantID:       "acme",
		UserID:         "usr_1",
		ServiceOrigin:  "billing",
		Channel:        "email",
		Priority:       model.PriorityNormal,
		Status:         model.StatusSent,
		Recipient:      "jo@example.com",
		Body:           "Your invoice is ready.",
		Attempts: []model.ProviderAttempt{
			{
				AttemptID:         "att_1",
				NotificationID:    "ntf_hook1",
				Provider:          "sendgrid",
				ProviderMessageID: "sg-msg-1",
				Number:            1,
				Outcome:           model.OutcomeSucceeded,
				CreatedAt:         time.Now(),
			},
		},
	}
	mockDS.On("GetNotificationByProviderMessageID", mock.Anything, "sg-msg-1").Return(stored, nil).Once()
	mockDS.On("UpdateAttemptOutcome", mock.Anything, "att_1", model.OutcomeSucceeded, "", "").Return(nil).Once()
	mockDS.On("UpdateNotificationStatus", mock.Anything, "ntf_hook1", model.StatusDelivered).Return(nil).Once()

	payload := []byte(`{"provider_message_id":"sg-msg-1","status":"delivered"}`)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, signedReportRequest("/webhooks/sendgrid", payload))

	assert.Equal(t, http.StatusOK, resp.Code)
	mockDS.AssertExpectations(t)
}
