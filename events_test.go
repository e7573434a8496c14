package herald

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heraldhq/herald/config"
	"github.com/heraldhq/herald/database/mocks"
	"github.com/heraldhq/herald/internal/gateway"
	"github.com/heraldhq/herald/model"
)

func testEnvelope() *EventEnvelope {
	return &EventEnvelope{
		ID:          model.GenerateUUIDWithSuffix("evt"),
		Type:        EventNotificationSent,
		Source:      "herald",
		Subject:     "ntf_1",
		Time:        time.Now().UTC(),
		ContentType: "application/json",
		Data:        map[string]interface{}{"notification_id": "ntf_1"},
	}
}

func TestProcessEventSignsRequest(t *testing.T) {
	mockDS := new(mocks.MockDataSource)
	h, _ := newTestHerald(t, mockDS)

	config.MockConfig(&config.Configuration{
		EventSink: config.EventSink{
			Url:     "https://sink.test/events",
			Secret:  "evtsec",
			Headers: map[string]string{"X-Tenant": "acme"},
		},
	})

	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodPost, "https://sink.test/events",
		func(req *http.Request) (*http.Response, error) {
			payload, err := io.ReadAll(req.Body)
			if err != nil {
				return nil, err
			}
			// consumers must be able to verify with the shared scheme
			verifyErr := gateway.VerifySignature("evtsec", payload,
				req.Header.Get(gateway.HeaderTimestamp),
				req.Header.Get(gateway.HeaderSignature),
				time.Minute)
			assert.NoError(t, verifyErr)
			assert.Equal(t, "acme", req.Header.Get("X-Tenant"))
			assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
			return httpmock.NewStringResponse(http.StatusOK, `{"status":"ok"}`), nil
		})

	err := h.ProcessEvent(context.Background(), testEnvelope())
	require.NoError(t, err)
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestProcessEventClientErrorIsNotRetried(t *testing.T) {
	mockDS := new(mocks.MockDataSource)
	h, _ := newTestHerald(t, mockDS)

	config.MockConfig(&config.Configuration{
		EventSink: config.EventSink{Url: "https://sink.test/events"},
	})

	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodPost, "https://sink.test/events",
		httpmock.NewStringResponder(http.StatusBadRequest, `{"error":"bad event"}`))

	err := h.ProcessEvent(context.Background(), testEnvelope())
	assert.Error(t, err)
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestProcessEventDropsWithoutSink(t *testing.T) {
	mockDS := new(mocks.MockDataSource)
	h, _ := newTestHerald(t, mockDS)

	config.MockConfig(&config.Configuration{})

	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	err := h.ProcessEvent(context.Background(), testEnvelope())
	assert.NoError(t, err)
	assert.Equal(t, 0, httpmock.GetTotalCallCount())
}
