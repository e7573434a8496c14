package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heraldhq/herald/config"
	"github.com/heraldhq/herald/model"
)

func testGateway() *HTTPGateway {
	return NewHTTPGateway(model.ChannelSMS, config.ProviderConfig{
		Name:          "twilio",
		URL:           "https://sms.example.com/dispatch",
		Headers:       map[string]string{"Authorization": "Bearer tok"},
		SigningSecret: "topsecret",
		TimeoutSec:    5,
	})
}

func testNotification() *model.Notification {
	return &model.Notification{
		NotificationID: "ntf_123",
		TenantID:       "acme",
		Channel:        model.ChannelSMS,
		Recipient:      "+15551234567",
		Body:           "Your code is 424242",
	}
}

func TestSendAccepted(t *testing.T) {
	g := testGateway()
	httpmock.ActivateNonDefault(g.client)
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("POST", "https://sms.example.com/dispatch",
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "Bearer tok", req.Header.Get("Authorization"))
			assert.NotEmpty(t, req.Header.Get(HeaderSignature))
			assert.NotEmpty(t, req.Header.Get(HeaderTimestamp))

			var body map[string]interface{}
			require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
			assert.Equal(t, "ntf_123", body["notification_id"])
			assert.Equal(t, "+15551234567", body["recipient"])

			return httpmock.NewJsonResponse(202, map[string]string{"message_id": "pm_900"})
		})

	res, err := g.Send(context.Background(), testNotification())
	require.NoError(t, err)
	assert.Equal(t, "pm_900", res.ProviderMessageID)
	assert.Equal(t, 202, res.StatusCode)
}

func TestSendSignatureVerifiable(t *testing.T) {
	g := testGateway()
	httpmock.ActivateNonDefault(g.client)
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("POST", "https://sms.example.com/dispatch",
		func(req *http.Request) (*http.Response, error) {
			payload, err := io.ReadAll(req.Body)
			if err != nil {
				return nil, err
			}
			verr := VerifySignature("topsecret", payload,
				req.Header.Get(HeaderTimestamp), req.Header.Get(HeaderSignature), time.Minute)
			assert.NoError(t, verr)
			return httpmock.NewJsonResponse(200, map[string]string{"message_id": "pm_1"})
		})

	_, err := g.Send(context.Background(), testNotification())
	require.NoError(t, err)
}

func TestSendServerErrorIsRetryable(t *testing.T) {
	g := testGateway()
	httpmock.ActivateNonDefault(g.client)
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("POST", "https://sms.example.com/dispatch",
		httpmock.NewStringResponder(503, "upstream down"))

	_, err := g.Send(context.Background(), testNotification())
	require.Error(t, err)
	assert.True(t, IsRetryable(err))

	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "HTTP_503", pe.Code)
	assert.Equal(t, 503, pe.StatusCode)
}

func TestSendClientErrorNotRetryable(t *testing.T) {
	g := testGateway()
	httpmock.ActivateNonDefault(g.client)
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("POST", "https://sms.example.com/dispatch",
		httpmock.NewStringResponder(400, "invalid recipient"))

	_, err := g.Send(context.Background(), testNotification())
	require.Error(t, err)
	assert.False(t, IsRetryable(err))
}

func TestSendRateLimitedIsRetryable(t *testing.T) {
	g := testGateway()
	httpmock.ActivateNonDefault(g.client)
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("POST", "https://sms.example.com/dispatch",
		httpmock.NewStringResponder(429, "slow down"))

	_, err := g.Send(context.Background(), testNotification())
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestSendTimeout(t *testing.T) {
	g := testGateway()
	httpmock.ActivateNonDefault(g.client)
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("POST", "https://sms.example.com/dispatch",
		func(req *http.Request) (*http.Response, error) {
			<-req.Context().Done()
			return nil, req.Context().Err()
		})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := g.Send(ctx, testNotification())
	require.Error(t, err)

	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "TIMEOUT", pe.Code)
	assert.True(t, pe.Retryable)
}

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"status":"delivered"}`)
	ts := time.Now().Unix()
	sig := ComputeSignature("whsec", ts, payload)

	assert.NoError(t, VerifySignature("whsec", payload, itoa(ts), sig, time.Minute))
	assert.Error(t, VerifySignature("wrong", payload, itoa(ts), sig, time.Minute))
	assert.Error(t, VerifySignature("whsec", []byte("tampered"), itoa(ts), sig, time.Minute))
	assert.Error(t, VerifySignature("whsec", payload, itoa(ts-3600), ComputeSignature("whsec", ts-3600, payload), time.Minute))
	assert.Error(t, VerifySignature("whsec", payload, "", "", time.Minute))
}

func TestRouterFailoverOrder(t *testing.T) {
	r := NewRouter(map[string][]config.ProviderConfig{
		model.ChannelSMS: {
			{Name: "twilio", URL: "https://a", WebhookSecret: "wh_a"},
			{Name: "vonage", URL: "https://b", WebhookSecret: "wh_b"},
		},
	})

	candidates := r.Candidates(model.ChannelSMS)
	require.Len(t, candidates, 2)
	assert.Equal(t, "twilio", candidates[0].Name())
	assert.Equal(t, "vonage", candidates[1].Name())

	secret, ok := r.WebhookSecret("vonage")
	assert.True(t, ok)
	assert.Equal(t, "wh_b", secret)

	assert.Empty(t, r.Candidates(model.ChannelPush))
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
