package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/felixgeelhaar/tunnelgate/internal/app/apptest"
	billingDomain "github.com/felixgeelhaar/tunnelgate/internal/billing/domain"
	provisioning "github.com/felixgeelhaar/tunnelgate/internal/provisioning/domain"
	sharedDomain "github.com/felixgeelhaar/tunnelgate/internal/shared/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "s3cret"

type testServer struct {
	*httptest.Server
	*apptest.Env
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	env := apptest.New(t)
	ts := &testServer{Server: httptest.NewServer(NewRouter(env.Container, testToken)), Env: env}
	t.Cleanup(ts.Server.Close)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	require.NoError(t, err)
	if strings.HasPrefix(path, "/api/") {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	if data, _ := io.ReadAll(resp.Body); len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, &out), string(data))
	}
	return resp, out
}

func succeededNotification(paymentID string) string {
	return fmt.Sprintf(`{
		"type": "notification",
		"event": "payment.succeeded",
		"object": {
			"id": %q,
			"status": "succeeded",
			"paid": true,
			"amount": {"value": "299.00", "currency": "RUB"},
			"payment_method": {"id": "pm-%s", "type": "bank_card", "saved": true}
		}
	}`, paymentID, paymentID)
}

func TestProbes(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	resp, body = ts.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])

	metrics, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer metrics.Body.Close()
	assert.Equal(t, http.StatusOK, metrics.StatusCode)
}

func TestAPI_RequiresBearerToken(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/users/42/subscription")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAPI_StartGiftsOnce(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodPost, "/api/v1/users/42/start", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["gifted"])
	sub, ok := body["subscription"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "active", sub["state"])

	_, ok = ts.Panel.Account(provisioning.AccountName(42))
	assert.True(t, ok)

	resp, body = ts.do(t, http.MethodPost, "/api/v1/users/42/start", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["gifted"])
}

func TestAPI_StartWithSelfReferralStillGifts(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodPost, "/api/v1/users/42/start", `{"referrer_id": 42}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["referred"])
	assert.Equal(t, true, body["gifted"])
}

func TestAPI_StartRewardsReferrerOnlyForNewUsers(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodPost, "/api/v1/users/51/start", `{"referrer_id": 7}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["referred"])
	assert.Equal(t, true, body["gifted"])

	resp, _ = ts.do(t, http.MethodPost, "/api/v1/users/50/start", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, body = ts.do(t, http.MethodPost, "/api/v1/users/50/start", `{"referrer_id": 8}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["referred"])

	resp, _ = ts.do(t, http.MethodPost, "/api/v1/users/52/checkout", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, body = ts.do(t, http.MethodPost, "/api/v1/users/52/start", `{"referrer_id": 8}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["referred"])

	_, body = ts.do(t, http.MethodGet, "/api/v1/users/8/referrals", "")
	assert.Equal(t, float64(0), body["invited"])
	_, body = ts.do(t, http.MethodGet, "/api/v1/users/8/subscription", "")
	assert.Equal(t, "absent", body["state"])

	_, body = ts.do(t, http.MethodGet, "/api/v1/users/7/referrals", "")
	assert.Equal(t, float64(1), body["rewarded"])
}

func TestAPI_StatusUnknownUser(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodGet, "/api/v1/users/7/subscription", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "absent", body["state"])

	resp, _ = ts.do(t, http.MethodGet, "/api/v1/users/abc/subscription", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_CheckoutThroughWebhook(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodPost, "/api/v1/users/42/checkout", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	paymentID, _ := body["payment_id"].(string)
	require.NotEmpty(t, paymentID)
	assert.NotEmpty(t, body["redirect_url"])

	resp, body = ts.do(t, http.MethodPost, "/webhooks/payments", succeededNotification(paymentID))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "applied", body["outcome"])

	resp, body = ts.do(t, http.MethodPost, "/webhooks/payments", succeededNotification(paymentID))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "noop", body["outcome"])

	resp, body = ts.do(t, http.MethodGet, "/api/v1/users/42/subscription", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "active", body["state"])
	assert.Equal(t, true, body["has_instrument"])

	resp, body = ts.do(t, http.MethodGet, "/api/v1/users/42/payments", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	payments, ok := body["payments"].([]any)
	require.True(t, ok)
	require.Len(t, payments, 1)
	first := payments[0].(map[string]any)
	assert.Equal(t, "299.00", first["amount"])
	assert.Equal(t, "succeeded", first["status"])

	ts.Gateway.SetStatus(paymentID, billingDomain.ChargeSucceeded, true)
	resp, body = ts.do(t, http.MethodPost, "/api/v1/users/42/checkout/check", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "succeeded", body["state"])
	reconciled, ok := body["reconciled"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "already_processed", reconciled["outcome"])

	resp, _ = ts.do(t, http.MethodPost, "/api/v1/users/42/checkout/check", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_SetAutoRenew(t *testing.T) {
	ts := newTestServer(t)

	ts.do(t, http.MethodPost, "/api/v1/users/42/start", "")

	resp, body := ts.do(t, http.MethodPut, "/api/v1/users/42/subscription/auto-renew", `{"enabled": false}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["auto_renew"])

	resp, _ = ts.do(t, http.MethodPut, "/api/v1/users/42/subscription/auto-renew", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodPut, "/api/v1/users/43/subscription/auto-renew", `{"enabled": true}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebhook_RejectsMalformedBody(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.do(t, http.MethodPost, "/webhooks/payments", "not json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodPost, "/webhooks/payments", `{"type":"notification","object":{"id":"x"}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodPost, "/webhooks/payments", `{"event":"payment.succeeded","object":{}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebhook_AcknowledgesIgnoredAndUnknown(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodPost, "/webhooks/payments", `{"event":"refund.succeeded","object":{"id":"r-1"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ignored", body["outcome"])

	resp, body = ts.do(t, http.MethodPost, "/webhooks/payments", succeededNotification("never-created"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "unknown_payment", body["outcome"])
}

func TestWebhook_PanelFailureAsksForRedelivery(t *testing.T) {
	ts := newTestServer(t)

	_, body := ts.do(t, http.MethodPost, "/api/v1/users/42/checkout", "")
	paymentID, _ := body["payment_id"].(string)
	require.NotEmpty(t, paymentID)

	ts.Panel.FailCreate = sharedDomain.TransportError("create account", io.ErrUnexpectedEOF)
	resp, _ := ts.do(t, http.MethodPost, "/webhooks/payments", succeededNotification(paymentID))
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	ts.Panel.FailCreate = nil
	resp, body = ts.do(t, http.MethodPost, "/webhooks/payments", succeededNotification(paymentID))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "applied", body["outcome"])
}
