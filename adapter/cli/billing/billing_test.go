package billing

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/felixgeelhaar/tunnelgate/adapter/cli"
	"github.com/felixgeelhaar/tunnelgate/internal/app/apptest"
	billingDomain "github.com/felixgeelhaar/tunnelgate/internal/billing/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetFlags() {
	webhookEventPath = ""
	paymentsLimit = 20
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags()
	var out bytes.Buffer
	Cmd.SetOut(&out)
	Cmd.SetErr(&out)
	Cmd.SetArgs(args)
	err := Cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func useEnv(t *testing.T) *apptest.Env {
	t.Helper()
	env := apptest.New(t)
	cli.SetApp(cli.NewApp(env.Container))
	t.Cleanup(func() { cli.SetApp(nil) })
	return env
}

func TestCheckoutCmd_NoContainer(t *testing.T) {
	cli.SetApp(nil)

	_, err := run(t, "checkout", "42")
	assert.ErrorIs(t, err, cli.ErrNoContainer)
}

func TestCheckoutCmd_InvalidUser(t *testing.T) {
	useEnv(t)

	_, err := run(t, "checkout", "alice")
	assert.ErrorContains(t, err, "invalid user id")
}

func TestCheckoutAndCheck(t *testing.T) {
	env := useEnv(t)

	out, err := run(t, "checkout", "42")
	require.NoError(t, err)
	assert.Contains(t, out, "Confirm at: https://pay.test/")

	out, err = run(t, "check", "42")
	require.NoError(t, err)
	assert.Contains(t, out, "pending")

	payments, err := env.Checkout.History(context.Background(), 42, 1)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	env.Gateway.SetStatus(payments[0].GatewayPaymentID, billingDomain.ChargeSucceeded, true)

	out, err = run(t, "check", "42")
	require.NoError(t, err)
	assert.Contains(t, out, "succeeded")
	assert.Contains(t, out, "Subscription active until")

	out, err = run(t, "check", "42")
	require.NoError(t, err)
	assert.Contains(t, out, "no pending payment")

	out, err = run(t, "payments", "42")
	require.NoError(t, err)
	assert.Contains(t, out, "299.00 RUB")
}

func TestPaymentsCmd_Empty(t *testing.T) {
	useEnv(t)

	out, err := run(t, "payments", "7")
	require.NoError(t, err)
	assert.Contains(t, out, "No payments for user 7")
}

func TestWebhookCmd_RequiresEvent(t *testing.T) {
	useEnv(t)

	_, err := run(t, "webhook")
	assert.ErrorContains(t, err, "event path is required")
}

func TestWebhookCmd_RejectsMalformedPayload(t *testing.T) {
	useEnv(t)
	path := filepath.Join(t.TempDir(), "event.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o600))

	_, err := run(t, "webhook", "--event", path)
	assert.Error(t, err)
}

func TestWebhookCmd_ReplaysNotification(t *testing.T) {
	env := useEnv(t)

	res, err := env.Checkout.Start(context.Background(), 42)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "event.json")
	body := fmt.Sprintf(`{"type":"notification","event":"payment.succeeded","object":{"id":%q,"status":"succeeded","paid":true}}`, res.GatewayPaymentID)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	out, err := run(t, "webhook", "--event", path)
	require.NoError(t, err)
	assert.Contains(t, out, "applied")

	out, err = run(t, "webhook", "--event", path)
	require.NoError(t, err)
	assert.Contains(t, out, "noop")
}
