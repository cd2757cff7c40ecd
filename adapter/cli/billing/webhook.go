package billing

import (
	"errors"

	"github.com/felixgeelhaar/tunnelgate/adapter/cli"
	"github.com/felixgeelhaar/tunnelgate/internal/billing/infrastructure/gateway"
	"github.com/felixgeelhaar/tunnelgate/internal/shared/infrastructure/security"
	"github.com/spf13/cobra"
)

const maxEventSize = 64 << 10

var webhookEventPath string

var webhookCmd = &cobra.Command{
	Use:   "webhook",
	Short: "Replay a gateway notification from a file",
	Long: `Feed a saved gateway notification through the webhook handler, for
example one captured while the endpoint was down. Replays are safe: a payment
that was already applied is left alone.

Examples:
  tunnelgate billing webhook --event ./payment-succeeded.json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if webhookEventPath == "" {
			return errors.New("event path is required")
		}

		payload, err := security.ReadPayload(webhookEventPath, maxEventSize)
		if err != nil {
			return err
		}
		n, err := gateway.ParseNotification(payload)
		if err != nil {
			return err
		}

		c, err := cli.Container(cmd.Context())
		if err != nil {
			return err
		}
		outcome, err := c.WebhookHandler.Handle(cmd.Context(), n)
		if err != nil {
			return err
		}
		cli.Printf(cmd.OutOrStdout(), "Notification %s for payment %s: %s\n", n.Event, n.Charge.ID, outcome)
		return nil
	},
}

func init() {
	webhookCmd.Flags().StringVar(&webhookEventPath, "event", "", "path to notification JSON")
}
