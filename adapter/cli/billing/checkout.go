package billing

import (
	"errors"
	"time"

	"github.com/felixgeelhaar/tunnelgate/adapter/cli"
	billingApp "github.com/felixgeelhaar/tunnelgate/internal/billing/application"
	"github.com/felixgeelhaar/tunnelgate/internal/billing/domain"
	"github.com/spf13/cobra"
)

var paymentsLimit int

var checkoutCmd = &cobra.Command{
	Use:   "checkout <user-id>",
	Short: "Start a purchase or an early renewal for a user",
	Long: `Start a payment for the plan. A user with a stored instrument is charged
off-session; everyone else gets a confirmation link.

Examples:
  tunnelgate billing checkout 123456`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := cli.ParseUserID(args[0])
		if err != nil {
			return err
		}
		c, err := cli.Container(cmd.Context())
		if err != nil {
			return err
		}
		res, err := c.Checkout.Start(cmd.Context(), userID)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		cli.Printf(out, "Payment %s (%s): %s\n", res.GatewayPaymentID, res.Scenario, res.Status)
		if res.RedirectURL != "" {
			cli.Printf(out, "Confirm at: %s\n", res.RedirectURL)
		}
		printReconciled(cmd, res.Reconciled)
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check <user-id>",
	Short: "Ask the gateway about the user's pending payment and apply it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := cli.ParseUserID(args[0])
		if err != nil {
			return err
		}
		c, err := cli.Container(cmd.Context())
		if err != nil {
			return err
		}
		res, err := c.Checkout.Check(cmd.Context(), userID)
		if errors.Is(err, domain.ErrNoPendingPayment) {
			cli.Printf(cmd.OutOrStdout(), "User %d has no pending payment.\n", userID)
			return nil
		}
		if err != nil {
			return err
		}
		cli.Printf(cmd.OutOrStdout(), "Payment %s: %s\n", res.GatewayPaymentID, res.State)
		printReconciled(cmd, res.Reconciled)
		return nil
	},
}

var paymentsCmd = &cobra.Command{
	Use:   "payments <user-id>",
	Short: "List a user's payments, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := cli.ParseUserID(args[0])
		if err != nil {
			return err
		}
		c, err := cli.Container(cmd.Context())
		if err != nil {
			return err
		}
		payments, err := c.Checkout.History(cmd.Context(), userID, paymentsLimit)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(payments) == 0 {
			cli.Printf(out, "No payments for user %d.\n", userID)
			return nil
		}
		for _, p := range payments {
			cli.Printf(out, "%s  %-9s %-9s %s %s  %s\n",
				p.CreatedAt.Local().Format(time.DateTime),
				p.Kind,
				p.Status,
				p.Money.Decimal(),
				p.Money.Currency,
				p.GatewayPaymentID,
			)
		}
		return nil
	},
}

func printReconciled(cmd *cobra.Command, res *billingApp.ReconcileResult) {
	if res == nil {
		return
	}
	out := cmd.OutOrStdout()
	cli.Printf(out, "Reconciled: %s\n", res.Outcome)
	if res.Subscription != nil {
		cli.Printf(out, "Subscription active until %s\n", res.Subscription.ExpiresAt.Local().Format(time.RFC1123))
	}
	if res.ProvisioningErr != nil {
		cli.Printf(out, "Warning: panel not updated yet: %v\n", res.ProvisioningErr)
	}
}

func init() {
	paymentsCmd.Flags().IntVar(&paymentsLimit, "limit", 20, "number of payments")
}
