// Package subscription holds the operator commands for the subscription
// ledger.
package subscription

import (
	"errors"
	"fmt"
	"time"

	"github.com/felixgeelhaar/tunnelgate/adapter/cli"
	"github.com/felixgeelhaar/tunnelgate/internal/subscription/application/commands"
	"github.com/felixgeelhaar/tunnelgate/internal/subscription/application/queries"
	"github.com/felixgeelhaar/tunnelgate/internal/subscription/domain"
	"github.com/spf13/cobra"
)

// Cmd is the subscription command group.
var Cmd = &cobra.Command{
	Use:     "subscription",
	Aliases: []string{"sub"},
	Short:   "Inspect and adjust subscriptions",
}

var (
	historyLimit int
	grantDays    int
	grantNoRenew bool
)

var statusCmd = &cobra.Command{
	Use:   "status <user-id>",
	Short: "Show a user's subscription",
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
		status, err := c.GetStatusHandler.Handle(cmd.Context(), queries.GetStatusQuery{UserID: userID})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		cli.Printf(out, "User %d: %s\n", status.UserID, status.State)
		if status.ExpiresAt == nil {
			return nil
		}
		cli.Printf(out, "  expires:    %s (%d days left)\n", status.ExpiresAt.Local().Format(time.RFC1123), status.DaysLeft)
		cli.Printf(out, "  auto-renew: %t\n", status.AutoRenew)
		cli.Printf(out, "  instrument: %t\n", status.HasInstrument)
		if status.AccessURL != "" {
			cli.Printf(out, "  access:     %s\n", status.AccessURL)
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <user-id>",
	Short: "List a user's subscription changes, newest first",
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
		entries, err := c.ListHistoryHandler.Handle(cmd.Context(), queries.ListHistoryQuery{UserID: userID, Limit: historyLimit})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(entries) == 0 {
			cli.Printf(out, "No history for user %d.\n", userID)
			return nil
		}
		for _, e := range entries {
			line := fmt.Sprintf("%s  %-11s until %s", e.RecordedAt.Local().Format(time.DateTime), e.Change, e.ExpiresAt.Local().Format(time.DateTime))
			if e.PaymentID != "" {
				line += "  payment " + e.PaymentID
			}
			cli.Printf(out, "%s\n", line)
		}
		return nil
	},
}

var giftCmd = &cobra.Command{
	Use:   "gift <user-id>",
	Short: "Give the welcome gift to a user without a subscription",
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
		days := grantDays
		if days <= 0 {
			days = c.Config.GiftDays
		}
		res, err := c.GiftHandler.Handle(cmd.Context(), commands.GiftCommand{UserID: userID, Days: days})
		if errors.Is(err, commands.ErrGiftUnavailable) {
			cli.Printf(cmd.OutOrStdout(), "User %d already had a subscription; no gift.\n", userID)
			return nil
		}
		if err != nil {
			return err
		}
		printGrant(cmd, res)
		return nil
	},
}

var grantCmd = &cobra.Command{
	Use:   "grant <user-id>",
	Short: "Add days to a user's subscription",
	Long: `Add days to a user's subscription, creating or reactivating it when needed.

Examples:
  tunnelgate subscription grant 123456 --days 14
  tunnelgate subscription grant 123456 --days 30 --no-renew`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := cli.ParseUserID(args[0])
		if err != nil {
			return err
		}
		if grantDays <= 0 {
			return errors.New("--days must be positive")
		}
		c, err := cli.Container(cmd.Context())
		if err != nil {
			return err
		}
		res, err := c.GrantHandler.Handle(cmd.Context(), commands.GrantCommand{
			UserID:    userID,
			Days:      grantDays,
			AutoRenew: !grantNoRenew,
			Reason:    domain.ReasonManual,
		})
		if err != nil {
			return err
		}
		printGrant(cmd, res)
		return nil
	},
}

var deactivateCmd = &cobra.Command{
	Use:   "deactivate <user-id>",
	Short: "Switch a user's subscription off and disable the panel account",
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
		sub, err := c.SubscriptionRepo.FindByUserID(cmd.Context(), userID)
		if err != nil {
			return err
		}
		res, err := c.DeactivateHandler.Handle(cmd.Context(), commands.DeactivateCommand{
			SubscriptionID: sub.ID,
			Reason:         domain.ReasonManual,
		})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if !res.Changed {
			cli.Printf(out, "Subscription of user %d was already inactive.\n", userID)
			return nil
		}
		cli.Printf(out, "Deactivated subscription of user %d.\n", userID)
		if res.PanelErr != nil {
			cli.Printf(out, "Warning: panel account not disabled yet: %v\n", res.PanelErr)
		}
		return nil
	},
}

var autoRenewCmd = &cobra.Command{
	Use:       "auto-renew <user-id> <on|off>",
	Short:     "Turn automatic renewal on or off",
	Args:      cobra.ExactArgs(2),
	ValidArgs: []string{"on", "off"},
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := cli.ParseUserID(args[0])
		if err != nil {
			return err
		}
		var enabled bool
		switch args[1] {
		case "on":
			enabled = true
		case "off":
		default:
			return fmt.Errorf("expected on or off, got %q", args[1])
		}
		c, err := cli.Container(cmd.Context())
		if err != nil {
			return err
		}
		if err := c.SetAutoRenewHandler.Handle(cmd.Context(), commands.SetAutoRenewCommand{UserID: userID, Enabled: enabled}); err != nil {
			return err
		}
		cli.Printf(cmd.OutOrStdout(), "Auto-renew for user %d: %s\n", userID, args[1])
		return nil
	},
}

func printGrant(cmd *cobra.Command, res *commands.GrantResult) {
	out := cmd.OutOrStdout()
	sub := res.Subscription
	cli.Printf(out, "%s subscription of user %d until %s\n", res.Kind, sub.UserID, sub.ExpiresAt.Local().Format(time.RFC1123))
	if res.ProvisioningErr != nil {
		cli.Printf(out, "Warning: panel not updated yet, the resync job will catch up: %v\n", res.ProvisioningErr)
	}
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "number of entries")
	giftCmd.Flags().IntVar(&grantDays, "days", 0, "gift length (defaults to GIFT_DAYS)")
	grantCmd.Flags().IntVar(&grantDays, "days", 0, "days to add")
	grantCmd.Flags().BoolVar(&grantNoRenew, "no-renew", false, "disable auto-renew on a new record")

	Cmd.AddCommand(statusCmd)
	Cmd.AddCommand(historyCmd)
	Cmd.AddCommand(giftCmd)
	Cmd.AddCommand(grantCmd)
	Cmd.AddCommand(deactivateCmd)
	Cmd.AddCommand(autoRenewCmd)
}
