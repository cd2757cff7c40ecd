// Package referral holds the operator commands for referrals.
package referral

import (
	"github.com/felixgeelhaar/tunnelgate/adapter/cli"
	referralApp "github.com/felixgeelhaar/tunnelgate/internal/referral/application"
	"github.com/spf13/cobra"
)

// Cmd is the referral command group.
var Cmd = &cobra.Command{
	Use:   "referral",
	Short: "Register referrals and grant their bonuses",
}

var registerCmd = &cobra.Command{
	Use:   "register <referrer-id> <referred-id>",
	Short: "Record who invited a user and reward the inviter",
	Long: `Record that referrer-id invited referred-id. A user is referred at most
once; the inviter's bonus is granted right away and retried by the
referral_rewards job if that fails.

Examples:
  tunnelgate referral register 1001 2002`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		referrerID, err := cli.ParseUserID(args[0])
		if err != nil {
			return err
		}
		referredID, err := cli.ParseUserID(args[1])
		if err != nil {
			return err
		}
		c, err := cli.Container(cmd.Context())
		if err != nil {
			return err
		}

		inserted, err := c.ReferralEngine.Register(cmd.Context(), referralApp.RegisterCommand{ReferrerID: referrerID, ReferredID: referredID})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if !inserted {
			cli.Printf(out, "User %d was already referred.\n", referredID)
		}
		res, err := c.ReferralEngine.Reward(cmd.Context(), referredID)
		if err != nil {
			cli.Printf(out, "Reward deferred to the sweep: %v\n", err)
			return nil
		}
		cli.Printf(out, "Reward for user %d: %s\n", referrerID, res.Outcome)
		return nil
	},
}

var rewardCmd = &cobra.Command{
	Use:   "reward <referred-id>",
	Short: "Grant the inviter's bonus for a referred user if still pending",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		referredID, err := cli.ParseUserID(args[0])
		if err != nil {
			return err
		}
		c, err := cli.Container(cmd.Context())
		if err != nil {
			return err
		}
		res, err := c.ReferralEngine.Reward(cmd.Context(), referredID)
		if err != nil {
			return err
		}
		cli.Printf(cmd.OutOrStdout(), "Reward for referral of user %d: %s\n", referredID, res.Outcome)
		if res.ProvisioningErr != nil {
			cli.Printf(cmd.OutOrStdout(), "Warning: panel not updated yet: %v\n", res.ProvisioningErr)
		}
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats <referrer-id>",
	Short: "Show how many users a referrer invited",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		referrerID, err := cli.ParseUserID(args[0])
		if err != nil {
			return err
		}
		c, err := cli.Container(cmd.Context())
		if err != nil {
			return err
		}
		total, rewarded, err := c.ReferralEngine.Stats(cmd.Context(), referrerID)
		if err != nil {
			return err
		}
		cli.Printf(cmd.OutOrStdout(), "User %d invited %d users, %d rewarded (%d bonus days)\n",
			referrerID, total, rewarded, rewarded*c.Config.ReferralBonusDays)
		return nil
	},
}

func init() {
	Cmd.AddCommand(registerCmd)
	Cmd.AddCommand(rewardCmd)
	Cmd.AddCommand(statsCmd)
}
