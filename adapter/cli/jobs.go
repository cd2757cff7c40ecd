package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/felixgeelhaar/tunnelgate/internal/app"
	"github.com/spf13/cobra"
)

var runTimeout time.Duration

var runCmd = &cobra.Command{
	Use:   "run <job>",
	Short: "Run one periodic job now",
	Long: `Run one of the periodic jobs once and exit. Useful from an external
scheduler or for catching up after downtime.

Jobs:
  renewal            charge stored instruments of subscriptions near expiry
  expiry             deactivate subscriptions past their expiry
  resync             align panel accounts with the ledger
  pending_payments   settle payments whose webhook never arrived
  referral_rewards   retry referral bonuses that were not granted
  outbox             publish pending outbox messages once

Examples:
  tunnelgate run renewal
  tunnelgate run expiry --timeout 5m`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := Container(cmd.Context())
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), runTimeout)
		defer cancel()
		return runJob(ctx, c, args[0])
	},
}

func runJob(ctx context.Context, c *app.Container, name string) error {
	name = strings.ReplaceAll(strings.ToLower(name), "-", "_")
	if name == "outbox" {
		return c.OutboxProcessor.ProcessOnce(ctx)
	}
	for _, job := range c.Jobs() {
		if job.Name == name {
			return job.Run(ctx)
		}
	}
	return fmt.Errorf("unknown job %q", name)
}

func init() {
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 30*time.Minute, "upper bound for the run")
	rootCmd.AddCommand(runCmd)
}
