package billing

import "github.com/spf13/cobra"

// Cmd is the billing command group.
var Cmd = &cobra.Command{
	Use:   "billing",
	Short: "Start and settle payments",
	Long:  `Start checkouts, settle pending payments and replay gateway notifications.`,
}

func init() {
	Cmd.AddCommand(checkoutCmd)
	Cmd.AddCommand(checkCmd)
	Cmd.AddCommand(paymentsCmd)
	Cmd.AddCommand(webhookCmd)
}
