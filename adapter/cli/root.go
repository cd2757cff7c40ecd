package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/felixgeelhaar/tunnelgate/internal/app"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	verbose bool
	logger  *slog.Logger
)

// Bootstrap builds the container for commands that need the ledger. It runs
// after flags are parsed so --config is honoured.
type Bootstrap func(ctx context.Context, configFile string, verbose bool) (*app.Container, error)

var bootstrap Bootstrap

type commandContext struct {
	correlationID uuid.UUID
	startedAt     time.Time
}

type commandContextKey struct{}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tunnelgate",
	Short: "Tunnelgate - VPN subscription lifecycle engine",
	Long: `Tunnelgate keeps paid VPN access in step with payments.

It reconciles gateway payments into a subscription ledger, provisions
accounts on the VPN panel, renews subscriptions from stored payment
instruments and rewards referrals.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if logger == nil {
			logger = slog.Default()
		}
		ctx := cmd.Context()
		info := commandContext{
			correlationID: uuid.New(),
			startedAt:     time.Now(),
		}
		cmd.SetContext(context.WithValue(ctx, commandContextKey{}, info))
		logger.Debug("command start",
			"command", cmd.CommandPath(),
			"correlation_id", info.correlationID.String(),
		)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger == nil {
			logger = slog.Default()
		}
		info, ok := cmd.Context().Value(commandContextKey{}).(commandContext)
		if !ok {
			return
		}
		logger.Debug("command end",
			"command", cmd.CommandPath(),
			"correlation_id", info.correlationID.String(),
			"duration_ms", time.Since(info.startedAt).Milliseconds(),
		)
	},
}

// Execute runs the root command and closes the container, if one was
// built, before exiting.
func Execute(ctx context.Context) {
	err := rootCmd.ExecuteContext(ctx)
	if a := GetApp(); a != nil && a.Container != nil {
		a.Container.Close()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "env file to load before the environment")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

// AddCommand adds a command to the root command.
func AddCommand(cmd *cobra.Command) {
	rootCmd.AddCommand(cmd)
}

// Root returns the root command.
func Root() *cobra.Command {
	return rootCmd
}

// SetBootstrap sets how the container is built on first use.
func SetBootstrap(b Bootstrap) {
	bootstrap = b
}

// SetLogger sets the CLI logger.
func SetLogger(l *slog.Logger) {
	logger = l
}

// Logger returns the CLI logger.
func Logger() *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}

// Container returns the wired container, building it through the bootstrap
// on first use.
func Container(ctx context.Context) (*app.Container, error) {
	if a := GetApp(); a != nil && a.Container != nil {
		return a.Container, nil
	}
	if bootstrap == nil {
		return nil, ErrNoContainer
	}
	c, err := bootstrap(ctx, cfgFile, verbose)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoContainer, err)
	}
	SetApp(NewApp(c))
	logger = c.Logger
	return c, nil
}
