package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/felixgeelhaar/tunnelgate/adapter/cli"
	cliBilling "github.com/felixgeelhaar/tunnelgate/adapter/cli/billing"
	cliReferral "github.com/felixgeelhaar/tunnelgate/adapter/cli/referral"
	cliSubscription "github.com/felixgeelhaar/tunnelgate/adapter/cli/subscription"
	"github.com/felixgeelhaar/tunnelgate/internal/app"
	"github.com/felixgeelhaar/tunnelgate/pkg/config"
	"github.com/felixgeelhaar/tunnelgate/pkg/observability"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cli.SetLogger(observability.NewLogger(observability.LogConfigFor(os.Getenv("APP_ENV"), os.Getenv("LOG_LEVEL"))))
	cli.SetBootstrap(func(ctx context.Context, configFile string, verbose bool) (*app.Container, error) {
		cfg, err := config.LoadFile(configFile)
		if err != nil {
			return nil, err
		}
		level := cfg.LogLevel
		if verbose {
			level = "debug"
		}
		logger := observability.NewLogger(observability.LogConfigFor(cfg.AppEnv, level))
		return app.NewContainer(ctx, cfg, logger)
	})

	cli.AddCommand(cliSubscription.Cmd)
	cli.AddCommand(cliBilling.Cmd)
	cli.AddCommand(cliReferral.Cmd)

	cli.Execute(ctx)
}
