package cli

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/felixgeelhaar/tunnelgate/adapter/api"
	"github.com/felixgeelhaar/tunnelgate/internal/app"
	"github.com/spf13/cobra"
)

var (
	serveAddr      string
	serveScheduler bool
	serveJobLimit  time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the webhook and bot API and run the periodic jobs",
	Long: `Serve the payment webhook, the bot-facing API, health probes and metrics.

The renewal, expiry, resync, pending payment and referral jobs run on their
cron schedules unless --scheduler=false. Without RABBITMQ_URL the outbox is
also dispatched in this process.

Examples:
  tunnelgate serve
  tunnelgate serve --addr :9000 --scheduler=false`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := Container(cmd.Context())
		if err != nil {
			return err
		}
		return serve(cmd.Context(), c)
	},
}

func serve(ctx context.Context, c *app.Container) error {
	log := c.Logger
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cfg := api.DefaultServerConfig()
	cfg.Addr = c.Config.HTTPAddr
	if serveAddr != "" {
		cfg.Addr = serveAddr
	}
	cfg.APIToken = c.Config.APIToken
	server := api.NewServer(cfg, c)

	switch {
	case !c.DispatchesInProcess():
		log.Info("outbox is dispatched by the worker")
	case c.Config.OutboxProcessorEnabled:
		if err := c.OutboxProcessor.Start(ctx); err != nil {
			return err
		}
		go c.RunOutboxMaintenance(ctx)
	default:
		log.Warn("outbox processor disabled; referral rewards wait for the sweep")
	}

	var scheduler *app.Scheduler
	if serveScheduler {
		scheduler = app.NewScheduler(c.Jobs(), serveJobLimit, log)
		if err := scheduler.Start(ctx); err != nil {
			return err
		}
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("api shutdown error", "error", err)
	}
	if scheduler != nil {
		scheduler.Stop(shutdownCtx)
	}
	c.OutboxProcessor.Stop()
	return serveErr
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (defaults to HTTP_ADDR)")
	serveCmd.Flags().BoolVar(&serveScheduler, "scheduler", true, "run the periodic jobs in this process")
	serveCmd.Flags().DurationVar(&serveJobLimit, "job-timeout", 30*time.Minute, "upper bound for one job run")
	rootCmd.AddCommand(serveCmd)
}
