package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	subscriptionCommands "github.com/felixgeelhaar/tunnelgate/internal/subscription/application/commands"
	"github.com/robfig/cron/v3"
)

const (
	expiryBatch   = 200
	pendingBatch  = 100
	referralBatch = 100
	// referralMinAge leaves the registered event time to reach the consumer
	// before the sweep retries it.
	referralMinAge = 10 * time.Minute
)

// Job is one periodic pass over the ledger.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

// Jobs returns the periodic jobs of the lifecycle engine.
func (c *Container) Jobs() []Job {
	cfg := c.Config
	return []Job{
		{Name: "renewal", Schedule: cfg.RenewalSchedule, Run: c.RunRenewal},
		{Name: "expiry", Schedule: cfg.ExpirySchedule, Run: c.RunExpiry},
		{Name: "resync", Schedule: cfg.ResyncSchedule, Run: c.RunResync},
		{Name: "pending_payments", Schedule: cfg.PendingSchedule, Run: c.RunPendingSweep},
		{Name: "referral_rewards", Schedule: cfg.ReferralSchedule, Run: c.RunReferralSweep},
	}
}

// RunRenewal charges stored instruments of subscriptions close to expiry.
func (c *Container) RunRenewal(ctx context.Context) error {
	res, err := c.RenewalScheduler.Tick(ctx)
	if err != nil {
		return err
	}
	c.Logger.Info("renewal tick completed",
		"due", res.Due,
		"renewed", res.Renewed,
		"pending", res.Pending,
		"deactivated", res.Deactivated,
		"failed", res.Failed,
	)
	return nil
}

// RunExpiry deactivates subscriptions past their expiry.
func (c *Container) RunExpiry(ctx context.Context) error {
	res, err := c.ExpireDueHandler.Handle(ctx, subscriptionCommands.ExpireDueCommand{Limit: expiryBatch})
	if err != nil {
		return err
	}
	c.Logger.Info("expiry sweep completed",
		"checked", res.Checked,
		"deactivated", res.Deactivated,
		"failed", res.Failed,
	)
	return nil
}

// RunResync aligns panel accounts with the ledger.
func (c *Container) RunResync(ctx context.Context) error {
	res, err := c.ResyncHandler.Handle(ctx, subscriptionCommands.ResyncCommand{
		Concurrency: c.Config.RenewalConcurrency,
	})
	if err != nil {
		return err
	}
	c.Logger.Info("resync completed",
		"checked", res.Checked,
		"repaired", res.Repaired,
		"failed", res.Failed,
	)
	return nil
}

// RunPendingSweep settles payments whose webhook never arrived.
func (c *Container) RunPendingSweep(ctx context.Context) error {
	res, err := c.PendingSweeper.Sweep(ctx, pendingBatch)
	if err != nil {
		return err
	}
	c.Logger.Info("pending payment sweep completed",
		"checked", res.Checked,
		"applied", res.Applied,
		"canceled", res.Canceled,
		"pending", res.Pending,
		"failed", res.Failed,
	)
	return nil
}

// RunReferralSweep retries referral rewards that were never granted.
func (c *Container) RunReferralSweep(ctx context.Context) error {
	res, err := c.ReferralEngine.RewardPending(ctx, referralMinAge, referralBatch)
	if err != nil {
		return err
	}
	c.Logger.Info("referral sweep completed",
		"checked", res.Checked,
		"granted", res.Granted,
		"failed", res.Failed,
	)
	return nil
}

// Scheduler runs the jobs on their cron schedules. A job still running when
// its next slot comes up is skipped, so ticks never overlap.
type Scheduler struct {
	cron    *cron.Cron
	jobs    []Job
	timeout time.Duration
	logger  *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler creates a scheduler. Each run gets at most timeout.
func NewScheduler(jobs []Job, timeout time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(
		cron.Recover(cronLogger),
		cron.SkipIfStillRunning(cronLogger),
	))
	return &Scheduler{
		cron:    c,
		jobs:    jobs,
		timeout: timeout,
		logger:  logger,
	}
}

// Start registers the jobs and starts the cron scheduler. An invalid
// schedule fails the start.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	for _, job := range s.jobs {
		if job.Schedule == "" || job.Schedule == "off" {
			s.logger.Info("job disabled", "job", job.Name)
			continue
		}
		if _, err := s.cron.AddFunc(job.Schedule, s.wrap(job)); err != nil {
			s.cancel()
			return fmt.Errorf("schedule %s job (%q): %w", job.Name, job.Schedule, err)
		}
		s.logger.Info("scheduled job", "job", job.Name, "schedule", job.Schedule)
	}
	s.cron.Start()
	return nil
}

func (s *Scheduler) wrap(job Job) func() {
	return func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()

		start := time.Now()
		if err := job.Run(ctx); err != nil {
			s.logger.Error("job failed",
				"job", job.Name,
				"duration_ms", time.Since(start).Milliseconds(),
				"error", err,
			)
			return
		}
		s.logger.Debug("job finished", "job", job.Name, "duration_ms", time.Since(start).Milliseconds())
	}
}

// Stop stops scheduling and waits for running jobs, cancelling them if ctx
// ends first.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("jobs still running at shutdown, cancelling")
	}
	if s.cancel != nil {
		s.cancel()
	}
}
