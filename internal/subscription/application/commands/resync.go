package commands

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/felixgeelhaar/tunnelgate/internal/subscription/domain"
	"github.com/felixgeelhaar/tunnelgate/pkg/observability"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	defaultResyncPageSize    = 200
	defaultResyncConcurrency = 4
	// Panels store expiry in whole seconds.
	resyncTolerance = time.Minute
)

// ResyncCommand walks every active subscription and repairs panel drift.
type ResyncCommand struct {
	PageSize    int
	Concurrency int
}

// ResyncResult summarizes one re-sync pass.
type ResyncResult struct {
	Checked  int
	Repaired int
	Failed   int
}

// ResyncHandler aligns panel accounts that fell behind the ledger, which
// happens after a ledger-optimistic extend whose panel call failed. The
// ledger is never changed by a re-sync; the panel is moved to match it.
type ResyncHandler struct {
	repo        domain.Repository
	provisioner domain.Provisioner
	logger      *slog.Logger
	metrics     observability.Metrics
	now         func() time.Time
}

// NewResyncHandler creates a new ResyncHandler.
func NewResyncHandler(repo domain.Repository, provisioner domain.Provisioner, logger *slog.Logger, metrics observability.Metrics) *ResyncHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	return &ResyncHandler{
		repo:        repo,
		provisioner: provisioner,
		logger:      logger,
		metrics:     metrics,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Handle executes the ResyncCommand.
func (h *ResyncHandler) Handle(ctx context.Context, cmd ResyncCommand) (*ResyncResult, error) {
	pageSize := cmd.PageSize
	if pageSize <= 0 {
		pageSize = defaultResyncPageSize
	}
	concurrency := cmd.Concurrency
	if concurrency <= 0 {
		concurrency = defaultResyncConcurrency
	}

	var checked, repaired, failed atomic.Int64
	now := h.now()
	after := uuid.Nil

	for {
		page, err := h.repo.ListActive(ctx, after, pageSize)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(concurrency)
		for _, sub := range page {
			if !sub.ExpiresAt.After(now) {
				continue
			}
			g.Go(func() error {
				checked.Add(1)
				fixed, err := h.check(gctx, sub, now)
				switch {
				case err != nil:
					failed.Add(1)
					h.logger.Error("re-sync failed",
						"subscription_id", sub.ID,
						"account", sub.PanelAccountName,
						"error", err,
					)
				case fixed:
					repaired.Add(1)
				}
				return nil
			})
		}
		_ = g.Wait()

		if ctx.Err() != nil || len(page) < pageSize {
			break
		}
		after = page[len(page)-1].ID
	}

	return &ResyncResult{
		Checked:  int(checked.Load()),
		Repaired: int(repaired.Load()),
		Failed:   int(failed.Load()),
	}, nil
}

func (h *ResyncHandler) check(ctx context.Context, sub *domain.Subscription, now time.Time) (bool, error) {
	account, err := h.provisioner.Inspect(ctx, sub.PanelAccountName)
	if err != nil {
		return false, err
	}

	drift := "missing"
	if account != nil {
		switch {
		case !account.IsActiveAt(now):
			drift = "inactive"
		case !account.IsUnlimited() && account.ExpireAt.Before(sub.ExpiresAt.Add(-resyncTolerance)):
			drift = "behind"
		default:
			return false, nil
		}
	}

	if _, err := h.provisioner.Align(ctx, sub.PanelAccountName, sub.ExpiresAt); err != nil {
		return false, err
	}

	h.metrics.Counter(observability.MetricResyncRepairs, 1, observability.T("drift", drift))
	h.logger.Warn("panel account realigned with ledger",
		"subscription_id", sub.ID,
		"user_id", sub.UserID,
		"account", sub.PanelAccountName,
		"drift", drift,
		"expires_at", sub.ExpiresAt,
	)

	entry := domain.NewHistoryEntry(sub, sub, domain.ChangeAligned, "", now)
	if err := h.repo.AppendHistory(ctx, entry); err != nil {
		h.logger.Warn("record re-sync history failed", "subscription_id", sub.ID, "error", err)
	}
	return true, nil
}
