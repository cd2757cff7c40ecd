package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	provisioning "github.com/felixgeelhaar/tunnelgate/internal/provisioning/domain"
	sharedApplication "github.com/felixgeelhaar/tunnelgate/internal/shared/application"
	sharedDomain "github.com/felixgeelhaar/tunnelgate/internal/shared/domain"
	"github.com/felixgeelhaar/tunnelgate/internal/shared/infrastructure/outbox"
	"github.com/felixgeelhaar/tunnelgate/internal/subscription/domain"
)

const maxLedgerAttempts = 3

// GrantCommand adds Days to a user's subscription, creating or reactivating
// the record when there is no active one.
type GrantCommand struct {
	UserID int64
	Days   int
	// AutoRenew applies only when the grant creates or reactivates the record.
	AutoRenew bool
	// InstrumentRef replaces the stored payment instrument when non-empty.
	// Callers pass only instruments the gateway confirmed as saved.
	InstrumentRef string
	Reason        string
	PaymentID     string
	Metadata      *sharedDomain.EventMetadata
	// Within runs inside the ledger transaction after the subscription write.
	// An error rolls the whole write back.
	Within func(ctx context.Context, sub *domain.Subscription) error
}

// GrantResult describes the ledger state after a grant.
type GrantResult struct {
	Subscription *domain.Subscription
	Kind         domain.CommandKind
	// ProvisioningErr is set when the ledger was extended but the panel was not.
	ProvisioningErr error
}

// GrantHandler is the shared extend-or-create path used by payments, gifts
// and referral rewards.
//
// An active record is extended ledger-optimistically: the panel is asked
// first, and a panel failure is reported in the result while the ledger
// write still happens. A missing or deactivated record is provisioned first
// and written only after the panel succeeded, so a panel failure leaves no
// ledger row behind.
type GrantHandler struct {
	repo        domain.Repository
	outboxRepo  outbox.Repository
	uow         sharedApplication.UnitOfWork
	provisioner domain.Provisioner
	logger      *slog.Logger
	now         func() time.Time
}

// NewGrantHandler creates a new GrantHandler.
func NewGrantHandler(
	repo domain.Repository,
	outboxRepo outbox.Repository,
	uow sharedApplication.UnitOfWork,
	provisioner domain.Provisioner,
	logger *slog.Logger,
) *GrantHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &GrantHandler{
		repo:        repo,
		outboxRepo:  outboxRepo,
		uow:         uow,
		provisioner: provisioner,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Handle executes the GrantCommand.
func (h *GrantHandler) Handle(ctx context.Context, cmd GrantCommand) (*GrantResult, error) {
	if cmd.UserID <= 0 {
		return nil, domain.ErrInvalidUser
	}
	if cmd.Days < 0 {
		return nil, domain.ErrInvalidDays
	}

	current, err := currentSubscription(ctx, h.repo, cmd.UserID)
	if err != nil {
		return nil, err
	}

	if current != nil && current.IsActive {
		res, perr := h.provisioner.Ensure(ctx, current.PanelAccountName, cmd.Days)
		if perr != nil {
			h.logger.Error("panel extend failed, recording grant in ledger",
				"user_id", cmd.UserID,
				"subscription_id", current.ID,
				"payment_id", cmd.PaymentID,
				"account", current.PanelAccountName,
				"error", perr,
			)
		}
		result, err := h.record(ctx, cmd, current, res.URL, perr != nil)
		if err != nil {
			return nil, err
		}
		result.ProvisioningErr = perr
		return result, nil
	}

	name := provisioning.AccountName(cmd.UserID)
	if current != nil {
		name = current.PanelAccountName
	}
	res, err := h.provisioner.Ensure(ctx, name, cmd.Days)
	if err != nil {
		h.logger.Error("panel provisioning failed, no ledger change",
			"user_id", cmd.UserID,
			"payment_id", cmd.PaymentID,
			"account", name,
			"error", err,
		)
		return nil, fmt.Errorf("provision %s: %w", name, err)
	}
	return h.record(ctx, cmd, current, res.URL, false)
}

// record writes the ledger side of a grant. Lost races are retried against
// a fresh read without touching the panel again.
func (h *GrantHandler) record(
	ctx context.Context,
	cmd GrantCommand,
	current *domain.Subscription,
	url string,
	provisioningFailed bool,
) (*GrantResult, error) {
	for attempt := 1; ; attempt++ {
		kind := domain.CommandCreate
		if current != nil && current.IsActive {
			kind = domain.CommandExtend
		}

		now := h.now()
		decision, err := domain.Transition(current, domain.Command{
			Kind:      kind,
			UserID:    cmd.UserID,
			Days:      cmd.Days,
			AutoRenew: cmd.AutoRenew,
			Reason:    cmd.Reason,
			PaymentID: cmd.PaymentID,
		}, now)
		if err != nil {
			return nil, err
		}

		next := decision.Next
		if next.ProvisioningURL == "" && url != "" {
			next.ProvisioningURL = url
		}
		if cmd.InstrumentRef != "" {
			next.PaymentInstrumentRef = cmd.InstrumentRef
		}
		for _, event := range decision.Events {
			if extended, ok := event.(*domain.SubscriptionExtended); ok {
				extended.ProvisioningFailed = provisioningFailed
			}
		}

		err = sharedApplication.WithUnitOfWork(ctx, h.uow, func(txCtx context.Context) error {
			if decision.Kind == domain.CommandCreate {
				if err := h.repo.Create(txCtx, next); err != nil {
					return err
				}
			} else if err := h.repo.Update(txCtx, next); err != nil {
				return err
			}

			entry := domain.NewHistoryEntry(decision.Previous, next, domain.ChangeFor(decision.Kind), cmd.PaymentID, now)
			if err := h.repo.AppendHistory(txCtx, entry); err != nil {
				return err
			}

			if err := saveEvents(txCtx, h.outboxRepo, decision.Events, metadataFor(txCtx, cmd.Metadata, cmd.UserID)); err != nil {
				return err
			}

			if cmd.Within != nil {
				return cmd.Within(txCtx, next)
			}
			return nil
		})
		if err == nil {
			return &GrantResult{Subscription: next, Kind: decision.Kind}, nil
		}

		conflict := decision.Kind == domain.CommandCreate && errors.Is(err, sharedDomain.ErrConflict)
		if conflict {
			h.logger.Error("concurrent subscription create for user",
				"user_id", cmd.UserID,
				"payment_id", cmd.PaymentID,
				"error", err,
			)
		}
		if !conflict && !errors.Is(err, domain.ErrStaleSubscription) {
			return nil, err
		}
		if attempt == maxLedgerAttempts {
			return nil, fmt.Errorf("grant for user %d after %d attempts: %w", cmd.UserID, attempt, err)
		}

		current, err = currentSubscription(ctx, h.repo, cmd.UserID)
		if err != nil {
			return nil, err
		}
	}
}

func currentSubscription(ctx context.Context, repo domain.Repository, userID int64) (*domain.Subscription, error) {
	sub, err := repo.FindByUserID(ctx, userID)
	if errors.Is(err, domain.ErrSubscriptionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func metadataFor(ctx context.Context, md *sharedDomain.EventMetadata, userID int64) sharedDomain.EventMetadata {
	if md != nil {
		return *md
	}
	return sharedApplication.MetadataFromContext(ctx, userID)
}

func saveEvents(ctx context.Context, repo outbox.Repository, events []sharedDomain.DomainEvent, md sharedDomain.EventMetadata) error {
	if len(events) == 0 {
		return nil
	}
	sharedApplication.ApplyEventMetadata(events, md)
	msgs, err := outbox.NewMessages(events)
	if err != nil {
		return err
	}
	return repo.SaveBatch(ctx, msgs)
}
