package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/felixgeelhaar/tunnelgate/internal/referral/domain"
	sharedApplication "github.com/felixgeelhaar/tunnelgate/internal/shared/application"
	sharedDomain "github.com/felixgeelhaar/tunnelgate/internal/shared/domain"
	"github.com/felixgeelhaar/tunnelgate/internal/shared/infrastructure/outbox"
	subscriptionCommands "github.com/felixgeelhaar/tunnelgate/internal/subscription/application/commands"
	subscription "github.com/felixgeelhaar/tunnelgate/internal/subscription/domain"
	"github.com/felixgeelhaar/tunnelgate/pkg/observability"
)

// ErrRewardLost is returned when a referral stopped being unrewarded while
// its lease was held.
var ErrRewardLost = errors.New("referral reward claim lost")

// Granter applies days to a user's subscription.
type Granter interface {
	Handle(ctx context.Context, cmd subscriptionCommands.GrantCommand) (*subscriptionCommands.GrantResult, error)
}

// UserHistory reports whether a user already has a subscription or payment
// on record. Only users without one can be referred.
type UserHistory interface {
	HasHistory(ctx context.Context, userID int64) (bool, error)
}

// RewardOutcome is how a reward attempt ended.
type RewardOutcome string

const (
	RewardGranted        RewardOutcome = "granted"
	RewardAlreadyGranted RewardOutcome = "already_granted"
	RewardInProgress     RewardOutcome = "in_progress"
	RewardNoReferral     RewardOutcome = "no_referral"
)

// EngineConfig holds the reward parameters.
type EngineConfig struct {
	BonusDays  int
	ClaimLease time.Duration
}

// RegisterCommand records that ReferrerID invited ReferredID.
type RegisterCommand struct {
	ReferrerID int64
	ReferredID int64
}

// RewardResult describes one reward attempt.
type RewardResult struct {
	Outcome      RewardOutcome
	Referral     *domain.Referral
	Subscription *subscription.Subscription
	// ProvisioningErr is set when the referrer's ledger was extended but the
	// panel lags.
	ProvisioningErr error
}

// SweepResult summarizes a RewardPending pass.
type SweepResult struct {
	Checked int
	Granted int
	Failed  int
}

// Engine records referrals and grants the referrer a bonus exactly once per
// referred user. Rewards go through the same extend-or-create path as
// payments and are best-effort: a failure is logged and retried later, and
// never reaches the referred user's own registration.
type Engine struct {
	repo       domain.Repository
	granter    Granter
	users      UserHistory
	outboxRepo outbox.Repository
	uow        sharedApplication.UnitOfWork
	cfg        EngineConfig
	logger     *slog.Logger
	metrics    observability.Metrics
	now        func() time.Time
}

// NewEngine creates a referral Engine.
func NewEngine(
	repo domain.Repository,
	granter Granter,
	users UserHistory,
	outboxRepo outbox.Repository,
	uow sharedApplication.UnitOfWork,
	cfg EngineConfig,
	logger *slog.Logger,
	metrics observability.Metrics,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	if cfg.BonusDays <= 0 {
		cfg.BonusDays = 7
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = 2 * time.Minute
	}
	return &Engine{
		repo:       repo,
		granter:    granter,
		users:      users,
		outboxRepo: outboxRepo,
		uow:        uow,
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Register records the referral and emits referral.registered when this
// call was the first for the referred user. Replays return false. A user who
// already has ledger history is not a new registration and is rejected.
func (e *Engine) Register(ctx context.Context, cmd RegisterCommand) (bool, error) {
	now := e.now()
	ref, err := domain.NewReferral(cmd.ReferrerID, cmd.ReferredID, now)
	if err != nil {
		return false, sharedDomain.ValidationError("register referral", err)
	}
	if err := e.checkNewUser(ctx, cmd.ReferredID); err != nil {
		return false, err
	}

	var inserted bool
	err = sharedApplication.WithUnitOfWork(ctx, e.uow, func(txCtx context.Context) error {
		ok, err := e.repo.Register(txCtx, ref)
		if err != nil || !ok {
			return err
		}
		inserted = true

		events := []sharedDomain.DomainEvent{domain.NewReferralRegistered(ref, now)}
		sharedApplication.ApplyEventMetadata(events, sharedApplication.MetadataFromContext(txCtx, cmd.ReferredID))
		msgs, err := outbox.NewMessages(events)
		if err != nil {
			return err
		}
		return e.outboxRepo.SaveBatch(txCtx, msgs)
	})
	if err != nil {
		return false, err
	}
	if inserted {
		e.logger.Info("referral registered", "referrer_id", cmd.ReferrerID, "user_id", cmd.ReferredID)
	}
	return inserted, nil
}

func (e *Engine) checkNewUser(ctx context.Context, referredID int64) error {
	if e.users == nil {
		return nil
	}
	_, err := e.repo.FindByReferred(ctx, referredID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, domain.ErrReferralNotFound) {
		return err
	}
	known, err := e.users.HasHistory(ctx, referredID)
	if err != nil {
		return fmt.Errorf("check history of user %d: %w", referredID, err)
	}
	if known {
		return sharedDomain.ValidationError("register referral",
			fmt.Errorf("user %d: %w", referredID, domain.ErrAlreadyRegistered))
	}
	return nil
}

// Reward grants the bonus for referredID. Calling it again, sequentially or
// concurrently, never grants twice.
func (e *Engine) Reward(ctx context.Context, referredID int64) (result *RewardResult, err error) {
	defer func() {
		outcome := "error"
		if err == nil {
			outcome = string(result.Outcome)
		}
		e.metrics.Counter(observability.MetricReferralRewards, 1, observability.T("outcome", outcome))
	}()

	ref, err := e.repo.FindByReferred(ctx, referredID)
	if errors.Is(err, domain.ErrReferralNotFound) {
		return &RewardResult{Outcome: RewardNoReferral}, nil
	}
	if err != nil {
		return nil, err
	}
	if ref.Rewarded {
		return &RewardResult{Outcome: RewardAlreadyGranted, Referral: ref}, nil
	}

	now := e.now()
	claimed, err := e.repo.Claim(ctx, referredID, now, e.cfg.ClaimLease)
	if err != nil {
		return nil, err
	}
	if !claimed {
		current, err := e.repo.FindByReferred(ctx, referredID)
		if err != nil {
			return nil, err
		}
		if current.Rewarded {
			return &RewardResult{Outcome: RewardAlreadyGranted, Referral: current}, nil
		}
		return &RewardResult{Outcome: RewardInProgress, Referral: current}, nil
	}

	grant, err := e.granter.Handle(ctx, subscriptionCommands.GrantCommand{
		UserID:    ref.ReferrerID,
		Days:      e.cfg.BonusDays,
		AutoRenew: false,
		Reason:    subscription.ReasonReferral,
		Within: func(txCtx context.Context, sub *subscription.Subscription) error {
			ok, err := e.repo.MarkRewarded(txCtx, referredID, now)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("reward referral of user %d: %w", referredID, ErrRewardLost)
			}
			events := []sharedDomain.DomainEvent{domain.NewReferralRewarded(ref, e.cfg.BonusDays, sub.ExpiresAt, now)}
			sharedApplication.ApplyEventMetadata(events, sharedApplication.MetadataFromContext(txCtx, ref.ReferrerID))
			msgs, err := outbox.NewMessages(events)
			if err != nil {
				return err
			}
			return e.outboxRepo.SaveBatch(txCtx, msgs)
		},
	})
	if err != nil {
		if relErr := e.repo.Release(context.WithoutCancel(ctx), referredID); relErr != nil {
			e.logger.Error("release referral claim failed", "user_id", referredID, "error", relErr)
		}
		e.logger.Warn("referral reward failed",
			"referrer_id", ref.ReferrerID,
			"user_id", referredID,
			"error", err,
		)
		return nil, fmt.Errorf("reward referrer %d: %w", ref.ReferrerID, err)
	}

	ref.Rewarded = true
	ref.RewardedAt = &now
	ref.ClaimedAt = nil

	e.logger.Info("referral rewarded",
		"referrer_id", ref.ReferrerID,
		"user_id", referredID,
		"subscription_id", grant.Subscription.ID,
		"days", e.cfg.BonusDays,
		"expires_at", grant.Subscription.ExpiresAt,
	)
	return &RewardResult{
		Outcome:         RewardGranted,
		Referral:        ref,
		Subscription:    grant.Subscription,
		ProvisioningErr: grant.ProvisioningErr,
	}, nil
}

// RegisterAndReward records the referral and tries the reward right away.
// A reward failure is logged and left to the subscriber or the sweep; only a
// failure to record the referral is returned.
func (e *Engine) RegisterAndReward(ctx context.Context, cmd RegisterCommand) error {
	if _, err := e.Register(ctx, cmd); err != nil {
		return err
	}
	if _, err := e.Reward(ctx, cmd.ReferredID); err != nil {
		e.logger.Warn("referral reward deferred", "user_id", cmd.ReferredID, "error", err)
	}
	return nil
}

// RewardPending retries rewards for referrals older than minAge that are
// still unrewarded.
func (e *Engine) RewardPending(ctx context.Context, minAge time.Duration, limit int) (*SweepResult, error) {
	pending, err := e.repo.ListUnrewarded(ctx, e.now().Add(-minAge), limit)
	if err != nil {
		return nil, err
	}
	result := &SweepResult{}
	for _, ref := range pending {
		if ctx.Err() != nil {
			break
		}
		result.Checked++
		res, err := e.Reward(ctx, ref.ReferredID)
		if err != nil {
			result.Failed++
			continue
		}
		if res.Outcome == RewardGranted {
			result.Granted++
		}
	}
	return result, nil
}

// Stats reports how many users a referrer invited and how many earned a bonus.
func (e *Engine) Stats(ctx context.Context, referrerID int64) (total, rewarded int, err error) {
	return e.repo.Stats(ctx, referrerID)
}
