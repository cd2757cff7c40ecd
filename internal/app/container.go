package app

import (
	"context"
	"fmt"
	"log/slog"

	billingApp "github.com/felixgeelhaar/tunnelgate/internal/billing/application"
	billingDomain "github.com/felixgeelhaar/tunnelgate/internal/billing/domain"
	"github.com/felixgeelhaar/tunnelgate/internal/billing/infrastructure/gateway"
	billingPersistence "github.com/felixgeelhaar/tunnelgate/internal/billing/infrastructure/persistence"
	"github.com/felixgeelhaar/tunnelgate/internal/billing/infrastructure/session"
	notificationApp "github.com/felixgeelhaar/tunnelgate/internal/notification/application"
	provisioningApp "github.com/felixgeelhaar/tunnelgate/internal/provisioning/application"
	provisioningDomain "github.com/felixgeelhaar/tunnelgate/internal/provisioning/domain"
	"github.com/felixgeelhaar/tunnelgate/internal/provisioning/infrastructure/panel"
	referralApp "github.com/felixgeelhaar/tunnelgate/internal/referral/application"
	referralSubs "github.com/felixgeelhaar/tunnelgate/internal/referral/application/subscribers"
	referralPersistence "github.com/felixgeelhaar/tunnelgate/internal/referral/infrastructure/persistence"
	sharedApplication "github.com/felixgeelhaar/tunnelgate/internal/shared/application"
	"github.com/felixgeelhaar/tunnelgate/internal/shared/infrastructure/database"
	_ "github.com/felixgeelhaar/tunnelgate/internal/shared/infrastructure/database/postgres" // Register PostgreSQL driver
	_ "github.com/felixgeelhaar/tunnelgate/internal/shared/infrastructure/database/sqlite"   // Register SQLite driver
	"github.com/felixgeelhaar/tunnelgate/internal/shared/infrastructure/eventbus"
	"github.com/felixgeelhaar/tunnelgate/internal/shared/infrastructure/migrations"
	"github.com/felixgeelhaar/tunnelgate/internal/shared/infrastructure/outbox"
	subscriptionCommands "github.com/felixgeelhaar/tunnelgate/internal/subscription/application/commands"
	subscriptionQueries "github.com/felixgeelhaar/tunnelgate/internal/subscription/application/queries"
	subscriptionPersistence "github.com/felixgeelhaar/tunnelgate/internal/subscription/infrastructure/persistence"
	"github.com/felixgeelhaar/tunnelgate/pkg/config"
	"github.com/felixgeelhaar/tunnelgate/pkg/observability"
	"github.com/redis/go-redis/v9"
)

// Container holds all application dependencies.
type Container struct {
	Config *config.Config
	Logger *slog.Logger

	// Observability
	Metrics    observability.Metrics
	Prometheus *observability.PrometheusMetrics
	Health     *observability.HealthRegistry

	// Ledger
	DB       database.Connection
	DBDriver database.Driver

	// Redis (optional; sessions fall back to memory)
	RedisClient *redis.Client

	// Repositories
	SubscriptionRepo *subscriptionPersistence.SQLSubscriptionRepository
	PaymentRepo      *billingPersistence.SQLPaymentRepository
	ReferralRepo     *referralPersistence.SQLReferralRepository
	OutboxRepo       outbox.Repository

	// Unit of Work
	UnitOfWork sharedApplication.UnitOfWork

	// External systems
	Panel    provisioningDomain.PanelClient
	Gateway  billingDomain.PaymentGateway
	Sessions billingDomain.SessionStore

	Provisioner *provisioningApp.Service

	// Subscription command handlers
	GrantHandler        *subscriptionCommands.GrantHandler
	DeactivateHandler   *subscriptionCommands.DeactivateHandler
	ExpireDueHandler    *subscriptionCommands.ExpireDueHandler
	ResyncHandler       *subscriptionCommands.ResyncHandler
	GiftHandler         *subscriptionCommands.GiftHandler
	SetAutoRenewHandler *subscriptionCommands.SetAutoRenewHandler

	// Subscription query handlers
	GetStatusHandler   *subscriptionQueries.GetStatusHandler
	ListHistoryHandler *subscriptionQueries.ListHistoryHandler

	// Billing
	Reconciler       *billingApp.Reconciler
	Checkout         *billingApp.Checkout
	WebhookHandler   *billingApp.WebhookHandler
	RenewalScheduler *billingApp.RenewalScheduler
	PendingSweeper   *billingApp.PendingSweeper

	// Referral
	ReferralEngine *referralApp.Engine

	// Events
	EventPublisher    eventbus.Publisher
	InProcessEventBus *eventbus.InProcessEventBus
	Consumers         []eventbus.EventConsumer
	OutboxProcessor   *outbox.Processor
}

// Option overrides a dependency before wiring.
type Option func(*Container)

// WithPanelClient replaces the HTTP panel client.
func WithPanelClient(p provisioningDomain.PanelClient) Option {
	return func(c *Container) { c.Panel = p }
}

// WithPaymentGateway replaces the HTTP gateway client.
func WithPaymentGateway(g billingDomain.PaymentGateway) Option {
	return func(c *Container) { c.Gateway = g }
}

// WithSessionStore replaces the Redis/memory session store.
func WithSessionStore(s billingDomain.SessionStore) Option {
	return func(c *Container) { c.Sessions = s }
}

// NewContainer creates and wires all dependencies.
func NewContainer(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Container, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Container{
		Config: cfg,
		Logger: logger,
		Health: observability.NewHealthRegistry(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.Prometheus = observability.NewPrometheusMetrics("tunnelgate")
	c.Metrics = c.Prometheus

	// Connect to the ledger
	conn, err := database.NewConnection(ctx, database.Config{
		URL:        cfg.DatabaseURL,
		SQLitePath: cfg.SQLitePath,
		MaxConns:   cfg.DatabaseMaxConn,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ledger: %w", err)
	}
	c.DB = conn
	c.DBDriver = conn.Driver()

	if err := migrations.Run(ctx, conn); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	logger.Info("connected to ledger", "driver", c.DBDriver)
	c.Health.Register("ledger", observability.PingChecker("ledger", observability.HealthStatusUnhealthy, conn.Ping))

	if err := c.connectRedis(ctx); err != nil {
		c.Close()
		return nil, err
	}

	if err := c.initClients(); err != nil {
		c.Close()
		return nil, err
	}

	if err := c.initEvents(); err != nil {
		c.Close()
		return nil, err
	}

	c.wire()

	logger.Info("container initialized",
		"driver", c.DBDriver,
		"redis", c.RedisClient != nil,
		"broker", cfg.RabbitMQURL != "",
	)
	return c, nil
}

// connectRedis connects to Redis when configured. Development falls back to
// the in-memory session store.
func (c *Container) connectRedis(ctx context.Context) error {
	if c.Sessions != nil {
		return nil
	}
	if c.Config.RedisURL == "" {
		c.Sessions = session.NewMemoryStore()
		return nil
	}

	opt, err := redis.ParseURL(c.Config.RedisURL)
	if err != nil {
		if !c.Config.IsDevelopment() {
			return fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		c.Logger.Warn("invalid Redis URL, sessions will use in-memory fallback", "error", err)
		c.Sessions = session.NewMemoryStore()
		return nil
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		if !c.Config.IsDevelopment() {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		c.Logger.Warn("Redis not available, sessions will use in-memory fallback", "error", err)
		c.Sessions = session.NewMemoryStore()
		return nil
	}

	c.RedisClient = client
	c.Sessions = session.NewRedisStore(client)
	c.Health.Register("redis", observability.PingChecker("redis", observability.HealthStatusDegraded, func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}))
	c.Logger.Info("connected to Redis")
	return nil
}

// breakerReporter is implemented by the HTTP clients.
type breakerReporter interface {
	BreakerState() string
}

func (c *Container) initClients() error {
	cfg := c.Config

	if c.Panel == nil {
		client, err := panel.NewClient(panel.Config{
			BaseURL:    cfg.PanelURL,
			Username:   cfg.PanelUsername,
			Password:   cfg.PanelPassword,
			InboundTag: cfg.PanelInboundTag,
			Flow:       cfg.PanelFlow,
			UserGroup:  cfg.PanelUserGroup,
			Timeout:    cfg.PanelTimeout,
			TokenTTL:   cfg.PanelTokenTTL,
		}, c.Logger.With("component", "panel"))
		if err != nil {
			return fmt.Errorf("failed to create panel client: %w", err)
		}
		c.Panel = client
	}

	if c.Gateway == nil {
		client, err := gateway.NewClient(gateway.Config{
			BaseURL:   cfg.GatewayURL,
			ShopID:    cfg.GatewayShopID,
			SecretKey: cfg.GatewaySecretKey,
			Timeout:   cfg.GatewayTimeout,
		}, c.Logger.With("component", "gateway"))
		if err != nil {
			return fmt.Errorf("failed to create gateway client: %w", err)
		}
		c.Gateway = client
	}

	registerBreaker(c.Health, "panel", c.Panel)
	registerBreaker(c.Health, "gateway", c.Gateway)
	return nil
}

// registerBreaker reports an open breaker as degraded: the ledger keeps
// working and the jobs retry later.
func registerBreaker(h *observability.HealthRegistry, name string, client any) {
	reporter, ok := client.(breakerReporter)
	if !ok {
		return
	}
	h.Register(name, func(ctx context.Context) observability.HealthCheckResult {
		if state := reporter.BreakerState(); state == "open" {
			return observability.HealthCheckResult{Status: observability.HealthStatusDegraded, Message: name + " circuit open"}
		}
		return observability.HealthCheckResult{Status: observability.HealthStatusHealthy}
	})
}

// initEvents picks the bus the outbox publishes to. Without a broker the
// consumers run in-process.
func (c *Container) initEvents() error {
	c.InProcessEventBus = eventbus.NewInProcessEventBus(c.Logger)
	c.OutboxRepo = outbox.NewSQLRepository(c.DB)

	if c.Config.RabbitMQURL == "" {
		c.EventPublisher = c.InProcessEventBus
		return nil
	}

	publisher, err := eventbus.NewRabbitMQPublisher(c.Config.RabbitMQURL, c.Logger)
	if err != nil {
		if !c.Config.IsDevelopment() {
			return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
		}
		c.Logger.Warn("RabbitMQ not available, dispatching events in-process", "error", err)
		c.EventPublisher = c.InProcessEventBus
		return nil
	}
	c.EventPublisher = publisher
	c.Health.Register("broker", observability.PingChecker("broker", observability.HealthStatusDegraded, publisher.Ping))
	return nil
}

func (c *Container) wire() {
	cfg := c.Config
	logger := c.Logger

	// Repositories
	c.SubscriptionRepo = subscriptionPersistence.NewSQLSubscriptionRepository(c.DB)
	c.PaymentRepo = billingPersistence.NewSQLPaymentRepository(c.DB)
	c.ReferralRepo = referralPersistence.NewSQLReferralRepository(c.DB)
	c.UnitOfWork = database.NewUnitOfWork(c.DB)

	c.Provisioner = provisioningApp.NewService(c.Panel, logger, c.Metrics)

	// Subscription command handlers
	c.GrantHandler = subscriptionCommands.NewGrantHandler(c.SubscriptionRepo, c.OutboxRepo, c.UnitOfWork, c.Provisioner, logger)
	c.DeactivateHandler = subscriptionCommands.NewDeactivateHandler(c.SubscriptionRepo, c.OutboxRepo, c.UnitOfWork, c.Provisioner, logger, c.Metrics)
	c.ExpireDueHandler = subscriptionCommands.NewExpireDueHandler(c.SubscriptionRepo, c.DeactivateHandler, logger)
	c.ResyncHandler = subscriptionCommands.NewResyncHandler(c.SubscriptionRepo, c.Provisioner, logger, c.Metrics)
	c.GiftHandler = subscriptionCommands.NewGiftHandler(c.SubscriptionRepo, c.GrantHandler)
	c.SetAutoRenewHandler = subscriptionCommands.NewSetAutoRenewHandler(c.SubscriptionRepo)

	// Subscription query handlers
	c.GetStatusHandler = subscriptionQueries.NewGetStatusHandler(c.SubscriptionRepo, c.Provisioner, logger)
	c.ListHistoryHandler = subscriptionQueries.NewListHistoryHandler(c.SubscriptionRepo)

	// Billing
	price := billingDomain.Money{Amount: cfg.PlanPrice, Currency: cfg.PlanCurrency}
	c.Reconciler = billingApp.NewReconciler(c.PaymentRepo, c.GrantHandler, c.OutboxRepo, c.UnitOfWork, billingApp.ReconcilerConfig{
		PlanDays:   cfg.PlanDays,
		ClaimLease: cfg.ClaimLease,
	}, logger, c.Metrics)
	c.Checkout = billingApp.NewCheckout(c.SubscriptionRepo, c.PaymentRepo, c.Gateway, c.Sessions, c.Reconciler, billingApp.CheckoutConfig{
		Price:      price,
		PlanName:   cfg.PlanName,
		ReturnURL:  cfg.GatewayReturnURL,
		SessionTTL: cfg.SessionTTL,
	}, logger)
	c.WebhookHandler = billingApp.NewWebhookHandler(c.Reconciler, logger, c.Metrics)
	c.RenewalScheduler = billingApp.NewRenewalScheduler(c.SubscriptionRepo, c.PaymentRepo, c.Gateway, c.Reconciler, c.DeactivateHandler, billingApp.RenewalConfig{
		Price:        price,
		Description:  cfg.PlanName + " renewal",
		Lookahead:    cfg.RenewalLookahead,
		PendingGrace: cfg.RenewalPendingGrace,
		Concurrency:  cfg.RenewalConcurrency,
	}, logger, c.Metrics)
	c.PendingSweeper = billingApp.NewPendingSweeper(c.PaymentRepo, c.Gateway, c.Reconciler, cfg.PendingMinAge, logger)

	// Referral
	c.ReferralEngine = referralApp.NewEngine(c.ReferralRepo, c.GrantHandler, ledgerUsers{subs: c.SubscriptionRepo, payments: c.PaymentRepo}, c.OutboxRepo, c.UnitOfWork, referralApp.EngineConfig{
		BonusDays:  cfg.ReferralBonusDays,
		ClaimLease: cfg.ClaimLease,
	}, logger, c.Metrics)

	// Event consumers
	c.Consumers = []eventbus.EventConsumer{
		referralSubs.NewRewardSubscriber(c.ReferralEngine, logger),
		notificationApp.NewSubscriber(notificationApp.NewLogNotifier(logger), logger, c.Metrics),
	}
	for _, consumer := range c.Consumers {
		c.InProcessEventBus.RegisterConsumer(consumer)
	}

	c.OutboxProcessor = outbox.NewProcessor(c.OutboxRepo, c.EventPublisher, outbox.ProcessorConfig{
		PollInterval: cfg.OutboxPollInterval,
		BatchSize:    cfg.OutboxBatchSize,
		MaxRetries:   cfg.OutboxMaxRetries,
	}, logger).WithMetrics(c.Metrics)
}

// DispatchesInProcess reports whether events reach consumers without a broker.
func (c *Container) DispatchesInProcess() bool {
	_, ok := c.EventPublisher.(*eventbus.InProcessEventBus)
	return ok
}

// Close cleans up all resources.
func (c *Container) Close() {
	if c.OutboxProcessor != nil {
		c.OutboxProcessor.Stop()
	}

	if c.EventPublisher != nil {
		if err := c.EventPublisher.Close(); err != nil {
			c.Logger.Warn("error closing event publisher", "error", err)
		}
	}

	if c.RedisClient != nil {
		if err := c.RedisClient.Close(); err != nil {
			c.Logger.Warn("error closing Redis connection", "error", err)
		} else {
			c.Logger.Info("Redis connection closed")
		}
	}

	if c.DB != nil {
		if err := c.DB.Close(); err != nil {
			c.Logger.Warn("error closing ledger connection", "error", err)
		} else {
			c.Logger.Info("ledger connection closed", "driver", c.DBDriver)
		}
	}
}
