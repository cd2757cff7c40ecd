package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	// Application
	AppEnv   string
	LogLevel string
	HTTPAddr string
	// APIToken guards the bot-facing API. Empty disables the check.
	APIToken string

	// Ledger
	DatabaseURL     string
	SQLitePath      string
	DatabaseMaxConn int

	// Redis
	RedisURL string

	// RabbitMQ
	RabbitMQURL string

	// Plan
	PlanName          string
	PlanPrice         int64
	PlanCurrency      string
	PlanDays          int
	GiftDays          int
	ReferralBonusDays int

	// Panel
	PanelURL        string
	PanelUsername   string
	PanelPassword   string
	PanelInboundTag string
	PanelFlow       string
	PanelUserGroup  string
	PanelTimeout    time.Duration
	PanelTokenTTL   time.Duration

	// Payment gateway
	GatewayURL       string
	GatewayShopID    string
	GatewaySecretKey string
	GatewayReturnURL string
	GatewayTimeout   time.Duration

	// Scheduling
	RenewalSchedule     string
	RenewalLookahead    time.Duration
	RenewalConcurrency  int
	RenewalPendingGrace time.Duration
	ExpirySchedule      string
	ResyncSchedule      string
	ReferralSchedule    string
	PendingSchedule     string
	PendingMinAge       time.Duration
	ClaimLease          time.Duration
	SessionTTL          time.Duration

	// Outbox
	OutboxPollInterval     time.Duration
	OutboxBatchSize        int
	OutboxMaxRetries       int
	OutboxStatsInterval    time.Duration
	OutboxRetentionDays    int
	OutboxCleanupInterval  time.Duration
	OutboxProcessorEnabled bool

	// Worker
	WorkerHealthAddr string
}

// Load loads configuration from a .env file, when present, and the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return fromEnv()
}

// LoadFile loads configuration from the given env file and the environment.
// Variables already set in the environment win over the file.
func LoadFile(path string) (*Config, error) {
	if path == "" {
		return Load()
	}
	if err := godotenv.Load(path); err != nil {
		return nil, fmt.Errorf("load env file %s: %w", path, err)
	}
	return fromEnv()
}

func fromEnv() (*Config, error) {
	cfg := &Config{
		AppEnv:   getEnv("APP_ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", ""),
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),
		APIToken: getEnv("API_TOKEN", ""),

		DatabaseURL:     getEnv("DATABASE_URL", ""),
		SQLitePath:      getEnv("SQLITE_PATH", ""),
		DatabaseMaxConn: getIntEnv("DATABASE_MAX_CONNS", 10),

		RedisURL:    getEnv("REDIS_URL", ""),
		RabbitMQURL: getEnv("RABBITMQ_URL", ""),

		PlanName:          getEnv("PLAN_NAME", "VPN Pro"),
		PlanPrice:         int64(getIntEnv("PLAN_PRICE", 29900)),
		PlanCurrency:      getEnv("PLAN_CURRENCY", "RUB"),
		PlanDays:          getIntEnv("PLAN_DAYS", 30),
		GiftDays:          getIntEnv("GIFT_DAYS", 3),
		ReferralBonusDays: getIntEnv("REFERRAL_BONUS_DAYS", 7),

		PanelURL:        getEnv("PANEL_URL", "http://localhost:8000"),
		PanelUsername:   getEnv("PANEL_USERNAME", ""),
		PanelPassword:   getEnv("PANEL_PASSWORD", ""),
		PanelInboundTag: getEnv("PANEL_INBOUND_TAG", "vless-tcp"),
		PanelFlow:       getEnv("PANEL_FLOW", "xtls-rprx-vision"),
		PanelUserGroup:  getEnv("PANEL_USER_GROUP", ""),
		PanelTimeout:    getDurationEnv("PANEL_TIMEOUT", 10*time.Second),
		PanelTokenTTL:   getDurationEnv("PANEL_TOKEN_TTL", 50*time.Minute),

		GatewayURL:       getEnv("GATEWAY_URL", "https://api.yookassa.ru"),
		GatewayShopID:    getEnv("GATEWAY_SHOP_ID", ""),
		GatewaySecretKey: getEnv("GATEWAY_SECRET_KEY", ""),
		GatewayReturnURL: getEnv("GATEWAY_RETURN_URL", ""),
		GatewayTimeout:   getDurationEnv("GATEWAY_TIMEOUT", 15*time.Second),

		RenewalSchedule:     getEnv("RENEWAL_SCHEDULE", "@hourly"),
		RenewalLookahead:    getDurationEnv("RENEWAL_LOOKAHEAD", 24*time.Hour),
		RenewalConcurrency:  getIntEnv("RENEWAL_CONCURRENCY", 4),
		RenewalPendingGrace: getDurationEnv("RENEWAL_PENDING_GRACE", 6*time.Hour),
		ExpirySchedule:      getEnv("EXPIRY_SCHEDULE", "@hourly"),
		ResyncSchedule:      getEnv("RESYNC_SCHEDULE", "@every 6h"),
		ReferralSchedule:    getEnv("REFERRAL_SCHEDULE", "@every 15m"),
		PendingSchedule:     getEnv("PENDING_SCHEDULE", "@every 10m"),
		PendingMinAge:       getDurationEnv("PENDING_MIN_AGE", 10*time.Minute),
		ClaimLease:          getDurationEnv("CLAIM_LEASE", 2*time.Minute),
		SessionTTL:          getDurationEnv("SESSION_TTL", 30*time.Minute),

		OutboxPollInterval:     getDurationEnv("OUTBOX_POLL_INTERVAL", 500*time.Millisecond),
		OutboxBatchSize:        getIntEnv("OUTBOX_BATCH_SIZE", 100),
		OutboxMaxRetries:       getIntEnv("OUTBOX_MAX_RETRIES", 8),
		OutboxStatsInterval:    getDurationEnv("OUTBOX_STATS_INTERVAL", time.Minute),
		OutboxRetentionDays:    getIntEnv("OUTBOX_RETENTION_DAYS", 7),
		OutboxCleanupInterval:  getDurationEnv("OUTBOX_CLEANUP_INTERVAL", time.Hour),
		OutboxProcessorEnabled: getBoolEnv("OUTBOX_PROCESSOR_ENABLED", true),

		WorkerHealthAddr: getEnv("WORKER_HEALTH_ADDR", ":8081"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the lifecycle engine cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.PlanDays <= 0 {
		errs = append(errs, fmt.Errorf("PLAN_DAYS must be positive, got %d", c.PlanDays))
	}
	if c.PlanPrice <= 0 {
		errs = append(errs, fmt.Errorf("PLAN_PRICE must be positive, got %d", c.PlanPrice))
	}
	if c.GiftDays < 0 || c.ReferralBonusDays < 0 {
		errs = append(errs, errors.New("GIFT_DAYS and REFERRAL_BONUS_DAYS must not be negative"))
	}
	if c.RenewalConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("RENEWAL_CONCURRENCY must be positive, got %d", c.RenewalConcurrency))
	}
	for name, d := range map[string]time.Duration{
		"PANEL_TIMEOUT":     c.PanelTimeout,
		"GATEWAY_TIMEOUT":   c.GatewayTimeout,
		"RENEWAL_LOOKAHEAD": c.RenewalLookahead,
		"CLAIM_LEASE":       c.ClaimLease,
		"SESSION_TTL":       c.SessionTTL,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}

	if c.IsProduction() {
		if c.PanelUsername == "" || c.PanelPassword == "" {
			errs = append(errs, errors.New("PANEL_USERNAME and PANEL_PASSWORD are required in production"))
		}
		if c.GatewayShopID == "" || c.GatewaySecretKey == "" {
			errs = append(errs, errors.New("GATEWAY_SHOP_ID and GATEWAY_SECRET_KEY are required in production"))
		}
		if c.APIToken == "" {
			errs = append(errs, errors.New("API_TOKEN is required in production"))
		}
	}

	return errors.Join(errs...)
}

// PlanDuration is the validity granted by one paid period.
func (c *Config) PlanDuration() time.Duration {
	return time.Duration(c.PlanDays) * 24 * time.Hour
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
