package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultValues(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	t.Setenv("PLAN_DAYS", "")
	t.Setenv("PANEL_TIMEOUT", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.AppEnv)
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, 30, cfg.PlanDays)
	assert.Equal(t, int64(29900), cfg.PlanPrice)
	assert.Equal(t, 7, cfg.ReferralBonusDays)
	assert.Equal(t, "vless-tcp", cfg.PanelInboundTag)
	assert.Equal(t, 10*time.Second, cfg.PanelTimeout)
	assert.Equal(t, 50*time.Minute, cfg.PanelTokenTTL)
	assert.Equal(t, "@hourly", cfg.RenewalSchedule)
	assert.Equal(t, 24*time.Hour, cfg.RenewalLookahead)
	assert.Equal(t, 30*time.Minute, cfg.SessionTTL)
	assert.Equal(t, 30*24*time.Hour, cfg.PlanDuration())
}

func TestLoad_CustomValues(t *testing.T) {
	t.Setenv("APP_ENV", "staging")
	t.Setenv("PLAN_DAYS", "90")
	t.Setenv("PLAN_PRICE", "79900")
	t.Setenv("RENEWAL_CONCURRENCY", "8")
	t.Setenv("PANEL_TIMEOUT", "3s")
	t.Setenv("OUTBOX_PROCESSOR_ENABLED", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 90, cfg.PlanDays)
	assert.Equal(t, int64(79900), cfg.PlanPrice)
	assert.Equal(t, 8, cfg.RenewalConcurrency)
	assert.Equal(t, 3*time.Second, cfg.PanelTimeout)
	assert.False(t, cfg.OutboxProcessorEnabled)
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	t.Setenv("PLAN_DAYS", "thirty")
	t.Setenv("GATEWAY_TIMEOUT", "soon")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 30, cfg.PlanDays)
	assert.Equal(t, 15*time.Second, cfg.GatewayTimeout)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tunnelgate.env")
	require.NoError(t, os.WriteFile(path, []byte("PLAN_DAYS=60\nAPP_ENV=development\n"), 0o600))
	t.Setenv("PLAN_DAYS", "")
	t.Setenv("APP_ENV", "development")
	require.NoError(t, os.Unsetenv("PLAN_DAYS"))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 60, cfg.PlanDays)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.env"))
	assert.ErrorContains(t, err, "missing.env")
}

func TestValidate(t *testing.T) {
	t.Run("rejects non-positive plan and durations", func(t *testing.T) {
		cfg := &Config{PlanDays: 0, PlanPrice: 100, RenewalConcurrency: 1}

		err := cfg.Validate()

		require.Error(t, err)
		assert.Contains(t, err.Error(), "PLAN_DAYS")
		assert.Contains(t, err.Error(), "CLAIM_LEASE")
	})

	t.Run("production requires credentials", func(t *testing.T) {
		t.Setenv("APP_ENV", "production")
		t.Setenv("PANEL_USERNAME", "")
		t.Setenv("GATEWAY_SHOP_ID", "")

		_, err := Load()

		require.Error(t, err)
		assert.Contains(t, err.Error(), "PANEL_USERNAME")
		assert.Contains(t, err.Error(), "GATEWAY_SHOP_ID")
	})
}
