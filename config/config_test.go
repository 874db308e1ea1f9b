package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "absent.json"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 0.08, cfg.ProtectionConfig.StopLossPct)
	assert.Equal(t, 6.0, cfg.CircuitBreakerConfig.MaxDailyDrawdownPct)
	assert.Equal(t, 5, cfg.SchedulerConfig.VerifyEvery)
}

func TestLoadYAMLOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guard.yaml")
	body := `
protection:
  stop_loss_pct: 0.05
scheduler:
  extended_hours_interval: 10m
  dry_run: true
broker:
  paper_positions:
    - symbol: MSFT
      qty: 4
      avg_entry_price: 400
      current_price: 410
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 0.05, cfg.ProtectionConfig.StopLossPct)
	assert.Equal(t, 5, cfg.ProtectionConfig.MaxAttempts, "unset fields keep defaults")
	assert.Equal(t, 10*time.Minute, cfg.SchedulerConfig.ExtendedHoursInterval)
	assert.True(t, cfg.SchedulerConfig.DryRun)
	require.Len(t, cfg.BrokerConfig.PaperPositions, 1)
	assert.Equal(t, "MSFT", cfg.BrokerConfig.PaperPositions[0].Symbol)
}

func TestLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guard.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"gap_risk":{"pre_market_threshold_pct":7}}`), 0644))
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7.0, cfg.GapRiskConfig.PreMarketThresholdPct)
	assert.Equal(t, 5.0, cfg.GapRiskConfig.AfterHoursThresholdPct)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guard.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"protection":`), 0644))
	t.Setenv("CONFIG_FILE", path)

	_, err := Load()
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "absent.json"))
	t.Setenv("BROKER_API_KEY", "key")
	t.Setenv("BROKER_SECRET_KEY", "secret")
	t.Setenv("DRY_RUN", "true")
	t.Setenv("CIRCUIT_MAX_DAILY_DRAWDOWN_PCT", "4.5")
	t.Setenv("EXTENDED_HOURS_INTERVAL", "2m")
	t.Setenv("WEB_PORT", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "key", cfg.BrokerConfig.APIKey)
	assert.Equal(t, "secret", cfg.BrokerConfig.SecretKey)
	assert.True(t, cfg.SchedulerConfig.DryRun)
	assert.Equal(t, 4.5, cfg.CircuitBreakerConfig.MaxDailyDrawdownPct)
	assert.Equal(t, 2*time.Minute, cfg.SchedulerConfig.ExtendedHoursInterval)
	assert.Equal(t, 8080, cfg.ServerConfig.Port, "unparseable values fall back")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"stop pct zero", func(c *Config) { c.ProtectionConfig.StopLossPct = 0 }},
		{"no attempts", func(c *Config) { c.ProtectionConfig.MaxAttempts = 0 }},
		{"positive loss cut", func(c *Config) { c.GapRiskConfig.ExtendedLossCutPct = 2 }},
		{"bad close hour", func(c *Config) { c.GapRiskConfig.RecordCloseHour = 24 }},
		{"breaker without window", func(c *Config) { c.CircuitBreakerConfig.FlashCrashWindow = 0 }},
		{"auth without secret", func(c *Config) { c.AuthConfig.Enabled = true }},
		{"bad port", func(c *Config) { c.ServerConfig.Port = 70000 }},
		{"descending ladder", func(c *Config) { c.PolicyConfig.ProfitLevels[1].GainPct = 1 }},
		{"zero verify cadence", func(c *Config) { c.SchedulerConfig.VerifyEvery = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestOrigins(t *testing.T) {
	s := ServerConfig{AllowedOrigins: "https://a.example, https://b.example,,"}
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, s.Origins())
}

func TestGenerateSampleConfigRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.yaml")
	require.NoError(t, GenerateSampleConfig(path))
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	require.Len(t, cfg.BrokerConfig.PaperPositions, 1)
	assert.Equal(t, "AAPL", cfg.BrokerConfig.PaperPositions[0].Symbol)
}

func TestLoadFileIgnoresEnvAndRequiresFile(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	path := filepath.Join(t.TempDir(), "guard.yaml")
	require.NoError(t, os.WriteFile(path, []byte("protection:\n  stop_loss_pct: 0.04\n"), 0644))
	t.Setenv("DRY_RUN", "true")

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 0.04, cfg.ProtectionConfig.StopLossPct)
	assert.False(t, cfg.SchedulerConfig.DryRun)
}

func TestEmailRecipientsFromEnv(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "absent.json"))
	t.Setenv("SMTP_TO", "ops@example.com, oncall@example.com")
	t.Setenv("SMTP_PASSWORD", "pw")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"ops@example.com", "oncall@example.com"}, cfg.NotificationConfig.Email.To)
	assert.Equal(t, "pw", cfg.NotificationConfig.Email.Password)
}
