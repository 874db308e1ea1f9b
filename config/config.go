package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/advisor"
	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/autopilot"
	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/circuit"
	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/database"
	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/email"
	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/gaprisk"
	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/notification"
	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/policy"
	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/protection"
)

type Config struct {
	BrokerConfig         BrokerConfig                 `json:"broker" yaml:"broker"`
	ProtectionConfig     protection.Config            `json:"protection" yaml:"protection"`
	PolicyConfig         policy.Config                `json:"policy" yaml:"policy"`
	GapRiskConfig        gaprisk.Config               `json:"gap_risk" yaml:"gap_risk"`
	CircuitBreakerConfig circuit.CircuitBreakerConfig `json:"circuit_breaker" yaml:"circuit_breaker"`
	SchedulerConfig      autopilot.Config             `json:"scheduler" yaml:"scheduler"`
	AdvisorConfig        AdvisorConfig                `json:"advisor" yaml:"advisor"`
	NotificationConfig   NotificationConfig           `json:"notification" yaml:"notification"`
	LoggingConfig        LoggingConfig                `json:"logging" yaml:"logging"`
	DatabaseConfig       database.Config              `json:"database" yaml:"database"`
	RedisConfig          RedisConfig                  `json:"redis" yaml:"redis"`
	VaultConfig          VaultConfig                  `json:"vault" yaml:"vault"`
	ServerConfig         ServerConfig                 `json:"server" yaml:"server"`
	AuthConfig           AuthConfig                   `json:"auth" yaml:"auth"`
}

// BrokerConfig holds brokerage REST settings. Credentials come from the
// environment or Vault, never from the file.
type BrokerConfig struct {
	BaseURL           string          `json:"base_url" yaml:"base_url"`
	DataURL           string          `json:"data_url" yaml:"data_url"`
	APIKey            string          `json:"-" yaml:"-"`
	SecretKey         string          `json:"-" yaml:"-"`
	Account           string          `json:"account" yaml:"account"` // namespaces persisted flags
	RequestsPerMinute int             `json:"requests_per_minute" yaml:"requests_per_minute"`
	RetryMax          int             `json:"retry_max" yaml:"retry_max"`
	Timeout           time.Duration   `json:"timeout" yaml:"timeout"`
	PaperEquity       float64         `json:"paper_equity" yaml:"paper_equity"`
	PaperPositions    []PaperPosition `json:"paper_positions" yaml:"paper_positions"` // seeds the dry-run broker
}

// PaperPosition seeds one position of the dry-run broker
type PaperPosition struct {
	Symbol        string  `json:"symbol" yaml:"symbol"`
	Qty           float64 `json:"qty" yaml:"qty"`
	AvgEntryPrice float64 `json:"avg_entry_price" yaml:"avg_entry_price"`
	CurrentPrice  float64 `json:"current_price" yaml:"current_price"`
}

// AdvisorConfig holds the gap advisor's LLM settings
type AdvisorConfig struct {
	Enabled              bool `json:"enabled" yaml:"enabled"`
	advisor.ClientConfig `yaml:",inline"`
}

type NotificationConfig struct {
	Enabled  bool                        `json:"enabled" yaml:"enabled"`
	Telegram notification.TelegramConfig `json:"telegram" yaml:"telegram"`
	Discord  notification.DiscordConfig  `json:"discord" yaml:"discord"`
	Email    email.SMTPConfig            `json:"email" yaml:"email"`
}

type LoggingConfig struct {
	Level       string `json:"level" yaml:"level"`               // DEBUG, INFO, WARN, ERROR
	Output      string `json:"output" yaml:"output"`             // stdout, stderr, or file path
	JSONFormat  bool   `json:"json_format" yaml:"json_format"`   // Output as JSON
	IncludeFile bool   `json:"include_file" yaml:"include_file"` // Include file and line number
}

// RedisConfig holds Redis configuration for the flag mirror
type RedisConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Address  string `json:"address" yaml:"address"`
	Password string `json:"-" yaml:"-"`
	DB       int    `json:"db" yaml:"db"`
	PoolSize int    `json:"pool_size" yaml:"pool_size"`
}

// VaultConfig holds HashiCorp Vault configuration
type VaultConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Address    string `json:"address" yaml:"address"`
	Token      string `json:"-" yaml:"-"`
	MountPath  string `json:"mount_path" yaml:"mount_path"`   // KV v2 secrets engine mount path
	SecretPath string `json:"secret_path" yaml:"secret_path"` // Path of the broker credential secret
	TLSEnabled bool   `json:"tls_enabled" yaml:"tls_enabled"`
	CACert     string `json:"ca_cert" yaml:"ca_cert"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Enabled         bool   `json:"enabled" yaml:"enabled"`
	Port            int    `json:"port" yaml:"port"`
	Host            string `json:"host" yaml:"host"`
	AllowedOrigins  string `json:"allowed_origins" yaml:"allowed_origins"` // comma separated, "*" for any
	ReadTimeout     int    `json:"read_timeout" yaml:"read_timeout"`       // Seconds
	WriteTimeout    int    `json:"write_timeout" yaml:"write_timeout"`     // Seconds
	ShutdownTimeout int    `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// AuthConfig holds operator authentication configuration
type AuthConfig struct {
	Enabled             bool          `json:"enabled" yaml:"enabled"`
	JWTSecret           string        `json:"-" yaml:"-"`
	OperatorUser        string        `json:"operator_user" yaml:"operator_user"`
	OperatorPassHash    string        `json:"operator_password_hash" yaml:"operator_password_hash"` // bcrypt
	AccessTokenDuration time.Duration `json:"access_token_duration" yaml:"access_token_duration"`
}

// Default returns a configuration with every component at its production
// defaults
func Default() *Config {
	return &Config{
		BrokerConfig: BrokerConfig{
			BaseURL:           "https://paper-api.alpaca.markets",
			DataURL:           "https://data.alpaca.markets",
			Account:           "default",
			RequestsPerMinute: 180,
			RetryMax:          3,
			Timeout:           15 * time.Second,
			PaperEquity:       100000,
		},
		ProtectionConfig:     protection.DefaultConfig(),
		PolicyConfig:         policy.DefaultConfig(),
		GapRiskConfig:        gaprisk.DefaultConfig(),
		CircuitBreakerConfig: *circuit.DefaultCircuitBreakerConfig(),
		SchedulerConfig:      autopilot.DefaultConfig(),
		AdvisorConfig:        AdvisorConfig{ClientConfig: advisor.DefaultClientConfig()},
		LoggingConfig: LoggingConfig{
			Level:      "INFO",
			Output:     "stdout",
			JSONFormat: true,
		},
		DatabaseConfig: database.Config{
			Host:     "localhost",
			Port:     5432,
			User:     "guard",
			Database: "guard",
			SSLMode:  "disable",
		},
		RedisConfig: RedisConfig{
			Address:  "localhost:6379",
			PoolSize: 5,
		},
		VaultConfig: VaultConfig{
			Address:    "http://localhost:8200",
			MountPath:  "secret",
			SecretPath: "position-guard/broker",
		},
		ServerConfig: ServerConfig{
			Enabled:         true,
			Port:            8080,
			Host:            "0.0.0.0",
			AllowedOrigins:  "*",
			ReadTimeout:     30,
			WriteTimeout:    30,
			ShutdownTimeout: 10,
		},
		AuthConfig: AuthConfig{
			OperatorUser:        "operator",
			AccessTokenDuration: 15 * time.Minute,
		},
	}
}

// Load reads CONFIG_FILE (default config.json) over the defaults, then
// applies environment overrides. A missing file is not an error.
func Load() (*Config, error) {
	path := getEnvOrDefault("CONFIG_FILE", "config.json")
	cfg, err := loadFromFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		cfg = Default()
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadFile reads and validates a single file without environment overrides.
// Unlike Load, a missing file is an error.
func LoadFile(path string) (*Config, error) {
	cfg, err := loadFromFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Secrets are only ever read from the environment (or Vault).
func applyEnvOverrides(cfg *Config) {
	// Broker
	cfg.BrokerConfig.BaseURL = getEnvOrDefault("BROKER_BASE_URL", cfg.BrokerConfig.BaseURL)
	cfg.BrokerConfig.DataURL = getEnvOrDefault("BROKER_DATA_URL", cfg.BrokerConfig.DataURL)
	cfg.BrokerConfig.APIKey = getEnvOrDefault("BROKER_API_KEY", cfg.BrokerConfig.APIKey)
	cfg.BrokerConfig.SecretKey = getEnvOrDefault("BROKER_SECRET_KEY", cfg.BrokerConfig.SecretKey)
	cfg.BrokerConfig.Account = getEnvOrDefault("BROKER_ACCOUNT", cfg.BrokerConfig.Account)
	cfg.BrokerConfig.RequestsPerMinute = getEnvIntOrDefault("BROKER_REQUESTS_PER_MINUTE", cfg.BrokerConfig.RequestsPerMinute)

	// Scheduler
	cfg.SchedulerConfig.DryRun = getEnvBoolOrDefault("DRY_RUN", cfg.SchedulerConfig.DryRun)
	cfg.SchedulerConfig.ExtendedHoursMonitoring = getEnvBoolOrDefault("EXTENDED_HOURS_MONITORING", cfg.SchedulerConfig.ExtendedHoursMonitoring)
	cfg.SchedulerConfig.ExtendedHoursInterval = getEnvDurationOrDefault("EXTENDED_HOURS_INTERVAL", cfg.SchedulerConfig.ExtendedHoursInterval)

	// Circuit breaker
	cfg.CircuitBreakerConfig.Enabled = getEnvBoolOrDefault("CIRCUIT_BREAKER_ENABLED", cfg.CircuitBreakerConfig.Enabled)
	cfg.CircuitBreakerConfig.MaxDailyDrawdownPct = getEnvFloatOrDefault("CIRCUIT_MAX_DAILY_DRAWDOWN_PCT", cfg.CircuitBreakerConfig.MaxDailyDrawdownPct)
	cfg.CircuitBreakerConfig.FlashCrashPct = getEnvFloatOrDefault("CIRCUIT_FLASH_CRASH_PCT", cfg.CircuitBreakerConfig.FlashCrashPct)

	// Advisor
	cfg.AdvisorConfig.Enabled = getEnvBoolOrDefault("ADVISOR_ENABLED", cfg.AdvisorConfig.Enabled)
	cfg.AdvisorConfig.Provider = advisor.Provider(getEnvOrDefault("ADVISOR_PROVIDER", string(cfg.AdvisorConfig.Provider)))
	cfg.AdvisorConfig.APIKey = getEnvOrDefault("ADVISOR_API_KEY", cfg.AdvisorConfig.APIKey)
	cfg.AdvisorConfig.Model = getEnvOrDefault("ADVISOR_MODEL", cfg.AdvisorConfig.Model)

	// Notification
	cfg.NotificationConfig.Enabled = getEnvBoolOrDefault("NOTIFICATIONS_ENABLED", cfg.NotificationConfig.Enabled)
	cfg.NotificationConfig.Telegram.Enabled = getEnvBoolOrDefault("TELEGRAM_ENABLED", cfg.NotificationConfig.Telegram.Enabled)
	cfg.NotificationConfig.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.NotificationConfig.Telegram.BotToken)
	cfg.NotificationConfig.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.NotificationConfig.Telegram.ChatID)
	cfg.NotificationConfig.Discord.Enabled = getEnvBoolOrDefault("DISCORD_ENABLED", cfg.NotificationConfig.Discord.Enabled)
	cfg.NotificationConfig.Discord.WebhookURL = getEnvOrDefault("DISCORD_WEBHOOK_URL", cfg.NotificationConfig.Discord.WebhookURL)
	cfg.NotificationConfig.Email.Enabled = getEnvBoolOrDefault("SMTP_ENABLED", cfg.NotificationConfig.Email.Enabled)
	cfg.NotificationConfig.Email.Host = getEnvOrDefault("SMTP_HOST", cfg.NotificationConfig.Email.Host)
	cfg.NotificationConfig.Email.Port = getEnvOrDefault("SMTP_PORT", cfg.NotificationConfig.Email.Port)
	cfg.NotificationConfig.Email.Username = getEnvOrDefault("SMTP_USERNAME", cfg.NotificationConfig.Email.Username)
	cfg.NotificationConfig.Email.Password = getEnvOrDefault("SMTP_PASSWORD", cfg.NotificationConfig.Email.Password)
	cfg.NotificationConfig.Email.From = getEnvOrDefault("SMTP_FROM", cfg.NotificationConfig.Email.From)
	if to := os.Getenv("SMTP_TO"); to != "" {
		cfg.NotificationConfig.Email.To = splitList(to)
	}

	// Logging
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)
	cfg.LoggingConfig.JSONFormat = getEnvBoolOrDefault("LOG_JSON", cfg.LoggingConfig.JSONFormat)
	cfg.LoggingConfig.IncludeFile = getEnvBoolOrDefault("LOG_INCLUDE_FILE", cfg.LoggingConfig.IncludeFile)

	// Database
	cfg.DatabaseConfig.Enabled = getEnvBoolOrDefault("DB_ENABLED", cfg.DatabaseConfig.Enabled)
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Database)
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.DatabaseConfig.SSLMode)

	// Redis
	cfg.RedisConfig.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.RedisConfig.Enabled)
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)

	// Vault
	cfg.VaultConfig.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.VaultConfig.Enabled)
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", cfg.VaultConfig.MountPath)
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", cfg.VaultConfig.SecretPath)
	cfg.VaultConfig.TLSEnabled = getEnvBoolOrDefault("VAULT_TLS_ENABLED", cfg.VaultConfig.TLSEnabled)
	cfg.VaultConfig.CACert = getEnvOrDefault("VAULT_CACERT", cfg.VaultConfig.CACert)

	// Server
	cfg.ServerConfig.Enabled = getEnvBoolOrDefault("SERVER_ENABLED", cfg.ServerConfig.Enabled)
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", cfg.ServerConfig.AllowedOrigins)

	// Auth
	cfg.AuthConfig.Enabled = getEnvBoolOrDefault("AUTH_ENABLED", cfg.AuthConfig.Enabled)
	cfg.AuthConfig.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.AuthConfig.JWTSecret)
	cfg.AuthConfig.OperatorUser = getEnvOrDefault("AUTH_OPERATOR_USER", cfg.AuthConfig.OperatorUser)
	cfg.AuthConfig.OperatorPassHash = getEnvOrDefault("AUTH_OPERATOR_PASSWORD_HASH", cfg.AuthConfig.OperatorPassHash)
	cfg.AuthConfig.AccessTokenDuration = getEnvDurationOrDefault("AUTH_ACCESS_TOKEN_DURATION", cfg.AuthConfig.AccessTokenDuration)
}

// loadFromFile decodes over the defaults so a partial file keeps the rest
func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	config := Default()
	if isYAML(filename) {
		err = yaml.Unmarshal(file, config)
	} else {
		err = json.Unmarshal(file, config)
	}
	if err != nil {
		return nil, fmt.Errorf("error parsing config file %s: %w", filename, err)
	}

	return config, nil
}

func isYAML(filename string) bool {
	lower := strings.ToLower(filename)
	return strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml")
}

// Validate rejects impossible values
func (c *Config) Validate() error {
	if err := c.PolicyConfig.Validate(); err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	if err := c.SchedulerConfig.Validate(); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	p := c.ProtectionConfig
	if p.StopLossPct <= 0 || p.StopLossPct >= 1 {
		return fmt.Errorf("protection: stop_loss_pct must be in (0, 1), got %v", p.StopLossPct)
	}
	if p.MaxAttempts <= 0 || p.LiquidationAttempts <= 0 {
		return errors.New("protection: attempt counts must be positive")
	}
	if p.InitialBackoff < 0 || p.LiquidationBackoff < 0 {
		return errors.New("protection: backoff must not be negative")
	}

	g := c.GapRiskConfig
	if g.PreMarketThresholdPct <= 0 || g.AfterHoursThresholdPct <= 0 {
		return errors.New("gap_risk: thresholds must be positive percentages")
	}
	if g.ExtendedLossCutPct >= 0 {
		return errors.New("gap_risk: extended_loss_cut_pct must be a negative percentage")
	}
	if g.LimitOffsetPct < 0 {
		return errors.New("gap_risk: limit_offset_pct must not be negative")
	}
	if g.RecordCloseHour < 0 || g.RecordCloseHour > 23 || g.RecordCloseMinute < 0 || g.RecordCloseMinute > 59 {
		return errors.New("gap_risk: record close time out of range")
	}

	cb := c.CircuitBreakerConfig
	if cb.Enabled && (cb.MaxDailyDrawdownPct <= 0 || cb.FlashCrashPct <= 0 || cb.FlashCrashWindow <= 0) {
		return errors.New("circuit_breaker: thresholds and window must be positive")
	}

	if c.AuthConfig.Enabled && c.AuthConfig.JWTSecret == "" {
		return errors.New("auth: AUTH_JWT_SECRET is required when auth is enabled")
	}
	if c.ServerConfig.Enabled && (c.ServerConfig.Port <= 0 || c.ServerConfig.Port > 65535) {
		return fmt.Errorf("server: invalid port %d", c.ServerConfig.Port)
	}
	return nil
}

// Origins splits the CORS origin list
func (s ServerConfig) Origins() []string {
	return splitList(s.AllowedOrigins)
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// GenerateSampleConfig writes the defaults to filename, as YAML when the
// extension asks for it
func GenerateSampleConfig(filename string) error {
	cfg := Default()
	cfg.BrokerConfig.PaperPositions = []PaperPosition{
		{Symbol: "AAPL", Qty: 10, AvgEntryPrice: 180, CurrentPrice: 182.5},
	}

	var (
		data []byte
		err  error
	)
	if isYAML(filename) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}
