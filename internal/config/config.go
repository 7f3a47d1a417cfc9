// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// DiscordToken is the bot token; required by cmd/server.
	DiscordToken string `mapstructure:"DISCORD_TOKEN"`
	// DiscordGuildID registers slash commands to a single guild (fast propagation in development).
	// Empty registers them globally.
	DiscordGuildID string `mapstructure:"DISCORD_GUILD_ID"`
	// DatabaseURL is the Postgres DSN.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// DBMaxOpenConns bounds the pgx pool; DBMaxIdleConns keeps warm connections.
	DBMaxOpenConns int `mapstructure:"DB_MAX_OPEN_CONNS"`
	DBMaxIdleConns int `mapstructure:"DB_MAX_IDLE_CONNS"`
	// MigrateOnStart applies embedded migrations before the bot connects.
	MigrateOnStart bool `mapstructure:"MIGRATE_ON_START"`

	// SMTP relay for passcode mail. SMTPUser empty disables SMTP AUTH.
	SMTPHost string `mapstructure:"SMTP_HOST"`
	SMTPPort int    `mapstructure:"SMTP_PORT"`
	SMTPUser string `mapstructure:"SMTP_USER"`
	SMTPPass string `mapstructure:"SMTP_PASS"`
	SMTPFrom string `mapstructure:"SMTP_FROM"`
	// RequiredEmailDomain is the institutional domain every submitted address must end with.
	RequiredEmailDomain string `mapstructure:"REQUIRED_EMAIL_DOMAIN"`

	// SyncConcurrency bounds in-flight Discord calls during role synchronization (1-64).
	SyncConcurrency int `mapstructure:"SYNC_CONCURRENCY"`
	// SyncItemTimeout bounds one member lookup plus grant.
	SyncItemTimeout time.Duration `mapstructure:"SYNC_ITEM_TIMEOUT"`

	// Passcode issuance and attempt limits per user: burst tokens, one refilled per interval. Burst 0 disables.
	OTPIssueBurst      int           `mapstructure:"OTP_ISSUE_BURST"`
	OTPIssueInterval   time.Duration `mapstructure:"OTP_ISSUE_INTERVAL"`
	OTPAttemptBurst    int           `mapstructure:"OTP_ATTEMPT_BURST"`
	OTPAttemptInterval time.Duration `mapstructure:"OTP_ATTEMPT_INTERVAL"`

	// CommandPolicyPath overrides the embedded Rego command policy.
	CommandPolicyPath string `mapstructure:"COMMAND_POLICY_PATH"`

	// HealthAddr is where the gRPC health service listens (e.g. :8081).
	HealthAddr string `mapstructure:"HEALTH_ADDR"`

	// OTLP export (optional). Empty endpoint keeps traces, metrics and events in-process.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure bool   `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	ServiceName  string `mapstructure:"OTEL_SERVICE_NAME"`

	// Verification events (optional). When brokers are set, lifecycle events are published to Kafka.
	// KafkaBrokers is a comma-separated list of broker addresses (e.g. "localhost:9092").
	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// VerificationTopic is the Kafka topic for verification events.
	VerificationTopic string `mapstructure:"VERIFICATION_KAFKA_TOPIC"`
	// KafkaGroupID is the consumer group of cmd/worker.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogPretty bool   `mapstructure:"LOG_PRETTY"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("DISCORD_TOKEN", "")
	v.SetDefault("DISCORD_GUILD_ID", "")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)
	v.SetDefault("MIGRATE_ON_START", false)
	v.SetDefault("SMTP_HOST", "")
	v.SetDefault("SMTP_PORT", 587)
	v.SetDefault("SMTP_USER", "")
	v.SetDefault("SMTP_PASS", "")
	v.SetDefault("SMTP_FROM", "")
	v.SetDefault("REQUIRED_EMAIL_DOMAIN", "imperial.ac.uk")
	v.SetDefault("SYNC_CONCURRENCY", 8)
	v.SetDefault("SYNC_ITEM_TIMEOUT", "15s")
	v.SetDefault("OTP_ISSUE_BURST", 3)
	v.SetDefault("OTP_ISSUE_INTERVAL", "10m")
	v.SetDefault("OTP_ATTEMPT_BURST", 5)
	v.SetDefault("OTP_ATTEMPT_INTERVAL", "1m")
	v.SetDefault("COMMAND_POLICY_PATH", "")
	v.SetDefault("HEALTH_ADDR", ":8081")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("OTEL_SERVICE_NAME", "verifybot")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("VERIFICATION_KAFKA_TOPIC", "verifybot-verification")
	v.SetDefault("KAFKA_GROUP_ID", "verifybot-rolesync-worker")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PRETTY", false)
	v.SetDefault("APP_ENV", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.RequiredEmailDomain = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(cfg.RequiredEmailDomain), "@"))

	if cfg.SyncConcurrency < 1 || cfg.SyncConcurrency > 64 {
		return nil, errors.New("config: SYNC_CONCURRENCY must be between 1 and 64")
	}
	if cfg.SyncItemTimeout <= 0 {
		return nil, errors.New("config: SYNC_ITEM_TIMEOUT must be positive")
	}
	if cfg.OTPIssueBurst < 0 || cfg.OTPAttemptBurst < 0 {
		return nil, errors.New("config: OTP_ISSUE_BURST and OTP_ATTEMPT_BURST must not be negative")
	}
	if cfg.OTPIssueInterval <= 0 || cfg.OTPAttemptInterval <= 0 {
		return nil, errors.New("config: OTP_ISSUE_INTERVAL and OTP_ATTEMPT_INTERVAL must be positive")
	}
	if cfg.SMTPPort < 1 || cfg.SMTPPort > 65535 {
		return nil, errors.New("config: SMTP_PORT must be between 1 and 65535")
	}
	if cfg.DBMaxOpenConns < 1 {
		return nil, errors.New("config: DB_MAX_OPEN_CONNS must be at least 1")
	}
	if cfg.DBMaxIdleConns > cfg.DBMaxOpenConns {
		cfg.DBMaxIdleConns = cfg.DBMaxOpenConns
	}
	if cfg.HealthAddr == "" {
		return nil, errors.New("config: HEALTH_ADDR must be set")
	}

	return &cfg, nil
}

// RequireBot checks the fields cmd/server cannot start without.
func (c *Config) RequireBot() error {
	var missing []string
	for _, f := range []struct{ key, val string }{
		{"DISCORD_TOKEN", c.DiscordToken},
		{"DATABASE_URL", c.DatabaseURL},
		{"SMTP_HOST", c.SMTPHost},
		{"SMTP_FROM", c.SMTPFrom},
	} {
		if strings.TrimSpace(f.val) == "" {
			missing = append(missing, f.key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: missing required settings: %s", strings.Join(missing, ", "))
	}
	return nil
}

// KafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// An empty list disables event publishing.
func (c *Config) KafkaBrokersList() []string {
	if c == nil || c.KafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.KafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
