package config

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// MinRetentionDays is the shortest audit retention allowed (seven years).
const MinRetentionDays = 2555

type Config struct {
	Port                   string   `mapstructure:"PORT"`
	Env                    string   `mapstructure:"ENV"`
	DatabaseURL            string   `mapstructure:"DATABASE_URL"`
	DBMaxConns             int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns             int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL               string   `mapstructure:"REDIS_URL"`
	AuthIssuer             string   `mapstructure:"AUTH_ISSUER"`
	AuthAudience           string   `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey         string   `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins            []string `mapstructure:"CORS_ORIGINS"`
	HIPAAEncryptionKey     string   `mapstructure:"HIPAA_ENCRYPTION_KEY"`
	EncryptionAlgorithm    string   `mapstructure:"ENCRYPTION_ALGORITHM"`
	AuditRetentionDays     int      `mapstructure:"AUDIT_RETENTION_DAYS"`
	RetentionSchedule      string   `mapstructure:"RETENTION_SCHEDULE"`
	FailedLoginThreshold   int      `mapstructure:"FAILED_LOGIN_THRESHOLD"`
	BulkPHIAccessThreshold int      `mapstructure:"BULK_PHI_ACCESS_THRESHOLD"`
	LiveBufferSize         int      `mapstructure:"LIVE_BUFFER_SIZE"`
	MetricsEnabled         bool     `mapstructure:"METRICS_ENABLED"`
	RateLimitRPS           float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst         int      `mapstructure:"RATE_LIMIT_BURST"`
	BodyLimit              string   `mapstructure:"BODY_LIMIT"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY", "CORS_ORIGINS",
	"HIPAA_ENCRYPTION_KEY", "ENCRYPTION_ALGORITHM", "AUDIT_RETENTION_DAYS",
	"RETENTION_SCHEDULE", "FAILED_LOGIN_THRESHOLD", "BULK_PHI_ACCESS_THRESHOLD",
	"LIVE_BUFFER_SIZE", "METRICS_ENABLED", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"BODY_LIMIT",
}

// Load reads configuration from the environment and an optional .env file.
// An empty DATABASE_URL selects in-memory stores.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("ENCRYPTION_ALGORITHM", "AES-256-GCM")
	v.SetDefault("AUDIT_RETENTION_DAYS", MinRetentionDays)
	v.SetDefault("RETENTION_SCHEDULE", "0 3 * * *")
	v.SetDefault("FAILED_LOGIN_THRESHOLD", 5)
	v.SetDefault("BULK_PHI_ACCESS_THRESHOLD", 50)
	v.SetDefault("LIVE_BUFFER_SIZE", 256)
	v.SetDefault("METRICS_ENABLED", true)
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("BODY_LIMIT", "1M")

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// A missing .env is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// UsesPostgres reports whether durable stores are configured.
func (c *Config) UsesPostgres() bool {
	return c.DatabaseURL != ""
}

// EncryptionKeySeed decodes HIPAA_ENCRYPTION_KEY. It returns nil when no
// seed is configured.
func (c *Config) EncryptionKeySeed() ([]byte, error) {
	if c.HIPAAEncryptionKey == "" {
		return nil, nil
	}
	seed, err := hex.DecodeString(c.HIPAAEncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("HIPAA_ENCRYPTION_KEY is not valid hex: %w", err)
	}
	return seed, nil
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if c.IsProduction() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is required in production")
	}

	keySize := 0
	switch c.EncryptionAlgorithm {
	case "AES-256-GCM":
		keySize = 32
	case "AES-128-GCM":
		keySize = 16
	default:
		return fmt.Errorf("ENCRYPTION_ALGORITHM must be \"AES-256-GCM\" or \"AES-128-GCM\", got %q", c.EncryptionAlgorithm)
	}

	if c.IsProduction() && c.HIPAAEncryptionKey == "" {
		return fmt.Errorf("HIPAA_ENCRYPTION_KEY is required in production")
	}
	seed, err := c.EncryptionKeySeed()
	if err != nil {
		return err
	}
	if seed != nil && len(seed) != keySize {
		return fmt.Errorf("HIPAA_ENCRYPTION_KEY must be %d bytes (%d hex chars) for %s, got %d bytes",
			keySize, keySize*2, c.EncryptionAlgorithm, len(seed))
	}

	if c.AuditRetentionDays < MinRetentionDays {
		return fmt.Errorf("AUDIT_RETENTION_DAYS must be at least %d, got %d", MinRetentionDays, c.AuditRetentionDays)
	}
	if _, err := cron.ParseStandard(c.RetentionSchedule); err != nil {
		return fmt.Errorf("RETENTION_SCHEDULE is not a valid cron expression: %w", err)
	}

	if c.FailedLoginThreshold < 1 {
		return fmt.Errorf("FAILED_LOGIN_THRESHOLD must be positive, got %d", c.FailedLoginThreshold)
	}
	if c.BulkPHIAccessThreshold < 1 {
		return fmt.Errorf("BULK_PHI_ACCESS_THRESHOLD must be positive, got %d", c.BulkPHIAccessThreshold)
	}
	if c.LiveBufferSize < 1 {
		return fmt.Errorf("LIVE_BUFFER_SIZE must be positive, got %d", c.LiveBufferSize)
	}
	// A zero rate disables limiting.
	if c.RateLimitRPS < 0 || (c.RateLimitRPS > 0 && c.RateLimitBurst < 1) {
		return fmt.Errorf("RATE_LIMIT_RPS must be >= 0 with a positive RATE_LIMIT_BURST")
	}
	return nil
}
