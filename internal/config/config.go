package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Idempotency backends
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config holds all application configuration
type Config struct {
	Server       ServerConfig                 `mapstructure:"server"`
	Database     DatabaseConfig               `mapstructure:"database"`
	Logger       LoggerConfig                 `mapstructure:"logger"`
	OpenAI       OpenAIConfig                 `mapstructure:"openai"`
	Idempotency  IdempotencyConfig            `mapstructure:"idempotency"`
	Duplicate    DuplicateConfig              `mapstructure:"duplicate"`
	Pipeline     PipelineConfig               `mapstructure:"pipeline"`
	Retry        map[string]RetryPolicyConfig `mapstructure:"retry"`
	Webhook      WebhookConfig                `mapstructure:"webhook"`
	Notification NotificationConfig           `mapstructure:"notification"`
	Storage      StorageConfig                `mapstructure:"storage"`
	Export       ExportConfig                 `mapstructure:"export"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
}

// DatabaseConfig holds sqlite configuration
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	OutputPath string `mapstructure:"output_path"`
	Format     string `mapstructure:"format"`
}

// OpenAIConfig holds OpenAI API configuration
type OpenAIConfig struct {
	APIKey      string `mapstructure:"api_key"`
	BaseURL     string `mapstructure:"base_url"`
	Model       string `mapstructure:"model"`
	PromptsPath string `mapstructure:"prompts_path"`
}

// IdempotencyConfig selects and configures the idempotency store
type IdempotencyConfig struct {
	Backend     string        `mapstructure:"backend"`
	Retention   time.Duration `mapstructure:"retention"`
	PostgresDSN string        `mapstructure:"postgres_dsn"`
	RedisURL    string        `mapstructure:"redis_url"`
	RedisPrefix string        `mapstructure:"redis_prefix"`
}

// DuplicateConfig configures duplicate detection
type DuplicateConfig struct {
	Window time.Duration `mapstructure:"window"`
}

// PipelineConfig configures the orchestrator
type PipelineConfig struct {
	BatchSize         int           `mapstructure:"batch_size"`
	AITimeout         time.Duration `mapstructure:"ai_timeout"`
	MaxMessageBytes   int           `mapstructure:"max_message_bytes"`
	BreakerThreshold  int           `mapstructure:"breaker_threshold"`
	BreakerCooldown   time.Duration `mapstructure:"breaker_cooldown"`
	RetentionInterval time.Duration `mapstructure:"retention_interval"`
}

// RetryPolicyConfig overrides fields of a named retry policy. Zero values
// keep the built-in setting.
type RetryPolicyConfig struct {
	MaxRetries *int          `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
	Multiplier float64       `mapstructure:"multiplier"`
	Jitter     time.Duration `mapstructure:"jitter"`
}

// WebhookConfig holds provider signing secrets
type WebhookConfig struct {
	Secrets      map[string]string `mapstructure:"secrets"`
	ReplayWindow time.Duration     `mapstructure:"replay_window"`
}

// NotificationConfig configures the Lark notification sink
type NotificationConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	AppID       string        `mapstructure:"lark_app_id"`
	AppSecret   string        `mapstructure:"lark_app_secret"`
	BaseURL     string        `mapstructure:"lark_base_url"`
	AdminChatID string        `mapstructure:"admin_chat_id"`
	RateLimit   int           `mapstructure:"rate_limit"`
	RateWindow  time.Duration `mapstructure:"rate_window"`
}

// StorageConfig configures raw email storage
type StorageConfig struct {
	RawDir       string        `mapstructure:"raw_dir"`
	RawRetention time.Duration `mapstructure:"raw_retention"`
}

// ExportConfig configures transaction exports
type ExportConfig struct {
	OutputDir string `mapstructure:"output_dir"`
}

// Load reads configuration. Variables from a .env file in the working
// directory are loaded first without overriding the real environment. An
// empty configPath runs on defaults and environment only.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	bindEnvVars(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 120*time.Second)
	v.SetDefault("server.max_body_bytes", 25<<20)

	v.SetDefault("database.path", "data/receipts.db")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.output_path", "stdout")
	v.SetDefault("logger.format", "json")

	v.SetDefault("openai.model", "gpt-4o-mini")

	v.SetDefault("idempotency.backend", BackendSQLite)
	v.SetDefault("idempotency.retention", 30*24*time.Hour)
	v.SetDefault("idempotency.redis_prefix", "receipts:idem:")

	v.SetDefault("duplicate.window", 72*time.Hour)

	v.SetDefault("pipeline.batch_size", 10)
	v.SetDefault("pipeline.ai_timeout", 30*time.Second)
	v.SetDefault("pipeline.max_message_bytes", 25<<20)
	v.SetDefault("pipeline.breaker_threshold", 5)
	v.SetDefault("pipeline.breaker_cooldown", 60*time.Second)
	v.SetDefault("pipeline.retention_interval", time.Hour)

	v.SetDefault("webhook.replay_window", 5*time.Minute)

	v.SetDefault("notification.enabled", false)
	v.SetDefault("notification.rate_limit", 20)
	v.SetDefault("notification.rate_window", time.Hour)

	v.SetDefault("storage.raw_dir", "data/raw")
	v.SetDefault("storage.raw_retention", 90*24*time.Hour)

	v.SetDefault("export.output_dir", "exports")
}

// bindEnvVars binds secrets to their conventional variable names
func bindEnvVars(v *viper.Viper) {
	_ = v.BindEnv("openai.api_key", "OPENAI_API_KEY")
	_ = v.BindEnv("openai.base_url", "OPENAI_BASE_URL")
	_ = v.BindEnv("idempotency.postgres_dsn", "DATABASE_URL")
	_ = v.BindEnv("idempotency.redis_url", "REDIS_URL")
	_ = v.BindEnv("notification.lark_app_id", "LARK_APP_ID")
	_ = v.BindEnv("notification.lark_app_secret", "LARK_APP_SECRET")
	_ = v.BindEnv("notification.admin_chat_id", "LARK_ADMIN_CHAT_ID")
	_ = v.BindEnv("webhook.secrets.mailgun", "MAILGUN_WEBHOOK_KEY")
	_ = v.BindEnv("webhook.secrets.generic", "WEBHOOK_SECRET")
	_ = v.BindEnv("webhook.secrets.postmark", "POSTMARK_WEBHOOK_KEY")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.OpenAI.APIKey == "" {
		return fmt.Errorf("openai.api_key is required")
	}

	switch c.Idempotency.Backend {
	case BackendSQLite:
	case BackendPostgres:
		if c.Idempotency.PostgresDSN == "" {
			return fmt.Errorf("idempotency.postgres_dsn is required for the postgres backend")
		}
	case BackendRedis:
		if c.Idempotency.RedisURL == "" {
			return fmt.Errorf("idempotency.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown idempotency.backend %q", c.Idempotency.Backend)
	}
	if c.Idempotency.Retention <= 0 {
		return fmt.Errorf("idempotency.retention must be positive")
	}

	if c.Pipeline.BatchSize <= 0 {
		return fmt.Errorf("pipeline.batch_size must be positive")
	}
	if c.Pipeline.AITimeout <= 0 {
		return fmt.Errorf("pipeline.ai_timeout must be positive")
	}

	if c.Notification.Enabled && (c.Notification.AppID == "" || c.Notification.AppSecret == "") {
		return fmt.Errorf("notification.lark_app_id and notification.lark_app_secret are required when notifications are enabled")
	}

	return nil
}
