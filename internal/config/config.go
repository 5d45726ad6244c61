package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Storage  StorageConfig  `yaml:"storage"`
	Polling  PollingConfig  `yaml:"polling"`
	Source   SourceConfig   `yaml:"source"`
	Telegram TelegramConfig `yaml:"telegram"`
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// StorageConfig holds storage-related configuration
type StorageConfig struct {
	Type        string        `yaml:"type" env:"STORAGE_TYPE"` // "memory", "sqlite", "dynamodb", "mongodb", "postgresql", "redis"
	SQLitePath  string        `yaml:"sqlite_path" env:"SQLITE_PATH"`
	Region      string        `yaml:"region" env:"AWS_REGION"` // For AWS DynamoDB
	TableName   string        `yaml:"table_name" env:"TABLE_NAME"`
	Endpoint    string        `yaml:"endpoint" env:"DYNAMODB_ENDPOINT"` // Custom endpoint for local testing
	MongoDBURI  string        `yaml:"mongodb_uri" env:"MONGODB_URI"`
	MongoDBName string        `yaml:"mongodb_database" env:"MONGODB_DATABASE"`
	PostgresURI string        `yaml:"postgres_uri" env:"POSTGRES_URI"`
	RedisURL    string        `yaml:"redis_url" env:"REDIS_URL"`
	Timeout     time.Duration `yaml:"timeout" env:"STORAGE_TIMEOUT"`
}

// PollingConfig holds scheduler-related configuration
type PollingConfig struct {
	Target          string        `yaml:"target" env:"TARGET_USERNAME"`
	AutoStart       bool          `yaml:"auto_start" env:"POLLING_AUTO_START"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout" env:"FETCH_TIMEOUT"`
	WarmupDelay     time.Duration `yaml:"warmup_delay" env:"POLLING_WARMUP_DELAY"`
	RestartDelay    time.Duration `yaml:"restart_delay" env:"POLLING_RESTART_DELAY"`
	ErrorRetryDelay time.Duration `yaml:"error_retry_delay" env:"POLLING_ERROR_RETRY_DELAY"`
	HealthInterval  time.Duration `yaml:"health_interval" env:"HEALTH_CHECK_INTERVAL"`
	SweepInterval   time.Duration `yaml:"sweep_interval" env:"RETENTION_SWEEP_INTERVAL"`
	Retention       time.Duration `yaml:"retention" env:"RETENTION_PERIOD"`
	IntervalUnit    time.Duration `yaml:"interval_unit" env:"POLLING_INTERVAL_UNIT"`
}

// SourceConfig holds profile page fetching configuration
type SourceConfig struct {
	BaseURL   string `yaml:"base_url" env:"SOURCE_BASE_URL"`
	UserAgent string `yaml:"user_agent" env:"SOURCE_USER_AGENT"`
}

// TelegramConfig holds bot API configuration
type TelegramConfig struct {
	BotToken       string        `yaml:"bot_token" env:"TELEGRAM_BOT_TOKEN"`
	ChatID         string        `yaml:"chat_id" env:"TELEGRAM_CHANNEL_ID"`
	APIBaseURL     string        `yaml:"api_base_url" env:"TELEGRAM_API_BASE_URL"`
	MinInterval    time.Duration `yaml:"min_interval" env:"TELEGRAM_MIN_INTERVAL"`
	MaxAttempts    int           `yaml:"max_attempts" env:"TELEGRAM_MAX_ATTEMPTS"`
	BaseBackoff    time.Duration `yaml:"base_backoff" env:"TELEGRAM_BASE_BACKOFF"`
	RequestTimeout time.Duration `yaml:"request_timeout" env:"TELEGRAM_REQUEST_TIMEOUT"`
	StartupNotice  bool          `yaml:"startup_notice" env:"TELEGRAM_STARTUP_NOTICE"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int `yaml:"port" env:"SERVER_PORT"`
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"` // "text" or "json"
	File   string `yaml:"file" env:"LOG_FILE"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Type:        "sqlite",
			SQLitePath:  "story-relay.db",
			Region:      "us-west-2",
			TableName:   "story_relay",
			MongoDBName: "story_relay",
			Timeout:     10 * time.Second,
		},
		Polling: PollingConfig{
			AutoStart:       true,
			FetchTimeout:    30 * time.Second,
			WarmupDelay:     10 * time.Second,
			RestartDelay:    5 * time.Second,
			ErrorRetryDelay: 5 * time.Minute,
			HealthInterval:  10 * time.Minute,
			SweepInterval:   24 * time.Hour,
			Retention:       28 * 24 * time.Hour,
			IntervalUnit:    time.Minute,
		},
		Source: SourceConfig{
			BaseURL:   "https://www.snapchat.com/add/",
			UserAgent: "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
		},
		Telegram: TelegramConfig{
			APIBaseURL:     "https://api.telegram.org",
			MinInterval:    time.Second,
			MaxAttempts:    3,
			BaseBackoff:    time.Second,
			RequestTimeout: 60 * time.Second,
		},
		Server: ServerConfig{
			Port: 8000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds configuration from defaults, an optional YAML file named by
// CONFIG_FILE, and environment variables, in that order of precedence.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate reports invalid or missing values
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Type {
	case "memory", "sqlite", "dynamodb", "mongodb", "postgresql", "redis":
	default:
		errs = append(errs, fmt.Errorf("unsupported storage type: %q", c.Storage.Type))
	}
	if c.Storage.Type == "postgresql" && c.Storage.PostgresURI == "" {
		errs = append(errs, errors.New("POSTGRES_URI is required for postgresql storage"))
	}
	if c.Storage.Type == "mongodb" && c.Storage.MongoDBURI == "" {
		errs = append(errs, errors.New("MONGODB_URI is required for mongodb storage"))
	}
	if c.Storage.Type == "redis" && c.Storage.RedisURL == "" {
		errs = append(errs, errors.New("REDIS_URL is required for redis storage"))
	}
	if c.Telegram.MaxAttempts < 1 {
		errs = append(errs, errors.New("telegram max attempts must be at least 1"))
	}
	if c.Polling.IntervalUnit <= 0 {
		errs = append(errs, errors.New("polling interval unit must be positive"))
	}
	if c.Server.Port <= 0 {
		errs = append(errs, fmt.Errorf("invalid server port: %d", c.Server.Port))
	}

	return errors.Join(errs...)
}

// TelegramEnabled reports whether bot credentials are present
func (c *Config) TelegramEnabled() bool {
	return c.Telegram.BotToken != "" && c.Telegram.ChatID != ""
}
