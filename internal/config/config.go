// Package config provides configuration loading, validation, and defaults
// for the adsbot runtime. Values come from defaults, an optional config.yaml,
// and BOT_* environment variables, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config defines the application configuration for all components of the
// bot runtime: logging, storage, the dedup lock, the HTTP surface, and the
// worker supervisor.
type Config struct {
	LogLevel  string `mapstructure:"log_level"  validate:"oneof=debug info warn error"`
	LogFormat string `mapstructure:"log_format" validate:"oneof=json text"`

	DBPath string `mapstructure:"db_path" validate:"required"`

	// RedisAddr enables the shared Redis dedup-lock store. When empty the
	// runtime falls back to an in-process lock, which is only safe when a
	// single node handles all updates for a bot.
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`

	HTTPListenAddr string `mapstructure:"http_listen_addr" validate:"required"`

	// WebhookBaseURL is the public HTTPS base used when registering
	// webhooks (e.g. https://ads.example.com). Webhook activation fails
	// without it; polling bots do not need it.
	WebhookBaseURL string `mapstructure:"webhook_base_url" validate:"omitempty,url,startswith=https://"`

	// TelegramAPIBaseURL is overridable for tests.
	TelegramAPIBaseURL string `mapstructure:"telegram_api_base_url" validate:"required,url"`

	PollTimeout time.Duration `mapstructure:"poll_timeout"  validate:"min=1s,max=50s"`
	PollLimit   int           `mapstructure:"poll_limit"    validate:"min=1,max=100"`

	SupervisorInterval   time.Duration `mapstructure:"supervisor_interval"    validate:"min=1s"`
	WebhookCheckInterval time.Duration `mapstructure:"webhook_check_interval" validate:"min=1s"`
	HeartbeatThreshold   time.Duration `mapstructure:"heartbeat_threshold"    validate:"min=10s"`
	ShutdownGracePeriod  time.Duration `mapstructure:"shutdown_grace_period"  validate:"min=1s"`

	MaxConsecutiveErrors int `mapstructure:"max_consecutive_errors" validate:"min=1"`
}

// Load reads configuration from config.yaml (optional), applies defaults,
// overlays BOT_* environment variables, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("BOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// A missing config file is fine; defaults plus env must suffice.
	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	v.SetDefault("db_path", "adsbot.db")

	v.SetDefault("http_listen_addr", ":8090")
	v.SetDefault("telegram_api_base_url", "https://api.telegram.org")

	v.SetDefault("poll_timeout", 25*time.Second)
	v.SetDefault("poll_limit", 100)

	v.SetDefault("supervisor_interval", 10*time.Second)
	v.SetDefault("webhook_check_interval", 60*time.Second)
	v.SetDefault("heartbeat_threshold", 90*time.Second)
	v.SetDefault("shutdown_grace_period", 10*time.Second)

	v.SetDefault("max_consecutive_errors", 15)
}
