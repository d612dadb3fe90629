// Package config provides configuration management for the application.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/user/gitrelay/internal/storage"
)

// Supported chat platforms.
const (
	PlatformTelegram = "telegram"
	PlatformDiscord  = "discord"
	PlatformSlack    = "slack"
)

// Config represents the application configuration.
type Config struct {
	Chat     ChatConfig     `mapstructure:"chat"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Discord  DiscordConfig  `mapstructure:"discord"`
	Slack    SlackConfig    `mapstructure:"slack"`
	GitHub   GitHubConfig   `mapstructure:"github"`
	Database DatabaseConfig `mapstructure:"database"`
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Notifier NotifierConfig `mapstructure:"notifier"`
	Registry RegistryConfig `mapstructure:"registry"`
}

// ChatConfig selects the chat platform notifications go to.
type ChatConfig struct {
	Platform string `mapstructure:"platform"`
}

// TelegramConfig holds Telegram bot configuration.
type TelegramConfig struct {
	Token string `mapstructure:"token"`
	Debug bool   `mapstructure:"debug"`
}

// DiscordConfig holds Discord bot configuration.
type DiscordConfig struct {
	Token  string `mapstructure:"token"`
	Prefix string `mapstructure:"prefix"`
}

// SlackConfig holds Slack app configuration.
type SlackConfig struct {
	Token         string `mapstructure:"token"`
	SigningSecret string `mapstructure:"signing_secret"`
	Debug         bool   `mapstructure:"debug"`
}

// GitHub ingestion modes.
const (
	ModeWebhook = "webhook"
	ModePolling = "polling"
	ModeBoth    = "both"
)

// GitHubConfig holds GitHub API configuration.
type GitHubConfig struct {
	Token         string        `mapstructure:"token"`
	WebhookSecret string        `mapstructure:"webhook_secret"`
	Mode          string        `mapstructure:"mode"`          // webhook, polling, or both
	PollInterval  time.Duration `mapstructure:"poll_interval"` // events API polling interval
}

// Webhooks reports whether the webhook endpoint is served.
func (g GitHubConfig) Webhooks() bool { return g.Mode == ModeWebhook || g.Mode == ModeBoth }

// Polling reports whether subscribed repositories are polled.
func (g GitHubConfig) Polling() bool { return g.Mode == ModePolling || g.Mode == ModeBoth }

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // sqlite3 or postgres
	DSN    string `mapstructure:"dsn"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// NotifierConfig tunes event delivery.
type NotifierConfig struct {
	Workers         int           `mapstructure:"workers"`
	QueueSize       int           `mapstructure:"queue_size"`
	Fanout          int           `mapstructure:"fanout"`
	RatePerSec      int           `mapstructure:"rate_per_sec"`
	DeliveryTimeout time.Duration `mapstructure:"delivery_timeout"`
}

// RegistryConfig tunes loading and reconciliation of channel records.
type RegistryConfig struct {
	LoadAttempts      int           `mapstructure:"load_attempts"`
	LoadBackoff       time.Duration `mapstructure:"load_backoff"`
	ReadyTimeout      time.Duration `mapstructure:"ready_timeout"`
	ReconcileSchedule string        `mapstructure:"reconcile_schedule"` // cron spec, empty disables
}

// Load reads configuration from a .env file, a config file and environment variables.
func Load(configPath string) (*Config, error) {
	// A missing .env is normal outside development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error reading .env file: %w", err)
	}

	v := viper.New()

	// Set defaults
	v.SetDefault("chat.platform", PlatformTelegram)
	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.debug", false)
	v.SetDefault("discord.token", "")
	v.SetDefault("discord.prefix", "G! ")
	v.SetDefault("slack.token", "")
	v.SetDefault("slack.signing_secret", "")
	v.SetDefault("slack.debug", false)
	v.SetDefault("github.token", "")
	v.SetDefault("github.webhook_secret", "")
	v.SetDefault("github.mode", ModeWebhook)
	v.SetDefault("github.poll_interval", 5*time.Minute)
	v.SetDefault("database.driver", storage.DriverSQLite)
	v.SetDefault("database.dsn", "./data/gitrelay.db")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("notifier.workers", 4)
	v.SetDefault("notifier.queue_size", 256)
	v.SetDefault("notifier.fanout", 8)
	v.SetDefault("notifier.rate_per_sec", 20)
	v.SetDefault("notifier.delivery_timeout", 15*time.Second)
	v.SetDefault("registry.load_attempts", 5)
	v.SetDefault("registry.load_backoff", time.Second)
	v.SetDefault("registry.ready_timeout", 30*time.Second)
	v.SetDefault("registry.reconcile_schedule", "@every 30m")

	// Read config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Read environment variables
	v.SetEnvPrefix("GITRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	cfg.Chat.Platform = strings.ToLower(strings.TrimSpace(cfg.Chat.Platform))

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks if all required configuration fields are set.
func (c *Config) Validate() error {
	switch c.Chat.Platform {
	case PlatformTelegram:
		if c.Telegram.Token == "" {
			return fmt.Errorf("telegram token is required")
		}
	case PlatformDiscord:
		if c.Discord.Token == "" {
			return fmt.Errorf("discord token is required")
		}
	case PlatformSlack:
		if c.Slack.Token == "" {
			return fmt.Errorf("slack token is required")
		}
	default:
		return fmt.Errorf("unknown chat platform %q", c.Chat.Platform)
	}

	switch c.GitHub.Mode {
	case ModeWebhook, ModePolling, ModeBoth:
	default:
		return fmt.Errorf("unknown github mode %q", c.GitHub.Mode)
	}

	switch c.Database.Driver {
	case storage.DriverSQLite, storage.DriverPostgres:
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database dsn is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	return nil
}

// ServerAddress returns the full server address.
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
