package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all runtime configuration, loaded from environment variables.
type Config struct {
	AppEnv    string `env:"APP_ENV" envDefault:"development"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	HTTPListenAddr   string `env:"HTTP_LISTEN_ADDR" envDefault:":8080"`
	PublicBasePath   string `env:"PUBLIC_BASE_PATH"`
	MetricsNamespace string `env:"METRICS_NAMESPACE" envDefault:"funnel"`

	// Either a Postgres URL or a local SQLite path must be set.
	DatabaseURL    string `env:"DATABASE_URL"`
	DatabaseSchema string `env:"DATABASE_SCHEMA"`
	SQLitePath     string `env:"SQLITE_PATH"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB"`
	RedisTLS      bool   `env:"REDIS_TLS"`

	// Channels in fixed priority order; ties in load break toward the first.
	Channels       []string      `env:"CHANNELS" envSeparator:","`
	DefaultChannel string        `env:"DEFAULT_CHANNEL"`
	LeadWindow     time.Duration `env:"LEAD_WINDOW" envDefault:"720h"`

	// Channel gateway instances, one base URL per channel id
	// (CHANNEL_GATEWAY_URLS="main=http://gw1:3000,backup=http://gw2:3000").
	ChannelGatewayURLs map[string]string `env:"CHANNEL_GATEWAY_URLS" envKeyValSeparator:"="`
	GatewayToken       string            `env:"GATEWAY_TOKEN"`
	GatewayTimeout     time.Duration     `env:"GATEWAY_TIMEOUT" envDefault:"15s"`

	WorkflowWebhookURL string        `env:"WORKFLOW_WEBHOOK_URL"`
	WorkflowTimeout    time.Duration `env:"WORKFLOW_TIMEOUT" envDefault:"10s"`

	PaymentWindow       time.Duration `env:"PAYMENT_WINDOW" envDefault:"7m"`
	SweepInterval       time.Duration `env:"SWEEP_INTERVAL" envDefault:"30s"`
	RecoveryWindow      time.Duration `env:"RECOVERY_WINDOW" envDefault:"24h"`
	DeliveryMaxAttempts int           `env:"DELIVERY_MAX_ATTEMPTS" envDefault:"3"`
	DeliveryBaseDelay   time.Duration `env:"DELIVERY_BASE_DELAY" envDefault:"2s"`

	PaymentWebhookUserMD5 string `env:"PAYMENT_WEBHOOK_USER_MD5"`
	PaymentWebhookPassMD5 string `env:"PAYMENT_WEBHOOK_PASS_MD5"`
	ChannelWebhookToken   string `env:"CHANNEL_WEBHOOK_TOKEN"`

	WhatsAppEnabled   bool   `env:"WHATSAPP_ENABLED"`
	WhatsAppStorePath string `env:"WHATSAPP_STORE_PATH" envDefault:"data/wa.db"`
	WhatsAppLogLevel  string `env:"WHATSAPP_LOG_LEVEL" envDefault:"WARN"`
	WhatsAppChannel   string `env:"WHATSAPP_CHANNEL"`
}

// Load parses configuration from the environment and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if cfg.DatabaseURL == "" && cfg.SQLitePath == "" {
		return Config{}, fmt.Errorf("either DATABASE_URL or SQLITE_PATH must be set")
	}
	if cfg.WorkflowWebhookURL == "" {
		return Config{}, fmt.Errorf("WORKFLOW_WEBHOOK_URL must be set")
	}
	if len(cfg.Channels) == 0 {
		if cfg.DefaultChannel == "" {
			return Config{}, fmt.Errorf("CHANNELS or DEFAULT_CHANNEL must be set")
		}
		cfg.Channels = []string{cfg.DefaultChannel}
	}
	if cfg.DefaultChannel == "" {
		cfg.DefaultChannel = cfg.Channels[0]
	}
	if cfg.WhatsAppEnabled && cfg.WhatsAppChannel == "" {
		cfg.WhatsAppChannel = cfg.DefaultChannel
	}
	return cfg, nil
}
