package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Event sink names accepted in EVENT_SINKS.
const (
	SinkHub      = "hub"
	SinkRabbitMQ = "rabbitmq"
	SinkKafka    = "kafka"
	SinkSQS      = "sqs"
	SinkWebhook  = "webhook"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	Store       string `mapstructure:"STORE"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`
	BodyLimit      string   `mapstructure:"BODY_LIMIT"`

	ClinicTimezone string `mapstructure:"CLINIC_TIMEZONE"`

	RedisURL             string        `mapstructure:"REDIS_URL"`
	IdempotencyTTL       time.Duration `mapstructure:"IDEMPOTENCY_TTL"`
	IdempotencyCacheSize int           `mapstructure:"IDEMPOTENCY_CACHE_SIZE"`

	EventSinks       []string `mapstructure:"EVENT_SINKS"`
	RabbitMQURL      string   `mapstructure:"RABBITMQ_URL"`
	RabbitMQExchange string   `mapstructure:"RABBITMQ_EXCHANGE"`
	KafkaBrokers     []string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic       string   `mapstructure:"KAFKA_TOPIC"`
	SQSQueueURL      string   `mapstructure:"SQS_QUEUE_URL"`
	WebhookURL       string   `mapstructure:"WEBHOOK_URL"`
	WebhookSecret    string   `mapstructure:"WEBHOOK_SECRET"`

	SMTPHost          string `mapstructure:"SMTP_HOST"`
	SMTPPort          int    `mapstructure:"SMTP_PORT"`
	SMTPUsername      string `mapstructure:"SMTP_USERNAME"`
	SMTPPassword      string `mapstructure:"SMTP_PASSWORD"`
	SMTPFrom          string `mapstructure:"SMTP_FROM"`
	TwilioAccountSID  string `mapstructure:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken   string `mapstructure:"TWILIO_AUTH_TOKEN"`
	TwilioFrom        string `mapstructure:"TWILIO_FROM"`
	DoctorNotifyEmail string `mapstructure:"DOCTOR_NOTIFY_EMAIL"`
	NotificationLog   int    `mapstructure:"NOTIFICATION_LOG_SIZE"`
}

var keys = []string{
	"PORT", "ENV", "STORE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "BODY_LIMIT",
	"CLINIC_TIMEZONE", "REDIS_URL", "IDEMPOTENCY_TTL", "IDEMPOTENCY_CACHE_SIZE",
	"EVENT_SINKS", "RABBITMQ_URL", "RABBITMQ_EXCHANGE", "KAFKA_BROKERS", "KAFKA_TOPIC", "SQS_QUEUE_URL",
	"WEBHOOK_URL", "WEBHOOK_SECRET",
	"SMTP_HOST", "SMTP_PORT", "SMTP_USERNAME", "SMTP_PASSWORD", "SMTP_FROM",
	"TWILIO_ACCOUNT_SID", "TWILIO_AUTH_TOKEN", "TWILIO_FROM", "DOCTOR_NOTIFY_EMAIL",
	"NOTIFICATION_LOG_SIZE",
}

// Load reads configuration from the environment and an optional .env file
// in the working directory. It does not validate; call Validate.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORE", StoreMemory)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("BODY_LIMIT", "64K")
	v.SetDefault("CLINIC_TIMEZONE", "UTC")
	v.SetDefault("IDEMPOTENCY_TTL", "24h")
	v.SetDefault("IDEMPOTENCY_CACHE_SIZE", 10000)
	v.SetDefault("EVENT_SINKS", SinkHub)
	v.SetDefault("RABBITMQ_EXCHANGE", "healconnect.appointments")
	v.SetDefault("KAFKA_TOPIC", "healconnect.appointments")
	v.SetDefault("SMTP_PORT", 587)
	v.SetDefault("NOTIFICATION_LOG_SIZE", 1000)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.EventSinks = splitList(strings.ToLower(v.GetString("EVENT_SINKS")))
	cfg.KafkaBrokers = splitList(v.GetString("KAFKA_BROKERS"))
	cfg.Store = strings.ToLower(strings.TrimSpace(cfg.Store))
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Location loads CLINIC_TIMEZONE.
func (c *Config) Location() (*time.Location, error) {
	if c.ClinicTimezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.ClinicTimezone)
	if err != nil {
		return nil, fmt.Errorf("CLINIC_TIMEZONE: %w", err)
	}
	return loc, nil
}

// SMTPEnabled reports whether email delivery is configured.
func (c *Config) SMTPEnabled() bool { return c.SMTPHost != "" }

// TwilioEnabled reports whether SMS delivery is configured.
func (c *Config) TwilioEnabled() bool { return c.TwilioAccountSID != "" }

// Validate checks that the configuration is complete and safe to run.
// Outside development a token verification method must be configured.
func (c *Config) Validate() error {
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE=%s", StorePostgres)
		}
	default:
		return fmt.Errorf("STORE must be %q or %q, got %q", StoreMemory, StorePostgres, c.Store)
	}

	if !c.IsDev() && c.AuthSigningKey == "" && c.AuthJWKSURL == "" {
		return fmt.Errorf("AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set when ENV=%q", c.Env)
	}

	if _, err := c.Location(); err != nil {
		return err
	}

	for _, s := range c.EventSinks {
		switch s {
		case SinkHub:
		case SinkRabbitMQ:
			if c.RabbitMQURL == "" {
				return fmt.Errorf("RABBITMQ_URL is required for the %s event sink", s)
			}
		case SinkKafka:
			if len(c.KafkaBrokers) == 0 || c.KafkaTopic == "" {
				return fmt.Errorf("KAFKA_BROKERS and KAFKA_TOPIC are required for the %s event sink", s)
			}
		case SinkSQS:
			if c.SQSQueueURL == "" {
				return fmt.Errorf("SQS_QUEUE_URL is required for the %s event sink", s)
			}
		case SinkWebhook:
			if c.WebhookURL == "" {
				return fmt.Errorf("WEBHOOK_URL is required for the %s event sink", s)
			}
		default:
			return fmt.Errorf("unknown event sink %q", s)
		}
	}

	if c.SMTPEnabled() && c.SMTPFrom == "" {
		return fmt.Errorf("SMTP_FROM is required when SMTP_HOST is set")
	}
	if c.TwilioEnabled() && (c.TwilioAuthToken == "" || c.TwilioFrom == "") {
		return fmt.Errorf("TWILIO_AUTH_TOKEN and TWILIO_FROM are required when TWILIO_ACCOUNT_SID is set")
	}
	if c.IdempotencyTTL <= 0 {
		return fmt.Errorf("IDEMPOTENCY_TTL must be positive")
	}
	return nil
}
