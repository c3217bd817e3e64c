package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Store backends.
const (
	BackendDynamo = "dynamodb"
	BackendMemory = "memory"
)

// Channel kinds.
const (
	ChannelHTTP  = "http"
	ChannelQueue = "sqs"
	ChannelLog   = "log"
)

// Config is read from the environment once per process.
type Config struct {
	RunLocal bool   `envconfig:"RUN_LOCAL" default:"false"`
	Port     string `envconfig:"PORT" default:"8080"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	Service  string `envconfig:"SERVICE_NAME" default:"orderflow-notifier"`

	StoreBackend       string `envconfig:"STORE_BACKEND" default:"dynamodb"`
	OrdersTable        string `envconfig:"ORDERS_TABLE" default:"orders"`
	PaymentsTable      string `envconfig:"PAYMENTS_TABLE" default:"payments"`
	NotificationsTable string `envconfig:"NOTIFICATIONS_TABLE" default:"notifications"`
	NotificationsIndex string `envconfig:"NOTIFICATIONS_STATUS_INDEX" default:"status-due_at-index"`
	TemplatesTable     string `envconfig:"TEMPLATES_TABLE" default:"notification_templates"`
	FeedbackTable      string `envconfig:"FEEDBACK_TABLE" default:"feedback_ratings"`
	IdempotencyTable   string `envconfig:"IDEMPOTENCY_TABLE" default:"idempotency"`

	IdempotencyTTL time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"48h"`

	ChannelKind    string        `envconfig:"CHANNEL_KIND" default:"http"`
	ChannelURL     string        `envconfig:"CHANNEL_URL" default:"http://localhost:8081/send"`
	OutboxQueueURL string        `envconfig:"ORDERS_QUEUE_URL"`
	SendTimeout    time.Duration `envconfig:"SEND_TIMEOUT" default:"10s"`
	SendRate       float64       `envconfig:"SEND_RATE_PER_SECOND" default:"25"`

	AdminTargetID string `envconfig:"ADMIN_TARGET_ID" required:"true"`

	PollInterval        time.Duration `envconfig:"POLL_INTERVAL" default:"30s"`
	MaxRetries          int           `envconfig:"MAX_RETRIES" default:"3"`
	BackoffBase         time.Duration `envconfig:"RETRY_BACKOFF_BASE" default:"5m"`
	BackoffCap          time.Duration `envconfig:"RETRY_BACKOFF_CAP" default:"30m"`
	DispatchConcurrency int           `envconfig:"DISPATCH_CONCURRENCY" default:"4"`
	BatchSize           int           `envconfig:"DISPATCH_BATCH_SIZE" default:"100"`
	ClaimLease          time.Duration `envconfig:"CLAIM_LEASE" default:"5m"`

	WebhookSecret   string  `envconfig:"PAYMENT_WEBHOOK_SECRET" required:"true"`
	AmountTolerance float64 `envconfig:"PAYMENT_AMOUNT_TOLERANCE" default:"0"`

	FeedbackDelay    time.Duration `envconfig:"FEEDBACK_DELAY" default:"60m"`
	OverdueThreshold time.Duration `envconfig:"OVERDUE_THRESHOLD" default:"60m"`

	MetricsNamespace string `envconfig:"METRICS_NAMESPACE" default:"OrderflowNotifier"`
}

// Load processes the environment into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, fmt.Errorf("process env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints envconfig cannot express.
func (c Config) Validate() error {
	switch c.StoreBackend {
	case BackendDynamo, BackendMemory:
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	switch c.ChannelKind {
	case ChannelHTTP, ChannelLog:
	case ChannelQueue:
		if c.OutboxQueueURL == "" {
			return fmt.Errorf("ORDERS_QUEUE_URL is required for CHANNEL_KIND=%s", ChannelQueue)
		}
	default:
		return fmt.Errorf("unknown CHANNEL_KIND %q", c.ChannelKind)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("MAX_RETRIES must be >= 1, got %d", c.MaxRetries)
	}
	if c.DispatchConcurrency < 1 {
		return fmt.Errorf("DISPATCH_CONCURRENCY must be >= 1, got %d", c.DispatchConcurrency)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive")
	}
	if c.WebhookSecret == "" {
		return fmt.Errorf("PAYMENT_WEBHOOK_SECRET must not be empty")
	}
	if c.AdminTargetID == "" {
		return fmt.Errorf("ADMIN_TARGET_ID must not be empty")
	}
	if c.AmountTolerance < 0 {
		return fmt.Errorf("PAYMENT_AMOUNT_TOLERANCE must not be negative")
	}
	return nil
}
