// Package app wires configuration, storage, channel and services into the
// objects the API and the worker run.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/imrishuroy/go-orderflow-notifier/internal/aws"
	"github.com/imrishuroy/go-orderflow-notifier/internal/channel"
	"github.com/imrishuroy/go-orderflow-notifier/internal/config"
	"github.com/imrishuroy/go-orderflow-notifier/internal/feedback"
	"github.com/imrishuroy/go-orderflow-notifier/internal/handlers"
	"github.com/imrishuroy/go-orderflow-notifier/internal/idempotency"
	"github.com/imrishuroy/go-orderflow-notifier/internal/inbound"
	"github.com/imrishuroy/go-orderflow-notifier/internal/metrics"
	"github.com/imrishuroy/go-orderflow-notifier/internal/notifications"
	"github.com/imrishuroy/go-orderflow-notifier/internal/orders"
	"github.com/imrishuroy/go-orderflow-notifier/internal/payments"
	"github.com/imrishuroy/go-orderflow-notifier/internal/store/memory"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// App holds every long-lived service of one process.
type App struct {
	Config      config.Config
	Logger      log.FieldLogger
	Orders      *orders.StateMachine
	Payments    *payments.Reconciler
	Signer      *payments.Signer
	Notifier    *notifications.Notifier
	Scheduler   *notifications.Scheduler
	Templates   *notifications.Registry
	Feedback    *feedback.Collector
	Callbacks   *inbound.Router
	Idempotency idempotency.Repository

	registry   *prometheus.Registry
	cloudwatch *metrics.CloudWatch
}

type repositories struct {
	orders        orders.Repository
	notifications notifications.Repository
	payments      payments.Repository
	feedback      feedback.Repository
	idempotency   idempotency.Repository
}

type options struct {
	channel notifications.Channel
	clients *aws.AWSClients
	now     func() time.Time
}

// Option overrides a dependency Build would otherwise create.
type Option func(*options)

// WithChannel replaces the channel selected by CHANNEL_KIND.
func WithChannel(ch notifications.Channel) Option {
	return func(o *options) { o.channel = ch }
}

// WithAWSClients replaces the clients loaded from the environment.
func WithAWSClients(c *aws.AWSClients) Option {
	return func(o *options) { o.clients = c }
}

// WithClock replaces time.Now for every service.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Build creates the services described by cfg.
func Build(ctx context.Context, cfg config.Config, logger log.FieldLogger, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	needAWS := cfg.StoreBackend == config.BackendDynamo || (o.channel == nil && cfg.ChannelKind == config.ChannelQueue)
	if needAWS && o.clients == nil {
		clients, err := aws.NewAWSClients(ctx)
		if err != nil {
			return nil, fmt.Errorf("init aws clients: %w", err)
		}
		o.clients = clients
	}

	a := &App{Config: cfg, Logger: logger, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.Multi{metrics.NewPrometheus(a.registry)}
	if o.clients != nil && o.clients.CloudWatch != nil {
		a.cloudwatch = metrics.NewCloudWatch(o.clients.CloudWatch, cfg.MetricsNamespace)
		rec = append(rec, a.cloudwatch)
	}

	a.Templates = notifications.NewDefaultRegistry()
	var repos repositories
	switch cfg.StoreBackend {
	case config.BackendMemory:
		db := memory.New(cfg.IdempotencyTTL)
		if o.now != nil {
			db.SetClock(o.now)
		}
		repos = repositories{
			orders:        db.Orders(),
			notifications: db.Notifications(),
			payments:      db.Payments(),
			feedback:      db.Feedback(),
			idempotency:   db.Idempotency(),
		}
	default:
		client := o.clients.DynamoDB
		ns := notifications.NewStore(client, cfg.NotificationsTable, cfg.NotificationsIndex)
		orderStore := orders.NewStore(client, cfg.OrdersTable, ns)
		guards := idempotency.NewStore(client, cfg.IdempotencyTable, cfg.IdempotencyTTL)
		repos = repositories{
			orders:        orderStore,
			notifications: ns,
			payments:      payments.NewStore(client, cfg.PaymentsTable, guards, orderStore, ns),
			feedback:      feedback.NewStore(client, cfg.FeedbackTable, ns),
			idempotency:   guards,
		}
		n, err := a.Templates.Load(ctx, notifications.NewTemplateStore(client, cfg.TemplatesTable))
		if err != nil {
			logger.WithError(err).Warn("template table unavailable, using built-in templates")
		} else {
			logger.WithField("templates", n).Info("templates loaded")
		}
	}
	a.Idempotency = repos.idempotency

	ch := o.channel
	if ch == nil {
		ch = newChannel(cfg, o.clients, logger)
	}

	builder := notifications.Builder{MaxRetries: cfg.MaxRetries, AdminID: cfg.AdminTargetID, Now: o.now}
	a.Feedback = feedback.NewCollector(repos.feedback, nil, repos.notifications, a.Templates, builder, cfg.FeedbackDelay, logger)
	a.Orders = orders.NewStateMachine(repos.orders, builder, a.Feedback, rec, logger)
	a.Feedback.SetOrders(a.Orders)

	a.Signer = payments.NewSigner(cfg.WebhookSecret)
	a.Payments = payments.NewReconciler(repos.payments, a.Orders, repos.notifications, builder, a.Signer, cfg.AmountTolerance, rec, logger)
	a.Notifier = notifications.NewNotifier(repos.notifications, builder, logger)

	dispatcher := notifications.NewDispatcher(ch, a.Templates, notifications.DispatcherConfig{
		SendTimeout:   cfg.SendTimeout,
		RatePerSecond: cfg.SendRate,
	}, logger)
	a.Scheduler = notifications.NewScheduler(repos.notifications, dispatcher, builder, notifications.SchedulerConfig{
		PollInterval: cfg.PollInterval,
		BatchSize:    cfg.BatchSize,
		Concurrency:  cfg.DispatchConcurrency,
		BackoffBase:  cfg.BackoffBase,
		BackoffCap:   cfg.BackoffCap,
		ClaimLease:   cfg.ClaimLease,
	}, rec, logger)
	a.Callbacks = inbound.NewRouter(a.Feedback, a.Scheduler, cfg.AdminTargetID, logger)

	logger.WithFields(log.Fields{
		"store":   cfg.StoreBackend,
		"channel": cfg.ChannelKind,
	}).Info("application wired")
	return a, nil
}

func newChannel(cfg config.Config, clients *aws.AWSClients, logger log.FieldLogger) notifications.Channel {
	switch cfg.ChannelKind {
	case config.ChannelQueue:
		return channel.NewQueue(aws.NewPublisher(clients.SQS, cfg.OutboxQueueURL))
	case config.ChannelLog:
		return channel.NewLog(logger)
	}
	return channel.NewHTTP(cfg.ChannelURL, nil)
}

// Services returns the dependencies of the HTTP API.
func (a *App) Services() handlers.Services {
	return handlers.Services{
		Orders:      a.Orders,
		Payments:    a.Payments,
		Notifier:    a.Notifier,
		Scheduler:   a.Scheduler,
		Templates:   a.Templates,
		Feedback:    a.Feedback,
		Callbacks:   a.Callbacks,
		Idempotency: a.Idempotency,
		Metrics:     a.MetricsHandler(),
		Logger:      a.Logger,
	}
}

// MetricsHandler serves the Prometheus registry.
func (a *App) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry})
}

// Flush ships buffered CloudWatch metrics. It is a no-op without AWS.
func (a *App) Flush(ctx context.Context) error {
	if a.cloudwatch == nil {
		return nil
	}
	return a.cloudwatch.Flush(ctx)
}
