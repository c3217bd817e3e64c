package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/imrishuroy/go-orderflow-notifier/internal/notifications"
	"github.com/imrishuroy/go-orderflow-notifier/internal/orders"
	log "github.com/sirupsen/logrus"
)

// Jobs a scheduled event can ask for.
const (
	JobProcess     = "process"
	JobRetryFailed = "retry-failed"
	JobDailyStats  = "daily-stats"
	JobOverdue     = "overdue"
)

// detail-type of EventBridge schedule rules without an input override
const scheduledEventType = "Scheduled Event"

// Scheduler is the part of the notification scheduler the worker drives.
type Scheduler interface {
	RunOnce(ctx context.Context) (notifications.CycleResult, error)
	RetryFailed(ctx context.Context) (notifications.RequeueResult, error)
	ReportDailyStats(ctx context.Context) (*notifications.Notification, error)
}

// OverdueNotifier alerts staff about late orders.
type OverdueNotifier interface {
	NotifyOverdue(ctx context.Context, threshold time.Duration) (orders.OverdueResult, error)
}

// Flusher ships metrics buffered during an invocation.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Report is the result of one invocation.
type Report struct {
	Job            string                       `json:"job"`
	Cycle          *notifications.CycleResult   `json:"cycle,omitempty"`
	Requeue        *notifications.RequeueResult `json:"requeue,omitempty"`
	NotificationID string                       `json:"notification_id,omitempty"`
	Overdue        *orders.OverdueResult        `json:"overdue,omitempty"`
}

// Processor runs scheduler jobs on behalf of EventBridge.
type Processor struct {
	scheduler Scheduler
	overdue   OverdueNotifier
	threshold time.Duration
	metrics   Flusher
	log       log.FieldLogger
}

// NewProcessor creates a worker processor. metrics may be nil; threshold
// is how long an order without an estimate may stay open.
func NewProcessor(s Scheduler, o OverdueNotifier, threshold time.Duration, metrics Flusher, logger log.FieldLogger) *Processor {
	return &Processor{scheduler: s, overdue: o, threshold: threshold, metrics: metrics, log: logger}
}

// Handle runs the job named by the event. A returned error makes Lambda
// retry the invocation; every job is safe to repeat.
func (p *Processor) Handle(ctx context.Context, ev events.CloudWatchEvent) (Report, error) {
	job, err := jobOf(ev)
	if err != nil {
		return Report{}, err
	}
	logger := p.log.WithFields(log.Fields{"job": job, "event_id": ev.ID})

	rep, err := p.run(ctx, job)
	if p.metrics != nil {
		if ferr := p.metrics.Flush(ctx); ferr != nil {
			logger.WithError(ferr).Warn("failed to flush metrics")
		}
	}
	if err != nil {
		logger.WithError(err).Error("worker job failed")
		return rep, err
	}
	logger.Info("worker job done")
	return rep, nil
}

func (p *Processor) run(ctx context.Context, job string) (Report, error) {
	rep := Report{Job: job}
	switch job {
	case JobProcess:
		res, err := p.scheduler.RunOnce(ctx)
		rep.Cycle = &res
		return rep, err
	case JobRetryFailed:
		res, err := p.scheduler.RetryFailed(ctx)
		rep.Requeue = &res
		return rep, err
	case JobDailyStats:
		n, err := p.scheduler.ReportDailyStats(ctx)
		if n != nil {
			rep.NotificationID = n.ID
		}
		return rep, err
	case JobOverdue:
		res, err := p.overdue.NotifyOverdue(ctx, p.threshold)
		rep.Overdue = &res
		return rep, err
	}
	return rep, fmt.Errorf("unknown job %q", job)
}

// jobOf reads the job from detail.job, falling back to the detail-type.
func jobOf(ev events.CloudWatchEvent) (string, error) {
	if len(ev.Detail) > 0 {
		var d struct {
			Job string `json:"job"`
		}
		if err := json.Unmarshal(ev.Detail, &d); err != nil {
			return "", fmt.Errorf("invalid event detail: %w", err)
		}
		if d.Job != "" {
			return d.Job, nil
		}
	}
	switch ev.DetailType {
	case "", scheduledEventType:
		return JobProcess, nil
	}
	return ev.DetailType, nil
}
