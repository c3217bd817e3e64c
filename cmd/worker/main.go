package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/imrishuroy/go-orderflow-notifier/internal/app"
	"github.com/imrishuroy/go-orderflow-notifier/internal/config"
	"github.com/imrishuroy/go-orderflow-notifier/internal/logging"
	log "github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := logging.New(cfg.Service+"-worker", cfg.LogLevel)

	a, err := app.Build(context.Background(), cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to build application")
	}
	p := NewProcessor(a.Scheduler, a.Orders, cfg.OverdueThreshold, a, logger)

	if cfg.RunLocal {
		// LOCAL_JOB runs a single job and exits; otherwise poll until interrupted.
		if job := os.Getenv("LOCAL_JOB"); job != "" {
			rep, err := p.Handle(context.Background(), events.CloudWatchEvent{DetailType: job})
			if err != nil {
				logger.WithError(err).Fatal("local job failed")
			}
			out, _ := json.Marshal(rep)
			logger.WithField("report", string(out)).Info("local job finished")
			return
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		a.Scheduler.Start(ctx)
		go runEvery(ctx, overdueInterval, func() {
			if _, err := p.Handle(ctx, events.CloudWatchEvent{DetailType: JobOverdue}); err != nil {
				logger.WithError(err).Warn("overdue check failed")
			}
		})
		<-ctx.Done()
		a.Scheduler.Stop()
		if err := a.Flush(context.Background()); err != nil {
			logger.WithError(err).Warn("failed to flush metrics")
		}
		return
	}

	lambda.Start(p.Handle)
}

// matches the EventBridge rule that drives the overdue job in Lambda
const overdueInterval = 30 * time.Minute

func runEvery(ctx context.Context, d time.Duration, fn func()) {
	t := time.NewTicker(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn()
		}
	}
}
