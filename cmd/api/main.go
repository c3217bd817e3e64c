package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/imrishuroy/go-orderflow-notifier/internal/app"
	"github.com/imrishuroy/go-orderflow-notifier/internal/config"
	"github.com/imrishuroy/go-orderflow-notifier/internal/handlers"
	"github.com/imrishuroy/go-orderflow-notifier/internal/logging"
	log "github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := logging.New(cfg.Service+"-api", cfg.LogLevel)

	a, err := app.Build(context.Background(), cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to build application")
	}
	r := handlers.NewRouter(a.Services())

	// if RUN_LOCAL is set, run a local HTTP server with the scheduler in-process.
	if cfg.RunLocal {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		a.Scheduler.Start(ctx)

		srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		logger.WithField("addr", srv.Addr).Info("running local server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("failed to run local server")
		}
		a.Scheduler.Stop()
		return
	}

	// lambda adapter
	adapter := ginadapter.New(r)

	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		resp, err := adapter.ProxyWithContext(ctx, req)
		if ferr := a.Flush(ctx); ferr != nil {
			logger.WithError(ferr).Warn("failed to flush metrics")
		}
		return resp, err
	})
}
