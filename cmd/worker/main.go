package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kirillkom/table-ai-assistant/internal/bootstrap"
	"github.com/kirillkom/table-ai-assistant/internal/config"
	"github.com/kirillkom/table-ai-assistant/internal/core/ports"
	"github.com/kirillkom/table-ai-assistant/internal/observability/metrics"
)

func main() {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, "worker", cfg)
	if err != nil {
		log.Fatalf("bootstrap error: %v", err)
	}
	defer app.Close()

	workerMetrics := metrics.NewWorkerMetrics("worker")
	metricsServer := &http.Server{
		Addr:    ":" + cfg.WorkerMetricsPort,
		Handler: workerMetrics.Handler(),
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			app.Logger.Error("worker metrics server error", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	// Rolling expiry sweep for the answer log.
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sweepCtx, cancel := context.WithTimeout(ctx, time.Minute)
				deleted, err := app.AnswerLogRepo.DeleteOlderThan(sweepCtx, time.Now().UTC().Add(-cfg.AnswerLogRetention()))
				cancel()
				if err != nil {
					app.Logger.Error("answer log sweep failed", "error", err)
					continue
				}
				workerMetrics.ExpiredDeleted(deleted)
				if deleted > 0 {
					app.Logger.Info("answer log sweep", "deleted", deleted)
				}
			}
		}
	}()

	app.Logger.Info("worker subscribed", "subject", cfg.NATSSubject)
	err = app.Bus.SubscribeAnswerLogged(ctx, func(handlerCtx context.Context, event ports.AnswerLogged) error {
		insertCtx, cancel := context.WithTimeout(handlerCtx, 30*time.Second)
		defer cancel()
		started := time.Now()
		insertErr := app.AnswerLogRepo.Insert(insertCtx, event)
		workerMetrics.EventProcessed(insertErr, time.Since(started))
		return insertErr
	})
	if err != nil {
		log.Fatalf("worker subscribe error: %v", err)
	}
}
