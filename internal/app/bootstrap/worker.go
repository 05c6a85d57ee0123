package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"affiliate-ledger-api/internal/jobs"
	"affiliate-ledger-api/internal/queue"
	"affiliate-ledger-api/internal/service"
)

// RunWorker consumes order events and runs scheduled reconciliation until
// SIGINT or SIGTERM.
func (rt *Runtime) RunWorker(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scheduler := jobs.NewScheduler(rt.logger)
	if err := scheduler.AddReconcile(rt.cfg.Jobs.ReconcileSchedule, rt.service, service.ReconcileOptions{
		RepairEarnings: rt.cfg.Jobs.RepairEarnings,
	}); err != nil {
		return err
	}
	scheduler.Start()
	rt.logger.Info("reconcile job scheduled", slog.String("schedule", rt.cfg.Jobs.ReconcileSchedule))

	consumer, err := queue.NewConsumer(queue.Config{
		URL:             rt.cfg.RabbitMQ.URL,
		Queue:           rt.cfg.RabbitMQ.Queue,
		PrefetchCount:   rt.cfg.RabbitMQ.Prefetch,
		RetryBackoff:    time.Duration(rt.cfg.RabbitMQ.RetryBackoffMs) * time.Millisecond,
		MaxRetryBackoff: time.Duration(rt.cfg.RabbitMQ.MaxRetryBackoffMs) * time.Millisecond,
	})
	if err != nil {
		scheduler.Stop(context.Background())
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	consumeErr := consumer.Consume(ctx, queue.OrderEventHandler(rt.service, rt.logger))
	consumer.Close()

	rt.logger.Info("shutting down worker")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	scheduler.Stop(shutdownCtx)
	closeErr := rt.Close(shutdownCtx)

	if consumeErr != nil && !errors.Is(consumeErr, context.Canceled) {
		return errors.Join(consumeErr, closeErr)
	}
	return closeErr
}
