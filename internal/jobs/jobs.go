// Package jobs runs periodic maintenance on a cron schedule.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"affiliate-ledger-api/internal/models"
	"affiliate-ledger-api/internal/service"
)

// Reconciler recomputes affiliate counters from the logs.
type Reconciler interface {
	ReconcileAll(ctx context.Context, opts service.ReconcileOptions) ([]models.ReconcileResult, error)
}

// Scheduler wraps a cron runner.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
	// timeout bounds a single job run.
	timeout time.Duration
}

// NewScheduler creates an idle scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron:    cron.New(),
		logger:  logger,
		timeout: 30 * time.Minute,
	}
}

// AddReconcile schedules ReconcileAll on spec, a standard five-field cron
// expression.
func (s *Scheduler) AddReconcile(spec string, r Reconciler, opts service.ReconcileOptions) error {
	if _, err := s.cron.AddFunc(spec, s.reconcileJob(r, opts)); err != nil {
		return fmt.Errorf("invalid reconcile schedule %q: %w", spec, err)
	}
	return nil
}

func (s *Scheduler) reconcileJob(r Reconciler, opts service.ReconcileOptions) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()

		start := time.Now()
		results, err := r.ReconcileAll(ctx, opts)
		if err != nil {
			s.logger.Error("reconcile job finished with errors",
				slog.Int("affiliates", len(results)),
				slog.Any("error", err))
			return
		}
		s.logger.Info("reconcile job finished",
			slog.Int("affiliates", len(results)),
			slog.Duration("elapsed", time.Since(start)))
	}
}

// Start runs the scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling and waits for running jobs or ctx, whichever is first.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out")
	}
}
