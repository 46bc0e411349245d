package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/opsdesk/tracker-sync/internal/service"
)

// Sweeper retries rows left in a failure state.
type Sweeper interface {
	SweepFailed(ctx context.Context) (service.SweepReport, error)
}

// SweepWorker runs a sweep on a fixed interval.
type SweepWorker struct {
	sweeper  Sweeper
	interval time.Duration
	logger   *zap.Logger
}

// NewSweepWorker constructs the ticker loop.
func NewSweepWorker(sweeper Sweeper, interval time.Duration, logger *zap.Logger) *SweepWorker {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SweepWorker{sweeper: sweeper, interval: interval, logger: logger}
}

// Run sweeps every interval until ctx is done. Passes never overlap.
func (w *SweepWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	w.logger.Info("sweep worker started", zap.Duration("interval", w.interval))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("sweep worker stopping")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep pass and logs its outcome.
func (w *SweepWorker) RunOnce(ctx context.Context) service.SweepReport {
	started := time.Now()
	report, err := w.sweeper.SweepFailed(ctx)
	if err != nil {
		w.logger.Error("sweep failed", zap.Error(err))
		return report
	}
	if report.Retried > 0 || report.Promoted > 0 {
		w.logger.Info("sweep finished",
			zap.Int("retried", report.Retried),
			zap.Int("recovered", report.Recovered),
			zap.Int("promoted", report.Promoted),
			zap.Int("failed", report.Failed),
			zap.Duration("took", time.Since(started)))
	}
	return report
}
