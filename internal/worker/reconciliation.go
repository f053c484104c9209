package worker

import (
	"context"
	"sync"
	"time"

	"github.com/yyogue/yoguepay/internal/engine"
	"github.com/yyogue/yoguepay/internal/observability"
	"go.uber.org/zap"
)

// ReconciliationWorker periodically resolves stuck external legs against the
// rail's status lookups.
type ReconciliationWorker struct {
	engine    *engine.Engine
	interval  time.Duration
	batchSize int
	stopCh    chan struct{}
	stopOnce  sync.Once
}

func NewReconciliationWorker(eng *engine.Engine) *ReconciliationWorker {
	return &ReconciliationWorker{
		engine:    eng,
		interval:  30 * time.Second,
		batchSize: 50,
		stopCh:    make(chan struct{}),
	}
}

// WithInterval updates the run interval.
func (w *ReconciliationWorker) WithInterval(interval time.Duration) *ReconciliationWorker {
	if interval > 0 {
		w.interval = interval
	}
	return w
}

// WithBatchSize caps how many pending legs one pass examines per kind.
func (w *ReconciliationWorker) WithBatchSize(size int) *ReconciliationWorker {
	if size > 0 {
		w.batchSize = size
	}
	return w
}

// Start blocks and runs reconciliation at the configured interval.
func (w *ReconciliationWorker) Start(ctx context.Context) {
	zap.L().Info("reconciliation worker starting",
		zap.Duration("interval", w.interval), zap.Int("batch", w.batchSize))
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Run once immediately at startup to pick up legs left over from a
	// previous process.
	w.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("reconciliation worker context canceled")
			return
		case <-w.stopCh:
			zap.L().Info("reconciliation worker stop signal received")
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

// Stop stops the running worker loop.
func (w *ReconciliationWorker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
}

// Run starts the worker in a goroutine and returns a stop function.
func (w *ReconciliationWorker) Run(ctx context.Context) func() {
	go w.Start(ctx)
	return w.Stop
}

func (w *ReconciliationWorker) runOnce(ctx context.Context) {
	report, err := w.engine.Reconcile(ctx, w.batchSize)
	if err != nil {
		observability.IncrementWorkerRun("reconciliation", "failed")
		zap.L().Error("reconciliation run failed", zap.Error(err))
		return
	}
	observability.IncrementWorkerRun("reconciliation", "success")
	if report.Resolved > 0 || report.Pending > 0 {
		zap.L().Info("reconciliation run finished",
			zap.Int("resolved", report.Resolved), zap.Int("pending", report.Pending))
	}
}
