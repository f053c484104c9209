package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce              sync.Once
	httpDurationHistogram     *prometheus.HistogramVec
	operationCounter          *prometheus.CounterVec
	ledgerAppendFailCounter   prometheus.Counter
	ledgerFinalizeFailCounter prometheus.Counter
	idempotencyCounter        *prometheus.CounterVec
	reconciliationQueueGauge  prometheus.Gauge
	workerRunCounter          *prometheus.CounterVec
)

// Init registers all Prometheus collectors.
func Init() {
	registerOnce.Do(func() {
		httpDurationHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"})

		operationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_operations_total",
			Help: "Money movement outcomes by operation kind",
		}, []string{"kind", "result"})

		ledgerAppendFailCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_append_failures_total",
			Help: "Ledger writes that failed after the balance mutation committed",
		})

		ledgerFinalizeFailCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_finalize_failures_total",
			Help: "Pending entries that could not be finalized after the balance effect",
		})

		idempotencyCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idempotency_events_total",
			Help: "Idempotency middleware outcomes",
		}, []string{"outcome"})

		reconciliationQueueGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reconciliation_queue_size",
			Help: "Pending external legs awaiting reconciliation",
		})

		workerRunCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_runs_total",
			Help: "Background worker run outcomes",
		}, []string{"worker", "result"})

		prometheus.MustRegister(
			httpDurationHistogram,
			operationCounter,
			ledgerAppendFailCounter,
			ledgerFinalizeFailCounter,
			idempotencyCounter,
			reconciliationQueueGauge,
			workerRunCounter,
		)
	})
}

func ObserveHTTP(method, path string, status int, duration time.Duration) {
	if httpDurationHistogram == nil {
		return
	}
	httpDurationHistogram.WithLabelValues(method, path, strconv.Itoa(status)).Observe(duration.Seconds())
}

func IncrementOperation(kind, result string) {
	if operationCounter == nil {
		return
	}
	operationCounter.WithLabelValues(kind, result).Inc()
}

func IncrementLedgerAppendFailure() {
	if ledgerAppendFailCounter == nil {
		return
	}
	ledgerAppendFailCounter.Inc()
}

func IncrementLedgerFinalizeFailure() {
	if ledgerFinalizeFailCounter == nil {
		return
	}
	ledgerFinalizeFailCounter.Inc()
}

func IncrementIdempotencyEvent(outcome string) {
	if idempotencyCounter == nil {
		return
	}
	idempotencyCounter.WithLabelValues(outcome).Inc()
}

func SetReconciliationQueueSize(size int) {
	if reconciliationQueueGauge == nil {
		return
	}
	reconciliationQueueGauge.Set(float64(size))
}

func IncrementWorkerRun(worker, result string) {
	if workerRunCounter == nil {
		return
	}
	workerRunCounter.WithLabelValues(worker, result).Inc()
}
