package observability

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type ledgerMetrics struct {
	requests        *prometheus.CounterVec
	errors          *prometheus.CounterVec
	latency         *prometheus.HistogramVec
	operations      *prometheus.CounterVec
	replays         *prometheus.CounterVec
	accruedDays     prometheus.Counter
	subLoansCreated prometheus.Counter
}

var (
	ledgerMetricsOnce sync.Once
	ledgerRegistry    *ledgerMetrics

	gatewayMetricsOnce sync.Once
	gatewayRegistry    *GatewayMetrics

	reconcilerMetricsOnce sync.Once
	reconcilerRegistry    *ReconcilerMetrics
)

// Ledger returns the lazily-initialised metrics registry used to record
// ledger RPC activity and accrual engine work.
func Ledger() *ledgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerRegistry = &ledgerMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "brlc",
				Subsystem: "ledger",
				Name:      "requests_total",
				Help:      "Total JSON-RPC requests segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "brlc",
				Subsystem: "ledger",
				Name:      "errors_total",
				Help:      "Total JSON-RPC errors segmented by method and status code.",
			}, []string{"method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "brlc",
				Subsystem: "ledger",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "brlc",
				Subsystem: "ledger",
				Name:      "operations_total",
				Help:      "Count of journal operations applied, segmented by kind and outcome.",
			}, []string{"kind", "outcome"}),
			replays: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "brlc",
				Subsystem: "ledger",
				Name:      "replays_total",
				Help:      "Count of processing passes segmented by mode (extend or reset).",
			}, []string{"mode"}),
			accruedDays: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "brlc",
				Subsystem: "ledger",
				Name:      "accrued_days_total",
				Help:      "Total day steps walked by the interest accrual loop.",
			}),
			subLoansCreated: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "brlc",
				Subsystem: "ledger",
				Name:      "subloans_created_total",
				Help:      "Total sub-loans opened on the ledger.",
			}),
		}
		prometheus.MustRegister(
			ledgerRegistry.requests,
			ledgerRegistry.errors,
			ledgerRegistry.latency,
			ledgerRegistry.operations,
			ledgerRegistry.replays,
			ledgerRegistry.accruedDays,
			ledgerRegistry.subLoansCreated,
		)
	})
	return ledgerRegistry
}

// Observe records the outcome of an RPC request. The status code should be the
// HTTP status that was ultimately written to the response writer.
func (m *ledgerMetrics) Observe(method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	method = labelValue(method)
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordOperation counts one journal operation attempt of the supplied kind.
func (m *ledgerMetrics) RecordOperation(kind string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(labelValue(kind), outcome).Inc()
}

// RecordSubLoans adds newly opened sub-loans to the creation counter.
func (m *ledgerMetrics) RecordSubLoans(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.subLoansCreated.Add(float64(count))
}

// RecordReplay counts one processing pass. Mode is "extend" when the pass only
// appended to the tracked state and "reset" when it replayed from inception.
func (m *ledgerMetrics) RecordReplay(mode string) {
	if m == nil {
		return
	}
	m.replays.WithLabelValues(labelValue(mode)).Inc()
}

// RecordAccruedDays adds the day steps credited by one processing pass.
func (m *ledgerMetrics) RecordAccruedDays(days uint64) {
	if m == nil || days == 0 {
		return
	}
	m.accruedDays.Add(float64(days))
}

// GatewayMetrics captures metrics for the REST gateway in front of the ledger.
type GatewayMetrics struct {
	requests          *prometheus.CounterVec
	latency           *prometheus.HistogramVec
	idempotentReplays prometheus.Counter
	authFailures      *prometheus.CounterVec
}

// Gateway returns the singleton metrics registry for the REST gateway.
func Gateway() *GatewayMetrics {
	gatewayMetricsOnce.Do(func() {
		gatewayRegistry = &GatewayMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "brlc",
				Subsystem: "gateway",
				Name:      "requests_total",
				Help:      "Count of gateway requests segmented by route and outcome.",
			}, []string{"route", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "brlc",
				Subsystem: "gateway",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for gateway routes.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
			idempotentReplays: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "brlc",
				Subsystem: "gateway",
				Name:      "idempotent_replays_total",
				Help:      "Count of requests answered from the idempotency cache.",
			}),
			authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "brlc",
				Subsystem: "gateway",
				Name:      "auth_failures_total",
				Help:      "Count of rejected requests segmented by reason.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(
			gatewayRegistry.requests,
			gatewayRegistry.latency,
			gatewayRegistry.idempotentReplays,
			gatewayRegistry.authFailures,
		)
	})
	return gatewayRegistry
}

// Observe records the execution metrics for a gateway route.
func (m *GatewayMetrics) Observe(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	route = labelValue(route)
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(route, outcome).Inc()
	m.latency.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordIdempotentReplay counts a request short-circuited by the idempotency cache.
func (m *GatewayMetrics) RecordIdempotentReplay() {
	if m == nil {
		return
	}
	m.idempotentReplays.Inc()
}

// RecordAuthFailure increments the auth failure counter. Reasons should be
// stable strings such as "missing_token" or "rate_limit" so dashboards and
// alerts remain consistent.
func (m *GatewayMetrics) RecordAuthFailure(reason string) {
	if m == nil {
		return
	}
	m.authFailures.WithLabelValues(labelValue(reason)).Inc()
}

// ReconcilerMetrics wraps collectors tracking reconciliation sweep health.
type ReconcilerMetrics struct {
	sweeps        *prometheus.CounterVec
	sweepDuration prometheus.Histogram
	anomalies     *prometheus.CounterVec
	lastSweep     prometheus.Gauge
}

// Reconciler exposes the metrics registry for the reconciliation service.
func Reconciler() *ReconcilerMetrics {
	reconcilerMetricsOnce.Do(func() {
		reconcilerRegistry = &ReconcilerMetrics{
			sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "brlc",
				Subsystem: "reconciler",
				Name:      "sweeps_total",
				Help:      "Count of reconciliation sweeps segmented by outcome.",
			}, []string{"outcome"}),
			sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "brlc",
				Subsystem: "reconciler",
				Name:      "sweep_duration_seconds",
				Help:      "Latency distribution for full reconciliation sweeps.",
				Buckets:   prometheus.DefBuckets,
			}),
			anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "brlc",
				Subsystem: "reconciler",
				Name:      "anomalies_total",
				Help:      "Count of invariant violations segmented by check.",
			}, []string{"check"}),
			lastSweep: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "brlc",
				Subsystem: "reconciler",
				Name:      "last_sweep_timestamp_seconds",
				Help:      "Unix timestamp of the most recent completed sweep.",
			}),
		}
		prometheus.MustRegister(
			reconcilerRegistry.sweeps,
			reconcilerRegistry.sweepDuration,
			reconcilerRegistry.anomalies,
			reconcilerRegistry.lastSweep,
		)
	})
	return reconcilerRegistry
}

// ObserveSweep records one completed sweep and stamps the freshness gauge.
func (m *ReconcilerMetrics) ObserveSweep(duration time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.sweeps.WithLabelValues(outcome).Inc()
	m.sweepDuration.Observe(duration.Seconds())
	m.lastSweep.Set(float64(time.Now().Unix()))
}

// RecordAnomaly increments the anomaly counter for the supplied check name.
func (m *ReconcilerMetrics) RecordAnomaly(check string) {
	if m == nil {
		return
	}
	m.anomalies.WithLabelValues(labelValue(check)).Inc()
}

func labelValue(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
