package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	dispatchMetricsOnce sync.Once
	dispatchRegistry    *DispatchMetrics

	escrowMetricsOnce sync.Once
	escrowRegistry    *EscrowMetrics
)

// ModuleMetrics returns the lazily-initialised metrics registry used to record
// JSON-RPC module activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "market",
				Subsystem: "module",
				Name:      "requests_total",
				Help:      "Total JSON-RPC module requests segmented by module and method.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "market",
				Subsystem: "module",
				Name:      "errors_total",
				Help:      "Total JSON-RPC module errors segmented by module, method, and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "market",
				Subsystem: "module",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC module handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a module request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// DispatchMetrics wraps collectors tracking the remote-call scheduler.
type DispatchMetrics struct {
	submitted *prometheus.CounterVec
	completed *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	queued    prometheus.Gauge
}

// Dispatch exposes the metrics registry for the action-chain scheduler.
func Dispatch() *DispatchMetrics {
	dispatchMetricsOnce.Do(func() {
		dispatchRegistry = &DispatchMetrics{
			submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "market",
				Subsystem: "dispatch",
				Name:      "chains_submitted_total",
				Help:      "Count of action chains accepted by the scheduler, segmented by target.",
			}, []string{"target"}),
			completed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "market",
				Subsystem: "dispatch",
				Name:      "chains_completed_total",
				Help:      "Count of executed action chains segmented by target and outcome.",
			}, []string{"target", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "market",
				Subsystem: "dispatch",
				Name:      "chain_duration_seconds",
				Help:      "Execution latency of full action chains including callback delivery.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"target"}),
			queued: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "market",
				Subsystem: "dispatch",
				Name:      "chains_queued",
				Help:      "Number of submitted chains awaiting execution.",
			}),
		}
		prometheus.MustRegister(
			dispatchRegistry.submitted,
			dispatchRegistry.completed,
			dispatchRegistry.latency,
			dispatchRegistry.queued,
		)
	})
	return dispatchRegistry
}

// RecordSubmit increments the submitted counter and the queue depth gauge.
func (m *DispatchMetrics) RecordSubmit(target string) {
	if m == nil {
		return
	}
	m.submitted.WithLabelValues(labelTarget(target)).Inc()
	m.queued.Inc()
}

// RecordComplete records one executed chain and its end-to-end latency.
func (m *DispatchMetrics) RecordComplete(target string, ok bool, duration time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	label := labelTarget(target)
	m.completed.WithLabelValues(label, outcome).Inc()
	m.latency.WithLabelValues(label).Observe(duration.Seconds())
	m.queued.Dec()
}

// EscrowMetrics bundles collectors tracking custody health.
type EscrowMetrics struct {
	settlements *prometheus.CounterVec
	volume      *prometheus.CounterVec
	locked      prometheus.Gauge
}

// Escrow exposes the metrics registry for the escrow engine.
func Escrow() *EscrowMetrics {
	escrowMetricsOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "market",
				Subsystem: "escrow",
				Name:      "settlements_total",
				Help:      "Count of escrow resolutions segmented by outcome (delivered, disputed, refunded, failed).",
			}, []string{"outcome"}),
			volume: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "market",
				Subsystem: "escrow",
				Name:      "settled_volume_units",
				Help:      "Cumulative settled value in integer native units segmented by outcome.",
			}, []string{"outcome"}),
			locked: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "market",
				Subsystem: "escrow",
				Name:      "locked_value_units",
				Help:      "Current escrowed value custodied by the factory vault in integer native units.",
			}),
		}
		prometheus.MustRegister(
			escrowRegistry.settlements,
			escrowRegistry.volume,
			escrowRegistry.locked,
		)
	})
	return escrowRegistry
}

// RecordSettlement counts one resolution and its value.
func (m *EscrowMetrics) RecordSettlement(outcome string, value *big.Int) {
	if m == nil {
		return
	}
	if outcome = strings.TrimSpace(outcome); outcome == "" {
		outcome = "unknown"
	}
	m.settlements.WithLabelValues(outcome).Inc()
	m.volume.WithLabelValues(outcome).Add(bigToFloat(value))
}

// SetLockedValue updates the vault custody gauge.
func (m *EscrowMetrics) SetLockedValue(value *big.Int) {
	if m == nil {
		return
	}
	m.locked.Set(bigToFloat(value))
}

func labelTarget(target string) string {
	trimmed := strings.TrimSpace(target)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
