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
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	settlementOnce sync.Once
	settlementReg  *SettlementMetrics

	chainMetricsOnce sync.Once
	chainRegistry    *ChainMetrics

	reconMetricsOnce sync.Once
	reconRegistry    *ReconMetrics
)

// ModuleMetrics returns the lazily-initialised registry recording HTTP API
// activity per route.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "prx",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total API requests segmented by module, route and outcome.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "prx",
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total API errors segmented by module, route and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "prx",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "prx",
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of API requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of an API request. The status code should be
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

// RecordThrottle increments the throttle counter for the supplied module and
// reason. Reasons should be stable strings such as "rate_limit".
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// SettlementMetrics captures orchestrator outcomes. It satisfies the
// settlement package's Metrics interface.
type SettlementMetrics struct {
	operations    *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	stageErrors   *prometheus.CounterVec
	compensations *prometheus.CounterVec
	unreconciled  *prometheus.CounterVec
}

// Settlement returns the singleton settlement metrics registry.
func Settlement() *SettlementMetrics {
	settlementOnce.Do(func() {
		settlementReg = &SettlementMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "prx",
				Subsystem: "settlement",
				Name:      "operations_total",
				Help:      "Count of settlement operations segmented by operation and outcome class.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "prx",
				Subsystem: "settlement",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for settlement operations.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			}, []string{"operation"}),
			stageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "prx",
				Subsystem: "settlement",
				Name:      "stage_errors_total",
				Help:      "Count of settlement failures segmented by operation, stage and error code.",
			}, []string{"operation", "stage", "code"}),
			compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "prx",
				Subsystem: "settlement",
				Name:      "compensations_total",
				Help:      "Count of fiat bridge reversals segmented by result.",
			}, []string{"result"}),
			unreconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "prx",
				Subsystem: "settlement",
				Name:      "unreconciled_total",
				Help:      "Count of settlements whose ledger side could not be completed.",
			}, []string{"operation"}),
		}
		prometheus.MustRegister(
			settlementReg.operations,
			settlementReg.latency,
			settlementReg.stageErrors,
			settlementReg.compensations,
			settlementReg.unreconciled,
		)
	})
	return settlementReg
}

// Observe records the outcome and latency of one operation.
func (m *SettlementMetrics) Observe(operation, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	operation = labelOr(operation, "unknown")
	m.operations.WithLabelValues(operation, labelOr(outcome, "unknown")).Inc()
	m.latency.WithLabelValues(operation).Observe(d.Seconds())
}

// RecordStageError counts a failure at the given stage.
func (m *SettlementMetrics) RecordStageError(operation, stage, code string) {
	if m == nil {
		return
	}
	m.stageErrors.WithLabelValues(labelOr(operation, "unknown"), labelOr(stage, "unknown"), labelOr(code, "unknown")).Inc()
}

// RecordCompensation counts a reversal attempt; result is "reversed" or
// "failed".
func (m *SettlementMetrics) RecordCompensation(result string) {
	if m == nil {
		return
	}
	m.compensations.WithLabelValues(labelOr(result, "unknown")).Inc()
}

// RecordUnreconciled counts a settlement that needs reconciliation.
func (m *SettlementMetrics) RecordUnreconciled(operation string) {
	if m == nil {
		return
	}
	m.unreconciled.WithLabelValues(labelOr(operation, "unknown")).Inc()
}

// ChainMetrics tracks JSON-RPC traffic to the settlement chain.
type ChainMetrics struct {
	calls   *prometheus.CounterVec
	latency *prometheus.HistogramVec
	gas     prometheus.Gauge
}

// Chain returns the singleton chain gateway metrics registry.
func Chain() *ChainMetrics {
	chainMetricsOnce.Do(func() {
		chainRegistry = &ChainMetrics{
			calls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "prx",
				Subsystem: "chain",
				Name:      "calls_total",
				Help:      "Count of chain gateway calls segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "prx",
				Subsystem: "chain",
				Name:      "call_duration_seconds",
				Help:      "Latency distribution for chain gateway calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
			gas: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "prx",
				Subsystem: "chain",
				Name:      "gas_price_wei",
				Help:      "Most recently observed gas price.",
			}),
		}
		prometheus.MustRegister(chainRegistry.calls, chainRegistry.latency, chainRegistry.gas)
	})
	return chainRegistry
}

// ObserveCall records one gateway call.
func (m *ChainMetrics) ObserveCall(method string, d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	method = labelOr(method, "unknown")
	m.calls.WithLabelValues(method, outcome).Inc()
	m.latency.WithLabelValues(method).Observe(d.Seconds())
}

// RecordGasPrice stores the latest gas price reading.
func (m *ChainMetrics) RecordGasPrice(price *big.Int) {
	if m == nil {
		return
	}
	m.gas.Set(bigToFloat(price))
}

// ReconMetrics reports cached balance drift found by the auditor.
type ReconMetrics struct {
	drift    *prometheus.GaugeVec
	runs     *prometheus.CounterVec
	lastRun  prometheus.Gauge
	journals prometheus.Gauge
}

// Recon returns the singleton reconciliation metrics registry.
func Recon() *ReconMetrics {
	reconMetricsOnce.Do(func() {
		reconRegistry = &ReconMetrics{
			drift: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "prx",
				Subsystem: "recon",
				Name:      "drifted_balances",
				Help:      "Cached balances differing from the chain on the last audit, per token.",
			}, []string{"asset"}),
			runs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "prx",
				Subsystem: "recon",
				Name:      "runs_total",
				Help:      "Count of audit runs segmented by outcome.",
			}, []string{"outcome"}),
			lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "prx",
				Subsystem: "recon",
				Name:      "last_run_timestamp_seconds",
				Help:      "Unix time of the last completed audit.",
			}),
			journals: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "prx",
				Subsystem: "recon",
				Name:      "open_unreconciled",
				Help:      "Unreconciled settlement journal entries awaiting an operator.",
			}),
		}
		prometheus.MustRegister(reconRegistry.drift, reconRegistry.runs, reconRegistry.lastRun, reconRegistry.journals)
	})
	return reconRegistry
}

// RecordRun stores the drift counts of a finished audit.
func (m *ReconMetrics) RecordRun(at time.Time, drifted map[string]int, openJournal int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.runs.WithLabelValues("error").Inc()
		return
	}
	m.runs.WithLabelValues("success").Inc()
	for asset, n := range drifted {
		m.drift.WithLabelValues(labelAsset(asset)).Set(float64(n))
	}
	m.journals.Set(float64(openJournal))
	m.lastRun.Set(float64(at.Unix()))
}

func labelOr(value, fallback string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}

func labelAsset(asset string) string {
	trimmed := strings.TrimSpace(asset)
	if trimmed == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(trimmed)
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
