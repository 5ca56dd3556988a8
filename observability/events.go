package observability

import (
	"math/big"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type eventMetrics struct {
	settled *prometheus.CounterVec
	volume  *prometheus.CounterVec
	price   prometheus.Gauge
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking settled movements.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			settled: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "prx",
				Subsystem: "events",
				Name:      "settled_total",
				Help:      "Count of settled operations segmented by kind and spent asset.",
			}, []string{"kind", "asset"}),
			volume: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "prx",
				Subsystem: "events",
				Name:      "settled_volume",
				Help:      "Whole token units spent by settled operations.",
			}, []string{"kind", "asset"}),
			price: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "prx",
				Subsystem: "events",
				Name:      "spot_price",
				Help:      "Last native token spot price served, in stable units.",
			}),
		}
		prometheus.MustRegister(eventRegistry.settled, eventRegistry.volume, eventRegistry.price)
	})
	return eventRegistry
}

// RecordSettled counts a settled operation spending amount base units of asset.
func (m *eventMetrics) RecordSettled(kind, asset string, amount *big.Int) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(strings.ToUpper(asset))
	if normalized == "" {
		normalized = "UNKNOWN"
	}
	kind = labelOr(kind, "unknown")
	m.settled.WithLabelValues(kind, normalized).Inc()
	if amount != nil && amount.Sign() > 0 {
		whole := new(big.Float).Quo(new(big.Float).SetInt(amount), big.NewFloat(1e18))
		v, _ := whole.Float64()
		m.volume.WithLabelValues(kind, normalized).Add(v)
	}
}

// RecordPrice stores the last spot price served.
func (m *eventMetrics) RecordPrice(price float64) {
	if m == nil {
		return
	}
	m.price.Set(price)
}
