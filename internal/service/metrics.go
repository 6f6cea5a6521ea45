package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics exposes the engine's operational counters on the shared
// Prometheus registry.
type EngineMetrics struct {
	commandDuration  *prometheus.HistogramVec
	tradesExecuted   *prometheus.CounterVec
	pendingBatches   prometheus.Gauge
	checkpointOffset prometheus.Gauge
}

func NewEngineMetrics(registry *prometheus.Registry) *EngineMetrics {
	m := &EngineMetrics{
		commandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "matching_command_duration_seconds",
				Help:    "Time spent applying one command to in-memory state",
				Buckets: prometheus.ExponentialBuckets(0.000001, 4, 12),
			},
			[]string{"kind"},
		),
		tradesExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "matching_trades_total",
				Help: "Trades produced by the matching loop",
			},
			[]string{"product_id"},
		),
		pendingBatches: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "matching_pending_batches",
			Help: "Batches registered but not yet fully saved",
		}),
		checkpointOffset: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "matching_checkpoint_offset",
			Help: "Command offset of the latest persisted checkpoint",
		}),
	}
	registry.MustRegister(m.commandDuration, m.tradesExecuted, m.pendingBatches, m.checkpointOffset)
	return m
}

func (m *EngineMetrics) ObserveCommand(kind string, duration time.Duration) {
	m.commandDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func (m *EngineMetrics) ObserveTrades(productID string, count int) {
	m.tradesExecuted.WithLabelValues(productID).Add(float64(count))
}

func (m *EngineMetrics) SetPendingBatches(n float64) {
	m.pendingBatches.Set(n)
}

func (m *EngineMetrics) SetCheckpointOffset(offset float64) {
	m.checkpointOffset.Set(offset)
}
