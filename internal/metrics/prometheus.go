package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Run statuses reported by the poolreplay_run_status gauge.
var runStatuses = []string{"idle", "replaying", "benchmarking", "completed", "error"}

// PrometheusMetrics holds all Prometheus metrics of a replay and benchmark run.
type PrometheusMetrics struct {
	// Replay
	EventsTotal     *prometheus.CounterVec
	RecoveriesTotal prometheus.Counter

	// Benchmark
	BlocksMined          prometheus.Counter
	TransactionsTotal    prometheus.Counter
	BlockDuration        prometheus.Histogram
	Throughput           prometheus.Gauge
	PriceViolationsTotal prometheus.Counter

	RunStatus *prometheus.GaugeVec
}

// NewPrometheusMetrics creates and registers all Prometheus metrics.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &PrometheusMetrics{
		EventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "poolreplay_events_total",
				Help: "Replayed pool events by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),

		RecoveriesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "poolreplay_swap_recoveries_total",
				Help: "Swaps re-issued at the recorded price after price drift",
			},
		),

		BlocksMined: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "poolreplay_benchmark_blocks_total",
				Help: "Blocks mined during benchmarks",
			},
		),

		TransactionsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "poolreplay_benchmark_swaps_total",
				Help: "Synthesized swaps executed during benchmarks",
			},
		),

		BlockDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "poolreplay_benchmark_block_seconds",
				Help:    "Time to set timestamp, submit and mine one benchmark block",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
		),

		Throughput: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "poolreplay_benchmark_throughput_tps",
				Help: "Average throughput of the last completed benchmark",
			},
		),

		PriceViolationsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "poolreplay_benchmark_price_violations_total",
				Help: "Blocks after which the pool price left tolerance of the initial price",
			},
		),

		RunStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "poolreplay_run_status",
				Help: "Current run status (1 if active, 0 otherwise)",
			},
			[]string{"status"},
		),
	}
}

// ObserveEvent records one replayed event outcome.
func (m *PrometheusMetrics) ObserveEvent(kind, outcome string) {
	m.EventsTotal.WithLabelValues(kind, outcome).Inc()
	if outcome == "recovered" {
		m.RecoveriesTotal.Inc()
	}
}

// ObserveBlock records one mined benchmark block.
func (m *PrometheusMetrics) ObserveBlock(d time.Duration, txs int) {
	m.BlocksMined.Inc()
	m.TransactionsTotal.Add(float64(txs))
	m.BlockDuration.Observe(d.Seconds())
}

// ObservePriceViolation records a failed price-neutrality check.
func (m *PrometheusMetrics) ObservePriceViolation() {
	m.PriceViolationsTotal.Inc()
}

// ObserveThroughput records a completed benchmark's average throughput.
func (m *PrometheusMetrics) ObserveThroughput(tps float64) {
	m.Throughput.Set(tps)
}

// SetRunStatus updates the run status gauges.
func (m *PrometheusMetrics) SetRunStatus(status string) {
	for _, s := range runStatuses {
		if s == status {
			m.RunStatus.WithLabelValues(s).Set(1)
		} else {
			m.RunStatus.WithLabelValues(s).Set(0)
		}
	}
}
