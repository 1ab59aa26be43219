// Package pacermetrics exposes the pacing decisions made by
// internal/quantum/pacing.Pacer as Prometheus metrics.
package pacermetrics

import (
	"time"

	"github.com/aetherflow/quantumpacer/internal/quantum/pacing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var _ pacing.Recorder = (*Metrics)(nil)

// Metrics collects pacer and congestion-controller telemetry. It satisfies
// pacing.Recorder so it can be passed straight to pacing.WithRecorder.
type Metrics struct {
	BurstSendsTotal         prometheus.Counter
	LumpyRefillsTotal       prometheus.Counter
	LumpyTokensGranted      prometheus.Histogram
	LowBandwidthClampsTotal prometheus.Counter
	CwndLimitedClampsTotal  prometheus.Counter
	PacingDelaySeconds      prometheus.Histogram

	BottleneckBandwidthMbps *prometheus.GaugeVec
	CongestionWindowBytes   *prometheus.GaugeVec
	StateTransitionsTotal   *prometheus.CounterVec
}

// New creates a Metrics collector registered under namespace/subsystem.
func New(namespace, subsystem string) *Metrics {
	return &Metrics{
		BurstSendsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pacer_burst_sends_total",
			Help:      "Total packets sent via the unpaced burst allowance",
		}),
		LumpyRefillsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pacer_lumpy_refills_total",
			Help:      "Total times the lumpy pacing token count was recomputed",
		}),
		LumpyTokensGranted: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pacer_lumpy_tokens_granted",
			Help:      "Distribution of lumpy pacing token counts granted per refill",
			Buckets:   []float64{1, 2, 3, 4},
		}),
		LowBandwidthClampsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pacer_low_bandwidth_clamps_total",
			Help:      "Total times lumpy tokens were clamped to 1 due to low estimated bandwidth",
		}),
		CwndLimitedClampsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pacer_cwnd_limited_clamps_total",
			Help:      "Total times lumpy tokens were clamped to 1 because bytes in flight reached the congestion window",
		}),
		PacingDelaySeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pacer_delay_seconds",
			Help:      "Distribution of computed inter-packet pacing delays",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14), // 100us to ~0.82s
		}),
		BottleneckBandwidthMbps: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "congestion_bottleneck_bandwidth_mbps",
			Help:      "Estimated bottleneck bandwidth in megabits/sec",
		}, []string{"connection"}),
		CongestionWindowBytes: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "congestion_window_bytes",
			Help:      "Current congestion window in bytes",
		}, []string{"connection"}),
		StateTransitionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "congestion_state_transitions_total",
			Help:      "Total congestion-controller state transitions, by destination state",
		}, []string{"connection", "state"}),
	}
}

// ObserveBurstSend implements pacing.Recorder.
func (m *Metrics) ObserveBurstSend() {
	m.BurstSendsTotal.Inc()
}

// ObserveLumpyRefill implements pacing.Recorder.
func (m *Metrics) ObserveLumpyRefill(tokens int) {
	m.LumpyRefillsTotal.Inc()
	m.LumpyTokensGranted.Observe(float64(tokens))
}

// ObserveLowBandwidthClamp implements pacing.Recorder.
func (m *Metrics) ObserveLowBandwidthClamp() {
	m.LowBandwidthClampsTotal.Inc()
}

// ObserveCwndLimitedClamp implements pacing.Recorder.
func (m *Metrics) ObserveCwndLimitedClamp() {
	m.CwndLimitedClampsTotal.Inc()
}

// ObservePacingDelay implements pacing.Recorder.
func (m *Metrics) ObservePacingDelay(d time.Duration) {
	m.PacingDelaySeconds.Observe(d.Seconds())
}

// RecordCongestionState snapshots a connection's congestion-controller
// state for the gauges that aren't reachable through pacing.Recorder alone.
func (m *Metrics) RecordCongestionState(connection, state string, bottleneckMbps float64, cwndBytes uint64) {
	m.BottleneckBandwidthMbps.WithLabelValues(connection).Set(bottleneckMbps)
	m.CongestionWindowBytes.WithLabelValues(connection).Set(float64(cwndBytes))
	m.StateTransitionsTotal.WithLabelValues(connection, state).Inc()
}
