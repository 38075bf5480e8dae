// Package obs exposes prometheus metrics for analysis runs.
package obs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder records run and node metrics via Prometheus. A nil *Recorder is
// valid and records nothing, so callers never branch on metrics being
// configured.
type Recorder struct {
	runsTotal         *prometheus.CounterVec
	runDuration       prometheus.Histogram
	wavesPerRun       prometheus.Histogram
	nodeDuration      *prometheus.HistogramVec
	nodeFailuresTotal *prometheus.CounterVec
	nodesInflight     prometheus.Gauge
}

// New creates a Recorder registered on the default prometheus registry.
// Construct it once per process.
func New() *Recorder {
	return &Recorder{
		runsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conviction_runs_total",
				Help: "Total number of analysis runs by terminal status",
			},
			[]string{"status"},
		),
		runDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "conviction_run_duration_seconds",
				Help:    "Wall-clock duration of analysis runs",
				Buckets: prometheus.DefBuckets,
			},
		),
		wavesPerRun: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "conviction_waves_per_run",
				Help:    "Number of execution waves per run",
				Buckets: []float64{1, 2, 3, 4, 5, 7, 10},
			},
		),
		nodeDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conviction_node_duration_seconds",
				Help:    "Evaluate duration per node",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"node"},
		),
		nodeFailuresTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conviction_node_failures_total",
				Help: "Total node failures by error code",
			},
			[]string{"code"},
		),
		nodesInflight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "conviction_nodes_inflight",
				Help: "Nodes currently evaluating on the worker pool",
			},
		),
	}
}

// RunCompleted records a finished run.
func (r *Recorder) RunCompleted(status string, duration time.Duration, waves int) {
	if r == nil {
		return
	}
	r.runsTotal.WithLabelValues(status).Inc()
	r.runDuration.Observe(duration.Seconds())
	r.wavesPerRun.Observe(float64(waves))
}

// NodeStarted marks one node as inflight until NodeSettled.
func (r *Recorder) NodeStarted() {
	if r == nil {
		return
	}
	r.nodesInflight.Inc()
}

// NodeSettled marks one inflight node as done, whatever the outcome.
func (r *Recorder) NodeSettled() {
	if r == nil {
		return
	}
	r.nodesInflight.Dec()
}

// NodeCompleted records one node evaluation.
func (r *Recorder) NodeCompleted(node string, duration time.Duration) {
	if r == nil {
		return
	}
	r.nodeDuration.WithLabelValues(node).Observe(duration.Seconds())
}

// NodeFailed records one node failure by error code.
func (r *Recorder) NodeFailed(code string) {
	if r == nil {
		return
	}
	r.nodeFailuresTotal.WithLabelValues(code).Inc()
}
