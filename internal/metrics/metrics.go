// Package metrics exposes Prometheus collectors for the scheduler core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "streamflow_check_queue_depth",
		Help: "Number of channels currently waiting in the check queue",
	})

	ChannelsInProgress = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "streamflow_channels_in_progress",
		Help: "Number of channel checks currently running",
	})

	ProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamflow_probes_total",
		Help: "Total stream probes by resulting status",
	}, []string{"status"})

	ProbeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "streamflow_probe_duration_seconds",
		Help:    "Wall-clock duration of one media-inspector invocation",
		Buckets: prometheus.ExponentialBuckets(1, 2, 8),
	})

	LimiterWaiting = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "streamflow_limiter_waiting",
		Help: "Goroutines blocked on a concurrency limiter slot",
	}, []string{"scope"})

	ChannelsChecked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamflow_channels_checked_total",
		Help: "Total channel checks completed",
	})

	GlobalSweepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamflow_global_sweeps_total",
		Help: "Total daily global sweeps performed",
	})

	DeadStreamsMarked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamflow_dead_streams_marked_total",
		Help: "Streams marked dead by the check pipeline",
	})

	DeadStreamsRevived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamflow_dead_streams_revived_total",
		Help: "Dead-stream entries removed (playlist disappearance or revive)",
	})

	UpstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamflow_upstream_requests_total",
		Help: "Upstream orchestrator HTTP requests by method and outcome",
	}, []string{"method", "outcome"})
)

// RecordProbe tracks one completed probe.
func RecordProbe(status string, seconds float64) {
	if status == "" {
		status = "unknown"
	}
	ProbesTotal.WithLabelValues(status).Inc()
	ProbeDuration.Observe(seconds)
}
