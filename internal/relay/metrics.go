package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the relay's Prometheus collectors.
type Metrics struct {
	Turns             *prometheus.CounterVec
	RateLimited       *prometheus.CounterVec
	UpstreamDuration  *prometheus.HistogramVec
	ActiveGenerations prometheus.Gauge
	StreamEdits       prometheus.Counter
	Supersessions     prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Turns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_turns_total",
			Help: "Chat turns by terminal outcome",
		}, []string{"outcome"}),
		RateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_rate_limited_total",
			Help: "Turns rejected by a rate window, by window type",
		}, []string{"type"}),
		UpstreamDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_upstream_duration_seconds",
			Help:    "Completion transport latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 0.25s to ~2m
		}, []string{"mode", "result"}),
		ActiveGenerations: f.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_generations",
			Help: "Generation sessions currently in flight",
		}),
		StreamEdits: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_stream_edits_total",
			Help: "Placeholder edits made while streaming",
		}),
		Supersessions: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_supersessions_total",
			Help: "Generations cancelled by a newer message from the same user",
		}),
	}
}
