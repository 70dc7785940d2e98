// Package metrics provides Prometheus instrumentation for the chat server.
// It exposes gauges for connection counts, counters for message throughput
// and moderation outcomes, and histograms for latency tracking.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsActive tracks the current number of push connections.
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_connections_active",
		Help: "Current number of active WebSocket connections",
	})

	// HeartbeatEvictions counts connections dropped for silence or a failed
	// ping.
	HeartbeatEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_heartbeat_evictions_total",
		Help: "Connections evicted by the heartbeat",
	})

	// FramesTotal counts client frames by type; undecodable frames are
	// "invalid".
	FramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_frames_total",
		Help: "Client frames received over the push channel",
	}, []string{"type"})

	// MessagesTotal counts processed messages by kind: "direct", "anonymous",
	// "duplicate" or "failed".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_total",
		Help: "Total number of messages processed",
	}, []string{"kind"})

	// AnonymousRejected counts refused anonymous posts by reason
	// ("banned", "rate_limited", "invalid", "blocked_keyword",
	// "spam_pattern", "toxic", "unavailable").
	AnonymousRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_anonymous_rejected_total",
		Help: "Anonymous posts rejected by the moderation pipeline",
	}, []string{"reason"})

	// DeliveryLatency records the time from a send request to broadcast.
	DeliveryLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_delivery_latency_seconds",
		Help:    "Direct message persist and broadcast latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// ScoreLatency records toxicity scorer round trips.
	ScoreLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_score_latency_seconds",
		Help:    "Toxicity scorer latency in seconds",
		Buckets: []float64{.05, .1, .25, .5, 1, 2, 4, 8},
	})

	// ReportsTotal counts accepted reports; FlaggedTotal counts posts that
	// crossed the report threshold.
	ReportsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_reports_total",
		Help: "Reports filed against anonymous posts",
	})
	FlaggedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_flagged_total",
		Help: "Anonymous posts flagged by reports",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		HeartbeatEvictions,
		FramesTotal,
		MessagesTotal,
		AnonymousRejected,
		DeliveryLatency,
		ScoreLatency,
		ReportsTotal,
		FlaggedTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
