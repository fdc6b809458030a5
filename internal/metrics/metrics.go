// Package metrics provides Prometheus instrumentation for the chat server. It
// exposes gauges for connection, presence and stranger-session counts,
// counters for message and moderation throughput, and histograms for latency
// tracking.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of open WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tiktalk_connections_total",
		Help: "Current number of open WebSocket connections",
	})

	// OnlineUsers tracks connections that have completed join.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tiktalk_online_users",
		Help: "Current number of joined connections",
	})

	// ConnectionsRejected counts upgrades refused before a connection was
	// admitted, labeled by reason: "banned", "rate_limited" or "capacity".
	ConnectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tiktalk_connections_rejected_total",
		Help: "Total number of refused connections",
	}, []string{"reason"})

	// MessagesTotal counts inbound messages handled by the hub, labeled by
	// message type. Undecodable frames are counted as "invalid".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tiktalk_messages_total",
		Help: "Total number of inbound messages processed",
	}, []string{"type"})

	// FramesDropped counts outbound frames discarded because a connection's
	// send queue was full or already closed.
	FramesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tiktalk_frames_dropped_total",
		Help: "Total number of outbound frames dropped",
	})

	// MessageLatency records hub handler latency in seconds.
	MessageLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tiktalk_message_latency_seconds",
		Help:    "Message processing latency in seconds",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
	})

	// MatchDuration records the time from stranger_find to stranger_matched.
	MatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tiktalk_match_duration_seconds",
		Help:    "Time from match request to match found",
		Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 300},
	})

	// ActiveChats tracks the current number of stranger sessions.
	ActiveChats = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tiktalk_active_stranger_sessions",
		Help: "Current number of anonymous stranger sessions",
	})

	// MatchQueueSize tracks the current number of users in the matching queue.
	MatchQueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tiktalk_match_queue_size",
		Help: "Current number of users in matching queue",
	})

	// ModerationActions counts moderation events, labeled by action:
	// "report", "ban", "unban", "announcement" or "suggestion".
	ModerationActions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tiktalk_moderation_actions_total",
		Help: "Total number of moderation actions",
	}, []string{"action"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		ConnectionsRejected,
		MessagesTotal,
		FramesDropped,
		MessageLatency,
		MatchDuration,
		ActiveChats,
		MatchQueueSize,
		ModerationActions,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
