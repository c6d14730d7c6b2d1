// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearth_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hearth_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route"},
	)

	// Hub metrics
	Connections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hearth_connections",
			Help: "Currently registered websocket connections",
		},
	)

	FramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearth_frames_received_total",
			Help: "Inbound frames by type",
		},
		[]string{"type"},
	)

	ConnectionsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearth_connections_closed_total",
			Help: "Connections closed by the hub, by close code",
		},
		[]string{"code"},
	)

	MessagesPersisted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hearth_messages_persisted_total",
			Help: "Chat messages written to the message log",
		},
	)

	ModerationActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearth_moderation_actions_total",
			Help: "Moderation actions applied",
		},
		[]string{"action"}, // delete, timeout, ban, unban, grant_role, revoke_role
	)

	RateLimitTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hearth_rate_limit_timeouts_total",
			Help: "Automatic timeouts for exceeding the message rate",
		},
	)

	BroadcastDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hearth_broadcast_drops_total",
			Help: "Outbound frames dropped because a client's send buffer was full",
		},
	)

	RetentionDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hearth_retention_deleted_total",
			Help: "Messages deleted by the retention sweeper",
		},
	)

	ConnectRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hearth_connect_rejected_total",
			Help: "Websocket upgrades rejected by the per-IP limiter",
		},
	)

	ConnectLimiterEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hearth_connect_limiter_entries",
			Help: "Client addresses tracked by the per-IP connect limiter",
		},
	)

	// Emote catalog metrics
	EmoteCacheResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearth_emote_cache_results_total",
			Help: "Emote catalog cache lookups",
		},
		[]string{"source", "result"}, // result: hit, miss, error
	)
)
