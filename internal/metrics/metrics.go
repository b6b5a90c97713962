package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "parley_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	DocumentsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_documents_written_total",
			Help: "Committed document writes",
		},
		[]string{"collection", "action"},
	)

	EventsPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "parley_change_events_published_total",
			Help: "Change events handed to feed subscribers",
		},
	)

	SubscriberDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "parley_feed_subscriber_drops_total",
			Help: "Feed subscribers closed because their queue overflowed",
		},
	)

	RealtimeConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "parley_realtime_connections",
			Help: "Open realtime websocket connections",
		},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_rate_limit_hits_total",
			Help: "Writes rejected by the per-caller limiter",
		},
		[]string{"collection"},
	)

	SyncReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "parley_sync_reconnect_attempts_total",
			Help: "Scheduled live subscription reconnect attempts",
		},
	)

	SyncEventsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_sync_events_applied_total",
			Help: "Change events that modified a conversation timeline",
		},
		[]string{"action"},
	)
)
