// Package metrics defines the Prometheus instrumentation for mapsync.
// Metrics are registered on the default registry and exposed at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection metrics
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mapsync_sessions_active",
			Help: "Currently open sessions",
		},
	)

	SessionsReaped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mapsync_sessions_reaped_total",
			Help: "Sessions terminated by the liveness monitor",
		},
	)

	// Room metrics
	RoomsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mapsync_rooms_active",
			Help: "Rooms currently held by the registry",
		},
	)

	RoomsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mapsync_rooms_expired_total",
			Help: "Empty rooms deleted after the grace period",
		},
	)

	// Message metrics
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mapsync_messages_total",
			Help: "Client messages dispatched",
		},
		[]string{"kind"},
	)

	DecodeErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mapsync_decode_errors_total",
			Help: "Inbound frames rejected by the codec",
		},
	)

	BroadcastDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mapsync_broadcast_dropped_total",
			Help: "Broadcast frames dropped due to a full or closed recipient queue",
		},
	)
)
