package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the gateway process.
var (
	// Connection metrics
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_connections_total",
		Help: "Total number of WebSocket connections established",
	})

	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections_active",
		Help: "Current number of active WebSocket connections",
	})

	ConnectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_connections_rejected_total",
		Help: "Total connection attempts rejected, by reason",
	}, []string{"reason"})

	DisconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_disconnects_total",
		Help: "Total disconnections by reason",
	}, []string{"reason"})

	// Frame metrics
	FramesIn = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_frames_in_total",
		Help: "Total inbound frames received from clients, by type",
	}, []string{"type"})

	FramesOut = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_frames_out_total",
		Help: "Total outbound frames delivered to clients",
	})

	ErrorFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_error_frames_total",
		Help: "Total error frames sent to clients, by category",
	}, []string{"category"})

	RateLimitedFrames = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_rate_limited_frames_total",
		Help: "Total inbound frames dropped by per-session rate limiting",
	})

	// Bus metrics
	BusReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_bus_reconnects_total",
		Help: "Total reconnects to the message bus",
	})

	BusPublishErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_bus_publish_errors_total",
		Help: "Total publishes dropped while the bus was unreachable",
	})

	BusSubscriptionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_bus_subscriptions_active",
		Help: "Current number of live bus subscriptions on this instance",
	})

	// Accounting metrics
	CounterEventsBuffered = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_counter_events_buffered",
		Help: "Counter deltas currently buffered awaiting flush",
	})

	CounterFlushErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_counter_flush_errors_total",
		Help: "Total failed counter-store flush attempts",
	})

	CounterDeltasDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_counter_deltas_dropped_total",
		Help: "Total counter deltas dropped after exceeding the retention window",
	})

	// Presence metrics
	HeartbeatReaps = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_heartbeat_reaps_total",
		Help: "Total sessions reaped by the heartbeat monitor",
	})

	RegistryErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_registry_errors_total",
		Help: "Total connection registry operation failures",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ConnectionsActive,
		ConnectionsRejected,
		DisconnectsTotal,
		FramesIn,
		FramesOut,
		ErrorFrames,
		RateLimitedFrames,
		BusReconnects,
		BusPublishErrors,
		BusSubscriptionsActive,
		CounterEventsBuffered,
		CounterFlushErrors,
		CounterDeltasDropped,
		HeartbeatReaps,
		RegistryErrors,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
