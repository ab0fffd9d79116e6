package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the collaboration gateway.
//
// Naming convention: namespace_subsystem_name
// - namespace: collab_gateway (application-level grouping)
// - subsystem: websocket, room, lock, ratelimit, sweeper (feature-level grouping)
//
// Metric Types:
// - Gauge: current state (connections, rooms, members, locks)
// - Counter: cumulative events (frames processed, violations, reaps)
// - Histogram: latency distributions (handler processing time)

var (
	// ActiveConnections tracks the current number of admitted WebSocket connections.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "collab_gateway",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of non-empty rooms.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "collab_gateway",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomMembers tracks the member count per room.
	RoomMembers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "collab_gateway",
		Subsystem: "room",
		Name:      "members_count",
		Help:      "Number of members in each room",
	}, []string{"room_id"})

	// ActiveLocks tracks the current number of held sub-resource locks.
	ActiveLocks = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "collab_gateway",
		Subsystem: "lock",
		Name:      "locks_active",
		Help:      "Current number of held sub-resource locks",
	})

	// WebsocketEvents counts processed frames by event name and outcome.
	WebsocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab_gateway",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total WebSocket events processed",
	}, []string{"event_type", "status"})

	// MessageProcessingDuration tracks handler latency per event name.
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "collab_gateway",
		Subsystem: "websocket",
		Name:      "message_processing_seconds",
		Help:      "Time spent processing WebSocket messages",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// RateLimitViolations counts recorded sliding-window violations.
	RateLimitViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab_gateway",
		Subsystem: "ratelimit",
		Name:      "violations_total",
		Help:      "Total rate-limit violations recorded",
	}, []string{"event_type"})

	// RateLimitBans counts bans issued after repeated violations.
	RateLimitBans = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "collab_gateway",
		Subsystem: "ratelimit",
		Name:      "bans_total",
		Help:      "Total connection bans issued by the rate limiter",
	})

	// RateLimitExceeded counts handshake-level limiter rejections.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab_gateway",
		Subsystem: "ratelimit",
		Name:      "handshake_exceeded_total",
		Help:      "Total handshake requests rejected by the IP rate limiter",
	}, []string{"endpoint", "limit_type"})

	// RateLimitRequests counts handshake requests checked by the IP limiter.
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab_gateway",
		Subsystem: "ratelimit",
		Name:      "handshake_requests_total",
		Help:      "Total handshake requests checked by the IP rate limiter",
	}, []string{"endpoint"})

	// ForceTransferOutcomes counts terminal force-transfer states.
	ForceTransferOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab_gateway",
		Subsystem: "lock",
		Name:      "force_transfers_total",
		Help:      "Total force-transfer requests by terminal outcome",
	}, []string{"outcome"})

	// SweeperReleases counts locks released by the inactivity sweeper.
	SweeperReleases = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "collab_gateway",
		Subsystem: "sweeper",
		Name:      "locks_released_total",
		Help:      "Total locks released due to member inactivity",
	})

	// CircuitBreakerState reports breaker state per backend (0 closed, 1 open, 2 half-open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "collab_gateway",
		Subsystem: "breaker",
		Name:      "state",
		Help:      "Circuit breaker state per backend (0=closed, 1=open, 2=half-open)",
	}, []string{"backend"})

	// CircuitBreakerFailures counts calls dropped by an open breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab_gateway",
		Subsystem: "breaker",
		Name:      "failures_total",
		Help:      "Total calls rejected by an open circuit breaker",
	}, []string{"backend"})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}
