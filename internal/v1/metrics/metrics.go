package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the signaling hub.
//
// Naming convention: namespace_subsystem_name
// - namespace: signaling (application-level grouping)
// - subsystem: transport, room, relay, rate_limit, redis, circuit_breaker
// - name: specific metric (connections_active, events_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, participants)
// - Counter: Cumulative events (messages dispatched, errors)
// - Histogram: Latency distributions (dispatch time)

var (
	// ActiveSessions tracks the current number of registered sessions across
	// both transport adapters (Gauge - current state).
	ActiveSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "signaling",
		Subsystem: "transport",
		Name:      "sessions_active",
		Help:      "Current number of active sessions by transport",
	}, []string{"transport"})

	// ActiveRooms tracks the current number of non-empty rooms (Gauge).
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "signaling",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomParticipants tracks the number of participants in each room
	// (GaugeVec keyed by room_id - current state per room).
	RoomParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "signaling",
		Subsystem: "room",
		Name:      "participants_count",
		Help:      "Number of participants in each room",
	}, []string{"room_id"})

	// MessagesDispatched tracks the total number of envelope messages
	// dispatched by the hub, by message type and outcome.
	MessagesDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signaling",
		Subsystem: "relay",
		Name:      "messages_total",
		Help:      "Total envelope messages dispatched by the hub",
	}, []string{"type", "status"})

	// DispatchDuration tracks the time spent handling one inbound envelope,
	// from receipt until its handler returns (outbound sends included).
	DispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "signaling",
		Subsystem: "relay",
		Name:      "dispatch_seconds",
		Help:      "Time spent dispatching an inbound envelope",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"type"})

	// GhostEvictions tracks the total number of participants evicted because
	// a join named their client id as its reconnectCid.
	GhostEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "signaling",
		Subsystem: "room",
		Name:      "ghost_evictions_total",
		Help:      "Total number of ghost sessions evicted on reconnect",
	})

	// CircuitBreakerState tracks the current state of the Redis bus circuit
	// breaker. 0: Closed (Healthy), 1: Open (Failure), 2: Half-Open (Recovering).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "signaling",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	// CircuitBreakerFailures tracks the total number of requests rejected by
	// the circuit breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signaling",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total requests rejected by the circuit breaker",
	}, []string{"service"})

	// RateLimitExceeded tracks the total number of requests that exceeded the
	// rate limit, by endpoint.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signaling",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total number of requests that exceeded the rate limit",
	}, []string{"endpoint"})

	// RateLimitRequests tracks the total number of requests checked against
	// the rate limiter, by endpoint.
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signaling",
		Subsystem: "rate_limit",
		Name:      "requests_total",
		Help:      "Total number of requests checked against the rate limiter",
	}, []string{"endpoint"})

	// RedisOperationsTotal tracks the total number of Redis bus operations.
	RedisOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signaling",
		Subsystem: "redis",
		Name:      "operations_total",
		Help:      "Total number of Redis operations",
	}, []string{"operation", "status"})

	// RedisOperationDuration tracks the duration of Redis bus operations.
	RedisOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "signaling",
		Subsystem: "redis",
		Name:      "operation_duration_seconds",
		Help:      "Duration of Redis operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	// TokensIssued tracks relay-credential tokens minted, by kind (call,
	// diagnostic).
	TokensIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signaling",
		Subsystem: "tokenstore",
		Name:      "issued_total",
		Help:      "Total relay-credential tokens issued",
	}, []string{"kind"})
)

// IncSession increments the active-session gauge for a transport.
func IncSession(transport string) {
	ActiveSessions.WithLabelValues(transport).Inc()
}

// DecSession decrements the active-session gauge for a transport.
func DecSession(transport string) {
	ActiveSessions.WithLabelValues(transport).Dec()
}
