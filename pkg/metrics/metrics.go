package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gateway metrics
var (
	ConnectionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_connections_current",
			Help: "Current number of live websocket connections",
		},
	)

	HandshakeAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_handshake_attempts_total",
			Help: "Total number of websocket handshake attempts",
		},
		[]string{"result"},
	)

	ConnectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "beacon_connection_duration_seconds",
			Help:    "Duration of websocket connections in seconds",
			Buckets: []float64{1, 10, 60, 300, 1800, 3600, 14400, 86400},
		},
	)

	LivenessEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_liveness_evictions_total",
			Help: "Connections evicted after a missed liveness probe",
		},
	)
)

// Channel hierarchy metrics
var (
	ChannelsCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "beacon_channels_current",
			Help: "Current number of live channels per hierarchy level",
		},
		[]string{"type"},
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_events_published_total",
			Help: "Lifecycle events published into the hierarchy",
		},
		[]string{"kind"},
	)

	EventsDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_events_delivered_total",
			Help: "Per-connection event deliveries",
		},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_events_dropped_total",
			Help: "Events dropped before delivery",
		},
		[]string{"reason"},
	)
)

// Resilience store metrics
var (
	StoreOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_store_operations_total",
			Help: "Total resilience store operations",
		},
		[]string{"operation", "status"},
	)

	StoreFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_store_fallbacks_total",
			Help: "Operations served by the process-local fallback",
		},
		[]string{"operation"},
	)

	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "beacon_circuit_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)
)

// Poll path metrics
var (
	PollRequests = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_poll_requests_total",
			Help: "Fallback poll requests served",
		},
	)

	PollEventsReturned = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "beacon_poll_events_returned",
			Help:    "Events returned per poll request",
			Buckets: []float64{0, 1, 2, 5, 10, 50, 100, 500},
		},
	)
)

// Health monitoring metrics
var (
	ComponentHealthChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_component_health_checks_total",
			Help: "Health checks performed per component and outcome",
		},
		[]string{"component", "status"},
	)

	ComponentHealthStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "beacon_component_health_status",
			Help: "Component health (0=unreachable, 1=unhealthy, 2=degraded, 3=healthy)",
		},
		[]string{"component"},
	)

	ComponentHealthCheckDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "beacon_component_health_check_duration_seconds",
			Help:    "Duration of component health checks",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"component"},
	)
)

// Cluster metrics
var (
	ClusterLeader = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_cluster_leader",
			Help: "1 when this node is the cluster leader",
		},
	)

	ClusterMembers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_cluster_members",
			Help: "Known cluster members",
		},
	)
)
