package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shardmesh",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "shardmesh",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)

	directorParticipants = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "shardmesh",
			Subsystem: "director",
			Name:      "participants",
			Help:      "Live bus participants.",
		},
	)
	directorChannels = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "shardmesh",
			Subsystem: "director",
			Name:      "channels",
			Help:      "Registered bus channels.",
		},
	)
	directorMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shardmesh",
			Subsystem: "director",
			Name:      "messages_total",
			Help:      "Bus messages by routing outcome.",
		},
		[]string{"outcome"},
	)
	directorTeardowns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shardmesh",
			Subsystem: "director",
			Name:      "teardowns_total",
			Help:      "Participant teardowns by reason.",
		},
		[]string{"reason"},
	)

	stateMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shardmesh",
			Subsystem: "stateserver",
			Name:      "messages_total",
			Help:      "State server messages by type and outcome.",
		},
		[]string{"type", "outcome"},
	)
	stateObjects = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "shardmesh",
			Subsystem: "stateserver",
			Name:      "objects",
			Help:      "Live distributed objects.",
		},
	)
	stateShards = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "shardmesh",
			Subsystem: "stateserver",
			Name:      "shards",
			Help:      "Registered shards.",
		},
	)

	databaseRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shardmesh",
			Subsystem: "database",
			Name:      "requests_total",
			Help:      "Persistence requests by operation and outcome.",
		},
		[]string{"backend", "op", "outcome"},
	)
	databaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "shardmesh",
			Subsystem: "database",
			Name:      "request_duration_seconds",
			Help:      "Persistence store latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend", "op"},
	)

	gatewaySessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "shardmesh",
			Subsystem: "gateway",
			Name:      "sessions",
			Help:      "Connected client sessions.",
		},
	)
	gatewayMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shardmesh",
			Subsystem: "gateway",
			Name:      "client_messages_total",
			Help:      "Client messages by type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	shardObjects = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "shardmesh",
			Subsystem: "shard",
			Name:      "objects",
			Help:      "Objects tracked by a shard.",
		},
		[]string{"shard"},
	)
	shardMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shardmesh",
			Subsystem: "shard",
			Name:      "messages_total",
			Help:      "Registry notifications handled by shards, by type and outcome.",
		},
		[]string{"type", "outcome"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			directorParticipants, directorChannels, directorMessages, directorTeardowns,
			stateMessages, stateObjects, stateShards,
			databaseRequests, databaseDuration,
			gatewaySessions, gatewayMessages,
			shardObjects, shardMessages,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func SetDirectorParticipants(n int) {
	RegisterMetrics()
	directorParticipants.Set(float64(n))
}

func SetDirectorChannels(n int) {
	RegisterMetrics()
	directorChannels.Set(float64(n))
}

func RecordDirectorMessage(outcome string) {
	RegisterMetrics()
	directorMessages.WithLabelValues(outcome).Inc()
}

func RecordDirectorTeardown(reason string) {
	RegisterMetrics()
	directorTeardowns.WithLabelValues(reason).Inc()
}

func RecordStateMessage(msgType, outcome string) {
	RegisterMetrics()
	stateMessages.WithLabelValues(msgType, outcome).Inc()
}

func SetStateCounts(objects, shards int) {
	RegisterMetrics()
	stateObjects.Set(float64(objects))
	stateShards.Set(float64(shards))
}

func RecordDatabaseRequest(backend, op string, duration time.Duration, err error) {
	RegisterMetrics()
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	databaseRequests.WithLabelValues(backend, op, outcome).Inc()
	databaseDuration.WithLabelValues(backend, op).Observe(duration.Seconds())
}

func AddGatewaySessions(delta int) {
	RegisterMetrics()
	gatewaySessions.Add(float64(delta))
}

func RecordGatewayMessage(msgType, outcome string) {
	RegisterMetrics()
	gatewayMessages.WithLabelValues(msgType, outcome).Inc()
}

func SetShardObjects(shard string, n int) {
	RegisterMetrics()
	shardObjects.WithLabelValues(shard).Set(float64(n))
}

func RecordShardMessage(msgType, outcome string) {
	RegisterMetrics()
	shardMessages.WithLabelValues(msgType, outcome).Inc()
}
