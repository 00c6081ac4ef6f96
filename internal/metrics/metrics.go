package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventQueueLength tracks the number of events waiting in a stream
	EventQueueLength = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "subledger_event_queue_length",
			Help: "The number of events currently waiting in the queue",
		},
		[]string{"stream"},
	)

	// WorkersActive tracks the number of active stream workers
	WorkersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "subledger_workers_active",
		Help: "The number of stream workers currently active",
	})

	// EventsProcessed tracks handled events by type and status
	EventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subledger_events_processed_total",
			Help: "The total number of events processed",
		},
		[]string{"type", "status"}, // success, failed, skipped
	)

	// EventHandleSeconds tracks time spent handling one event
	EventHandleSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "subledger_event_handle_seconds",
			Help:    "Time taken to handle one event in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
		},
		[]string{"type"},
	)

	// ContractReads tracks contract calls by method and outcome
	ContractReads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subledger_contract_reads_total",
			Help: "The total number of contract reads",
		},
		[]string{"method", "outcome"}, // ok, reverted, failed
	)

	// PriceLookups tracks oracle lookups by source and outcome
	PriceLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subledger_price_lookups_total",
			Help: "The total number of price lookups",
		},
		[]string{"source", "outcome"}, // hit, miss, error
	)

	// PriceCacheRequests tracks price cache hits and misses
	PriceCacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subledger_price_cache_requests_total",
			Help: "The total number of price cache requests",
		},
		[]string{"layer", "result"}, // memory/redis, hit/miss
	)

	// StoreOperations tracks entity store operations
	StoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subledger_store_operations_total",
			Help: "The total number of entity store operations",
		},
		[]string{"backend", "operation", "status"},
	)

	// PositionTransitions tracks position opens and closes
	PositionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subledger_position_transitions_total",
			Help: "The total number of position lifecycle transitions",
		},
		[]string{"side", "transition"}, // opened, closed
	)

	// RPCEndpointHealth tracks RPC endpoint health
	RPCEndpointHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "subledger_rpc_endpoint_health",
			Help: "Health status of RPC endpoints (1 = healthy, 0 = unhealthy)",
		},
		[]string{"endpoint"},
	)

	// BlocksPerDay exposes the current block rate estimate
	BlocksPerDay = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "subledger_blocks_per_day",
		Help: "Current moving-average estimate of blocks produced per day",
	})
)

// RecordEventProcessed records a handled event with the given status
func RecordEventProcessed(eventType, status string) {
	EventsProcessed.WithLabelValues(eventType, status).Inc()
}

// RecordEventDuration records the time taken to handle an event
func RecordEventDuration(eventType string, seconds float64) {
	EventHandleSeconds.WithLabelValues(eventType).Observe(seconds)
}

// RecordContractRead records a contract read outcome
func RecordContractRead(method, outcome string) {
	ContractReads.WithLabelValues(method, outcome).Inc()
}

// RecordPriceLookup records an oracle lookup outcome
func RecordPriceLookup(source, outcome string) {
	PriceLookups.WithLabelValues(source, outcome).Inc()
}

// RecordPriceCache records a price cache hit or miss
func RecordPriceCache(layer string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	PriceCacheRequests.WithLabelValues(layer, result).Inc()
}

// RecordStoreOperation records an entity store operation
func RecordStoreOperation(backend, operation, status string) {
	StoreOperations.WithLabelValues(backend, operation, status).Inc()
}

// RecordPositionTransition records a position opening or closing
func RecordPositionTransition(side, transition string) {
	PositionTransitions.WithLabelValues(side, transition).Inc()
}

// SetRPCEndpointHealth sets the health status of an RPC endpoint
func SetRPCEndpointHealth(endpoint string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	RPCEndpointHealth.WithLabelValues(endpoint).Set(value)
}

// SetQueueLength sets the queue length gauge for a stream
func SetQueueLength(stream string, length int64) {
	EventQueueLength.WithLabelValues(stream).Set(float64(length))
}
