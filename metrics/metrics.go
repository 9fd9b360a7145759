// Package metrics holds the Prometheus collectors exported by lookout.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "lookout"

var (
	// Ingestion

	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "events_total",
			Help:      "Total number of events accepted by the ingestion adapter, by producer kind",
		},
		[]string{"kind"},
	)

	DLQEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "dead_letter_events_total",
			Help:      "Total number of events written to the dead-letter queue, by reason",
		},
		[]string{"reason"},
	)

	DLQWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "dead_letter_write_failures_total",
			Help:      "Total number of failed dead-letter writes",
		},
	)

	DLQEventsPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "dead_letter_purged_total",
			Help:      "Resolved dead letters removed by retention",
		},
	)

	BusMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "bus_messages_total",
			Help:      "Bus messages handled by the subscriber, by disposition (ack, nak)",
		},
		[]string{"disposition"},
	)

	// Enrichment

	EnrichmentSource = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "enrich",
			Name:      "resolutions_total",
			Help:      "Identity resolutions by field and the level that resolved it",
		},
		[]string{"field", "level"},
	)

	EnrichmentDegraded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "enrich",
			Name:      "degraded_total",
			Help:      "Events enriched with placeholder identity, by reason",
		},
		[]string{"reason"},
	)

	RegistryLookupDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "enrich",
			Name:      "registry_lookup_duration_seconds",
			Help:      "Device registry lookup latency, by result",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"result"},
	)

	RegistryCacheResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "enrich",
			Name:      "registry_cache_total",
			Help:      "Registry cache lookups, by result (hit, negative_hit, miss)",
		},
		[]string{"result"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "enrich",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=half_open, 2=open)",
		},
		[]string{"name"},
	)

	// Correlation

	CorrelationLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "correlate",
			Name:      "lookups_total",
			Help:      "Correlation cache lookups, by result (hit, miss, expired, redelivered)",
		},
		[]string{"result"},
	)

	CorrelationEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "correlate",
			Name:      "entries",
			Help:      "Live entries held by the in-memory correlation store",
		},
	)

	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "errors_total",
			Help:      "Errors returned by cache backends, by backend and operation",
		},
		[]string{"backend", "operation"},
	)

	// Incidents

	IncidentsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "incidents",
			Name:      "created_total",
			Help:      "Incidents opened, by incident type",
		},
		[]string{"incident_type"},
	)

	IncidentsUpdated = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "incidents",
			Name:      "updated_total",
			Help:      "Events folded into an existing incident",
		},
	)

	IncidentsSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "incidents",
			Name:      "suppressed_total",
			Help:      "Incident emissions withheld by the suppression engine, by incident type",
		},
		[]string{"incident_type"},
	)

	IncidentsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "incidents",
			Name:      "emitted_total",
			Help:      "Incident records published, by kind (created, updated)",
		},
		[]string{"kind"},
	)

	EmitFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "incidents",
			Name:      "emit_failures_total",
			Help:      "Failed incident publications, by kind",
		},
		[]string{"kind"},
	)

	// Pipeline

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each pipeline stage",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	PartitionQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "partition_queue_depth",
			Help:      "Tasks waiting in each key partition",
		},
		[]string{"partition"},
	)

	PartitionTasksProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "partition_tasks_total",
			Help:      "Tasks executed by key partitions",
		},
	)

	PartitionTasksAbandoned = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "partition_tasks_abandoned_total",
			Help:      "Queued tasks abandoned at shutdown and handed back for redelivery",
		},
	)

	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "goroutine_panics_recovered_total",
			Help:      "Panics recovered in background goroutines",
		},
		[]string{"goroutine"},
	)
)
