// Package metrics holds the prometheus instruments shared by the
// engines. The set is constructed once at process start and passed by
// handle; there is no ambient registry state.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics aggregates every collector the engines report into.
type Metrics struct {
	// Ingestion
	FramesReceived   prometheus.Counter
	FramesDropped    *prometheus.CounterVec // reason: checksum|malformed
	FramesOutOfOrder prometheus.Counter
	EnvelopesEmitted prometheus.Counter
	EmitErrors       prometheus.Counter
	IngestQueueDepth prometheus.Gauge

	// Archive
	ArchiveBatches       prometheus.Counter
	ArchiveBatchesFailed prometheus.Counter
	ArchiveBatchesShed   prometheus.Counter // discarded while storage circuit open
	ArchiveFramesEvicted prometheus.Counter // drop-oldest evictions

	// DLQ
	DLQPublished *prometheus.CounterVec
	DLQDropped   prometheus.Counter

	// Hot path
	HotProcessed      prometheus.Counter
	HotRetries        prometheus.Counter
	HotSnapshots      prometheus.Counter
	HotPublishSkipped *prometheus.CounterVec // cause: throttled|circuit_open|error
	HotConsumerLag    prometheus.Gauge
	HotOffsetCommits  prometheus.Counter

	// Cold path
	ColdProcessed      prometheus.Counter
	ColdRowsFlushed    prometheus.Counter
	ColdBulkFallbacks  prometheus.Counter
	ColdFlushFailures  prometheus.Counter
	ColdConsumerLag    prometheus.Gauge
	RefdataCacheHits   prometheus.Counter
	RefdataCacheMisses prometheus.Counter

	// Codec / registry
	SchemaRegistrations      prometheus.Counter
	SchemaRegistrationErrors prometheus.Counter
	DecodeErrors             prometheus.Counter

	// Breakers
	BreakerState *prometheus.GaugeVec // 0 closed, 1 half-open, 2 open
}

// New registers all collectors against reg and returns the handle.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		FramesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "eodstream_ingest_frames_received_total",
			Help: "Raw frames pulled off the ingestion queue",
		}),
		FramesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "eodstream_ingest_frames_dropped_total",
			Help: "Frames dropped before the log, by reason",
		}, []string{"reason"}),
		FramesOutOfOrder: factory.NewCounter(prometheus.CounterOpts{
			Name: "eodstream_ingest_frames_out_of_order_total",
			Help: "Frames whose gateway sequence regressed (forwarded anyway)",
		}),
		EnvelopesEmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "eodstream_ingest_envelopes_emitted_total",
			Help: "Canonical envelopes handed to the log producer",
		}),
		EmitErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "eodstream_ingest_emit_errors_total",
			Help: "Asynchronous delivery errors reported by the log producer",
		}),
		IngestQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "eodstream_ingest_queue_depth",
			Help: "Current depth of the ingestion input queue",
		}),
		ArchiveBatches: factory.NewCounter(prometheus.CounterOpts{
			Name: "eodstream_archive_batches_uploaded_total",
			Help: "Raw-frame batches uploaded to the object store",
		}),
		ArchiveBatchesFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "eodstream_archive_batches_failed_total",
			Help: "Raw-frame batch uploads that failed",
		}),
		ArchiveBatchesShed: factory.NewCounter(prometheus.CounterOpts{
			Name: "eodstream_archive_batches_shed_total",
			Help: "Batches discarded while the storage circuit was open",
		}),
		ArchiveFramesEvicted: factory.NewCounter(prometheus.CounterOpts{
			Name: "eodstream_archive_frames_evicted_total",
			Help: "Frames evicted from the archive queue under pressure",
		}),
		DLQPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "eodstream_dlq_published_total",
			Help: "Records routed to the dead-letter topic, by reason",
		}, []string{"reason"}),
		DLQDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "eodstream_dlq_dropped_total",
			Help: "DLQ publishes dropped because the router queue was full",
		}),
		HotProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "eodstream_hotpath_records_processed_total",
			Help: "Records fully processed by the hot path",
		}),
		HotRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "eodstream_hotpath_retries_total",
			Help: "Hot-path processing retry attempts",
		}),
		HotSnapshots: factory.NewCounter(prometheus.CounterOpts{
			Name: "eodstream_hotpath_snapshots_published_total",
			Help: "P&L snapshots published to the side cache",
		}),
		HotPublishSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "eodstream_hotpath_publish_skipped_total",
			Help: "Snapshot publishes skipped, by cause",
		}, []string{"cause"}),
		HotConsumerLag: factory.NewGauge(prometheus.GaugeOpts{
			Name: "eodstream_hotpath_consumer_lag",
			Help: "Hot-path consumer group lag across assigned partitions",
		}),
		HotOffsetCommits: factory.NewCounter(prometheus.CounterOpts{
			Name: "eodstream_hotpath_offset_commits_total",
			Help: "Hot-path offset commit batches",
		}),
		ColdProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "eodstream_coldpath_records_processed_total",
			Help: "Records enriched and buffered by the cold path",
		}),
		ColdRowsFlushed: factory.NewCounter(prometheus.CounterOpts{
			Name: "eodstream_coldpath_rows_flushed_total",
			Help: "Enriched rows durably written to the relational store",
		}),
		ColdBulkFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "eodstream_coldpath_bulk_fallbacks_total",
			Help: "Bulk inserts that fell back to row-by-row upsert",
		}),
		ColdFlushFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "eodstream_coldpath_flush_failures_total",
			Help: "Flushes that failed entirely (offsets withheld)",
		}),
		ColdConsumerLag: factory.NewGauge(prometheus.GaugeOpts{
			Name: "eodstream_coldpath_consumer_lag",
			Help: "Cold-path consumer group lag across assigned partitions",
		}),
		RefdataCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "eodstream_refdata_cache_hits_total",
			Help: "Reference-data lookups served from the local cache",
		}),
		RefdataCacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "eodstream_refdata_cache_misses_total",
			Help: "Reference-data lookups that went to the store",
		}),
		SchemaRegistrations: factory.NewCounter(prometheus.CounterOpts{
			Name: "eodstream_schema_registrations_total",
			Help: "Successful schema registry registrations",
		}),
		SchemaRegistrationErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "eodstream_schema_registration_errors_total",
			Help: "Schema registry registration failures (emission continues raw)",
		}),
		DecodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "eodstream_codec_decode_errors_total",
			Help: "Envelope decode failures routed to the DLQ",
		}),
		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eodstream_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		}, []string{"name"}),
	}
}

// NewNop returns a Metrics wired to a throwaway registry, for tests.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// SetBreakerState records a breaker transition on the state gauge.
func (m *Metrics) SetBreakerState(name string, state int) {
	m.BreakerState.WithLabelValues(name).Set(float64(state))
}
