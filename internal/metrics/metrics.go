// Telegram Assistant - Channel Ingestion, Enrichment, and Trend Analytics
// Copyright 2026 Ilya S. (ilyasni)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ilyasni/telegram-assistant-sub004

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus instrumentation for the ingestion and enrichment pipeline:
// - Scheduler ticks, lock state, and job dispatch
// - Parser batches and persisted rows
// - Stream bus publishes, consumes, and DLQ routing
// - Stage outcomes with skip/failure reasons
// - Storage quota accounting

var (
	// Scheduler metrics
	SchedulerLastTick = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scheduler_last_tick_ts",
			Help: "Unix timestamp of the last completed scheduler tick",
		},
	)

	SchedulerLockHeld = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scheduler_lock_held",
			Help: "1 when this instance holds the scheduler lock, 0 on standby",
		},
	)

	ParserJobsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parser_jobs_dispatched_total",
			Help: "Total parse jobs dispatched by the scheduler",
		},
		[]string{"mode"}, // "historical", "incremental"
	)

	// Parser metrics
	ParserBatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "parser_batch_duration_seconds",
			Help:    "Duration of a single channel parse batch",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120},
		},
	)

	ParserPostsPersisted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "parser_posts_persisted_total",
			Help: "Total posts persisted by the channel parser",
		},
	)

	ParserDuplicatesSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "parser_duplicates_skipped_total",
			Help: "Total posts skipped as duplicates on conflict",
		},
	)

	ParserAlbumsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parser_albums_rejected_total",
			Help: "Total albums rejected before persist",
		},
		[]string{"reason"}, // "slot_mismatch"
	)

	ParserQuietThreshold = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parser_quiet_threshold_total",
			Help: "Adaptive threshold inflations applied per quiet reason",
		},
		[]string{"quiet_reason"}, // "night", "weekend"
	)

	// Stream bus metrics
	BusPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_events_published_total",
			Help: "Total events published to the stream bus",
		},
		[]string{"stream"},
	)

	BusConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_events_consumed_total",
			Help: "Total events consumed from the stream bus",
		},
		[]string{"stream", "group"},
	)

	BusDLQRouted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_dlq_routed_total",
			Help: "Total events routed to a dead-letter stream",
		},
		[]string{"stream", "error_class"},
	)

	OutboxPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "outbox_pending_events",
			Help: "Outbox rows awaiting relay to the stream bus",
		},
	)

	OutboxRelayed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_relayed_total",
			Help: "Total outbox rows published to the stream bus",
		},
	)

	// Stage metrics
	StageProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stage_processed_total",
			Help: "Total events processed per stage and outcome",
		},
		[]string{"stage", "status"}, // status: "ok", "skipped", "failed"
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stage_duration_seconds",
			Help:    "Per-event processing duration per stage",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	EnrichmentRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enrichment_requests_total",
			Help: "Total enrichment requests per kind and status",
		},
		[]string{"kind", "status"}, // kind: tags, vision, ocr, crawl; status: ok, skipped, failed
	)

	IndexingProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexing_processed_total",
			Help: "Total posts handled by the indexing stage",
		},
		[]string{"status"}, // "completed", "skipped", "failed"
	)

	TrendThresholdReasons = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trend_detection_threshold_reasons_total",
			Help: "Trend emissions withheld per failed threshold",
		},
		[]string{"reason"}, // below_freq_ratio, source_diversity_too_low, low_coherence, cooldown_active, generic_cluster
	)

	TrendsEmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trends_emitted_total",
			Help: "Total emerging-trend events emitted",
		},
	)

	// Provider metrics
	ProviderCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_calls_total",
			Help: "Total outbound provider calls per provider and outcome",
		},
		[]string{"provider", "status"},
	)

	ProviderCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provider_call_duration_seconds",
			Help:    "Outbound provider call duration",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"provider"},
	)

	ProviderBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "provider_breaker_open",
			Help: "1 when the provider circuit breaker is open",
		},
		[]string{"provider"},
	)

	// Storage metrics
	StorageBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "storage_usage_bytes",
			Help: "Accounted bytes stored per tenant and content type",
		},
		[]string{"tenant", "content_type"},
	)

	QuotaRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_rejections_total",
			Help: "Uploads rejected by the tenant storage quota",
		},
		[]string{"tenant", "content_type"},
	)

	// Media processor metrics
	MediaProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_processed_total",
			Help: "Media objects handled by the media processor",
		},
		[]string{"status"}, // "uploaded", "dedup_hit", "quota_rejected", "failed"
	)

	// Digest metrics
	DigestsGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "digests_generated_total",
			Help: "Digest generations per terminal status",
		},
		[]string{"status"}, // "sent", "failed", "dedup_hit"
	)
)

// ObserveStage records a stage outcome with its duration.
func ObserveStage(stage, status string, start time.Time) {
	StageProcessed.WithLabelValues(stage, status).Inc()
	StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// ObserveProviderCall records an outbound provider call outcome.
func ObserveProviderCall(provider, status string, start time.Time) {
	ProviderCalls.WithLabelValues(provider, status).Inc()
	ProviderCallDuration.WithLabelValues(provider).Observe(time.Since(start).Seconds())
}
