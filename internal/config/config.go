// Telegram Assistant - Channel Ingestion, Enrichment, and Trend Analytics
// Copyright 2026 Ilya S. (ilyasni)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ilyasni/telegram-assistant-sub004

// Package config loads layered configuration: struct defaults, then an
// optional YAML file, then environment variables. ENV > file > defaults.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration for the pipeline process.
type Config struct {
	Tenant      string            `koanf:"tenant" validate:"required"`
	Scheduler   SchedulerConfig   `koanf:"scheduler"`
	Parser      ParserConfig      `koanf:"parser"`
	Gateway     GatewayConfig     `koanf:"gateway"`
	NATS        NATSConfig        `koanf:"nats"`
	Database    DatabaseConfig    `koanf:"database"`
	Coordinator CoordinatorConfig `koanf:"coordinator"`
	Blobstore   BlobstoreConfig   `koanf:"blobstore"`
	Quota       QuotaConfig       `koanf:"quota"`
	Enrichment  EnrichmentConfig  `koanf:"enrichment"`
	Vision      VisionConfig      `koanf:"vision"`
	Indexing    IndexingConfig    `koanf:"indexing"`
	Trend       TrendConfig       `koanf:"trend"`
	Digest      DigestConfig      `koanf:"digest"`
	Providers   ProvidersConfig   `koanf:"providers"`
	Stages      StagesConfig      `koanf:"stages"`
	Server      ServerConfig      `koanf:"server"`
	Feature     FeatureConfig     `koanf:"feature"`
	Logging     LoggingConfig     `koanf:"logging"`
}

// SchedulerConfig controls the ingestion scheduler tick loop.
type SchedulerConfig struct {
	// Interval between scheduler ticks.
	Interval time.Duration `koanf:"interval_sec"`
	// BatchSize caps eligible channels per tick.
	BatchSize int `koanf:"batch_size" validate:"gt=0"`
	// Concurrency bounds the parse worker pool.
	Concurrency int `koanf:"concurrency" validate:"gt=0"`
	// MaxRetries per parse job.
	MaxRetries int `koanf:"max_retries"`
	// LockTTL is the coordinator lease for the singleton scheduler.
	// Renewed every LockTTL/3.
	LockTTL time.Duration `koanf:"lock_ttl"`
}

// ParserConfig controls the incremental channel parser.
type ParserConfig struct {
	// IncrementalOverlap is subtracted from last_parsed_at for the
	// incremental since_date when adaptive thresholds are off.
	IncrementalOverlap time.Duration `koanf:"incremental_minutes"`
	// LPAMaxAge is the last_parsed_at age beyond which a channel falls
	// back to historical mode.
	LPAMaxAge time.Duration `koanf:"lpa_max_age_hours"`
	// HistoricalWindow is the lookback for historical parses.
	HistoricalWindow time.Duration `koanf:"historical_hours"`
	// StatsWindow is the rolling window for per-channel arrival stats.
	StatsWindow time.Duration `koanf:"stats_window_days"`
	// MaxFloodWait caps the backoff on source-side rate limits.
	MaxFloodWait time.Duration `koanf:"max_flood_wait"`
	// QuarantineTTL is how long a channel stays parse_quarantined after
	// a persistent auth error.
	QuarantineTTL time.Duration `koanf:"quarantine_ttl"`
}

// GatewayConfig points at the MTProto gateway sidecar that owns the
// Telegram session. The pipeline never holds Telegram credentials itself.
type GatewayConfig struct {
	URL        string        `koanf:"url" validate:"required"`
	APIKey     string        `koanf:"api_key"`
	Timeout    time.Duration `koanf:"timeout"`
	BatchLimit int           `koanf:"batch_limit" validate:"gt=0"`
}

// NATSConfig holds JetStream bus configuration.
type NATSConfig struct {
	URL             string        `koanf:"url"`
	EmbeddedServer  bool          `koanf:"embedded_server"`
	StoreDir        string        `koanf:"store_dir"`
	MaxMemory       int64         `koanf:"max_memory"`
	MaxStore        int64         `koanf:"max_store"`
	StreamMaxAge    time.Duration `koanf:"stream_max_age"`
	DLQMaxAge       time.Duration `koanf:"dlq_max_age"`
	DuplicateWindow time.Duration `koanf:"duplicate_window"`
	AckWait         time.Duration `koanf:"ack_wait"`
	MaxDeliver      int           `koanf:"max_deliver"`
	MaxAckPending   int           `koanf:"max_ack_pending"`
	CloseTimeout    time.Duration `koanf:"close_timeout"`
	ReadBlock       time.Duration `koanf:"read_block"`
}

// DatabaseConfig holds the DuckDB store configuration.
type DatabaseConfig struct {
	Path      string `koanf:"path" validate:"required"`
	MaxMemory string `koanf:"max_memory"`
	Threads   int    `koanf:"threads"`
}

// CoordinatorConfig holds the badger KV coordinator configuration.
type CoordinatorConfig struct {
	Path       string `koanf:"path" validate:"required"`
	SyncWrites bool   `koanf:"sync_writes"`
	InMemory   bool   `koanf:"in_memory"`
}

// BlobstoreConfig selects the CAS backend.
type BlobstoreConfig struct {
	// Backend is "fs" or "s3".
	Backend string `koanf:"backend" validate:"oneof=fs s3"`
	// Path is the root directory for the fs backend.
	Path string `koanf:"path"`
	// S3 settings apply when Backend is "s3".
	S3Bucket   string `koanf:"s3_bucket"`
	S3Region   string `koanf:"s3_region"`
	S3Endpoint string `koanf:"s3_endpoint"`
}

// QuotaConfig bounds per-tenant storage.
type QuotaConfig struct {
	PerTenantMaxGB float64 `koanf:"per_tenant_max_gb" validate:"gt=0"`
	// CrawlBudgetPerDay caps crawl enrichments per tenant per day.
	CrawlBudgetPerDay int `koanf:"crawl_budget_per_day"`
}

// EnrichmentConfig controls the web-crawl trigger policy.
type EnrichmentConfig struct {
	TriggerTags  []string `koanf:"trigger_tags"`
	MinWordCount int      `koanf:"min_word_count"`
}

// VisionConfig controls the vision stage.
type VisionConfig struct {
	OCRFallbackEnabled     bool     `koanf:"ocr_fallback_enabled"`
	ChannelAllowlist       []string `koanf:"channel_allowlist"`
	TriggerTags            []string `koanf:"trigger_tags"`
	CheckQuotaBeforeUpload bool     `koanf:"check_quota_before_upload"`
	SchemaVersion          int      `koanf:"schema_version"`
}

// IndexingConfig controls the indexing stage.
type IndexingConfig struct {
	HealthProbeTTL time.Duration `koanf:"health_probe_ttl"`
	EmbeddingDim   int           `koanf:"embedding_dim"`
}

// TrendConfig holds trend-detection thresholds.
type TrendConfig struct {
	FreqRatioThreshold  float64       `koanf:"freq_ratio_threshold" validate:"gt=0"`
	MinSourceDiversity  int           `koanf:"min_source_diversity" validate:"gt=0"`
	CoherenceThreshold  float64       `koanf:"coherence_threshold"`
	SimilarityThreshold float64       `koanf:"similarity_threshold"`
	Cooldown            time.Duration `koanf:"cooldown"`
	ShortWindow         time.Duration `koanf:"short_window"`
	BaselineWindow      time.Duration `koanf:"baseline_window"`
}

// DigestConfig controls digest generation.
type DigestConfig struct {
	// DedupWindow guards against double-click duplicate requests.
	DedupWindow time.Duration `koanf:"dedup_window"`
	LockTTL     time.Duration `koanf:"lock_ttl"`
}

// ProviderConfig configures one outbound AI provider endpoint.
type ProviderConfig struct {
	URL     string        `koanf:"url"`
	APIKey  string        `koanf:"api_key"`
	Model   string        `koanf:"model"`
	Timeout time.Duration `koanf:"timeout"`
}

// ProvidersConfig enumerates the external enrichment providers.
type ProvidersConfig struct {
	Tagging   ProviderConfig `koanf:"tagging"`
	Vision    ProviderConfig `koanf:"vision"`
	OCR       ProviderConfig `koanf:"ocr"`
	Embedding ProviderConfig `koanf:"embedding"`
	Crawl     ProviderConfig `koanf:"crawl"`
	Summary   ProviderConfig `koanf:"summary"`
}

// StagesConfig sets per-stage worker counts.
type StagesConfig struct {
	TaggingWorkers  int `koanf:"tagging_workers"`
	EnrichWorkers   int `koanf:"enrich_workers"`
	IndexingWorkers int `koanf:"indexing_workers"`
	VisionWorkers   int `koanf:"vision_workers"`
	TrendWorkers    int `koanf:"trend_workers"`
	DigestWorkers   int `koanf:"digest_workers"`
	GraphWorkers    int `koanf:"graph_workers"`
}

// ServerConfig holds the health/metrics HTTP listener.
type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port" validate:"gt=0,lte=65535"`
}

// FeatureConfig toggles optional behavior.
type FeatureConfig struct {
	AdaptiveThresholds bool `koanf:"adaptive_thresholds"`
	DLQPersistence     bool `koanf:"dlq_persistence"`
}

// LoggingConfig mirrors logging.Config for koanf binding.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns a Config with all documented defaults applied.
func defaultConfig() *Config {
	return &Config{
		Tenant: "default",
		Scheduler: SchedulerConfig{
			Interval:    300 * time.Second,
			BatchSize:   50,
			Concurrency: 4,
			MaxRetries:  3,
			LockTTL:     60 * time.Second,
		},
		Parser: ParserConfig{
			IncrementalOverlap: 5 * time.Minute,
			LPAMaxAge:          48 * time.Hour,
			HistoricalWindow:   24 * time.Hour,
			StatsWindow:        14 * 24 * time.Hour,
			MaxFloodWait:       60 * time.Second,
			QuarantineTTL:      6 * time.Hour,
		},
		Gateway: GatewayConfig{
			URL:        "http://127.0.0.1:8090",
			Timeout:    90 * time.Second,
			BatchLimit: 100,
		},
		NATS: NATSConfig{
			URL:             "nats://127.0.0.1:4222",
			EmbeddedServer:  true,
			StoreDir:        "/data/nats/jetstream",
			MaxMemory:       1 << 30,
			MaxStore:        10 << 30,
			StreamMaxAge:    7 * 24 * time.Hour,
			DLQMaxAge:       14 * 24 * time.Hour,
			DuplicateWindow: 2 * time.Minute,
			AckWait:         30 * time.Second,
			MaxDeliver:      3,
			MaxAckPending:   1000,
			CloseTimeout:    30 * time.Second,
			ReadBlock:       5 * time.Second,
		},
		Database: DatabaseConfig{
			Path:      "/data/assistant.duckdb",
			MaxMemory: "2GB",
			Threads:   0, // 0 = runtime.NumCPU()
		},
		Coordinator: CoordinatorConfig{
			Path:       "/data/coordinator",
			SyncWrites: true,
		},
		Blobstore: BlobstoreConfig{
			Backend: "fs",
			Path:    "/data/blobs",
		},
		Quota: QuotaConfig{
			PerTenantMaxGB:    2.0,
			CrawlBudgetPerDay: 200,
		},
		Enrichment: EnrichmentConfig{
			TriggerTags:  []string{},
			MinWordCount: 500,
		},
		Vision: VisionConfig{
			OCRFallbackEnabled:     true,
			CheckQuotaBeforeUpload: true,
			SchemaVersion:          1,
		},
		Indexing: IndexingConfig{
			HealthProbeTTL: 30 * time.Second,
			EmbeddingDim:   1536,
		},
		Trend: TrendConfig{
			FreqRatioThreshold:  3.0,
			MinSourceDiversity:  3,
			CoherenceThreshold:  0.55,
			SimilarityThreshold: 0.80,
			Cooldown:            4 * time.Hour,
			ShortWindow:         time.Hour,
			BaselineWindow:      24 * time.Hour,
		},
		Digest: DigestConfig{
			DedupWindow: 30 * time.Second,
			LockTTL:     30 * time.Second,
		},
		Providers: ProvidersConfig{
			Tagging:   ProviderConfig{Timeout: 60 * time.Second},
			Vision:    ProviderConfig{Timeout: 60 * time.Second},
			OCR:       ProviderConfig{Timeout: 60 * time.Second},
			Embedding: ProviderConfig{Timeout: 60 * time.Second},
			Crawl:     ProviderConfig{Timeout: 60 * time.Second},
			Summary:   ProviderConfig{Timeout: 120 * time.Second},
		},
		Stages: StagesConfig{
			TaggingWorkers:  4,
			EnrichWorkers:   4,
			IndexingWorkers: 2,
			VisionWorkers:   2,
			TrendWorkers:    1,
			DigestWorkers:   1,
			GraphWorkers:    2,
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8087,
		},
		Feature: FeatureConfig{
			AdaptiveThresholds: true,
			DLQPersistence:     true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks struct tags and cross-field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	if c.Blobstore.Backend == "s3" && c.Blobstore.S3Bucket == "" {
		return fmt.Errorf("config validation: blobstore.s3_bucket required for s3 backend")
	}
	if c.Blobstore.Backend == "fs" && c.Blobstore.Path == "" {
		return fmt.Errorf("config validation: blobstore.path required for fs backend")
	}
	if c.Parser.HistoricalWindow <= 0 || c.Parser.LPAMaxAge <= 0 {
		return fmt.Errorf("config validation: parser windows must be positive")
	}
	if c.Trend.CoherenceThreshold < 0 || c.Trend.CoherenceThreshold > 1 {
		return fmt.Errorf("config validation: trend.coherence_threshold must be in [0,1]")
	}
	return nil
}
