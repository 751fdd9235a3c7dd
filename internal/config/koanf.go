// Telegram Assistant - Channel Ingestion, Enrichment, and Trend Analytics
// Copyright 2026 Ilya S. (ilyasni)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ilyasni/telegram-assistant-sub004

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where config files are searched, first hit wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/telegram-assistant/config.yaml",
	"/etc/telegram-assistant/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// Load builds the configuration from layered sources:
//  1. Struct defaults
//  2. Optional YAML config file
//  3. Environment variables (highest priority)
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// FindConfigFile reports the config file path in effect, or "" when running
// on defaults and environment only. Used to wire the hot-reload watcher.
func FindConfigFile() string {
	return findConfigFile()
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// sliceConfigPaths are parsed as comma-separated lists when set via env.
var sliceConfigPaths = []string{
	"enrichment.trigger_tags",
	"vision.trigger_tags",
	"vision.channel_allowlist",
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}
		strVal, ok := val.(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("set %s: %w", path, err)
			}
		}
	}
	return nil
}

// envTransformFunc maps environment variable names to koanf config paths.
// Unmapped variables are dropped so arbitrary environment noise cannot
// pollute the config.
func envTransformFunc(key string) string {
	key = strings.ToLower(key)

	envMappings := map[string]string{
		"tenant": "tenant",

		// Scheduler
		"scheduler_interval_sec": "scheduler.interval_sec",
		"scheduler_batch_size":   "scheduler.batch_size",
		"scheduler_concurrency":  "scheduler.concurrency",
		"scheduler_max_retries":  "scheduler.max_retries",
		"scheduler_lock_ttl":     "scheduler.lock_ttl",

		// Parser
		"parser_incremental_minutes": "parser.incremental_minutes",
		"parser_lpa_max_age_hours":   "parser.lpa_max_age_hours",
		"parser_historical_hours":    "parser.historical_hours",
		"parser_stats_window_days":   "parser.stats_window_days",
		"parser_max_flood_wait":      "parser.max_flood_wait",
		"parser_quarantine_ttl":      "parser.quarantine_ttl",

		// Gateway
		"gateway_url":         "gateway.url",
		"gateway_api_key":     "gateway.api_key",
		"gateway_timeout":     "gateway.timeout",
		"gateway_batch_limit": "gateway.batch_limit",

		// NATS
		"nats_url":              "nats.url",
		"nats_embedded":         "nats.embedded_server",
		"nats_store_dir":        "nats.store_dir",
		"nats_max_memory":       "nats.max_memory",
		"nats_max_store":        "nats.max_store",
		"nats_stream_max_age":   "nats.stream_max_age",
		"nats_dlq_max_age":      "nats.dlq_max_age",
		"nats_duplicate_window": "nats.duplicate_window",
		"nats_ack_wait":         "nats.ack_wait",
		"nats_max_deliver":      "nats.max_deliver",
		"nats_max_ack_pending":  "nats.max_ack_pending",
		"nats_close_timeout":    "nats.close_timeout",
		"nats_read_block":       "nats.read_block",

		// Storage
		"duckdb_path":         "database.path",
		"duckdb_max_memory":   "database.max_memory",
		"duckdb_threads":      "database.threads",
		"coordinator_path":    "coordinator.path",
		"coordinator_sync":    "coordinator.sync_writes",
		"blobstore_backend":   "blobstore.backend",
		"blobstore_path":      "blobstore.path",
		"blobstore_s3_bucket": "blobstore.s3_bucket",
		"blobstore_s3_region": "blobstore.s3_region",
		"blobstore_s3_endpoint": "blobstore.s3_endpoint",

		// Quota and policy
		"quota_per_tenant_max_gb":    "quota.per_tenant_max_gb",
		"quota_crawl_budget_per_day": "quota.crawl_budget_per_day",
		"enrichment_trigger_tags":    "enrichment.trigger_tags",
		"enrichment_min_word_count":  "enrichment.min_word_count",

		// Vision
		"vision_ocr_fallback_enabled": "vision.ocr_fallback_enabled",
		"vision_channel_allowlist":    "vision.channel_allowlist",
		"vision_trigger_tags":         "vision.trigger_tags",
		"vision_check_quota":          "vision.check_quota_before_upload",

		// Indexing
		"indexing_health_probe_ttl": "indexing.health_probe_ttl",
		"indexing_embedding_dim":    "indexing.embedding_dim",

		// Trend detection
		"trend_freq_ratio_threshold":  "trend.freq_ratio_threshold",
		"trend_min_source_diversity":  "trend.min_source_diversity",
		"trend_coherence_threshold":   "trend.coherence_threshold",
		"trend_similarity_threshold":  "trend.similarity_threshold",
		"trend_cooldown":              "trend.cooldown",
		"trend_short_window":          "trend.short_window",
		"trend_baseline_window":       "trend.baseline_window",

		// Digest
		"digest_dedup_window": "digest.dedup_window",
		"digest_lock_ttl":     "digest.lock_ttl",

		// Providers
		"tagging_provider_url":     "providers.tagging.url",
		"tagging_provider_key":     "providers.tagging.api_key",
		"tagging_provider_model":   "providers.tagging.model",
		"vision_provider_url":      "providers.vision.url",
		"vision_provider_key":      "providers.vision.api_key",
		"vision_provider_model":    "providers.vision.model",
		"ocr_provider_url":         "providers.ocr.url",
		"ocr_provider_key":         "providers.ocr.api_key",
		"embedding_provider_url":   "providers.embedding.url",
		"embedding_provider_key":   "providers.embedding.api_key",
		"embedding_provider_model": "providers.embedding.model",
		"crawl_provider_url":       "providers.crawl.url",
		"crawl_provider_key":       "providers.crawl.api_key",
		"summary_provider_url":     "providers.summary.url",
		"summary_provider_key":     "providers.summary.api_key",
		"summary_provider_model":   "providers.summary.model",

		// Stage workers
		"stages_tagging_workers":  "stages.tagging_workers",
		"stages_enrich_workers":   "stages.enrich_workers",
		"stages_indexing_workers": "stages.indexing_workers",
		"stages_vision_workers":   "stages.vision_workers",
		"stages_trend_workers":    "stages.trend_workers",
		"stages_digest_workers":   "stages.digest_workers",
		"stages_graph_workers":    "stages.graph_workers",

		// Server
		"http_host": "server.host",
		"http_port": "server.port",

		// Features
		"feature_adaptive_thresholds": "feature.adaptive_thresholds",
		"feature_dlq_persistence":     "feature.dlq_persistence",

		// Logging
		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}
	return ""
}

// WatchConfigFile invokes callback when the config file changes.
// Wired for log-level hot reload only; the caller handles reloading.
func WatchConfigFile(path string, callback func()) error {
	provider := file.Provider(path)
	return provider.Watch(func(event interface{}, err error) {
		if err != nil {
			return
		}
		callback()
	})
}
