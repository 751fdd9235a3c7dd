// Telegram Assistant - Channel Ingestion, Enrichment, and Trend Analytics
// Copyright 2026 Ilya S. (ilyasni)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ilyasni/telegram-assistant-sub004

// Package main is the entry point for the Telegram assistant pipeline.
//
// The assistant ingests posts from subscribed Telegram channels through an
// MTProto gateway sidecar, enriches them through a staged event pipeline,
// and surfaces emerging trends and daily digests.
//
// # Application Architecture
//
// The process initializes components in the following order:
//
//  1. Configuration: layered Koanf v2 sources (env > config file > defaults)
//  2. Storage: DuckDB analytical store, Badger coordinator, blob CAS
//  3. Event bus: NATS JetStream (embedded or external), streams, publisher
//  4. Providers: tagging, crawl, embedding, vision, OCR, summary clients
//  5. Stages: durable queue-group consumers behind the shared router
//  6. Supervision: suture tree with ingest, pipeline, and api layers
//
// Everything runs under the supervisor; a crashing stage handler restarts
// the pipeline layer while the scheduler keeps staging events through the
// transactional outbox.
//
// # Configuration
//
// See config.Load for the full key set. The minimum viable environment is
// a gateway URL and somewhere to put data:
//
//	export GATEWAY_URL=http://127.0.0.1:8090
//	export DUCKDB_PATH=/data/assistant.duckdb
//	export COORDINATOR_PATH=/data/coordinator
//	export BLOBSTORE_PATH=/data/blobs
//	./telegram-assistant
//
// With NATS_EMBEDDED=true (the default) no external broker is needed.
//
// # Signal Handling
//
// SIGINT and SIGTERM trigger a graceful drain: the scheduler stops picking
// work, in-flight stage handlers finish within the router close timeout,
// and unacked messages redeliver to the next run.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	natsgo "github.com/nats-io/nats.go"

	"github.com/ilyasni/telegram-assistant-sub004/internal/blobstore"
	"github.com/ilyasni/telegram-assistant-sub004/internal/config"
	"github.com/ilyasni/telegram-assistant-sub004/internal/coordinator"
	"github.com/ilyasni/telegram-assistant-sub004/internal/database"
	"github.com/ilyasni/telegram-assistant-sub004/internal/eventbus"
	"github.com/ilyasni/telegram-assistant-sub004/internal/gateway"
	"github.com/ilyasni/telegram-assistant-sub004/internal/logging"
	"github.com/ilyasni/telegram-assistant-sub004/internal/mediaproc"
	"github.com/ilyasni/telegram-assistant-sub004/internal/parser"
	"github.com/ilyasni/telegram-assistant-sub004/internal/providers"
	"github.com/ilyasni/telegram-assistant-sub004/internal/quota"
	"github.com/ilyasni/telegram-assistant-sub004/internal/scheduler"
	"github.com/ilyasni/telegram-assistant-sub004/internal/stages"
	"github.com/ilyasni/telegram-assistant-sub004/internal/supervisor"
	"github.com/ilyasni/telegram-assistant-sub004/internal/trends"
)

// providerLimiter defaults: the shared per-(tenant, provider) token bucket
// sustains 5 req/s with a burst of 10.
const (
	providerRPS   = 5.0
	providerBurst = 10
)

var errRouterStarting = errors.New("stage router still starting")

//nolint:gocyclo // Main initialization function with sequential setup steps
func main() {
	cfg, err := config.Load()
	if err != nil {
		// Use default logger for config errors (config not yet available)
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("tenant", cfg.Tenant).
		Str("db_path", cfg.Database.Path).
		Str("gateway_url", cfg.Gateway.URL).
		Bool("nats_embedded", cfg.NATS.EmbeddedServer).
		Msg("Starting telegram assistant")

	// Log level follows the config file without a restart.
	if path := config.FindConfigFile(); path != "" {
		watchErr := config.WatchConfigFile(path, func() {
			reloaded, err := config.Load()
			if err != nil {
				logging.Err(err).Msg("Config reload failed; keeping current settings")
				return
			}
			logging.SetLevelString(reloaded.Logging.Level)
			logging.Info().Str("level", reloaded.Logging.Level).Msg("Log level reloaded")
		})
		if watchErr != nil {
			logging.Warn().Err(watchErr).Msg("Config file watch unavailable")
		}
	}

	// Storage layer.
	db, err := database.Open(database.Config{
		Path:      cfg.Database.Path,
		MaxMemory: cfg.Database.MaxMemory,
		Threads:   cfg.Database.Threads,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open database")
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Err(err).Msg("Error closing database")
		}
	}()

	coord, err := coordinator.Open(coordinator.Config{
		Path:       cfg.Coordinator.Path,
		SyncWrites: cfg.Coordinator.SyncWrites,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open coordinator")
	}
	defer func() {
		if err := coord.Close(); err != nil {
			logging.Err(err).Msg("Error closing coordinator")
		}
	}()

	blobs, err := openBlobstore(cfg.Blobstore)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open blobstore")
	}

	// Event bus. The embedded server makes single-node deployments
	// self-contained; the client URL then points at the in-process broker.
	if cfg.NATS.EmbeddedServer {
		embedded, err := eventbus.StartEmbeddedServer(cfg.NATS)
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to start embedded NATS server")
		}
		defer embedded.Shutdown()
		cfg.NATS.URL = embedded.ClientURL()
	}

	nc, err := natsgo.Connect(cfg.NATS.URL,
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
	)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to connect to NATS")
	}
	defer nc.Close()

	streams, err := eventbus.NewStreamManager(nc, cfg.NATS)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create stream manager")
	}
	if err := streams.EnsureStreams(context.Background()); err != nil {
		logging.Fatal().Err(err).Msg("Failed to ensure JetStream streams")
	}

	wmLogger := logging.NewWatermillAdapter()
	pub, err := eventbus.NewPublisher(cfg.NATS, wmLogger)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create publisher")
	}
	defer func() {
		if err := pub.Close(); err != nil {
			logging.Err(err).Msg("Error closing publisher")
		}
	}()

	routerCfg := eventbus.DefaultRouterConfig()
	routerCfg.CloseTimeout = cfg.NATS.CloseTimeout
	routerCfg.PersistDLQ = cfg.Feature.DLQPersistence
	router, err := eventbus.NewRouter(routerCfg, pub, db, wmLogger)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create stage router")
	}

	// Outbound clients. The gateway owns the Telegram session; providers
	// are the AI endpoints, each behind its own circuit breaker.
	gw := gateway.New(cfg.Gateway)
	tagger := providers.NewTaggingProvider(cfg.Providers.Tagging)
	crawler := providers.NewCrawlProvider(cfg.Providers.Crawl)
	embedder := providers.NewEmbeddingProvider(cfg.Providers.Embedding, cfg.Indexing.HealthProbeTTL)
	vision := providers.NewVisionProvider(cfg.Providers.Vision)
	ocr := providers.NewOCRProvider(cfg.Providers.OCR)
	summarizer := providers.NewSummaryProvider(cfg.Providers.Summary)

	// Quota and policy.
	storageQuota := quota.NewStorageQuota(db, cfg.Quota.PerTenantMaxGB)
	crawlBudget := quota.NewDailyBudget(cfg.Quota.CrawlBudgetPerDay)
	crawlPolicy := quota.NewCrawlPolicy(cfg.Enrichment.TriggerTags, cfg.Enrichment.MinWordCount, crawlBudget)
	limiter := quota.NewProviderLimiter(providerRPS, providerBurst)

	// Stage consumers. Every stage is a durable queue group on its stream;
	// worker counts scale the per-process fan-out.
	taggingStage := stages.NewTaggingStage(db, coord, pub, tagger, limiter)
	enrichmentStage := stages.NewEnrichmentStage(db, coord, pub, crawler, crawlPolicy)
	indexingStage := stages.NewIndexingStage(db, coord, pub, embedder)
	graphStage := stages.NewGraphStage(db, coord)
	visionStage := stages.NewVisionStage(db, coord, blobs, storageQuota, vision, ocr, cfg.Vision)
	trendStage := stages.NewTrendStage(db, coord, pub, trends.NewResolver(db, cfg.Trend), cfg.Trend)
	digestStage := stages.NewDigestStage(db, coord, summarizer, gw, cfg.Digest)
	media := mediaproc.New(db, blobs, storageQuota, gw, pub)

	subscribe := func(name, topic, stream string, workers int) *eventbus.Subscriber {
		sub, err := eventbus.NewSubscriber(cfg.NATS, eventbus.SubscriberOptions{
			Stream:     stream,
			QueueGroup: name,
			Durable:    name,
			Workers:    workers,
		}, wmLogger)
		if err != nil {
			logging.Fatal().Err(err).Str("consumer", name).Msg("Failed to create subscriber")
		}
		return sub
	}

	router.AddConsumerHandler(taggingStage.Name(), eventbus.TopicPostsParsed,
		subscribe(taggingStage.Name(), eventbus.TopicPostsParsed, eventbus.StreamPosts, cfg.Stages.TaggingWorkers),
		taggingStage.Handler())
	router.AddConsumerHandler(graphStage.Name(), eventbus.TopicPostsParsed,
		subscribe(graphStage.Name(), eventbus.TopicPostsParsed, eventbus.StreamPosts, cfg.Stages.GraphWorkers),
		graphStage.Handler())
	router.AddConsumerHandler(mediaproc.HandlerName, eventbus.TopicPostsParsed,
		subscribe(mediaproc.HandlerName, eventbus.TopicPostsParsed, eventbus.StreamPosts, cfg.Stages.VisionWorkers),
		media.Handler())
	router.AddConsumerHandler(enrichmentStage.Name(), eventbus.TopicPostsTagged,
		subscribe(enrichmentStage.Name(), eventbus.TopicPostsTagged, eventbus.StreamPosts, cfg.Stages.EnrichWorkers),
		enrichmentStage.Handler())
	router.AddConsumerHandler(indexingStage.Name(), eventbus.TopicPostsEnriched,
		subscribe(indexingStage.Name(), eventbus.TopicPostsEnriched, eventbus.StreamPosts, cfg.Stages.IndexingWorkers),
		indexingStage.Handler())
	router.AddConsumerHandler(trendStage.Name(), eventbus.TopicPostsIndexed,
		subscribe(trendStage.Name(), eventbus.TopicPostsIndexed, eventbus.StreamPosts, cfg.Stages.TrendWorkers),
		trendStage.Handler())
	router.AddConsumerHandler(visionStage.Name(), eventbus.TopicPostsVision,
		subscribe(visionStage.Name(), eventbus.TopicPostsVision, eventbus.StreamPosts, cfg.Stages.VisionWorkers),
		visionStage.Handler())
	router.AddConsumerHandler(digestStage.Name(), eventbus.TopicDigestGenerate,
		subscribe(digestStage.Name(), eventbus.TopicDigestGenerate, eventbus.StreamDigests, cfg.Stages.DigestWorkers),
		digestStage.Handler())

	// Ingestion.
	channelParser := parser.New(db, coord, gw, cfg.Parser, cfg.Feature.AdaptiveThresholds)
	sched := scheduler.New(db, coord, channelParser, cfg.Scheduler, cfg.Parser)
	relay := eventbus.NewOutboxRelay(db, pub)

	// Health surface.
	health := supervisor.NewHealthServer(cfg.Server)
	health.Register("database", db.Ping)
	health.Register("coordinator", func(_ context.Context) error {
		ok, err := coord.AcquireLock("health:probe", time.Second)
		if err != nil {
			return err
		}
		if ok {
			return coord.ReleaseLock("health:probe")
		}
		return nil
	})
	health.Register("jetstream", func(ctx context.Context) error {
		_, err := streams.StreamInfo(ctx, eventbus.StreamPosts)
		return err
	})
	health.Register("router", func(_ context.Context) error {
		select {
		case <-router.Running():
			return nil
		default:
			return errRouterStarting
		}
	})

	// Supervision.
	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddIngestService(sched)
	tree.AddIngestService(relay)
	tree.AddPipelineService(&supervisor.RouterService{Router: router})
	tree.AddAPIService(health)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Info().Msg("Supervisor tree starting")
	if err := tree.Serve(ctx); err != nil && ctx.Err() == nil {
		logging.Err(err).Msg("Supervisor tree exited")
		os.Exit(1)
	}

	if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
		for _, svc := range report {
			logging.Warn().Str("service", svc.Name).Msg("Service missed shutdown timeout")
		}
	}
	logging.Info().Msg("Shutdown complete")
}

// openBlobstore selects the CAS backend from config.
func openBlobstore(cfg config.BlobstoreConfig) (blobstore.Store, error) {
	if cfg.Backend == "s3" {
		return blobstore.NewS3Store(blobstore.S3Config{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
		})
	}
	return blobstore.NewFSStore(cfg.Path)
}
