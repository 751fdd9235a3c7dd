// Telegram Assistant - Channel Ingestion, Enrichment, and Trend Analytics
// Copyright 2026 Ilya S. (ilyasni)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ilyasni/telegram-assistant-sub004

package stages

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/ilyasni/telegram-assistant-sub004/internal/blobstore"
	"github.com/ilyasni/telegram-assistant-sub004/internal/config"
	"github.com/ilyasni/telegram-assistant-sub004/internal/coordinator"
	"github.com/ilyasni/telegram-assistant-sub004/internal/database"
	"github.com/ilyasni/telegram-assistant-sub004/internal/errclass"
	"github.com/ilyasni/telegram-assistant-sub004/internal/eventbus"
	"github.com/ilyasni/telegram-assistant-sub004/internal/logging"
	"github.com/ilyasni/telegram-assistant-sub004/internal/metrics"
	"github.com/ilyasni/telegram-assistant-sub004/internal/models"
	"github.com/ilyasni/telegram-assistant-sub004/internal/providers"
	"github.com/ilyasni/telegram-assistant-sub004/internal/quota"
)

// VisionAnalyzer describes media via a multimodal model.
type VisionAnalyzer interface {
	Analyze(ctx context.Context, urls []string, prompt string) ([]providers.VisionResult, error)
	Name() string
	Model() string
}

// OCRExtractor is the text-extraction fallback.
type OCRExtractor interface {
	Extract(ctx context.Context, urls []string) ([]providers.VisionResult, error)
}

// VisionStage consumes vision requests and writes one aggregated,
// gzip-compressed artifact per request into the CAS. Albums produce a
// single artifact covering every slot.
type VisionStage struct {
	db     *database.DB
	coord  *coordinator.Store
	blobs  blobstore.Store
	quota  *quota.StorageQuota
	vision VisionAnalyzer
	ocr    OCRExtractor
	cfg    config.VisionConfig

	allowlist map[string]struct{}
	triggers  map[string]struct{}
}

// NewVisionStage builds the stage. ocr may be nil when the fallback is
// disabled.
func NewVisionStage(db *database.DB, coord *coordinator.Store, blobs blobstore.Store, q *quota.StorageQuota, vision VisionAnalyzer, ocr OCRExtractor, cfg config.VisionConfig) *VisionStage {
	s := &VisionStage{
		db: db, coord: coord, blobs: blobs, quota: q,
		vision: vision, ocr: ocr, cfg: cfg,
		allowlist: make(map[string]struct{}, len(cfg.ChannelAllowlist)),
		triggers:  make(map[string]struct{}, len(cfg.TriggerTags)),
	}
	for _, ch := range cfg.ChannelAllowlist {
		s.allowlist[ch] = struct{}{}
	}
	for _, tag := range cfg.TriggerTags {
		s.triggers[tag] = struct{}{}
	}
	return s
}

// Name is the durable consumer group of the stage.
func (s *VisionStage) Name() string { return "vision" }

// Handler returns the bus handler.
func (s *VisionStage) Handler() message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		start := time.Now()
		_, ev, err := decodeEvent[eventbus.PostVision](msg, eventbus.TopicPostsVision)
		if err != nil {
			return err
		}
		if len(ev.SHA256s) == 0 {
			return errclass.New(errclass.SchemaInvalid, "vision request without media hashes")
		}
		ctx := msg.Context()
		postID := ev.PostUUID.String()

		if done, err := s.coord.AlreadyProcessed(postID, s.Name()); err == nil && done {
			metrics.StageProcessed.WithLabelValues(s.Name(), "duplicate").Inc()
			return nil
		}

		pc, err := s.db.GetPostContent(ctx, ev.PostUUID)
		if errclass.Of(err) == errclass.NotFound {
			metrics.StageProcessed.WithLabelValues(s.Name(), "skipped").Inc()
			return nil
		}
		if err != nil {
			return err
		}

		if reason := s.admit(ctx, pc); reason != "" {
			metrics.EnrichmentRequests.WithLabelValues(models.EnrichmentKindVision, "skipped").Inc()
			logging.Debug().Str("post", postID).Str("reason", reason).Msg("vision skipped")
			metrics.ObserveStage(s.Name(), "skipped", start)
			return nil
		}

		artifactKey := blobstore.VisionKey(pc.Tenant, ev.SHA256s[0],
			s.vision.Name(), s.vision.Model(), s.cfg.SchemaVersion)
		if _, err := s.blobs.Head(ctx, artifactKey); err == nil {
			// Same media, provider, model, and schema: the artifact is
			// already there.
			metrics.StageProcessed.WithLabelValues(s.Name(), "duplicate").Inc()
			return s.markDone(postID, start, "duplicate")
		}

		urls, err := s.mediaKeys(ctx, ev.SHA256s)
		if err != nil {
			return err
		}

		results, kind, err := s.analyze(ctx, urls)
		if err != nil {
			metrics.EnrichmentRequests.WithLabelValues(models.EnrichmentKindVision, "failed").Inc()
			return err
		}
		metrics.EnrichmentRequests.WithLabelValues(kind, "ok").Inc()

		artifact, err := compressArtifact(ev.SHA256s, results)
		if err != nil {
			return err
		}
		size := int64(len(artifact))
		if s.cfg.CheckQuotaBeforeUpload {
			if err := s.quota.Check(ctx, pc.Tenant, "vision", size); err != nil {
				if errclass.Of(err) == errclass.QuotaExhausted {
					// Terminal skip, not a poison message: the artifact is
					// simply not stored this pass.
					logging.Warn().Str("post", postID).Err(err).Msg("vision skipped, storage quota exhausted")
					metrics.EnrichmentRequests.WithLabelValues(models.EnrichmentKindVision, "skipped").Inc()
					return s.markDone(postID, start, "skipped")
				}
				return err
			}
		}
		if err := s.blobs.Put(ctx, artifactKey, bytes.NewReader(artifact), size, "application/gzip"); err != nil {
			return fmt.Errorf("store vision artifact: %w", err)
		}
		if err := s.quota.Add(ctx, pc.Tenant, "vision", size); err != nil {
			return err
		}

		if err := s.persistSummary(ctx, pc, kind, artifactKey, results); err != nil {
			return err
		}
		return s.markDone(postID, start, "ok")
	}
}

// admit applies the channel allowlist and trigger-tag gates. An empty
// allowlist admits every channel; empty trigger tags admit every post.
func (s *VisionStage) admit(ctx context.Context, pc *database.PostContent) string {
	if len(s.allowlist) > 0 {
		if _, ok := s.allowlist[pc.ChannelUUID.String()]; !ok {
			return "channel_not_allowlisted"
		}
	}
	if len(s.triggers) > 0 {
		tags, err := s.postTags(ctx, pc.PostUUID)
		if err != nil {
			return "tags_unavailable"
		}
		for _, tag := range tags {
			if _, ok := s.triggers[tag]; ok {
				return ""
			}
		}
		return "no_trigger_tag"
	}
	return ""
}

func (s *VisionStage) postTags(ctx context.Context, postUUID uuid.UUID) ([]string, error) {
	e, err := s.db.GetEnrichment(ctx, postUUID, models.EnrichmentKindTags)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Tags []string `json:"tags"`
	}
	if err := json.Unmarshal(e.Data, &payload); err != nil {
		return nil, err
	}
	return payload.Tags, nil
}

// mediaKeys resolves content hashes to blob keys; the provider gateway
// turns them into fetchable URLs.
func (s *VisionStage) mediaKeys(ctx context.Context, shas []string) ([]string, error) {
	keys := make([]string, 0, len(shas))
	for _, sha := range shas {
		obj, err := s.db.GetMediaObject(ctx, sha)
		if err != nil {
			return nil, err
		}
		keys = append(keys, obj.S3Key)
	}
	return keys, nil
}

// analyze runs the primary model, falling back to OCR when enabled. The
// returned kind records which path produced the results.
func (s *VisionStage) analyze(ctx context.Context, urls []string) ([]providers.VisionResult, string, error) {
	results, err := s.vision.Analyze(ctx, urls, "Describe each image. Transcribe any visible text.")
	if err == nil {
		return results, models.EnrichmentKindVision, nil
	}
	if !s.cfg.OCRFallbackEnabled || s.ocr == nil || !errclass.Retryable(err) {
		return nil, "", err
	}
	logging.Warn().Err(err).Msg("vision provider failed, falling back to ocr")
	results, ocrErr := s.ocr.Extract(ctx, urls)
	if ocrErr != nil {
		// Surface the primary failure; the fallback's is secondary.
		return nil, "", err
	}
	return results, models.EnrichmentKindOCR, nil
}

func (s *VisionStage) persistSummary(ctx context.Context, pc *database.PostContent, kind, artifactKey string, results []providers.VisionResult) error {
	data, err := json.Marshal(map[string]any{
		"artifact_key": artifactKey,
		"results":      results,
	})
	if err != nil {
		return err
	}
	return s.db.SaveEnrichment(ctx, &models.PostEnrichment{
		PostUUID: pc.PostUUID,
		Tenant:   pc.Tenant,
		Kind:     kind,
		Provider: s.vision.Name(),
		Data:     data,
	})
}

func (s *VisionStage) markDone(postID string, start time.Time, status string) error {
	if err := s.coord.MarkProcessed(postID, s.Name()); err != nil {
		logging.Err(err).Str("post", postID).Msg("mark vision processed")
	}
	metrics.ObserveStage(s.Name(), status, start)
	return nil
}

// compressArtifact builds the gzip JSON artifact covering every album slot.
func compressArtifact(shas []string, results []providers.VisionResult) ([]byte, error) {
	payload, err := json.Marshal(map[string]any{
		"sha256s": shas,
		"results": results,
	})
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
