// Telegram Assistant - Channel Ingestion, Enrichment, and Trend Analytics
// Copyright 2026 Ilya S. (ilyasni)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ilyasni/telegram-assistant-sub004

// Package mediaproc downloads post attachments into the content-addressed
// blob store. Objects are deduplicated by sha256 across all posts and
// tenants-wide quota is enforced before any byte is stored.
package mediaproc

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/ilyasni/telegram-assistant-sub004/internal/blobstore"
	"github.com/ilyasni/telegram-assistant-sub004/internal/database"
	"github.com/ilyasni/telegram-assistant-sub004/internal/errclass"
	"github.com/ilyasni/telegram-assistant-sub004/internal/eventbus"
	"github.com/ilyasni/telegram-assistant-sub004/internal/logging"
	"github.com/ilyasni/telegram-assistant-sub004/internal/metrics"
	"github.com/ilyasni/telegram-assistant-sub004/internal/models"
	"github.com/ilyasni/telegram-assistant-sub004/internal/quota"
)

// Fetcher reads attachment bytes from the source platform.
type Fetcher interface {
	Fetch(ctx context.Context, tenant string, ref models.MediaRef) (io.ReadCloser, error)
}

// EventPublisher publishes downstream envelopes. Satisfied by
// eventbus.Publisher.
type EventPublisher interface {
	PublishEnvelope(ctx context.Context, topic string, e *eventbus.Envelope) error
}

// Result summarizes one post's media pass.
type Result struct {
	Stored        int
	Deduplicated  int
	QuotaRejected int
}

// Processor runs the download-hash-store pipeline for one post at a time.
type Processor struct {
	db    *database.DB
	blobs blobstore.Store
	quota *quota.StorageQuota
	fetch Fetcher
	pub   EventPublisher
}

// New builds a media processor.
func New(db *database.DB, blobs blobstore.Store, q *quota.StorageQuota, fetch Fetcher, pub EventPublisher) *Processor {
	return &Processor{db: db, blobs: blobs, quota: q, fetch: fetch, pub: pub}
}

// ProcessPost stores every attachment of a post and links it. Already-known
// hashes link without a download; quota rejections skip the object but never
// fail the post. When at least one image lands, a vision request goes out.
func (p *Processor) ProcessPost(ctx context.Context, pc *database.PostContent) (*Result, error) {
	res := &Result{}
	var visionSHAs []string

	for _, ref := range pc.MediaRefs {
		status, err := p.processOne(ctx, pc, ref)
		if err != nil {
			metrics.MediaProcessed.WithLabelValues("failed").Inc()
			return res, err
		}
		metrics.MediaProcessed.WithLabelValues(status).Inc()
		switch status {
		case "stored":
			res.Stored++
		case "dedup":
			res.Deduplicated++
		case "quota_rejected":
			res.QuotaRejected++
			continue
		}
		if strings.HasPrefix(ref.Mime, "image/") {
			visionSHAs = append(visionSHAs, ref.SHA256)
		}
	}

	if len(visionSHAs) > 0 {
		if err := p.requestVision(ctx, pc, visionSHAs); err != nil {
			return res, err
		}
	}
	return res, nil
}

// processOne handles a single attachment and reports its terminal status:
// stored, dedup, or quota_rejected.
func (p *Processor) processOne(ctx context.Context, pc *database.PostContent, ref models.MediaRef) (string, error) {
	if ref.SHA256 == "" {
		return "", errclass.New(errclass.SchemaInvalid, "media ref without content hash")
	}

	// Known hash: link only, no download, no quota charge.
	if _, err := p.db.GetMediaObject(ctx, ref.SHA256); err == nil {
		if err := p.db.LinkPostMedia(ctx, pc.PostUUID.String(), ref.SHA256); err != nil {
			return "", err
		}
		return "dedup", nil
	} else if errclass.Of(err) != errclass.NotFound {
		return "", err
	}

	if err := p.quota.Check(ctx, pc.Tenant, "media", ref.Size); err != nil {
		if errclass.Of(err) == errclass.QuotaExhausted {
			logging.Warn().
				Str("tenant", pc.Tenant).
				Str("sha256", ref.SHA256).
				Msg("media skipped, storage quota exhausted")
			return "quota_rejected", nil
		}
		return "", err
	}

	body, err := p.fetch.Fetch(ctx, pc.Tenant, ref)
	if err != nil {
		return "", fmt.Errorf("fetch media %s: %w", ref.SHA256, err)
	}
	defer body.Close()

	// Hash before store: the declared sha256 is the storage key, so a
	// mismatch would poison the CAS.
	buf := &bytes.Buffer{}
	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(buf, hasher), body)
	if err != nil {
		return "", fmt.Errorf("read media %s: %w", ref.SHA256, err)
	}
	if got := hex.EncodeToString(hasher.Sum(nil)); got != ref.SHA256 {
		return "", errclass.Newf(errclass.SchemaInvalid,
			"media hash mismatch: declared %s, downloaded %s", ref.SHA256, got)
	}

	key := blobstore.MediaKey(pc.Tenant, ref.SHA256, ref.Mime)
	if err := p.blobs.Put(ctx, key, buf, size, ref.Mime); err != nil {
		return "", fmt.Errorf("store media %s: %w", ref.SHA256, err)
	}

	created, err := p.db.UpsertMediaObject(ctx, &models.MediaObject{
		SHA256: ref.SHA256,
		Tenant: pc.Tenant,
		Mime:   ref.Mime,
		Size:   size,
		S3Key:  key,
	})
	if err != nil {
		return "", err
	}
	if err := p.db.LinkPostMedia(ctx, pc.PostUUID.String(), ref.SHA256); err != nil {
		return "", err
	}
	if !created {
		// Lost the insert race to a concurrent worker; the bytes are
		// identical so the extra Put was harmless.
		return "dedup", nil
	}
	if err := p.quota.Add(ctx, pc.Tenant, "media", size); err != nil {
		return "", err
	}
	return "stored", nil
}

func (p *Processor) requestVision(ctx context.Context, pc *database.PostContent, shas []string) error {
	env, err := eventbus.NewEnvelope(eventbus.TopicPostsVision, pc.Tenant,
		fmt.Sprintf("%s:vision-request:v1", pc.PostUUID), "",
		&eventbus.PostVision{PostUUID: pc.PostUUID, SHA256s: shas, GroupedID: pc.GroupedID})
	if err != nil {
		return err
	}
	return p.pub.PublishEnvelope(ctx, eventbus.TopicPostsVision, env)
}
