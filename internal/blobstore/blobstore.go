// Telegram Assistant - Channel Ingestion, Enrichment, and Trend Analytics
// Copyright 2026 Ilya S. (ilyasni)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ilyasni/telegram-assistant-sub004

// Package blobstore is the content-addressed object store for media bytes
// and vision artifacts. Keys embed the content hash, so writes are
// idempotent and a repeated upload of the same bytes is free.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"
)

// ErrNotFound reports a missing object.
var ErrNotFound = errors.New("blobstore: object not found")

// ObjectInfo describes a stored object without its bytes.
type ObjectInfo struct {
	Key  string
	Size int64
}

// Store is the blob backend. Implementations must make Put idempotent for
// a given key.
type Store interface {
	// Put stores the object. Overwriting an existing key with identical
	// content is allowed and must not error.
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	// Head returns object metadata, or ErrNotFound.
	Head(ctx context.Context, key string) (*ObjectInfo, error)
	// Get opens the object for reading, or ErrNotFound.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes the object. Deleting a missing key is a no-op.
	Delete(ctx context.Context, key string) error
	// List returns keys under a prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// MediaKey builds the CAS key for a media blob:
// media/{tenant}/{sha[:2]}/{sha}.{ext}. The two-character fanout keeps
// directory listings bounded on filesystem backends.
func MediaKey(tenant, sha256, mimeType string) string {
	return fmt.Sprintf("media/%s/%s/%s%s", tenant, shaPrefix(sha256), sha256, extFor(mimeType))
}

// VisionKey builds the key for a gzip-compressed vision artifact:
// vision/{tenant}/{sha}_{provider}_{model}_v{schema}.json.gz. The provider
// and model are part of the key so a model upgrade writes a new artifact
// instead of clobbering the old one.
func VisionKey(tenant, sha256, provider, model string, schemaVersion int) string {
	return fmt.Sprintf("vision/%s/%s_%s_%s_v%d.json.gz",
		tenant, sha256, sanitize(provider), sanitize(model), schemaVersion)
}

// CrawlKey builds the key for crawled page content.
func CrawlKey(tenant, sha256 string) string {
	return fmt.Sprintf("crawl/%s/%s/%s.html", tenant, shaPrefix(sha256), sha256)
}

func shaPrefix(sha string) string {
	if len(sha) < 2 {
		return "00"
	}
	return sha[:2]
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}

var preferredExts = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/webp":      ".webp",
	"video/mp4":       ".mp4",
	"audio/ogg":       ".ogg",
	"application/pdf": ".pdf",
}

func extFor(mimeType string) string {
	if ext, ok := preferredExts[mimeType]; ok {
		return ext
	}
	exts, err := mime.ExtensionsByType(mimeType)
	if err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}
