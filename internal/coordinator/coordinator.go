// Telegram Assistant - Channel Ingestion, Enrichment, and Trend Analytics
// Copyright 2026 Ilya S. (ilyasni)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ilyasni/telegram-assistant-sub004

// Package coordinator is the ephemeral state store over BadgerDB: TTL
// locks, high-water-mark cursors, idempotency keys, and cached channel
// statistics. Everything here is reconstructible; losing the store slows
// the pipeline down but never corrupts it.
package coordinator

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/ilyasni/telegram-assistant-sub004/internal/logging"
)

// Config holds Badger settings.
type Config struct {
	// Path is the Badger directory, or empty for an in-memory store.
	Path string
	// SyncWrites forces fsync per write. Locks tolerate loss, so the
	// default is off.
	SyncWrites bool
}

// Store wraps the Badger handle.
type Store struct {
	db    *badger.DB
	owner string
}

// Open opens (or creates) the coordinator store. The owner id namespaces
// lock ownership per process instance.
func Open(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Path)
	opts.SyncWrites = cfg.SyncWrites
	opts.Logger = nil
	if cfg.Path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open coordinator store: %w", err)
	}
	s := &Store{db: db, owner: uuid.NewString()}
	logging.Info().Str("path", cfg.Path).Str("owner", s.owner).Msg("coordinator store opened")
	return s, nil
}

// Owner returns this process's lock-owner identity.
func (s *Store) Owner() string {
	return s.owner
}

// Close shuts the store down.
func (s *Store) Close() error {
	return s.db.Close()
}

// RunGC triggers Badger value-log garbage collection. Safe to call
// periodically; ErrNoRewrite means nothing to collect.
func (s *Store) RunGC() error {
	err := s.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) {
		return nil
	}
	return err
}

func (s *Store) get(key string) ([]byte, bool, error) {
	var val []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	return val, true, nil
}

func (s *Store) setTTL(key string, val []byte, ttl time.Duration) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), val)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *Store) delete(key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func marshalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal coordinator value: %w", err)
	}
	return raw, nil
}
