// Telegram Assistant - Channel Ingestion, Enrichment, and Trend Analytics
// Copyright 2026 Ilya S. (ilyasni)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ilyasni/telegram-assistant-sub004

package coordinator

import (
	"errors"
	"fmt"

	"time"

	"github.com/dgraph-io/badger/v4"
)

// Lock key layout. All locks carry a TTL so a crashed holder releases
// implicitly.
const (
	SchedulerLockKey = "scheduler:lock"
)

// DigestLockKey names the per-user digest lock.
func DigestLockKey(userID string) string {
	return "digest:lock:" + userID
}

// BackfillLockKey names the per-channel historical backfill lock.
func BackfillLockKey(channelID string) string {
	return "lock:backfill:" + channelID
}

// AcquireLock takes a TTL lock if it is free or already held by this owner
// (re-entrant renewal). Returns false when another owner holds it.
func (s *Store) AcquireLock(key string, ttl time.Duration) (bool, error) {
	acquired := false
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			// free
		case err != nil:
			return err
		default:
			holder, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if string(holder) != s.owner {
				return nil
			}
		}
		entry := badger.NewEntry([]byte(key), []byte(s.owner)).WithTTL(ttl)
		if err := txn.SetEntry(entry); err != nil {
			return err
		}
		acquired = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	return acquired, nil
}

// RenewLock extends a lock this owner holds. Returns false when the lock
// expired or was taken over.
func (s *Store) RenewLock(key string, ttl time.Duration) (bool, error) {
	renewed := false
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		holder, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if string(holder) != s.owner {
			return nil
		}
		entry := badger.NewEntry([]byte(key), holder).WithTTL(ttl)
		if err := txn.SetEntry(entry); err != nil {
			return err
		}
		renewed = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("renew lock %s: %w", key, err)
	}
	return renewed, nil
}

// ReleaseLock drops a lock if this owner holds it. Releasing a lock held
// by someone else is a no-op.
func (s *Store) ReleaseLock(key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		holder, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if string(holder) != s.owner {
			return nil
		}
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	return nil
}

// HoldsLock reports whether this owner currently holds the lock.
func (s *Store) HoldsLock(key string) (bool, error) {
	val, ok, err := s.get(key)
	if err != nil || !ok {
		return false, err
	}
	return string(val) == s.owner, nil
}
