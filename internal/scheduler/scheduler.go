// Telegram Assistant - Channel Ingestion, Enrichment, and Trend Analytics
// Copyright 2026 Ilya S. (ilyasni)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ilyasni/telegram-assistant-sub004

// Package scheduler drives the ingestion loop: a singleton lease in the
// coordinator elects one active scheduler, each tick dispatches eligible
// channels to a bounded pool of parse workers.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/ilyasni/telegram-assistant-sub004/internal/config"
	"github.com/ilyasni/telegram-assistant-sub004/internal/coordinator"
	"github.com/ilyasni/telegram-assistant-sub004/internal/database"
	"github.com/ilyasni/telegram-assistant-sub004/internal/errclass"
	"github.com/ilyasni/telegram-assistant-sub004/internal/logging"
	"github.com/ilyasni/telegram-assistant-sub004/internal/metrics"
	"github.com/ilyasni/telegram-assistant-sub004/internal/models"
	"github.com/ilyasni/telegram-assistant-sub004/internal/parser"
)

// Scheduler owns the periodic parse dispatch. One instance per cluster is
// active at a time; standbys keep retrying the lease.
type Scheduler struct {
	db      *database.DB
	coord   *coordinator.Store
	parser  *parser.Parser
	cfg     config.SchedulerConfig
	pcfg    config.ParserConfig
	nowFunc func() time.Time
}

// New builds a scheduler around an existing parser.
func New(db *database.DB, coord *coordinator.Store, p *parser.Parser, cfg config.SchedulerConfig, pcfg config.ParserConfig) *Scheduler {
	return &Scheduler{
		db:      db,
		coord:   coord,
		parser:  p,
		cfg:     cfg,
		pcfg:    pcfg,
		nowFunc: time.Now,
	}
}

// String names the service in the supervision tree.
func (s *Scheduler) String() string { return "scheduler" }

// Serve runs the scheduler loop until the context is cancelled. Implements
// suture.Service.
func (s *Scheduler) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	defer s.releaseLease()

	renewEvery := s.cfg.LockTTL / 3
	renew := time.NewTicker(renewEvery)
	defer renew.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-renew.C:
			s.renewLease()
		case <-ticker.C:
			if !s.holdsLease() {
				continue
			}
			if err := s.Tick(ctx); err != nil {
				logging.Err(err).Msg("scheduler tick")
			}
		}
	}
}

// Tick runs one dispatch round: expired quarantines are released, eligible
// channels are fetched oldest-watermark first and parsed concurrently.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.nowFunc()

	released, err := s.db.ReleaseExpiredQuarantines(ctx, now)
	if err != nil {
		return err
	}
	if released > 0 {
		logging.Info().Int64("channels", released).Msg("quarantines released")
	}

	channels, err := s.db.ListEligibleChannels(ctx, s.cfg.BatchSize)
	if err != nil {
		return err
	}

	sem := make(chan struct{}, s.cfg.Concurrency)
	var wg sync.WaitGroup
	for _, channel := range channels {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(ch *models.Channel) {
			defer wg.Done()
			defer func() { <-sem }()
			s.dispatch(ctx, ch, now)
		}(channel)
	}
	wg.Wait()

	metrics.SchedulerLastTick.SetToCurrentTime()
	return nil
}

// dispatch runs one parse job with bounded retries. Rate limits honor the
// advised wait; non-retryable failures stop immediately.
func (s *Scheduler) dispatch(ctx context.Context, channel *models.Channel, now time.Time) {
	mode := DecideMode(channel, s.pcfg, now)
	since := SinceDate(channel, mode, s.pcfg, now)
	metrics.ParserJobsDispatched.WithLabelValues(string(mode)).Inc()

	log := logging.With().
		Str("channel", channel.ChannelUUID.String()).
		Str("mode", string(mode)).
		Logger()

	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		res, err := s.parser.ParseChannel(ctx, channel, since)
		if err == nil {
			log.Debug().
				Int("persisted", res.Persisted).
				Int("duplicates", res.Duplicates).
				Int("albums", res.Albums).
				Msg("parse pass done")
			return
		}
		switch errclass.Of(err) {
		case errclass.RateLimited:
			wait := errclass.AdvisedWait(err)
			log.Warn().Dur("wait", wait).Msg("parse rate limited")
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		case errclass.Transient, errclass.Unknown:
			log.Warn().Err(err).Int("attempt", attempt+1).Msg("parse failed, retrying")
		default:
			log.Error().Err(err).Msg("parse failed permanently")
			return
		}
	}
	log.Error().Msg("parse retries exhausted")
}

func (s *Scheduler) holdsLease() bool {
	ok, err := s.coord.AcquireLock(coordinator.SchedulerLockKey, s.cfg.LockTTL)
	if err != nil {
		logging.Err(err).Msg("scheduler lease")
		return false
	}
	if ok {
		metrics.SchedulerLockHeld.Set(1)
	} else {
		metrics.SchedulerLockHeld.Set(0)
	}
	return ok
}

func (s *Scheduler) renewLease() {
	held, err := s.coord.HoldsLock(coordinator.SchedulerLockKey)
	if err != nil || !held {
		return
	}
	if _, err := s.coord.RenewLock(coordinator.SchedulerLockKey, s.cfg.LockTTL); err != nil {
		logging.Err(err).Msg("scheduler lease renew")
	}
}

func (s *Scheduler) releaseLease() {
	metrics.SchedulerLockHeld.Set(0)
	if err := s.coord.ReleaseLock(coordinator.SchedulerLockKey); err != nil {
		logging.Err(err).Msg("scheduler lease release")
	}
}
