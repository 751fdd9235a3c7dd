// Telegram Assistant - Channel Ingestion, Enrichment, and Trend Analytics
// Copyright 2026 Ilya S. (ilyasni)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ilyasni/telegram-assistant-sub004

package quota

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ProviderLimiter hands out one token bucket per (tenant, provider) pair
// so one noisy tenant cannot starve the others of provider capacity.
type ProviderLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewProviderLimiter builds the limiter set. rps is tokens per second per
// bucket.
func NewProviderLimiter(rps float64, burst int) *ProviderLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &ProviderLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (l *ProviderLimiter) bucket(tenant, provider string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := tenant + "/" + provider
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.limiters[key] = lim
	}
	return lim
}

// Wait blocks until a token is available or the context ends.
func (l *ProviderLimiter) Wait(ctx context.Context, tenant, provider string) error {
	return l.bucket(tenant, provider).Wait(ctx)
}

// Allow reports whether a token is available right now.
func (l *ProviderLimiter) Allow(tenant, provider string) bool {
	return l.bucket(tenant, provider).Allow()
}

// DailyBudget counts admissions per tenant with a day-boundary reset.
type DailyBudget struct {
	mu      sync.Mutex
	perDay  int
	counts  map[string]int
	day     string
	nowFunc func() time.Time
}

// NewDailyBudget builds a budget of perDay admissions per tenant per UTC
// day. perDay <= 0 means unlimited.
func NewDailyBudget(perDay int) *DailyBudget {
	return &DailyBudget{
		perDay:  perDay,
		counts:  make(map[string]int),
		nowFunc: time.Now,
	}
}

// Take consumes one admission, returning false when the tenant's budget
// for the current day is spent.
func (b *DailyBudget) Take(tenant string) bool {
	if b.perDay <= 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	today := b.nowFunc().UTC().Format("2006-01-02")
	if today != b.day {
		b.day = today
		b.counts = make(map[string]int)
	}
	if b.counts[tenant] >= b.perDay {
		return false
	}
	b.counts[tenant]++
	return true
}

// Remaining reports the admissions left today.
func (b *DailyBudget) Remaining(tenant string) int {
	if b.perDay <= 0 {
		return -1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	today := b.nowFunc().UTC().Format("2006-01-02")
	if today != b.day {
		return b.perDay
	}
	left := b.perDay - b.counts[tenant]
	if left < 0 {
		return 0
	}
	return left
}
