// Telegram Assistant - Channel Ingestion, Enrichment, and Trend Analytics
// Copyright 2026 Ilya S. (ilyasni)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ilyasni/telegram-assistant-sub004

package parser

import (
	"math"
	"sort"
	"time"

	"github.com/ilyasni/telegram-assistant-sub004/internal/metrics"
)

// Quiet-period inflation factors. A channel that posts rarely at night or
// on weekends gets a wider incremental overlap so slow editors are not
// re-fetched every tick for nothing.
const (
	nightFactor   = 1.5
	weekendFactor = 1.8

	nightStartHour = 22
	nightEndHour   = 8
)

// P95InterArrival estimates the 95th-percentile gap between consecutive
// posts. Returns zero when fewer than two samples exist.
func P95InterArrival(times []time.Time) time.Duration {
	if len(times) < 2 {
		return 0
	}
	gaps := make([]float64, 0, len(times)-1)
	for i := 1; i < len(times); i++ {
		gaps = append(gaps, times[i].Sub(times[i-1]).Seconds())
	}
	sort.Float64s(gaps)
	idx := int(math.Ceil(0.95*float64(len(gaps)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(gaps) {
		idx = len(gaps) - 1
	}
	return time.Duration(gaps[idx] * float64(time.Second))
}

// AdaptiveOverlap widens the configured incremental overlap for quiet
// channels. The base overlap is a floor, never reduced; the p95
// inter-arrival gap (inflated during quiet periods) can only widen it.
func AdaptiveOverlap(base time.Duration, p95 time.Duration, now time.Time) time.Duration {
	if p95 <= 0 {
		return base
	}
	adjusted := p95
	if reason := quietReason(now); reason != "" {
		factor := nightFactor
		if reason == "weekend" {
			factor = weekendFactor
		}
		adjusted = time.Duration(float64(p95) * factor)
		metrics.ParserQuietThreshold.WithLabelValues(reason).Inc()
	}
	if adjusted < base {
		return base
	}
	return adjusted
}

// quietReason reports why the current instant counts as a quiet period.
// Weekend wins over night when both apply.
func quietReason(now time.Time) string {
	switch now.Weekday() {
	case time.Saturday, time.Sunday:
		return "weekend"
	}
	hour := now.Hour()
	if hour >= nightStartHour || hour < nightEndHour {
		return "night"
	}
	return ""
}
