// Telegram Assistant - Channel Ingestion, Enrichment, and Trend Analytics
// Copyright 2026 Ilya S. (ilyasni)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ilyasni/telegram-assistant-sub004

package quota

// Crawl skip reasons, published in the posts.enriched event so the skip is
// observable downstream.
const (
	CrawlReasonOK             = ""
	CrawlReasonNoTriggerTag   = "no_trigger_tag"
	CrawlReasonTooShort       = "below_min_words"
	CrawlReasonBudgetExceeded = "crawl_budget_exceeded"
)

// CrawlPolicy decides whether a post earns the expensive deep-crawl
// enrichment.
type CrawlPolicy struct {
	triggerTags  map[string]struct{}
	minWordCount int
	budget       *DailyBudget
}

// NewCrawlPolicy builds the policy. budget may be nil for unlimited.
func NewCrawlPolicy(triggerTags []string, minWordCount int, budget *DailyBudget) *CrawlPolicy {
	set := make(map[string]struct{}, len(triggerTags))
	for _, tag := range triggerTags {
		set[tag] = struct{}{}
	}
	return &CrawlPolicy{triggerTags: set, minWordCount: minWordCount, budget: budget}
}

// Decide returns whether to crawl and, if not, the reason. All three gates
// must pass: a trigger tag present, enough text to be worth crawling, and
// daily budget remaining. The budget is only consumed on an admit.
func (p *CrawlPolicy) Decide(tenant string, tags []string, wordCount int) (bool, string) {
	if !p.hasTriggerTag(tags) {
		return false, CrawlReasonNoTriggerTag
	}
	if wordCount < p.minWordCount {
		return false, CrawlReasonTooShort
	}
	if p.budget != nil && !p.budget.Take(tenant) {
		return false, CrawlReasonBudgetExceeded
	}
	return true, CrawlReasonOK
}

func (p *CrawlPolicy) hasTriggerTag(tags []string) bool {
	if len(p.triggerTags) == 0 {
		return false
	}
	for _, tag := range tags {
		if _, ok := p.triggerTags[tag]; ok {
			return true
		}
	}
	return false
}
