// Copyright 2026 The toolmesh Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package feedback

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Bus is the performance feedback bus. The record path stays cheap:
// a read lock to find the pair's counters, then atomic adds.
type Bus struct {
	mu       sync.RWMutex
	pairs    map[string]map[string]*counters // category -> provider -> counters
	minObs   int
	classify *classifier

	store *Store
}

// NewBus creates a feedback bus. When cfg.DBPath is set, persisted
// aggregates are loaded and new outcomes are written through; a store
// that fails to open is a soft failure and the bus runs in-memory.
func NewBus(ctx context.Context, cfg Config) *Bus {
	if cfg.MinObservations < 1 {
		cfg.MinObservations = DefaultConfig().MinObservations
	}
	if len(cfg.KeywordCategories) == 0 {
		cfg.KeywordCategories = DefaultConfig().KeywordCategories
	}

	b := &Bus{
		pairs:    make(map[string]map[string]*counters),
		minObs:   cfg.MinObservations,
		classify: newClassifier(cfg.KeywordCategories),
	}

	if cfg.DBPath != "" {
		store, err := OpenStore(ctx, cfg.DBPath, cfg.Retention)
		if err != nil {
			log.Warnf("Feedback store unavailable, running in-memory: %v", err)
		} else {
			b.store = store
			b.seedFromStore(ctx)
		}
	}

	return b
}

// seedFromStore primes the in-memory counters from persisted outcomes.
func (b *Bus) seedFromStore(ctx context.Context) {
	seeds, err := b.store.LoadAggregates(ctx)
	if err != nil {
		log.Warnf("Failed to load persisted feedback: %v", err)
		return
	}

	b.mu.Lock()
	for _, s := range seeds {
		providers, ok := b.pairs[s.Category]
		if !ok {
			providers = make(map[string]*counters)
			b.pairs[s.Category] = providers
		}
		providers[s.Provider] = &counters{
			total:     s.Observations,
			successes: s.Successes,
			latencyMs: s.MeanLatency.Milliseconds() * s.Observations,
		}
	}
	b.mu.Unlock()

	if len(seeds) > 0 {
		log.Infof("Feedback bus seeded with %d persisted aggregates", len(seeds))
	}
}

// RecordOutcome feeds one call outcome into the bus.
func (b *Bus) RecordOutcome(category, provider string, success bool, latency time.Duration) {
	category = normalizeKey(category)
	provider = normalizeKey(provider)
	if category == "" {
		category = CategoryGeneral
	}
	if provider == "" {
		return
	}

	b.counters(category, provider).record(success, latency)

	if b.store != nil {
		b.store.Append(outcome{
			at:       time.Now(),
			category: category,
			provider: provider,
			success:  success,
			latency:  latency,
		})
	}
}

func (b *Bus) counters(category, provider string) *counters {
	b.mu.RLock()
	if providers, ok := b.pairs[category]; ok {
		if c, ok := providers[provider]; ok {
			b.mu.RUnlock()
			return c
		}
	}
	b.mu.RUnlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	providers, ok := b.pairs[category]
	if !ok {
		providers = make(map[string]*counters)
		b.pairs[category] = providers
	}
	c, ok := providers[provider]
	if !ok {
		c = &counters{}
		providers[provider] = c
	}
	return c
}

// AffinityFor returns the router's category affinity for a provider in
// [0,1]. Providers below the observation minimum sit at a neutral 0.5
// so sparse data neither promotes nor buries them.
func (b *Bus) AffinityFor(category, provider string) float64 {
	category = normalizeKey(category)
	provider = normalizeKey(provider)

	b.mu.RLock()
	var c *counters
	if providers, ok := b.pairs[category]; ok {
		c = providers[provider]
	}
	minObs := b.minObs
	b.mu.RUnlock()

	if c == nil {
		return 0.5
	}
	agg := c.snapshot()
	if agg.Observations < int64(minObs) {
		return 0.5
	}

	score := agg.preferenceScore()
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// Recommend returns the preferred provider for a category with a
// human-readable rationale. Without enough observations it recommends
// no one.
func (b *Bus) Recommend(category string) Recommendation {
	category = normalizeKey(category)
	if category == "" {
		category = CategoryGeneral
	}

	ranked := b.Ranked(category)
	minObs := int64(b.minObservations())

	qualified := make([]Aggregate, 0, len(ranked))
	for _, agg := range ranked {
		if agg.Observations >= minObs {
			qualified = append(qualified, agg)
		}
	}

	if len(qualified) == 0 {
		return Recommendation{
			Category:  category,
			Rationale: fmt.Sprintf("no provider has %d+ observations for %s yet", minObs, category),
		}
	}

	best := qualified[0]
	return Recommendation{
		Category:          category,
		PreferredProvider: best.Provider,
		SuccessRate:       best.SuccessRate,
		Observations:      best.Observations,
		Rationale: fmt.Sprintf("%s preferred for %s: %.0f%% success over %d calls, %s mean latency",
			best.Provider, category, best.SuccessRate*100, best.Observations, best.MeanLatency.Round(time.Millisecond)),
	}
}

func (b *Bus) minObservations() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.minObs
}

// Ranked returns every observed provider for a category ordered best
// first.
func (b *Bus) Ranked(category string) []Aggregate {
	category = normalizeKey(category)

	b.mu.RLock()
	providers := b.pairs[category]
	aggs := make([]Aggregate, 0, len(providers))
	for name, c := range providers {
		agg := c.snapshot()
		agg.Provider = name
		agg.Category = category
		aggs = append(aggs, agg)
	}
	b.mu.RUnlock()

	sort.Slice(aggs, func(i, j int) bool {
		si, sj := aggs[i].preferenceScore(), aggs[j].preferenceScore()
		if si != sj {
			return si > sj
		}
		return aggs[i].Provider < aggs[j].Provider
	})
	return aggs
}

// Classify maps a free-text query to a category via the keyword table.
func (b *Bus) Classify(query string) string {
	b.mu.RLock()
	c := b.classify
	b.mu.RUnlock()
	return c.classify(query)
}

// Categories returns all observed categories, sorted.
func (b *Bus) Categories() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]string, 0, len(b.pairs))
	for category := range b.pairs {
		out = append(out, category)
	}
	sort.Strings(out)
	return out
}

// Insights builds the aggregate view served by the ops endpoint.
func (b *Bus) Insights() map[string]interface{} {
	insights := make(map[string]interface{})

	var totalObservations, totalSuccesses int64
	perCategory := make(map[string]interface{})

	for _, category := range b.Categories() {
		ranked := b.Ranked(category)
		for _, agg := range ranked {
			totalObservations += agg.Observations
			totalSuccesses += agg.Successes
		}
		perCategory[category] = map[string]interface{}{
			"providers":      ranked,
			"recommendation": b.Recommend(category),
		}
	}

	insights["total_observations"] = totalObservations
	if totalObservations > 0 {
		insights["overall_success_rate"] = float64(totalSuccesses) / float64(totalObservations)
	} else {
		insights["overall_success_rate"] = 0.0
	}
	insights["categories"] = perCategory
	return insights
}

// UpdateConfig applies a new keyword table and observation minimum.
// Counters are kept.
func (b *Bus) UpdateConfig(cfg Config) {
	b.mu.Lock()
	if cfg.MinObservations >= 1 {
		b.minObs = cfg.MinObservations
	}
	if len(cfg.KeywordCategories) > 0 {
		b.classify = newClassifier(cfg.KeywordCategories)
	}
	b.mu.Unlock()
	log.Debugf("Feedback config updated: minObservations=%d categories=%d", cfg.MinObservations, len(cfg.KeywordCategories))
}

// Shutdown flushes and closes the persistence store, when present.
func (b *Bus) Shutdown(ctx context.Context) error {
	if b.store == nil {
		return nil
	}
	return b.store.Close(ctx)
}

func normalizeKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
