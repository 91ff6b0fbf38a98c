// Copyright 2026 The toolmesh Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package feedback aggregates call outcomes per (category, provider)
// and turns them into provider recommendations and affinity scores for
// the router. Counters live in memory; an optional SQLite store carries
// them across restarts.
package feedback

import (
	"sort"
	"strings"
	"sync/atomic"
	"time"
)

// CategoryGeneral is the fallback category for unclassified calls.
const CategoryGeneral = "general"

// Config controls the feedback bus.
type Config struct {
	// DBPath is the SQLite file for cross-restart persistence. Empty
	// disables persistence.
	DBPath string

	// Retention bounds how long persisted outcomes are kept.
	Retention time.Duration

	// MinObservations is how many outcomes a provider needs in a
	// category before it can be recommended.
	MinObservations int

	// KeywordCategories maps category names to the query keywords that
	// hint at them.
	KeywordCategories map[string][]string
}

// DefaultConfig returns the default feedback settings.
func DefaultConfig() Config {
	return Config{
		Retention:       30 * 24 * time.Hour,
		MinObservations: 3,
		KeywordCategories: map[string][]string{
			"chemical_search":   {"compound", "chemical", "molecule", "smiles", "formula"},
			"inhibitor_search":  {"inhibitor", "antagonist", "blocker"},
			"clinical_trial":    {"trial", "clinical", "phase", "recruiting"},
			"literature_search": {"paper", "literature", "publication", "pubmed", "article"},
			"gene_lookup":       {"gene", "variant", "mutation", "allele"},
			"protein_info":      {"protein", "enzyme", "receptor", "kinase", "structure"},
		},
	}
}

// counters accumulates outcomes for one (category, provider) pair.
// Fields are updated atomically so the record path takes no lock once
// the pair exists.
type counters struct {
	total     int64
	successes int64
	latencyMs int64
	lastNs    int64
}

func (c *counters) record(success bool, latency time.Duration) {
	atomic.AddInt64(&c.total, 1)
	if success {
		atomic.AddInt64(&c.successes, 1)
	}
	atomic.AddInt64(&c.latencyMs, latency.Milliseconds())
	atomic.StoreInt64(&c.lastNs, time.Now().UnixNano())
}

func (c *counters) snapshot() Aggregate {
	total := atomic.LoadInt64(&c.total)
	successes := atomic.LoadInt64(&c.successes)
	latencyMs := atomic.LoadInt64(&c.latencyMs)

	agg := Aggregate{Observations: total, Successes: successes}
	if total > 0 {
		agg.SuccessRate = float64(successes) / float64(total)
		agg.MeanLatency = time.Duration(latencyMs/total) * time.Millisecond
	} else {
		// No data, assume success.
		agg.SuccessRate = 1.0
	}
	if ns := atomic.LoadInt64(&c.lastNs); ns > 0 {
		agg.LastSeen = time.Unix(0, ns)
	}
	return agg
}

// Aggregate summarizes the outcomes for one (category, provider) pair.
type Aggregate struct {
	Provider     string        `json:"provider"`
	Category     string        `json:"category"`
	Observations int64         `json:"observations"`
	Successes    int64         `json:"successes"`
	SuccessRate  float64       `json:"success-rate"`
	MeanLatency  time.Duration `json:"mean-latency"`
	LastSeen     time.Time     `json:"last-seen,omitempty"`
}

// preferenceScore orders providers within a category: success rate
// dominates, with a mild penalty of 0.05 per second of mean latency.
func (a Aggregate) preferenceScore() float64 {
	return a.SuccessRate - 0.05*a.MeanLatency.Seconds()
}

// Recommendation is the feedback bus's provider advice for a category.
type Recommendation struct {
	Category          string  `json:"category"`
	PreferredProvider string  `json:"preferred-provider,omitempty"`
	Rationale         string  `json:"rationale"`
	SuccessRate       float64 `json:"success-rate,omitempty"`
	Observations      int64   `json:"observations,omitempty"`
}

// classifier matches query keywords to categories. Categories are kept
// sorted so ties resolve deterministically.
type classifier struct {
	categories []string
	keywords   map[string][]string
}

func newClassifier(table map[string][]string) *classifier {
	c := &classifier{keywords: make(map[string][]string, len(table))}
	for category, words := range table {
		category = strings.ToLower(strings.TrimSpace(category))
		if category == "" || len(words) == 0 {
			continue
		}
		lowered := make([]string, 0, len(words))
		for _, w := range words {
			w = strings.ToLower(strings.TrimSpace(w))
			if w != "" {
				lowered = append(lowered, w)
			}
		}
		if len(lowered) == 0 {
			continue
		}
		c.categories = append(c.categories, category)
		c.keywords[category] = lowered
	}
	sort.Strings(c.categories)
	return c
}

// classify picks the category with the most keyword hits; ties go to
// the alphabetically first category, no hits to general.
func (c *classifier) classify(query string) string {
	query = strings.ToLower(query)

	best := CategoryGeneral
	bestHits := 0
	for _, category := range c.categories {
		hits := 0
		for _, kw := range c.keywords[category] {
			if strings.Contains(query, kw) {
				hits++
			}
		}
		if hits > bestHits {
			best = category
			bestHits = hits
		}
	}
	return best
}
