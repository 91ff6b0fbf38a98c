// Copyright 2026 The toolmesh Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package router selects the provider for each call. Candidates come
// from the registry in priority order, are filtered by health and
// breaker state, steered by operator rules, and scored on health,
// in-flight load, and category affinity. Ties rotate round-robin.
package router

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/axiombio/toolmesh/internal/breaker"
	"github.com/axiombio/toolmesh/internal/config"
	"github.com/axiombio/toolmesh/internal/orcherr"
	"github.com/axiombio/toolmesh/internal/registry"
)

// scoreEpsilon is the spread within which two scores count as tied.
const scoreEpsilon = 1e-9

// HealthView exposes the health monitor to selection.
type HealthView interface {
	Score(provider string) float64
	Healthy(provider string) bool
}

// BreakerView exposes breaker states to selection.
type BreakerView interface {
	StateOf(provider string) breaker.State
}

// AffinityView exposes learned category preference to selection.
type AffinityView interface {
	AffinityFor(category, provider string) float64
}

// Options carries the per-call selection inputs.
type Options struct {
	// Category is the call's feedback category; empty scores neutral.
	Category string

	// Exclude lists providers that already failed this call.
	Exclude []string
}

// Decision is the outcome of one selection.
type Decision struct {
	// Provider is the selected provider name.
	Provider string

	// Entry is the registry entry backing the selection.
	Entry *registry.Entry

	// Score is the final score, boosts included. Zero for pins.
	Score float64

	// Trial marks a half-open breaker trial selection.
	Trial bool

	// PinnedBy names the steering rule that forced the selection.
	PinnedBy string

	// Reason is a human-readable selection summary.
	Reason string
}

// Router scores registry candidates for each call.
type Router struct {
	registry *registry.ProviderRegistry
	health   HealthView
	breakers BreakerView
	affinity AffinityView
	steering *SteeringEngine

	mu      sync.RWMutex
	weights config.RouterConfig

	// rr breaks score ties round-robin.
	rr uint64

	// load tracks in-flight calls per provider.
	loadMu sync.RWMutex
	load   map[string]*int64

	// now is replaceable for tests.
	now func() time.Time
}

// NewRouter wires a router. steering may be nil.
func NewRouter(reg *registry.ProviderRegistry, health HealthView, breakers BreakerView, affinity AffinityView, steering *SteeringEngine, cfg config.RouterConfig) *Router {
	if cfg.WeightHealth <= 0 {
		cfg = config.DefaultRouterConfig()
	}
	return &Router{
		registry: reg,
		health:   health,
		breakers: breakers,
		affinity: affinity,
		steering: steering,
		weights:  cfg,
		load:     make(map[string]*int64),
		now:      time.Now,
	}
}

// Select picks the provider for one call. Failover passes the already
// attempted providers in opts.Exclude so they are never chosen twice.
func (r *Router) Select(operation string, opts Options) (*Decision, error) {
	entries, err := r.registry.ProvidersFor(operation)
	if err != nil {
		return nil, err
	}

	excluded := make(map[string]bool, len(opts.Exclude))
	for _, name := range opts.Exclude {
		excluded[strings.ToLower(strings.TrimSpace(name))] = true
	}

	var reasons []string
	pool := make([]*registry.Entry, 0, len(entries))
	for _, entry := range entries {
		if excluded[entry.Name] {
			reasons = append(reasons, entry.Name+": excluded after earlier failure")
			continue
		}
		switch state := r.breakers.StateOf(entry.Name); state {
		case breaker.StateOpen:
			reasons = append(reasons, entry.Name+": breaker open")
			continue
		default:
			if !r.health.Healthy(entry.Name) {
				reasons = append(reasons, fmt.Sprintf("%s: health score %.2f below floor", entry.Name, r.health.Score(entry.Name)))
				continue
			}
		}
		pool = append(pool, entry)
	}

	// With nothing healthy left, half-open breakers get trial traffic.
	trial := false
	if len(pool) == 0 {
		for _, entry := range entries {
			if excluded[entry.Name] {
				continue
			}
			if r.breakers.StateOf(entry.Name) == breaker.StateHalfOpen {
				pool = append(pool, entry)
			}
		}
		trial = len(pool) > 0
	}

	now := r.now()
	steered := r.steering.Apply(RuleContext{
		Operation: operation,
		Category:  opts.Category,
		Hour:      now.Hour(),
		Weekday:   now.Weekday().String(),
	})

	kept := pool[:0]
	for _, entry := range pool {
		if rule, denied := steered.Denied[entry.Name]; denied {
			reasons = append(reasons, fmt.Sprintf("%s: denied by rule %s", entry.Name, rule))
			continue
		}
		kept = append(kept, entry)
	}
	pool = kept

	if len(pool) == 0 {
		if len(reasons) == 0 {
			reasons = append(reasons, "no candidates registered")
		}
		return nil, orcherr.Newf(orcherr.KindNoProvider, "no provider available for %s: %s",
			operation, strings.Join(reasons, "; ")).WithCall("", operation)
	}

	if steered.Pinned != "" {
		for _, entry := range pool {
			if entry.Name == steered.Pinned {
				log.Debugf("Router pinned %s for %s by rule %s", entry.Name, operation, steered.PinnedBy)
				return &Decision{
					Provider: entry.Name,
					Entry:    entry,
					Trial:    trial,
					PinnedBy: steered.PinnedBy,
					Reason:   "pinned by rule " + steered.PinnedBy,
				}, nil
			}
		}
		log.Debugf("Pin target %s from rule %s is not a live candidate for %s", steered.Pinned, steered.PinnedBy, operation)
	}

	return r.pickBest(operation, opts.Category, pool, steered.Boosts, trial)
}

// pickBest scores the surviving candidates and rotates among ties.
func (r *Router) pickBest(operation, category string, pool []*registry.Entry, boosts map[string]float64, trial bool) (*Decision, error) {
	weights := r.snapshot()

	var maxLoad int64
	loads := make([]int64, len(pool))
	for i, entry := range pool {
		loads[i] = r.ActiveLoad(entry.Name)
		if loads[i] > maxLoad {
			maxLoad = loads[i]
		}
	}

	type scored struct {
		entry    *registry.Entry
		score    float64
		health   float64
		load     float64
		affinity float64
	}

	candidates := make([]scored, len(pool))
	best := -1.0
	for i, entry := range pool {
		healthScore := r.health.Score(entry.Name)
		normLoad := 0.0
		if maxLoad > 0 {
			normLoad = float64(loads[i]) / float64(maxLoad)
		}
		aff := r.affinity.AffinityFor(category, entry.Name)

		score := weights.WeightHealth*healthScore - weights.WeightLoad*normLoad + weights.WeightAffinity*aff
		score += boosts[entry.Name]

		candidates[i] = scored{entry: entry, score: score, health: healthScore, load: normLoad, affinity: aff}
		if score > best {
			best = score
		}
	}

	tied := candidates[:0]
	for _, c := range candidates {
		if best-c.score <= scoreEpsilon {
			tied = append(tied, c)
		}
	}

	pick := tied[0]
	if len(tied) > 1 {
		n := atomic.AddUint64(&r.rr, 1) - 1
		pick = tied[n%uint64(len(tied))]
	}

	reason := fmt.Sprintf("score %.3f (health %.2f, load %.2f, affinity %.2f)", pick.score, pick.health, pick.load, pick.affinity)
	if trial {
		reason = "half-open trial, " + reason
	}
	log.Debugf("Router selected %s for %s: %s", pick.entry.Name, operation, reason)

	return &Decision{
		Provider: pick.entry.Name,
		Entry:    pick.entry,
		Score:    pick.score,
		Trial:    trial,
		Reason:   reason,
	}, nil
}

// Acquire marks one in-flight call on a provider.
func (r *Router) Acquire(provider string) {
	atomic.AddInt64(r.counter(provider), 1)
}

// Release unmarks an in-flight call.
func (r *Router) Release(provider string) {
	c := r.counter(provider)
	if n := atomic.AddInt64(c, -1); n < 0 {
		// An unmatched release; clamp so scoring never sees negative load.
		atomic.AddInt64(c, 1)
	}
}

// ActiveLoad returns a provider's current in-flight call count.
func (r *Router) ActiveLoad(provider string) int64 {
	r.loadMu.RLock()
	c, ok := r.load[provider]
	r.loadMu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(c)
}

// Loads returns a copy of every provider's in-flight count.
func (r *Router) Loads() map[string]int64 {
	r.loadMu.RLock()
	defer r.loadMu.RUnlock()

	out := make(map[string]int64, len(r.load))
	for name, c := range r.load {
		out[name] = atomic.LoadInt64(c)
	}
	return out
}

func (r *Router) counter(provider string) *int64 {
	r.loadMu.RLock()
	c, ok := r.load[provider]
	r.loadMu.RUnlock()
	if ok {
		return c
	}

	r.loadMu.Lock()
	defer r.loadMu.Unlock()
	if c, ok := r.load[provider]; ok {
		return c
	}
	c = new(int64)
	r.load[provider] = c
	return c
}

// UpdateConfig swaps the selection weights. In-flight selections finish
// on the weights they snapshotted.
func (r *Router) UpdateConfig(cfg config.RouterConfig) {
	if cfg.WeightHealth <= 0 {
		cfg = config.DefaultRouterConfig()
	}

	r.mu.Lock()
	r.weights = cfg
	r.mu.Unlock()

	log.Debugf("Router weights updated: health=%.2f load=%.2f affinity=%.2f floor=%.2f",
		cfg.WeightHealth, cfg.WeightLoad, cfg.WeightAffinity, cfg.HealthFloor)
}

func (r *Router) snapshot() config.RouterConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.weights
}
