// Copyright 2026 The toolmesh Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package watcher

import (
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/axiombio/toolmesh/internal/breaker"
	"github.com/axiombio/toolmesh/internal/cache"
	"github.com/axiombio/toolmesh/internal/config"
	"github.com/axiombio/toolmesh/internal/feedback"
	"github.com/axiombio/toolmesh/internal/fingerprint"
	"github.com/axiombio/toolmesh/internal/health"
	"github.com/axiombio/toolmesh/internal/provider"
	"github.com/axiombio/toolmesh/internal/registry"
	"github.com/axiombio/toolmesh/internal/retry"
	"github.com/axiombio/toolmesh/internal/router"
)

// Reloader fans a parsed configuration out to the running components.
// Its Apply method is the watcher callback; the daemon also calls the
// Settings builders below once at startup so construction and reload
// share one translation of the file format.
type Reloader struct {
	Registry   *registry.ProviderRegistry
	Router     *router.Router
	Breakers   *breaker.Manager
	Retry      *retry.Executor
	Health     *health.Monitor
	Feedback   *feedback.Bus
	Cache      *cache.Manager
	Normalizer *fingerprint.Normalizer

	// Client is the base HTTP client handed to newly built provider
	// adapters. Nil means http.DefaultClient.
	Client *http.Client
}

// Apply pushes cfg into every component. Nil components are skipped so a
// partially wired Reloader (tests, trimmed deployments) still works.
// Steering rules are not handled here; the rule engine watches its own
// rules directory.
func (r *Reloader) Apply(cfg *config.Config) {
	if cfg == nil {
		return
	}
	if r.Router != nil {
		r.Router.UpdateConfig(cfg.Router)
	}
	if r.Retry != nil {
		r.Retry.UpdateConfig(cfg.Retry)
	}
	if r.Breakers != nil {
		r.Breakers.UpdateConfig(BreakerSettings(cfg))
	}
	if r.Health != nil {
		r.Health.UpdateConfig(HealthSettings(cfg))
	}
	if r.Feedback != nil {
		r.Feedback.UpdateConfig(FeedbackSettings(cfg))
	}
	if r.Cache != nil {
		r.Cache.UpdateConfig(CacheSettings(cfg))
	}
	if r.Normalizer != nil {
		r.Normalizer.Update(FingerprintSettings(cfg))
	}
	if r.Registry != nil {
		r.syncProviders(cfg.Providers)
	}
}

// syncProviders reconciles the registry against the configured provider
// list. Changed providers are re-registered in place, which preserves
// their health windows, breaker state, and feedback history; providers
// that vanished from the file are unregistered.
func (r *Reloader) syncProviders(configs []config.ProviderConfig) {
	desired := make(map[string]bool, len(configs))
	for _, pc := range configs {
		adapter, err := provider.NewHTTPAdapter(pc, r.Client)
		if err != nil {
			log.Errorf("Skipping provider %s: %v", pc.Name, err)
			continue
		}
		ops := make([]string, 0, len(pc.Operations))
		for _, op := range pc.Operations {
			ops = append(ops, op.Name)
		}
		desc := registry.Descriptor{
			Name:       pc.Name,
			Priority:   pc.Priority,
			Categories: pc.Categories,
			Operations: ops,
		}
		if err := r.Registry.Register(desc, adapter); err != nil {
			log.Errorf("Skipping provider %s: %v", pc.Name, err)
			continue
		}
		desired[strings.ToLower(strings.TrimSpace(pc.Name))] = true
		if r.Health != nil {
			if err := r.Health.RegisterProber(adapter); err != nil {
				log.Warnf("Probe registration for %s failed: %v", pc.Name, err)
			}
		}
	}

	for _, name := range r.Registry.Names() {
		if desired[name] {
			continue
		}
		r.Registry.Unregister(name)
		if r.Health != nil {
			r.Health.UnregisterProber(name)
		}
		log.Infof("Provider %s removed from configuration", name)
	}
}

// BreakerSettings translates the file config into breaker settings.
func BreakerSettings(cfg *config.Config) breaker.Config {
	out := breaker.DefaultConfig()
	if cfg.Breaker.FailureThreshold > 0 {
		out.FailureThreshold = cfg.Breaker.FailureThreshold
	}
	out.ResetTimeout = parseDur(cfg.Breaker.ResetTimeout, out.ResetTimeout)
	return out
}

// HealthSettings translates the file config into health monitor settings.
func HealthSettings(cfg *config.Config) health.Config {
	out := health.DefaultConfig()
	out.ProbeEnabled = cfg.Health.ProbeEnabled
	out.ProbeInterval = parseDur(cfg.Health.ProbeInterval, out.ProbeInterval)
	out.ProbeTimeout = parseDur(cfg.Health.ProbeTimeout, out.ProbeTimeout)
	if cfg.Health.MaxConcurrentProbes > 0 {
		out.MaxConcurrentProbes = cfg.Health.MaxConcurrentProbes
	}
	if cfg.Health.WindowSize > 0 {
		out.WindowSize = cfg.Health.WindowSize
	}
	out.WindowAge = parseDur(cfg.Health.WindowAge, out.WindowAge)
	out.LatencyCeiling = parseDur(cfg.Health.LatencyCeiling, out.LatencyCeiling)
	// The router's health floor and the monitor's healthy threshold are
	// one knob in the file.
	if cfg.Router.HealthFloor > 0 {
		out.ScoreFloor = cfg.Router.HealthFloor
	}
	return out
}

// FeedbackSettings translates the file config into feedback bus settings.
func FeedbackSettings(cfg *config.Config) feedback.Config {
	out := feedback.DefaultConfig()
	out.DBPath = cfg.Feedback.PersistPath
	out.Retention = parseDur(cfg.Feedback.Retention, out.Retention)
	if cfg.Feedback.MinObservations > 0 {
		out.MinObservations = cfg.Feedback.MinObservations
	}
	if len(cfg.Feedback.KeywordCategories) > 0 {
		out.KeywordCategories = cfg.Feedback.KeywordCategories
	}
	return out
}

// CacheSettings translates the file config into cache manager settings.
func CacheSettings(cfg *config.Config) cache.Config {
	c := cfg.Cache
	return cache.Config{
		Hot: cache.HotConfig{
			Enabled:    c.Hot.Enabled,
			TTL:        parseDur(c.Hot.TTL, time.Minute),
			MaxEntries: c.Hot.Capacity,
		},
		Shared: cache.SharedConfig{
			Enabled: c.Shared.Enabled,
			TTL:     parseDur(c.Shared.TTL, 10*time.Minute),
			DSN:     c.Shared.DSN,
			Table:   c.Shared.Table,
		},
		Durable: cache.DurableConfig{
			Enabled: c.Durable.Enabled,
			TTL:     parseDur(c.Durable.TTL, 168*time.Hour),
			Path:    c.Durable.Path,
		},
		CompressAboveBytes: c.CompressAboveBytes,
		JanitorInterval:    parseDur(c.JanitorInterval, time.Minute),
	}
}

// FingerprintSettings translates the file config into normalizer tables.
func FingerprintSettings(cfg *config.Config) *fingerprint.Config {
	return &fingerprint.Config{
		Synonyms:            cfg.Cache.Synonyms,
		CaseSensitiveParams: cfg.Cache.CaseSensitiveParams,
	}
}

// parseDur parses a duration string, falling back when it is empty or
// malformed. Sanitized configs always parse; the fallback covers configs
// built by hand in tests.
func parseDur(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
