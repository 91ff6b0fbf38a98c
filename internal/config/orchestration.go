// Copyright 2026 The toolmesh Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

import (
	"os"
	"time"
)

// BreakerConfig holds circuit breaker thresholds.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that trips a
	// provider's breaker from closed to open. Default: 5. Minimum: 1.
	FailureThreshold int `yaml:"failure-threshold" json:"failure-threshold"`

	// ResetTimeout is how long an open breaker rejects calls before
	// admitting a single half-open trial. Default: "30s". Minimum: "1s".
	ResetTimeout string `yaml:"reset-timeout" json:"reset-timeout"`
}

// DefaultBreakerConfig returns the default breaker thresholds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     "30s",
	}
}

// SanitizeBreaker clamps breaker settings to valid ranges.
func (cfg *Config) SanitizeBreaker() {
	b := &cfg.Breaker
	if b.FailureThreshold < 1 {
		b.FailureThreshold = 5
	}
	if d, err := time.ParseDuration(b.ResetTimeout); err != nil || d < time.Second {
		b.ResetTimeout = "30s"
	}
}

// GetBreakerResetTimeout returns the reset timeout as a time.Duration.
func (cfg *Config) GetBreakerResetTimeout() time.Duration {
	if cfg == nil {
		return 30 * time.Second
	}
	d, err := time.ParseDuration(cfg.Breaker.ResetTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// RetryConfig holds the retry and failover policy.
type RetryConfig struct {
	// MaxAttemptsPerProvider caps retries against a single provider before
	// failing over. Default: 2. Minimum: 1.
	MaxAttemptsPerProvider int `yaml:"max-attempts-per-provider" json:"max-attempts-per-provider"`

	// MaxAttemptsTotal caps attempts across all providers for one call.
	// Default: 6. Minimum: 1.
	MaxAttemptsTotal int `yaml:"max-attempts-total" json:"max-attempts-total"`

	// BaseBackoff is the first retry delay. Default: "200ms".
	BaseBackoff string `yaml:"base-backoff" json:"base-backoff"`

	// MaxBackoff caps the exponential growth. Default: "5s".
	MaxBackoff string `yaml:"max-backoff" json:"max-backoff"`

	// RateLimitBackoff is the first retry delay after a rate-limited
	// failure. Rate limits back off harder than transient faults.
	// Default: "2s".
	RateLimitBackoff string `yaml:"rate-limit-backoff" json:"rate-limit-backoff"`

	// Multiplier is the exponential growth factor. Default: 2.0.
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`
}

// DefaultRetryConfig returns the default retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttemptsPerProvider: 2,
		MaxAttemptsTotal:       6,
		BaseBackoff:            "200ms",
		MaxBackoff:             "5s",
		RateLimitBackoff:       "2s",
		Multiplier:             2.0,
	}
}

// SanitizeRetry clamps retry settings to valid ranges.
func (cfg *Config) SanitizeRetry() {
	r := &cfg.Retry
	if r.MaxAttemptsPerProvider < 1 {
		r.MaxAttemptsPerProvider = 2
	}
	if r.MaxAttemptsTotal < 1 {
		r.MaxAttemptsTotal = 6
	}
	if d, err := time.ParseDuration(r.BaseBackoff); err != nil || d <= 0 {
		r.BaseBackoff = "200ms"
	}
	if d, err := time.ParseDuration(r.MaxBackoff); err != nil || d <= 0 {
		r.MaxBackoff = "5s"
	}
	if d, err := time.ParseDuration(r.RateLimitBackoff); err != nil || d <= 0 {
		r.RateLimitBackoff = "2s"
	}
	if r.Multiplier < 1.0 {
		r.Multiplier = 2.0
	}
}

// HotTierConfig holds in-process cache tier settings.
type HotTierConfig struct {
	// Enabled toggles the hot tier. Default: true.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// TTL is the entry lifetime. Default: "60s".
	TTL string `yaml:"ttl" json:"ttl"`

	// Capacity is the maximum number of entries before LRU eviction.
	// Default: 1024.
	Capacity int `yaml:"capacity" json:"capacity"`
}

// SharedTierConfig holds cross-process cache tier settings.
type SharedTierConfig struct {
	// Enabled toggles the shared tier. Requires DSN. Default: false.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// TTL is the entry lifetime. Default: "10m".
	TTL string `yaml:"ttl" json:"ttl"`

	// DSN is the Postgres connection string. Can also be provided through
	// the TOOLMESH_SHARED_CACHE_DSN environment variable.
	DSN string `yaml:"dsn,omitempty" json:"dsn,omitempty"`

	// Table is the cache table name. Default: "toolmesh_cache".
	Table string `yaml:"table,omitempty" json:"table,omitempty"`
}

// DurableTierConfig holds the restart-surviving cache tier settings.
type DurableTierConfig struct {
	// Enabled toggles the durable tier. Default: true.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// TTL is the entry lifetime. Default: "168h" (one week).
	TTL string `yaml:"ttl" json:"ttl"`

	// Path is the SQLite database file. Default: "toolmesh-cache.db".
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
}

// CacheConfig holds the three cache tiers plus argument normalization.
type CacheConfig struct {
	// Hot is the in-process LRU tier.
	Hot HotTierConfig `yaml:"hot" json:"hot"`

	// Shared is the cross-process Postgres tier.
	Shared SharedTierConfig `yaml:"shared" json:"shared"`

	// Durable is the long-TTL SQLite tier.
	Durable DurableTierConfig `yaml:"durable" json:"durable"`

	// CompressAboveBytes compresses payloads larger than this before the
	// shared and durable tiers. Zero disables compression. Default: 4096.
	CompressAboveBytes int `yaml:"compress-above-bytes" json:"compress-above-bytes"`

	// JanitorInterval is how often expired entries are swept. Default: "1m".
	JanitorInterval string `yaml:"janitor-interval" json:"janitor-interval"`

	// Synonyms maps argument values to their canonical form so that
	// semantically-equivalent calls share a cache entry.
	Synonyms map[string]string `yaml:"synonyms,omitempty" json:"synonyms,omitempty"`

	// CaseSensitiveParams lists, per operation, parameters whose values
	// must keep their case during normalization.
	CaseSensitiveParams map[string][]string `yaml:"case-sensitive-params,omitempty" json:"case-sensitive-params,omitempty"`
}

// DefaultCacheConfig returns the default cache settings.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Hot:                HotTierConfig{Enabled: true, TTL: "60s", Capacity: 1024},
		Shared:             SharedTierConfig{Enabled: false, TTL: "10m", Table: "toolmesh_cache"},
		Durable:            DurableTierConfig{Enabled: true, TTL: "168h", Path: "toolmesh-cache.db"},
		CompressAboveBytes: 4096,
		JanitorInterval:    "1m",
	}
}

// SanitizeCache clamps cache settings to valid ranges.
func (cfg *Config) SanitizeCache() {
	c := &cfg.Cache
	if d, err := time.ParseDuration(c.Hot.TTL); err != nil || d <= 0 {
		c.Hot.TTL = "60s"
	}
	if c.Hot.Capacity < 1 {
		c.Hot.Capacity = 1024
	}
	if d, err := time.ParseDuration(c.Shared.TTL); err != nil || d <= 0 {
		c.Shared.TTL = "10m"
	}
	if c.Shared.Table == "" {
		c.Shared.Table = "toolmesh_cache"
	}
	if c.Shared.Enabled && c.Shared.DSN == "" {
		if dsn := os.Getenv("TOOLMESH_SHARED_CACHE_DSN"); dsn != "" {
			c.Shared.DSN = dsn
		} else {
			c.Shared.Enabled = false
		}
	}
	if d, err := time.ParseDuration(c.Durable.TTL); err != nil || d <= 0 {
		c.Durable.TTL = "168h"
	}
	if c.Durable.Enabled && c.Durable.Path == "" {
		c.Durable.Path = "toolmesh-cache.db"
	}
	if c.CompressAboveBytes < 0 {
		c.CompressAboveBytes = 4096
	}
	if d, err := time.ParseDuration(c.JanitorInterval); err != nil || d < time.Second {
		c.JanitorInterval = "1m"
	}
}

// RouterConfig holds provider selection weights and the health floor.
type RouterConfig struct {
	// WeightHealth scales the provider health score term. Default: 0.5.
	WeightHealth float64 `yaml:"weight-health" json:"weight-health"`

	// WeightLoad scales the normalized in-flight load penalty. Default: 0.3.
	WeightLoad float64 `yaml:"weight-load" json:"weight-load"`

	// WeightAffinity scales the category affinity bonus. Default: 0.2.
	WeightAffinity float64 `yaml:"weight-affinity" json:"weight-affinity"`

	// HealthFloor is the minimum health score for a provider to be
	// considered healthy (0.0-1.0). Default: 0.3.
	HealthFloor float64 `yaml:"health-floor" json:"health-floor"`
}

// DefaultRouterConfig returns the default selection weights.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		WeightHealth:   0.5,
		WeightLoad:     0.3,
		WeightAffinity: 0.2,
		HealthFloor:    0.3,
	}
}

// SanitizeRouter clamps router weights to valid ranges.
func (cfg *Config) SanitizeRouter() {
	r := &cfg.Router
	if r.WeightHealth <= 0 {
		r.WeightHealth = 0.5
	}
	if r.WeightLoad < 0 {
		r.WeightLoad = 0.3
	}
	if r.WeightAffinity < 0 {
		r.WeightAffinity = 0.2
	}
	if r.HealthFloor < 0.0 || r.HealthFloor > 1.0 {
		r.HealthFloor = 0.3
	}
}

// HealthConfig holds passive window sizing and active probe settings.
type HealthConfig struct {
	// ProbeEnabled toggles the background probe loop. Default: false;
	// passive outcome tracking works without it.
	ProbeEnabled bool `yaml:"probe-enabled" json:"probe-enabled"`

	// ProbeInterval is the time between probe rounds. Default: "30s".
	// Minimum: "5s".
	ProbeInterval string `yaml:"probe-interval" json:"probe-interval"`

	// ProbeTimeout is the deadline for a single probe. Default: "5s".
	ProbeTimeout string `yaml:"probe-timeout" json:"probe-timeout"`

	// MaxConcurrentProbes limits simultaneous probes. Default: 5.
	// Minimum: 1. Maximum: 50.
	MaxConcurrentProbes int `yaml:"max-concurrent-probes" json:"max-concurrent-probes"`

	// WindowSize is the number of recent outcomes scored per provider.
	// Default: 50.
	WindowSize int `yaml:"window-size" json:"window-size"`

	// WindowAge is the maximum age of outcomes scored per provider.
	// Default: "5m".
	WindowAge string `yaml:"window-age" json:"window-age"`

	// LatencyCeiling is the latency mapped to a zero latency score.
	// Default: "5s".
	LatencyCeiling string `yaml:"latency-ceiling" json:"latency-ceiling"`
}

// DefaultHealthConfig returns the default health monitor settings.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		ProbeEnabled:        false,
		ProbeInterval:       "30s",
		ProbeTimeout:        "5s",
		MaxConcurrentProbes: 5,
		WindowSize:          50,
		WindowAge:           "5m",
		LatencyCeiling:      "5s",
	}
}

// SanitizeHealth clamps health monitor settings to valid ranges.
func (cfg *Config) SanitizeHealth() {
	h := &cfg.Health
	if d, err := time.ParseDuration(h.ProbeInterval); err != nil || d < 5*time.Second {
		h.ProbeInterval = "30s"
	}
	if d, err := time.ParseDuration(h.ProbeTimeout); err != nil || d < time.Second {
		h.ProbeTimeout = "5s"
	}
	if h.MaxConcurrentProbes < 1 {
		h.MaxConcurrentProbes = 1
	}
	if h.MaxConcurrentProbes > 50 {
		h.MaxConcurrentProbes = 50
	}
	if h.WindowSize < 1 {
		h.WindowSize = 50
	}
	if d, err := time.ParseDuration(h.WindowAge); err != nil || d <= 0 {
		h.WindowAge = "5m"
	}
	if d, err := time.ParseDuration(h.LatencyCeiling); err != nil || d <= 0 {
		h.LatencyCeiling = "5s"
	}
}

// GetProbeInterval returns the probe interval as a time.Duration.
func (cfg *Config) GetProbeInterval() time.Duration {
	d, err := time.ParseDuration(cfg.Health.ProbeInterval)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetProbeTimeout returns the probe timeout as a time.Duration.
func (cfg *Config) GetProbeTimeout() time.Duration {
	d, err := time.ParseDuration(cfg.Health.ProbeTimeout)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// FeedbackConfig holds the performance feedback store settings.
type FeedbackConfig struct {
	// PersistPath is the SQLite file for outcome history. Empty keeps
	// feedback in memory only. Default: "toolmesh-feedback.db".
	PersistPath string `yaml:"persist-path,omitempty" json:"persist-path,omitempty"`

	// Retention is how long persisted outcomes are kept. Default: "720h"
	// (30 days).
	Retention string `yaml:"retention" json:"retention"`

	// MinObservations is how many outcomes a (category, provider) pair
	// needs before it can be recommended. Default: 3.
	MinObservations int `yaml:"min-observations" json:"min-observations"`

	// KeywordCategories maps call categories to the keywords that signal
	// them, used to classify calls that arrive without a category.
	KeywordCategories map[string][]string `yaml:"keyword-categories,omitempty" json:"keyword-categories,omitempty"`
}

// DefaultFeedbackConfig returns the default feedback store settings.
func DefaultFeedbackConfig() FeedbackConfig {
	return FeedbackConfig{
		PersistPath:     "toolmesh-feedback.db",
		Retention:       "720h",
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

// SanitizeFeedback clamps feedback store settings to valid ranges.
func (cfg *Config) SanitizeFeedback() {
	f := &cfg.Feedback
	if d, err := time.ParseDuration(f.Retention); err != nil || d <= 0 {
		f.Retention = "720h"
	}
	if f.MinObservations < 1 {
		f.MinObservations = 3
	}
	if f.KeywordCategories == nil {
		f.KeywordCategories = DefaultFeedbackConfig().KeywordCategories
	}
}

// SteeringConfig holds the operator rule engine settings.
type SteeringConfig struct {
	// RulesDir is a directory of YAML rule files evaluated at route time.
	// Empty disables steering.
	RulesDir string `yaml:"rules-dir,omitempty" json:"rules-dir,omitempty"`
}
