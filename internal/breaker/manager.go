// Copyright 2026 The toolmesh Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package breaker

import (
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/axiombio/toolmesh/internal/events"
)

// Manager owns one circuit breaker per provider and fans state changes
// out to the event bus.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	cfg      Config

	bus *events.Bus
}

// NewManager creates a breaker manager. bus may be nil, in which case
// transitions are only logged.
func NewManager(cfg Config, bus *events.Bus) *Manager {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultConfig().ResetTimeout
	}
	return &Manager{
		breakers: make(map[string]*CircuitBreaker),
		cfg:      cfg,
		bus:      bus,
	}
}

// For returns the breaker for a provider, creating a closed one on
// first use.
func (m *Manager) For(provider string) *CircuitBreaker {
	m.mu.RLock()
	b, ok := m.breakers[provider]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok = m.breakers[provider]; ok {
		return b
	}
	b = newCircuitBreaker(provider, m.cfg, m.publishTransition)
	m.breakers[provider] = b
	return b
}

// StateOf returns the state of a provider's breaker. Providers without
// a breaker yet are reported closed.
func (m *Manager) StateOf(provider string) State {
	m.mu.RLock()
	b, ok := m.breakers[provider]
	m.mu.RUnlock()
	if !ok {
		return StateClosed
	}
	return b.State()
}

// States returns a snapshot of all breaker states keyed by provider.
func (m *Manager) States() map[string]State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]State, len(m.breakers))
	for name, b := range m.breakers {
		out[name] = b.State()
	}
	return out
}

// Providers returns the names of providers with a breaker, sorted.
func (m *Manager) Providers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.breakers))
	for name := range m.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reset force-closes a provider's breaker. It reports false when the
// provider has no breaker.
func (m *Manager) Reset(provider string) bool {
	m.mu.RLock()
	b, ok := m.breakers[provider]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	b.ForceReset()
	return true
}

// UpdateConfig applies new thresholds to existing and future breakers.
func (m *Manager) UpdateConfig(cfg Config) {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultConfig().ResetTimeout
	}

	m.mu.Lock()
	m.cfg = cfg
	breakers := make([]*CircuitBreaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		breakers = append(breakers, b)
	}
	m.mu.Unlock()

	for _, b := range breakers {
		b.updateConfig(cfg)
	}
	log.Debugf("Breaker config updated: threshold=%d resetTimeout=%s", cfg.FailureThreshold, cfg.ResetTimeout)
}

func (m *Manager) publishTransition(t Transition) {
	log.Infof("Breaker %s: %s -> %s (%s)", t.Provider, t.From, t.To, t.Reason)
	if m.bus != nil {
		m.bus.PublishAsync(events.BreakerTransition(t.Provider, string(t.From), string(t.To), t.Reason))
	}
}
