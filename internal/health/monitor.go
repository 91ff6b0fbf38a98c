// Copyright 2026 The toolmesh Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/axiombio/toolmesh/internal/breaker"
	"github.com/axiombio/toolmesh/internal/events"
)

// Monitor tracks provider health windows and optionally runs the
// background probe loop.
type Monitor struct {
	mu      sync.RWMutex
	cfg     Config
	windows map[string]*window
	probers map[string]Prober

	breakers BreakerStates
	bus      *events.Bus

	// Probe loop state.
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	ticker  *time.Ticker
	done    chan struct{}

	// now is replaceable for tests.
	now func() time.Time
}

// NewMonitor creates a health monitor. breakers and bus may be nil;
// without breakers, Healthy depends on the score alone.
func NewMonitor(cfg Config, breakers BreakerStates, bus *events.Bus) *Monitor {
	def := DefaultConfig()
	if cfg.WindowSize < 1 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.WindowAge <= 0 {
		cfg.WindowAge = def.WindowAge
	}
	if cfg.LatencyCeiling <= 0 {
		cfg.LatencyCeiling = def.LatencyCeiling
	}
	if cfg.ScoreFloor <= 0 {
		cfg.ScoreFloor = def.ScoreFloor
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = def.ProbeInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.MaxConcurrentProbes < 1 {
		cfg.MaxConcurrentProbes = def.MaxConcurrentProbes
	}

	return &Monitor{
		cfg:      cfg,
		windows:  make(map[string]*window),
		probers:  make(map[string]Prober),
		breakers: breakers,
		bus:      bus,
		now:      time.Now,
	}
}

// ReportOutcome records one orchestrated call outcome for a provider.
func (m *Monitor) ReportOutcome(provider string, success bool, latency time.Duration) {
	m.report(provider, observation{success: success, latency: latency})
}

// ReportProbe records one probe outcome for a provider.
func (m *Monitor) ReportProbe(provider string, success bool) {
	m.report(provider, observation{success: success, probe: true})
}

func (m *Monitor) report(provider string, o observation) {
	o.at = m.now()

	m.mu.Lock()
	w, ok := m.windows[provider]
	if !ok {
		w = newWindow(m.cfg.WindowSize)
		m.windows[provider] = w
	}
	w.add(o)
	transition := m.refreshHealthLocked(provider, w)
	m.mu.Unlock()

	m.publishTransition(transition)
}

// refreshHealthLocked recomputes the healthy flag and returns an event
// when it flipped. Must be called with the lock held; the caller
// publishes after unlock.
func (m *Monitor) refreshHealthLocked(provider string, w *window) *events.EventContext {
	met := w.metrics(m.now(), m.cfg.WindowAge)
	score := met.score(m.cfg.LatencyCeiling)
	healthy := m.healthyLocked(provider, score)

	if w.hasHealthState && w.lastHealthy == healthy {
		return nil
	}
	firstObservation := !w.hasHealthState
	w.hasHealthState = true
	w.lastHealthy = healthy
	w.lastTransition = m.now()

	// The very first observation establishes a baseline; only report
	// it when the provider comes up unhealthy.
	if firstObservation && healthy {
		return nil
	}

	log.Infof("Provider %s health changed: healthy=%t score=%.2f", provider, healthy, score)
	return events.HealthTransition(provider, healthy, score)
}

func (m *Monitor) healthyLocked(provider string, score float64) bool {
	if m.breakers != nil && m.breakers.StateOf(provider) == breaker.StateOpen {
		return false
	}
	return score > m.cfg.ScoreFloor
}

func (m *Monitor) publishTransition(ev *events.EventContext) {
	if ev != nil && m.bus != nil {
		m.bus.PublishAsync(ev)
	}
}

// Score returns the provider's health score in [0,1]. Providers with
// no observations score 1.0.
func (m *Monitor) Score(provider string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.windows[provider]
	if !ok {
		return 1.0
	}
	return w.metrics(m.now(), m.cfg.WindowAge).score(m.cfg.LatencyCeiling)
}

// Healthy reports whether a provider is eligible for routing: its
// breaker is not open and its score is above the floor.
func (m *Monitor) Healthy(provider string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	score := 1.0
	if w, ok := m.windows[provider]; ok {
		score = w.metrics(m.now(), m.cfg.WindowAge).score(m.cfg.LatencyCeiling)
	}
	return m.healthyLocked(provider, score)
}

// Snapshot returns the current view of one provider.
func (m *Monitor) Snapshot(provider string) (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.windows[provider]
	if !ok {
		return Snapshot{}, false
	}
	return m.snapshotLocked(provider, w), true
}

// Snapshots returns the current view of every observed provider.
func (m *Monitor) Snapshots() map[string]Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Snapshot, len(m.windows))
	for provider, w := range m.windows {
		out[provider] = m.snapshotLocked(provider, w)
	}
	return out
}

func (m *Monitor) snapshotLocked(provider string, w *window) Snapshot {
	met := w.metrics(m.now(), m.cfg.WindowAge)
	score := met.score(m.cfg.LatencyCeiling)

	var breakerState breaker.State = breaker.StateClosed
	if m.breakers != nil {
		breakerState = m.breakers.StateOf(provider)
	}

	return Snapshot{
		Provider:       provider,
		Healthy:        m.healthyLocked(provider, score),
		Score:          score,
		Availability:   met.availability,
		ErrorRate:      met.errorRate,
		MeanLatency:    met.meanLatency,
		WindowSize:     met.count,
		BreakerState:   breakerState,
		LastTransition: w.lastTransition,
	}
}

// RegisterProber registers a provider for the active probe loop.
func (m *Monitor) RegisterProber(p Prober) error {
	if p == nil {
		return fmt.Errorf("prober cannot be nil")
	}
	if p.Name() == "" {
		return fmt.Errorf("prober must have a non-empty name")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.probers[p.Name()] = p
	return nil
}

// UnregisterProber removes a provider from the probe loop and drops
// its window.
func (m *Monitor) UnregisterProber(provider string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.probers, provider)
	delete(m.windows, provider)
}

// Start begins the background probe loop.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()

	if !m.cfg.ProbeEnabled {
		m.mu.Unlock()
		return fmt.Errorf("health probing is disabled")
	}
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("health monitor is already running")
	}

	m.ctx, m.cancel = context.WithCancel(ctx)
	m.ticker = time.NewTicker(m.cfg.ProbeInterval)
	m.done = make(chan struct{})
	m.running = true
	m.mu.Unlock()

	go m.probeLoop()

	// Prime the windows so the first routing decisions see fresh data.
	go m.ProbeAll(m.ctx)

	log.Infof("Health probe loop started (interval=%s)", m.cfg.ProbeInterval)
	return nil
}

// Stop shuts down the probe loop and waits for it to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.cancel()
	m.ticker.Stop()
	done := m.done
	m.running = false
	m.mu.Unlock()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.Warn("Health monitor stop timed out waiting for probe loop")
	}
}

// IsRunning reports whether the probe loop is active.
func (m *Monitor) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

func (m *Monitor) probeLoop() {
	defer close(m.done)

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.ticker.C:
			m.ProbeAll(m.ctx)
		}
	}
}

// ProbeAll probes every registered provider once, bounded by the
// concurrency limit.
func (m *Monitor) ProbeAll(ctx context.Context) {
	m.mu.RLock()
	probers := make([]Prober, 0, len(m.probers))
	for _, p := range m.probers {
		probers = append(probers, p)
	}
	maxConcurrent := m.cfg.MaxConcurrentProbes
	timeout := m.cfg.ProbeTimeout
	m.mu.RUnlock()

	if len(probers) == 0 {
		return
	}

	semaphore := make(chan struct{}, maxConcurrent)
	var wg sync.WaitGroup

	for _, p := range probers {
		wg.Add(1)

		go func(p Prober) {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("Panic in probe for %s: %v", p.Name(), r)
				}
				wg.Done()
				<-semaphore
			}()

			semaphore <- struct{}{}

			probeCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			err := p.Probe(probeCtx)
			if err != nil {
				log.Debugf("Probe failed for %s: %v", p.Name(), err)
			}
			m.ReportProbe(p.Name(), err == nil)
		}(p)
	}

	wg.Wait()
}

// UpdateConfig applies new settings. The probe ticker picks up an
// interval change without a restart; existing windows keep their
// samples but are rescored against the new ceiling and floor.
func (m *Monitor) UpdateConfig(cfg Config) {
	def := DefaultConfig()
	if cfg.WindowSize < 1 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.WindowAge <= 0 {
		cfg.WindowAge = def.WindowAge
	}
	if cfg.LatencyCeiling <= 0 {
		cfg.LatencyCeiling = def.LatencyCeiling
	}
	if cfg.ScoreFloor <= 0 {
		cfg.ScoreFloor = def.ScoreFloor
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = def.ProbeInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.MaxConcurrentProbes < 1 {
		cfg.MaxConcurrentProbes = def.MaxConcurrentProbes
	}

	m.mu.Lock()
	intervalChanged := cfg.ProbeInterval != m.cfg.ProbeInterval
	windowChanged := cfg.WindowSize != m.cfg.WindowSize
	m.cfg = cfg
	if windowChanged {
		// Resizing drops history rather than resampling it.
		m.windows = make(map[string]*window)
	}
	if m.running && intervalChanged && m.ticker != nil {
		m.ticker.Stop()
		m.ticker = time.NewTicker(cfg.ProbeInterval)
	}
	m.mu.Unlock()

	log.Debugf("Health config updated: window=%d floor=%.2f probeInterval=%s", cfg.WindowSize, cfg.ScoreFloor, cfg.ProbeInterval)
}
