// Copyright 2026 The toolmesh Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/axiombio/toolmesh/internal/events"
	"github.com/axiombio/toolmesh/internal/fingerprint"
)

// Result is a cache read outcome handed to the orchestrator.
type Result struct {
	Payload []byte
	// Source names the tier that answered ("hot", "shared", "durable")
	// or "live" when the fill function produced the payload.
	Source string
	Key    string
}

// inflightFill tracks one in-progress fill so concurrent identical
// calls collapse onto it.
type inflightFill struct {
	done    chan struct{}
	payload []byte
	err     error
}

// Manager owns the tier chain, the per-key in-flight guard, and the
// expired-entry janitor.
type Manager struct {
	normalizer *fingerprint.Normalizer
	bus        *events.Bus

	hot     *HotTier
	shared  *SharedTier
	durable *DurableTier

	compressAbove int64

	inflightMu sync.Mutex
	inflight   map[string]*inflightFill

	// Janitor state.
	mu              sync.Mutex
	janitorInterval time.Duration
	running         bool
	ctx             context.Context
	cancel          context.CancelFunc
	ticker          *time.Ticker
	done            chan struct{}
}

// NewManager builds the tier chain. Tiers that fail to open are logged
// and skipped so a down database never blocks startup; normalizer must
// not be nil. bus may be nil.
func NewManager(ctx context.Context, cfg Config, normalizer *fingerprint.Normalizer, bus *events.Bus) *Manager {
	if cfg.CompressAboveBytes <= 0 {
		cfg.CompressAboveBytes = DefaultConfig().CompressAboveBytes
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = DefaultConfig().JanitorInterval
	}

	m := &Manager{
		normalizer:      normalizer,
		bus:             bus,
		compressAbove:   int64(cfg.CompressAboveBytes),
		inflight:        make(map[string]*inflightFill),
		janitorInterval: cfg.JanitorInterval,
	}

	if cfg.Hot.Enabled {
		m.hot = NewHotTier(cfg.Hot)
	}
	if cfg.Shared.Enabled {
		shared, err := NewSharedTier(ctx, cfg.Shared)
		if err != nil {
			log.Warnf("Shared cache tier disabled: %v", err)
		} else {
			m.shared = shared
		}
	}
	if cfg.Durable.Enabled {
		durable, err := NewDurableTier(ctx, cfg.Durable)
		if err != nil {
			log.Warnf("Durable cache tier disabled: %v", err)
		} else {
			m.durable = durable
		}
	}

	return m
}

// tiers returns the live tiers in lookup order.
func (m *Manager) tiers() []Tier {
	out := make([]Tier, 0, 3)
	if m.hot != nil {
		out = append(out, m.hot)
	}
	if m.shared != nil {
		out = append(out, m.shared)
	}
	if m.durable != nil {
		out = append(out, m.durable)
	}
	return out
}

// Key computes the canonical cache key for a call.
func (m *Manager) Key(operation string, args map[string]interface{}) (string, error) {
	return m.normalizer.Fingerprint(operation, args)
}

// Lookup walks the tiers for a cached response, promoting hits upward.
func (m *Manager) Lookup(ctx context.Context, operation string, args map[string]interface{}) (*Result, bool) {
	key, err := m.Key(operation, args)
	if err != nil {
		log.Debugf("Cache lookup skipped for %s: %v", operation, err)
		return nil, false
	}
	return m.lookupKey(ctx, key, operation)
}

func (m *Manager) lookupKey(ctx context.Context, key, operation string) (*Result, bool) {
	if m.hot != nil {
		if e, ok, _ := m.hot.Get(ctx, key); ok {
			return &Result{Payload: e.Payload, Source: m.hot.Name(), Key: key}, true
		}
	}

	if m.shared != nil {
		e, ok, err := m.shared.Get(ctx, key)
		if err != nil {
			log.Warnf("Shared cache unavailable, skipping tier: %v", err)
		} else if ok {
			payload, decodeErr := m.decode(ctx, m.shared, e)
			if decodeErr == nil {
				m.promoteHot(ctx, key, operation, payload)
				return &Result{Payload: payload, Source: m.shared.Name(), Key: key}, true
			}
		}
	}

	if m.durable != nil {
		e, ok, err := m.durable.Get(ctx, key)
		if err != nil {
			log.Warnf("Durable cache unavailable, skipping tier: %v", err)
		} else if ok {
			payload, decodeErr := m.decode(ctx, m.durable, e)
			if decodeErr == nil {
				m.promoteShared(ctx, key, operation, payload)
				m.promoteHot(ctx, key, operation, payload)
				return &Result{Payload: payload, Source: m.durable.Name(), Key: key}, true
			}
		}
	}

	return nil, false
}

// decode unwraps a tier entry's payload. A corrupt entry is dropped
// from its tier and treated as a miss.
func (m *Manager) decode(ctx context.Context, tier Tier, e *Entry) ([]byte, error) {
	if !e.Compressed {
		return e.Payload, nil
	}
	payload, err := decompressPayload(e.Payload)
	if err != nil {
		log.Warnf("Dropping corrupt %s cache entry %s: %v", tier.Name(), e.Key, err)
		if delErr := tier.Delete(ctx, e.Key); delErr != nil {
			log.Debugf("Failed to drop corrupt entry: %v", delErr)
		}
		return nil, err
	}
	return payload, nil
}

func (m *Manager) promoteHot(ctx context.Context, key, operation string, payload []byte) {
	if m.hot == nil {
		return
	}
	if err := m.hot.Set(ctx, Entry{Key: key, Operation: operation, Payload: payload}); err != nil {
		log.Debugf("Hot tier promotion failed: %v", err)
	}
}

func (m *Manager) promoteShared(ctx context.Context, key, operation string, payload []byte) {
	if m.shared == nil {
		return
	}
	encoded, compressed := m.encode(payload)
	err := m.shared.Set(ctx, Entry{Key: key, Operation: operation, Payload: encoded, Compressed: compressed})
	if err != nil {
		log.Warnf("Shared cache promotion failed: %v", err)
	}
}

// Store writes a successful response through every tier.
func (m *Manager) Store(ctx context.Context, operation string, args map[string]interface{}, payload []byte) {
	key, err := m.Key(operation, args)
	if err != nil {
		log.Debugf("Cache store skipped for %s: %v", operation, err)
		return
	}
	m.storeKey(ctx, key, operation, payload)
}

func (m *Manager) storeKey(ctx context.Context, key, operation string, payload []byte) {
	if m.hot != nil {
		if err := m.hot.Set(ctx, Entry{Key: key, Operation: operation, Payload: payload}); err != nil {
			log.Debugf("Hot cache store failed: %v", err)
		}
	}

	if m.shared == nil && m.durable == nil {
		return
	}

	encoded, compressed := m.encode(payload)
	entry := Entry{Key: key, Operation: operation, Payload: encoded, Compressed: compressed}

	if m.shared != nil {
		if err := m.shared.Set(ctx, entry); err != nil {
			log.Warnf("Shared cache store failed, continuing: %v", err)
		}
	}
	if m.durable != nil {
		if err := m.durable.Set(ctx, entry); err != nil {
			log.Warnf("Durable cache store failed, continuing: %v", err)
		}
	}
}

// encode applies the compression policy for the shared and durable
// tiers.
func (m *Manager) encode(payload []byte) ([]byte, bool) {
	threshold := atomic.LoadInt64(&m.compressAbove)
	if int64(len(payload)) <= threshold {
		return payload, false
	}
	compressed, err := compressPayload(payload)
	if err != nil {
		log.Warnf("Payload compression failed, storing raw: %v", err)
		return payload, false
	}
	return compressed, true
}

// Fetch is the read-through path: cache lookup, then at most one live
// fill per key with concurrent identical calls waiting for its result.
// Only successful fills are cached.
func (m *Manager) Fetch(ctx context.Context, operation string, args map[string]interface{}, fill func(context.Context) ([]byte, error)) (*Result, error) {
	key, err := m.Key(operation, args)
	if err != nil {
		// Unkeyable arguments bypass the cache and the guard.
		log.Debugf("Cache bypassed for %s: %v", operation, err)
		payload, fillErr := fill(ctx)
		if fillErr != nil {
			return nil, fillErr
		}
		return &Result{Payload: payload, Source: "live"}, nil
	}

	if res, ok := m.lookupKey(ctx, key, operation); ok {
		return res, nil
	}

	m.inflightMu.Lock()
	if f, ok := m.inflight[key]; ok {
		m.inflightMu.Unlock()
		select {
		case <-f.done:
			if f.err != nil {
				return nil, f.err
			}
			return &Result{Payload: f.payload, Source: "live", Key: key}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f := &inflightFill{done: make(chan struct{})}
	m.inflight[key] = f
	m.inflightMu.Unlock()

	// A fill that just finished may have populated the hot tier
	// between our miss and taking the lead.
	if m.hot != nil {
		if e, ok, _ := m.hot.Get(ctx, key); ok {
			m.finishFill(key, f, e.Payload, nil)
			return &Result{Payload: e.Payload, Source: m.hot.Name(), Key: key}, nil
		}
	}

	payload, fillErr := fill(ctx)
	if fillErr == nil {
		m.storeKey(ctx, key, operation, payload)
	}
	m.finishFill(key, f, payload, fillErr)

	if fillErr != nil {
		return nil, fillErr
	}
	return &Result{Payload: payload, Source: "live", Key: key}, nil
}

func (m *Manager) finishFill(key string, f *inflightFill, payload []byte, err error) {
	f.payload = payload
	f.err = err

	m.inflightMu.Lock()
	delete(m.inflight, key)
	m.inflightMu.Unlock()

	close(f.done)
}

// Invalidate removes one cached call from every tier.
func (m *Manager) Invalidate(ctx context.Context, operation string, args map[string]interface{}) error {
	key, err := m.Key(operation, args)
	if err != nil {
		return err
	}

	var lastErr error
	for _, tier := range m.tiers() {
		if err := tier.Delete(ctx, key); err != nil {
			log.Warnf("Invalidate on %s tier failed: %v", tier.Name(), err)
			lastErr = err
		}
	}

	m.publishInvalidated(operation, "key")
	return lastErr
}

// InvalidateOperation removes every cached call for an operation from
// every tier.
func (m *Manager) InvalidateOperation(ctx context.Context, operation string) error {
	var lastErr error
	for _, tier := range m.tiers() {
		if err := tier.DeleteOperation(ctx, operation); err != nil {
			log.Warnf("Invalidate operation on %s tier failed: %v", tier.Name(), err)
			lastErr = err
		}
	}

	m.publishInvalidated(operation, "operation")
	return lastErr
}

func (m *Manager) publishInvalidated(operation, scope string) {
	if m.bus == nil {
		return
	}
	m.bus.PublishAsync(&events.EventContext{
		Event:     events.EventCacheInvalidated,
		Timestamp: time.Now(),
		Operation: operation,
		Data:      map[string]interface{}{"scope": scope},
	})
}

// Stats returns per-tier counters in lookup order.
func (m *Manager) Stats() []TierStats {
	tiers := m.tiers()
	out := make([]TierStats, 0, len(tiers))
	for _, tier := range tiers {
		out = append(out, tier.Stats())
	}
	return out
}

// Start begins the background janitor.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.ticker = time.NewTicker(m.janitorInterval)
	m.done = make(chan struct{})
	m.running = true
	m.mu.Unlock()

	go m.janitorLoop()
	log.Debugf("Cache janitor started (interval=%s)", m.janitorInterval)
}

// Stop shuts down the janitor and closes every tier.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.running {
		m.cancel()
		m.ticker.Stop()
		done := m.done
		m.running = false
		m.mu.Unlock()

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			log.Warn("Cache janitor stop timed out")
		}
	} else {
		m.mu.Unlock()
	}

	for _, tier := range m.tiers() {
		if err := tier.Close(); err != nil {
			log.Warnf("Failed to close %s cache tier: %v", tier.Name(), err)
		}
	}
}

func (m *Manager) janitorLoop() {
	defer close(m.done)

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.ticker.C:
			m.cleanupTiers()
		}
	}
}

func (m *Manager) cleanupTiers() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, tier := range m.tiers() {
		if err := tier.Cleanup(ctx); err != nil {
			log.Warnf("Cache cleanup on %s tier failed: %v", tier.Name(), err)
		}
	}
}

// UpdateConfig applies hot-reloadable settings: the compression
// threshold, janitor interval, hot tier sizing, and tier TTLs. Tier
// topology (enabling tiers, DSNs, file paths) needs a restart.
func (m *Manager) UpdateConfig(cfg Config) {
	if cfg.CompressAboveBytes > 0 {
		atomic.StoreInt64(&m.compressAbove, int64(cfg.CompressAboveBytes))
	}
	if m.hot != nil {
		m.hot.UpdateConfig(cfg.Hot)
	}
	if m.shared != nil {
		m.shared.SetTTL(cfg.Shared.TTL)
	}
	if m.durable != nil {
		m.durable.SetTTL(cfg.Durable.TTL)
	}

	m.mu.Lock()
	if cfg.JanitorInterval > 0 && cfg.JanitorInterval != m.janitorInterval {
		m.janitorInterval = cfg.JanitorInterval
		if m.running && m.ticker != nil {
			m.ticker.Stop()
			m.ticker = time.NewTicker(cfg.JanitorInterval)
		}
	}
	m.mu.Unlock()

	log.Debugf("Cache config updated: compressAbove=%d janitorInterval=%s", cfg.CompressAboveBytes, cfg.JanitorInterval)
}
