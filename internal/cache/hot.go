// Copyright 2026 The toolmesh Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// hotEntry wraps an Entry with its LRU list element.
type hotEntry struct {
	entry   Entry
	element *list.Element
}

// HotTier is the in-process LRU tier. Entries expire by TTL and the
// least recently used entry is evicted once the tier is full.
type HotTier struct {
	ttl        time.Duration
	maxEntries int

	mu      sync.RWMutex
	entries map[string]*hotEntry
	lruList *list.List
	stats   TierStats

	// now is replaceable for tests.
	now func() time.Time
}

// NewHotTier creates the in-process tier.
func NewHotTier(cfg HotConfig) *HotTier {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().Hot.TTL
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultConfig().Hot.MaxEntries
	}

	return &HotTier{
		ttl:        cfg.TTL,
		maxEntries: cfg.MaxEntries,
		entries:    make(map[string]*hotEntry),
		lruList:    list.New(),
		now:        time.Now,
	}
}

func (t *HotTier) Name() string { return "hot" }

// Get returns the entry for a key. An expired entry is removed and
// counts as a miss.
func (t *HotTier) Get(_ context.Context, key string) (*Entry, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	he, ok := t.entries[key]
	if !ok {
		t.stats.Misses++
		return nil, false, nil
	}
	if t.now().After(he.entry.ExpiresAt) {
		t.removeLocked(he)
		t.stats.Expired++
		t.stats.Misses++
		return nil, false, nil
	}

	t.lruList.MoveToFront(he.element)
	t.stats.Hits++
	entry := he.entry
	return &entry, true, nil
}

// Set stores an entry, stamping the tier's TTL and evicting the least
// recently used entry when full.
func (t *HotTier) Set(_ context.Context, e Entry) error {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	e.StoredAt = now
	e.ExpiresAt = now.Add(t.ttl)
	e.Compressed = false

	if he, ok := t.entries[e.Key]; ok {
		he.entry = e
		t.lruList.MoveToFront(he.element)
		return nil
	}

	if len(t.entries) >= t.maxEntries {
		t.evictLRULocked()
	}

	he := &hotEntry{entry: e}
	he.element = t.lruList.PushFront(he)
	t.entries[e.Key] = he
	return nil
}

// evictLRULocked removes the least recently used entry.
// Must be called with lock held.
func (t *HotTier) evictLRULocked() {
	oldest := t.lruList.Back()
	if oldest == nil {
		return
	}
	t.removeLocked(oldest.Value.(*hotEntry))
	t.stats.Evictions++
}

// removeLocked drops an entry from the map and list.
// Must be called with lock held.
func (t *HotTier) removeLocked(he *hotEntry) {
	delete(t.entries, he.entry.Key)
	t.lruList.Remove(he.element)
}

// Delete removes a key.
func (t *HotTier) Delete(_ context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if he, ok := t.entries[key]; ok {
		t.removeLocked(he)
	}
	return nil
}

// DeleteOperation removes every entry for an operation.
func (t *HotTier) DeleteOperation(_ context.Context, operation string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, he := range t.entries {
		if he.entry.Operation == operation {
			t.removeLocked(he)
		}
	}
	return nil
}

// Cleanup removes expired entries.
func (t *HotTier) Cleanup(_ context.Context) error {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, he := range t.entries {
		if now.After(he.entry.ExpiresAt) {
			t.removeLocked(he)
			t.stats.Expired++
		}
	}
	return nil
}

// UpdateConfig swaps the TTL and size limit. A lowered limit evicts
// down to the new size; existing entries keep their stamped expiry.
func (t *HotTier) UpdateConfig(cfg HotConfig) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cfg.TTL > 0 {
		t.ttl = cfg.TTL
	}
	if cfg.MaxEntries > 0 {
		t.maxEntries = cfg.MaxEntries
		for len(t.entries) > t.maxEntries {
			t.evictLRULocked()
		}
	}
}

// Stats returns a snapshot of the tier's counters.
func (t *HotTier) Stats() TierStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := t.stats
	stats.Tier = t.Name()
	stats.Size = int64(len(t.entries))
	return stats
}

// Close is a no-op for the in-process tier.
func (t *HotTier) Close() error { return nil }
