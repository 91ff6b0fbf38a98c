// Copyright 2026 The toolmesh Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package registry manages the set of known tool providers and the
// operations they advertise. Routing starts here: the registry answers
// "who can serve this operation" in priority order, while runtime state
// (health, breaker, counters) lives in the components keyed by provider
// name, so re-registration never loses accumulated history.
package registry

import (
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/axiombio/toolmesh/internal/orcherr"
	"github.com/axiombio/toolmesh/internal/provider"
)

// Descriptor is the routing-facing description of one provider.
type Descriptor struct {
	// Name is the unique provider identifier.
	Name string `json:"name"`

	// Priority orders candidate lists; lower is preferred. Default tier
	// is 100.
	Priority int `json:"priority"`

	// Categories tags the call categories this provider serves well.
	Categories []string `json:"categories,omitempty"`

	// Operations lists the operation names this provider serves.
	Operations []string `json:"operations"`

	// RegisteredAt is when the provider first appeared. Preserved across
	// re-registration.
	RegisteredAt time.Time `json:"registered_at"`

	// UpdatedAt is when the descriptor last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// Entry pairs a descriptor with the Caller that executes its operations.
type Entry struct {
	Descriptor
	Caller provider.Caller
}

// registration is the mutable internal record for one provider.
type registration struct {
	desc   Descriptor
	caller provider.Caller
}

// ProviderRegistry is the thread-safe provider catalog.
type ProviderRegistry struct {
	// providers maps provider name to its registration.
	providers map[string]*registration
	// operations maps operation name to the providers advertising it.
	operations map[string]map[string]bool
	mu         sync.RWMutex
}

// NewProviderRegistry creates a new, empty registry.
func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		providers:  make(map[string]*registration),
		operations: make(map[string]map[string]bool),
	}
}

// Register adds a provider or updates an existing one. Re-registering is
// idempotent: the descriptor is replaced but the original registration
// time is preserved, and runtime state held elsewhere under the provider
// name is untouched.
func (r *ProviderRegistry) Register(desc Descriptor, caller provider.Caller) error {
	desc.Name = strings.ToLower(strings.TrimSpace(desc.Name))
	if desc.Name == "" {
		return orcherr.New(orcherr.KindInvalidArgument, "provider name is required")
	}
	if caller == nil {
		return orcherr.Newf(orcherr.KindInvalidArgument, "provider %s has no caller", desc.Name)
	}
	if len(desc.Operations) == 0 {
		return orcherr.Newf(orcherr.KindInvalidArgument, "provider %s advertises no operations", desc.Name)
	}
	if desc.Priority <= 0 {
		desc.Priority = 100
	}

	ops := make([]string, 0, len(desc.Operations))
	seen := make(map[string]bool, len(desc.Operations))
	for _, op := range desc.Operations {
		op = strings.ToLower(strings.TrimSpace(op))
		if op == "" || seen[op] {
			continue
		}
		seen[op] = true
		ops = append(ops, op)
	}
	sort.Strings(ops)
	desc.Operations = ops

	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.providers[desc.Name]; ok {
		// Preserve first-seen time, drop stale operation index entries.
		desc.RegisteredAt = existing.desc.RegisteredAt
		for _, op := range existing.desc.Operations {
			if providers := r.operations[op]; providers != nil {
				delete(providers, desc.Name)
				if len(providers) == 0 {
					delete(r.operations, op)
				}
			}
		}
		log.Debugf("Re-registered provider %s with %d operations", desc.Name, len(desc.Operations))
	} else {
		desc.RegisteredAt = now
		log.Debugf("Registered provider %s with %d operations", desc.Name, len(desc.Operations))
	}
	desc.UpdatedAt = now

	r.providers[desc.Name] = &registration{desc: desc, caller: caller}
	for _, op := range desc.Operations {
		if r.operations[op] == nil {
			r.operations[op] = make(map[string]bool)
		}
		r.operations[op][desc.Name] = true
	}
	return nil
}

// Unregister removes a provider from the catalog. Runtime state keyed by
// the name elsewhere is left for its owners to expire.
func (r *ProviderRegistry) Unregister(name string) {
	name = strings.ToLower(strings.TrimSpace(name))

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.providers[name]
	if !ok {
		return
	}
	for _, op := range existing.desc.Operations {
		if providers := r.operations[op]; providers != nil {
			delete(providers, name)
			if len(providers) == 0 {
				delete(r.operations, op)
			}
		}
	}
	delete(r.providers, name)
	log.Debugf("Unregistered provider %s", name)
}

// ProvidersFor returns the providers advertising an operation, ordered by
// priority (ascending) and name. An operation no provider advertises
// returns an unknown-operation error.
func (r *ProviderRegistry) ProvidersFor(operation string) ([]*Entry, error) {
	operation = strings.ToLower(strings.TrimSpace(operation))

	r.mu.RLock()
	defer r.mu.RUnlock()

	names := r.operations[operation]
	if len(names) == 0 {
		return nil, orcherr.Newf(orcherr.KindUnknownOperation, "no provider advertises %s", operation)
	}

	entries := make([]*Entry, 0, len(names))
	for name := range names {
		if reg, ok := r.providers[name]; ok {
			entries = append(entries, &Entry{Descriptor: cloneDescriptor(reg.desc), Caller: reg.caller})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Priority != entries[j].Priority {
			return entries[i].Priority < entries[j].Priority
		}
		return entries[i].Name < entries[j].Name
	})
	return entries, nil
}

// Describe returns the entry for a provider name.
func (r *ProviderRegistry) Describe(name string) (*Entry, bool) {
	name = strings.ToLower(strings.TrimSpace(name))

	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.providers[name]
	if !ok {
		return nil, false
	}
	return &Entry{Descriptor: cloneDescriptor(reg.desc), Caller: reg.caller}, true
}

// Names returns all registered provider names, sorted.
func (r *ProviderRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// OperationNames returns all advertised operation names, sorted.
func (r *ProviderRegistry) OperationNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ops := make([]string, 0, len(r.operations))
	for op := range r.operations {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

// List returns every registered entry, sorted by name.
func (r *ProviderRegistry) List() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]*Entry, 0, len(r.providers))
	for _, reg := range r.providers {
		entries = append(entries, &Entry{Descriptor: cloneDescriptor(reg.desc), Caller: reg.caller})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}

// Count returns the number of registered providers.
func (r *ProviderRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}

// cloneDescriptor copies a descriptor so callers cannot mutate registry state.
func cloneDescriptor(d Descriptor) Descriptor {
	d.Categories = append([]string(nil), d.Categories...)
	d.Operations = append([]string(nil), d.Operations...)
	return d
}
