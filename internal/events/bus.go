// Copyright 2026 The toolmesh Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package events provides the in-process event bus that orchestration
// components publish lifecycle events on: breaker transitions, health
// changes, config reloads, cache invalidations. Subscribers include the
// ops WebSocket stream and the log pipeline.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Event identifies a published event type.
type Event string

const (
	// EventProviderRegistered fires when a provider is added or updated in
	// the registry.
	EventProviderRegistered Event = "provider_registered"

	// EventBreakerStateChanged fires on every circuit breaker transition.
	EventBreakerStateChanged Event = "breaker_state_changed"

	// EventHealthChanged fires when a provider crosses the healthy floor
	// in either direction.
	EventHealthChanged Event = "health_changed"

	// EventConfigReloaded fires after a successful config hot reload.
	EventConfigReloaded Event = "config_reloaded"

	// EventCacheInvalidated fires when cache entries are explicitly
	// invalidated.
	EventCacheInvalidated Event = "cache_invalidated"

	// EventCallCompleted fires after every orchestrated call, success or
	// failure.
	EventCallCompleted Event = "call_completed"
)

// EventContext carries one published event and its payload.
type EventContext struct {
	// Event is the event type.
	Event Event `json:"event"`

	// Timestamp is when the event was published.
	Timestamp time.Time `json:"timestamp"`

	// Provider is the provider the event concerns, if any.
	Provider string `json:"provider,omitempty"`

	// Operation is the tool operation the event concerns, if any.
	Operation string `json:"operation,omitempty"`

	// Data holds event-specific fields.
	Data map[string]interface{} `json:"data,omitempty"`
}

// Subscription is a handle for a registered subscriber.
type Subscription struct {
	ID          string
	Event       Event
	Callback    func(*EventContext)
	Filter      func(*EventContext) bool
	Unsubscribe func()
}

// Bus manages event distribution to subscribers.
type Bus struct {
	subscribers  map[Event][]*Subscription
	mu           sync.RWMutex
	eventQueue   chan *EventContext
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
	shutdown     bool
}

// NewBus creates a new event bus and starts its async processor.
func NewBus() *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	bus := &Bus{
		subscribers: make(map[Event][]*Subscription),
		eventQueue:  make(chan *EventContext, 1000),
		ctx:         ctx,
		cancel:      cancel,
	}

	go bus.processQueue()

	return bus
}

// Subscribe registers a callback for a specific event type.
func (b *Bus) Subscribe(event Event, callback func(*EventContext)) *Subscription {
	return b.SubscribeWithFilter(event, callback, nil)
}

// SubscribeWithFilter registers a callback with an optional filter function.
func (b *Bus) SubscribeWithFilter(event Event, callback func(*EventContext), filter func(*EventContext) bool) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		ID:       uuid.NewString(),
		Event:    event,
		Callback: callback,
		Filter:   filter,
	}

	sub.Unsubscribe = func() {
		b.unsubscribe(sub)
	}

	b.subscribers[event] = append(b.subscribers[event], sub)
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[sub.Event]
	for i, s := range subs {
		if s.ID == sub.ID {
			b.subscribers[sub.Event] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

// Publish distributes an event to all subscribers synchronously.
func (b *Bus) Publish(ec *EventContext) {
	if ec.Timestamp.IsZero() {
		ec.Timestamp = time.Now()
	}

	b.mu.RLock()
	subs := b.subscribers[ec.Event]
	// Copy slice to avoid holding lock during execution
	activeSubs := make([]*Subscription, len(subs))
	copy(activeSubs, subs)
	b.mu.RUnlock()

	for _, sub := range activeSubs {
		if sub.Filter == nil || sub.Filter(ec) {
			func() {
				defer func() {
					if r := recover(); r != nil {
						log.Errorf("Panic in event subscriber for %s: %v", ec.Event, r)
					}
				}()
				sub.Callback(ec)
			}()
		}
	}
}

// PublishAsync distributes an event asynchronously via the queue.
// Events are dropped when the queue is full; the bus never blocks the
// call path.
func (b *Bus) PublishAsync(ec *EventContext) {
	b.mu.RLock()
	isShutdown := b.shutdown
	b.mu.RUnlock()

	if isShutdown {
		return
	}
	if ec.Timestamp.IsZero() {
		ec.Timestamp = time.Now()
	}

	select {
	case <-b.ctx.Done():
		return
	case b.eventQueue <- ec:
		// Queued
	default:
		log.Warnf("Event queue full, dropping event: %s", ec.Event)
	}
}

func (b *Bus) processQueue() {
	for {
		select {
		case <-b.ctx.Done():
			return
		case event, ok := <-b.eventQueue:
			if !ok {
				return
			}
			if event != nil {
				b.Publish(event)
			}
		}
	}
}

// Shutdown stops the event bus processing.
func (b *Bus) Shutdown() {
	b.shutdownOnce.Do(func() {
		b.mu.Lock()
		b.shutdown = true
		b.mu.Unlock()

		b.cancel()
		close(b.eventQueue)
	})
}

// BreakerTransition builds the event published when a provider's breaker
// changes state.
func BreakerTransition(provider, from, to, reason string) *EventContext {
	return &EventContext{
		Event:     EventBreakerStateChanged,
		Timestamp: time.Now(),
		Provider:  provider,
		Data: map[string]interface{}{
			"from":   from,
			"to":     to,
			"reason": reason,
		},
	}
}

// HealthTransition builds the event published when a provider crosses the
// healthy floor.
func HealthTransition(provider string, healthy bool, score float64) *EventContext {
	return &EventContext{
		Event:     EventHealthChanged,
		Timestamp: time.Now(),
		Provider:  provider,
		Data: map[string]interface{}{
			"healthy": healthy,
			"score":   score,
		},
	}
}
