// Copyright 2026 The toolmesh Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package breaker implements per-provider circuit breakers. A breaker
// trips open after a run of consecutive failures, rejects calls for a
// cooldown period, then admits exactly one trial call to decide between
// closing again and another cooldown round.
package breaker

import (
	"sync"
	"time"

	"github.com/axiombio/toolmesh/internal/orcherr"
)

// State captures circuit breaker states.
type State string

const (
	// StateClosed indicates normal operation.
	StateClosed State = "closed"

	// StateOpen indicates the breaker is rejecting calls.
	StateOpen State = "open"

	// StateHalfOpen indicates a single trial call is permitted.
	StateHalfOpen State = "half_open"
)

// Config controls breaker thresholds.
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips
	// the breaker open.
	FailureThreshold int

	// ResetTimeout is how long an open breaker rejects calls before
	// admitting a half-open trial.
	ResetTimeout time.Duration
}

// DefaultConfig returns the default breaker thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
	}
}

// Transition describes one state change, reported to the manager's
// transition callback.
type Transition struct {
	Provider string
	From     State
	To       State
	Reason   string
}

// CircuitBreaker guards calls to a single provider.
type CircuitBreaker struct {
	provider string

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	openedAt            time.Time
	trialInFlight       bool

	threshold    int
	resetTimeout time.Duration

	// onTransition is invoked outside the lock after every state change.
	onTransition func(Transition)

	// now is replaceable for tests.
	now func() time.Time
}

// newCircuitBreaker creates a closed breaker for one provider.
func newCircuitBreaker(provider string, cfg Config, onTransition func(Transition)) *CircuitBreaker {
	return &CircuitBreaker{
		provider:     provider,
		state:        StateClosed,
		threshold:    cfg.FailureThreshold,
		resetTimeout: cfg.ResetTimeout,
		onTransition: onTransition,
		now:          time.Now,
	}
}

// Allow decides whether a call may proceed. In the half-open state the
// first Allow reserves the single trial slot; concurrent callers are
// rejected until the trial outcome is recorded.
func (b *CircuitBreaker) Allow() error {
	b.mu.Lock()

	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return nil

	case StateOpen:
		if b.now().Sub(b.openedAt) < b.resetTimeout {
			remaining := b.resetTimeout - b.now().Sub(b.openedAt)
			b.mu.Unlock()
			return orcherr.Newf(orcherr.KindBreakerOpen, "open for another %s", remaining.Round(time.Millisecond)).
				WithCall(b.provider, "")
		}
		// Cooldown elapsed: this caller becomes the half-open trial.
		t := b.transitionLocked(StateHalfOpen, "reset timeout elapsed")
		b.trialInFlight = true
		b.mu.Unlock()
		b.notify(t)
		return nil

	case StateHalfOpen:
		if b.trialInFlight {
			b.mu.Unlock()
			return orcherr.New(orcherr.KindBreakerOpen, "half-open trial already in flight").
				WithCall(b.provider, "")
		}
		b.trialInFlight = true
		b.mu.Unlock()
		return nil
	}

	b.mu.Unlock()
	return nil
}

// RecordSuccess reports a successful call outcome.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()

	var t *Transition
	switch b.state {
	case StateClosed:
		b.consecutiveFailures = 0
	case StateHalfOpen:
		b.trialInFlight = false
		b.consecutiveFailures = 0
		t = b.transitionLocked(StateClosed, "trial call succeeded")
	case StateOpen:
		// A late success from a call admitted before the trip; the
		// cooldown still applies.
	}

	b.mu.Unlock()
	b.notify(t)
}

// RecordFailure reports a failed call outcome.
func (b *CircuitBreaker) RecordFailure(reason string) {
	b.mu.Lock()

	var t *Transition
	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.threshold {
			b.openedAt = b.now()
			t = b.transitionLocked(StateOpen, reason)
		}
	case StateHalfOpen:
		b.trialInFlight = false
		b.openedAt = b.now()
		t = b.transitionLocked(StateOpen, "trial call failed: "+reason)
	case StateOpen:
		// Late failure from a call admitted before the trip.
	}

	b.mu.Unlock()
	b.notify(t)
}

// State returns the current state, accounting for an elapsed cooldown.
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.resetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// ConsecutiveFailures returns the current failure run length.
func (b *CircuitBreaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFailures
}

// ForceReset closes the breaker and clears the failure run. Used by the
// management API to put a repaired provider back in rotation.
func (b *CircuitBreaker) ForceReset() {
	b.mu.Lock()

	var t *Transition
	if b.state != StateClosed {
		t = b.transitionLocked(StateClosed, "forced reset")
	}
	b.consecutiveFailures = 0
	b.trialInFlight = false

	b.mu.Unlock()
	b.notify(t)
}

// updateConfig applies new thresholds. An in-flight cooldown keeps its
// original clock but honors the new timeout on the next Allow.
func (b *CircuitBreaker) updateConfig(cfg Config) {
	b.mu.Lock()
	b.threshold = cfg.FailureThreshold
	b.resetTimeout = cfg.ResetTimeout
	b.mu.Unlock()
}

// transitionLocked switches state and returns the transition record.
// Must be called with the lock held; the caller notifies after unlock.
func (b *CircuitBreaker) transitionLocked(to State, reason string) *Transition {
	from := b.state
	b.state = to
	return &Transition{Provider: b.provider, From: from, To: to, Reason: reason}
}

func (b *CircuitBreaker) notify(t *Transition) {
	if t != nil && b.onTransition != nil {
		b.onTransition(*t)
	}
}
