// Copyright 2026 The toolmesh Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package retry drives a call to completion across providers. Transient
// failures are retried on the same provider with bounded exponential
// backoff, then the call fails over to the next candidate the router
// offers. Argument errors fail fast and are never retried anywhere.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/axiombio/toolmesh/internal/config"
	"github.com/axiombio/toolmesh/internal/orcherr"
	"github.com/axiombio/toolmesh/internal/provider"
	"github.com/axiombio/toolmesh/internal/router"
)

// Policy is the parsed retry and failover policy.
type Policy struct {
	// MaxAttemptsPerProvider caps attempts against one provider before
	// failing over.
	MaxAttemptsPerProvider int

	// MaxAttemptsTotal caps attempts across all providers for one call.
	MaxAttemptsTotal int

	// BaseBackoff is the first retry delay for transient failures.
	BaseBackoff time.Duration

	// MaxBackoff caps exponential growth.
	MaxBackoff time.Duration

	// RateLimitBackoff is the first retry delay after a rate-limited
	// failure. Rate limits back off harder than transient faults.
	RateLimitBackoff time.Duration

	// Multiplier is the exponential growth factor.
	Multiplier float64
}

// DefaultPolicy returns the default retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttemptsPerProvider: 2,
		MaxAttemptsTotal:       6,
		BaseBackoff:            200 * time.Millisecond,
		MaxBackoff:             5 * time.Second,
		RateLimitBackoff:       2 * time.Second,
		Multiplier:             2.0,
	}
}

// PolicyFromConfig parses the duration strings in cfg into a Policy.
// Invalid or missing fields keep their defaults.
func PolicyFromConfig(cfg config.RetryConfig) Policy {
	p := DefaultPolicy()
	if cfg.MaxAttemptsPerProvider >= 1 {
		p.MaxAttemptsPerProvider = cfg.MaxAttemptsPerProvider
	}
	if cfg.MaxAttemptsTotal >= 1 {
		p.MaxAttemptsTotal = cfg.MaxAttemptsTotal
	}
	if d, err := time.ParseDuration(cfg.BaseBackoff); err == nil && d > 0 {
		p.BaseBackoff = d
	}
	if d, err := time.ParseDuration(cfg.MaxBackoff); err == nil && d > 0 {
		p.MaxBackoff = d
	}
	if d, err := time.ParseDuration(cfg.RateLimitBackoff); err == nil && d > 0 {
		p.RateLimitBackoff = d
	}
	if cfg.Multiplier >= 1 {
		p.Multiplier = cfg.Multiplier
	}
	return p
}

// Selector yields the next provider for an operation. Implemented by
// router.Router.
type Selector interface {
	Select(operation string, opts router.Options) (*router.Decision, error)
}

// Attempt runs a single provider attempt. The executor calls it once
// per attempt with the routing decision to use.
type Attempt func(ctx context.Context, decision *router.Decision) (*provider.Result, error)

// Executor owns the attempt loop for one deployment. Safe for
// concurrent use.
type Executor struct {
	selector Selector

	mu     sync.RWMutex
	policy Policy

	// sleep waits between retries. Swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor builds an executor over the given selector.
func NewExecutor(selector Selector, cfg config.RetryConfig) *Executor {
	return &Executor{
		selector: selector,
		policy:   PolicyFromConfig(cfg),
		sleep:    ctxSleep,
	}
}

// Policy returns the active policy.
func (e *Executor) Policy() Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.policy
}

// UpdateConfig swaps the retry policy. In-flight calls finish on the
// policy they snapshotted.
func (e *Executor) UpdateConfig(cfg config.RetryConfig) {
	p := PolicyFromConfig(cfg)
	e.mu.Lock()
	e.policy = p
	e.mu.Unlock()
	log.Debugf("Retry policy updated: %d/provider, %d total, base %s", p.MaxAttemptsPerProvider, p.MaxAttemptsTotal, p.BaseBackoff)
}

// Execute runs attempt against providers chosen by the selector until
// one succeeds, the budgets run out, or the failure is one no retry can
// fix. Providers that failed are excluded from later selections, and
// the exhausted error carries the full attempt trail.
func (e *Executor) Execute(ctx context.Context, operation string, opts router.Options, attempt Attempt) (*provider.Result, error) {
	p := e.Policy()

	exclude := append([]string(nil), opts.Exclude...)
	var trail []orcherr.Attempt
	total := 0

	for total < p.MaxAttemptsTotal {
		decision, err := e.selector.Select(operation, router.Options{Category: opts.Category, Exclude: exclude})
		if err != nil {
			if len(trail) == 0 {
				return nil, err
			}
			// Candidates ran out mid-failover. The trail explains
			// the call better than the bare selection error.
			return nil, orcherr.NewExhausted(operation, trail)
		}

		name := decision.Provider
		var kind orcherr.Kind
		var lastErr error
		for tries := 0; tries < p.MaxAttemptsPerProvider && total < p.MaxAttemptsTotal; tries++ {
			total++
			res, err := attempt(ctx, decision)
			if err == nil {
				return res, nil
			}

			kind = orcherr.KindOf(err)
			lastErr = err
			trail = append(trail, orcherr.Attempt{Provider: name, Kind: kind, Reason: reasonOf(err)})
			log.Warnf("Attempt %d/%d for %s on %s failed (%s): %v", total, p.MaxAttemptsTotal, operation, name, kind, err)

			if kind == orcherr.KindInvalidArgument {
				// The caller's arguments are wrong. No provider can
				// fix that.
				return nil, err
			}
			if ctx.Err() != nil {
				return nil, err
			}
			if !kind.Retryable() {
				break
			}
			if tries+1 >= p.MaxAttemptsPerProvider || total >= p.MaxAttemptsTotal {
				break
			}
			if serr := e.sleep(ctx, backoffDelay(p, kind, tries)); serr != nil {
				return nil, orcherr.Wrap(orcherr.KindTimeout, serr, "call abandoned during backoff").WithCall(name, operation)
			}
		}

		if !kind.Failover() {
			return nil, lastErr
		}
		exclude = append(exclude, name)
		log.Debugf("Failing over from %s for %s after %d attempt(s)", name, operation, total)
	}

	return nil, orcherr.NewExhausted(operation, trail)
}

// backoffDelay computes the jittered delay before retry number retry
// (zero-based) on the same provider. Rate-limited failures grow from a
// longer base.
func backoffDelay(p Policy, kind orcherr.Kind, retry int) time.Duration {
	base := p.BaseBackoff
	if kind == orcherr.KindRateLimited {
		base = p.RateLimitBackoff
	}
	d := float64(base) * math.Pow(p.Multiplier, float64(retry))
	if limit := float64(p.MaxBackoff); d > limit {
		d = limit
	}
	// Equal jitter: keep half the delay, randomize the rest so
	// synchronized retries spread out.
	half := time.Duration(d) / 2
	if half <= 0 {
		return time.Duration(d)
	}
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

// reasonOf extracts a compact failure summary for the attempt trail.
func reasonOf(err error) string {
	var oe *orcherr.Error
	if errors.As(err, &oe) {
		switch {
		case oe.Message != "" && oe.Err != nil:
			return oe.Message + ": " + oe.Err.Error()
		case oe.Message != "":
			return oe.Message
		case oe.Err != nil:
			return oe.Err.Error()
		}
	}
	return err.Error()
}

// ctxSleep waits for d or until ctx is done, whichever comes first.
func ctxSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
