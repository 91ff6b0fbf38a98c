// Copyright 2026 The toolmesh Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package orchestrator is the call facade. One Execute runs the whole
// pipeline: cache lookup, provider selection, breaker admission, the
// provider call with retry and failover, outcome bookkeeping, and the
// learning feedback returned to the caller.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/axiombio/toolmesh/internal/breaker"
	"github.com/axiombio/toolmesh/internal/cache"
	"github.com/axiombio/toolmesh/internal/events"
	"github.com/axiombio/toolmesh/internal/feedback"
	"github.com/axiombio/toolmesh/internal/health"
	"github.com/axiombio/toolmesh/internal/orcherr"
	"github.com/axiombio/toolmesh/internal/provider"
	"github.com/axiombio/toolmesh/internal/registry"
	"github.com/axiombio/toolmesh/internal/retry"
	"github.com/axiombio/toolmesh/internal/router"
)

// SourceCache is the Feedback.Provider value for calls served without a
// live provider invocation.
const SourceCache = "cache"

// SourceError is the Feedback.Provider value for calls that failed.
const SourceError = "error"

// CallOptions carries the caller-supplied routing context.
type CallOptions struct {
	// CallerID identifies the calling agent for logging.
	CallerID string

	// Category biases routing toward providers that historically served
	// this kind of call well. Empty means classify from keywords.
	Category string

	// Keywords describe the call in free text for classification.
	Keywords []string

	// RequestID threads an upstream request ID through logs and events.
	// Empty generates one.
	RequestID string
}

// Feedback is the learning summary attached to every call, success or
// failure, closing the loop back to the caller.
type Feedback struct {
	// Provider is the serving provider, "cache", or "error".
	Provider string `json:"provider"`

	// Success reports whether the call produced a payload.
	Success bool `json:"success"`

	// LatencyMS is the end-to-end call latency in milliseconds.
	LatencyMS int64 `json:"latency-ms"`

	// Category is the resolved call category.
	Category string `json:"category"`

	// Recommendation is the current preferred-provider rationale for
	// the category.
	Recommendation string `json:"recommendation"`
}

// Response is the payload side of a successful call.
type Response struct {
	RequestID string          `json:"request-id"`
	Operation string          `json:"operation"`
	Provider  string          `json:"provider"`
	Source    string          `json:"source"`
	Payload   json.RawMessage `json:"payload"`
}

// Deps are the constructor-injected components. Events may be nil;
// everything else is required.
type Deps struct {
	Registry *registry.ProviderRegistry
	Router   *router.Router
	Retry    *retry.Executor
	Breakers *breaker.Manager
	Health   *health.Monitor
	Feedback *feedback.Bus
	Cache    *cache.Manager
	Events   *events.Bus
}

// Orchestrator coordinates one deployment's call pipeline. Safe for
// concurrent use; every call runs independently.
type Orchestrator struct {
	registry *registry.ProviderRegistry
	router   *router.Router
	retry    *retry.Executor
	breakers *breaker.Manager
	health   *health.Monitor
	feedback *feedback.Bus
	cache    *cache.Manager
	bus      *events.Bus

	now func() time.Time
}

// New wires the facade. Missing components are a wiring bug, reported
// immediately rather than as a nil panic mid-call.
func New(d Deps) (*Orchestrator, error) {
	switch {
	case d.Registry == nil:
		return nil, fmt.Errorf("orchestrator: registry is required")
	case d.Router == nil:
		return nil, fmt.Errorf("orchestrator: router is required")
	case d.Retry == nil:
		return nil, fmt.Errorf("orchestrator: retry executor is required")
	case d.Breakers == nil:
		return nil, fmt.Errorf("orchestrator: breaker manager is required")
	case d.Health == nil:
		return nil, fmt.Errorf("orchestrator: health monitor is required")
	case d.Feedback == nil:
		return nil, fmt.Errorf("orchestrator: feedback bus is required")
	case d.Cache == nil:
		return nil, fmt.Errorf("orchestrator: cache manager is required")
	}

	return &Orchestrator{
		registry: d.Registry,
		router:   d.Router,
		retry:    d.Retry,
		breakers: d.Breakers,
		health:   d.Health,
		feedback: d.Feedback,
		cache:    d.Cache,
		bus:      d.Events,
		now:      time.Now,
	}, nil
}

// Execute runs one orchestrated call. The Feedback return is populated
// on every path, including failures.
func (o *Orchestrator) Execute(ctx context.Context, operation string, args map[string]interface{}, opts CallOptions) (*Response, Feedback, error) {
	start := o.now()
	reqID := opts.RequestID
	if reqID == "" {
		reqID = uuid.New().String()
	}
	category := o.resolveCategory(operation, opts)
	logger := log.WithField("request_id", reqID)

	// servedBy is written only when this call's own fill runs; calls
	// collapsed onto another in-flight fill report the cache instead.
	var servedBy string
	res, err := o.cache.Fetch(ctx, operation, args, func(fctx context.Context) ([]byte, error) {
		r, ferr := o.retry.Execute(fctx, operation, router.Options{Category: category}, o.attempt(operation, args, category))
		if ferr != nil {
			return nil, ferr
		}
		servedBy = r.Provider
		return r.Payload, nil
	})

	latency := time.Since(start)
	if err != nil {
		logger.Warnf("Call %s failed after %s: %v", operation, latency.Round(time.Millisecond), err)
		o.publishCall(reqID, operation, "", SourceError, latency, err)
		return nil, o.feedbackFor(SourceError, category, latency, false), err
	}

	providerUsed := SourceCache
	if res.Source == "live" && servedBy != "" {
		providerUsed = servedBy
	}
	if providerUsed == SourceCache {
		logger.Debugf("Call %s served from cache (%s)", operation, res.Source)
	} else {
		logger.Debugf("Call %s served by %s in %s", operation, providerUsed, latency.Round(time.Millisecond))
	}

	o.publishCall(reqID, operation, providerUsed, res.Source, latency, nil)
	resp := &Response{
		RequestID: reqID,
		Operation: operation,
		Provider:  providerUsed,
		Source:    res.Source,
		Payload:   json.RawMessage(res.Payload),
	}
	return resp, o.feedbackFor(providerUsed, category, latency, true), nil
}

// attempt builds the per-provider attempt the retry executor drives.
// Breaker admission happens here so rejected attempts fail over without
// touching the network, and every real outcome is recorded exactly once
// against health, breaker, and the feedback bus.
func (o *Orchestrator) attempt(operation string, args map[string]interface{}, category string) retry.Attempt {
	return func(ctx context.Context, d *router.Decision) (*provider.Result, error) {
		br := o.breakers.For(d.Provider)
		if err := br.Allow(); err != nil {
			return nil, err
		}

		o.router.Acquire(d.Provider)
		defer o.router.Release(d.Provider)

		start := o.now()
		res, err := d.Entry.Caller.Invoke(ctx, operation, args)
		latency := time.Since(start)

		if err != nil {
			kind := orcherr.KindOf(err)
			if kind == orcherr.KindInvalidArgument {
				// The arguments were bad, not the provider. Its
				// health and breaker stay untouched.
				return nil, err
			}
			br.RecordFailure(string(kind))
			o.health.ReportOutcome(d.Provider, false, latency)
			o.feedback.RecordOutcome(category, d.Provider, false, latency)
			return nil, err
		}

		br.RecordSuccess()
		o.health.ReportOutcome(d.Provider, true, latency)
		o.feedback.RecordOutcome(category, d.Provider, true, latency)
		return res, nil
	}
}

// resolveCategory picks the call category: the caller's explicit one,
// or a keyword classification over the operation name and keywords.
func (o *Orchestrator) resolveCategory(operation string, opts CallOptions) string {
	if opts.Category != "" {
		return opts.Category
	}
	query := operation
	if len(opts.Keywords) > 0 {
		query += " " + strings.Join(opts.Keywords, " ")
	}
	return o.feedback.Classify(query)
}

func (o *Orchestrator) feedbackFor(provider, category string, latency time.Duration, success bool) Feedback {
	return Feedback{
		Provider:       provider,
		Success:        success,
		LatencyMS:      latency.Milliseconds(),
		Category:       category,
		Recommendation: o.feedback.Recommend(category).Rationale,
	}
}

func (o *Orchestrator) publishCall(reqID, operation, provider, source string, latency time.Duration, err error) {
	if o.bus == nil {
		return
	}
	data := map[string]interface{}{
		"request_id": reqID,
		"source":     source,
		"latency_ms": latency.Milliseconds(),
		"success":    err == nil,
	}
	if err != nil {
		data["error_kind"] = string(orcherr.KindOf(err))
	}
	o.bus.PublishAsync(&events.EventContext{
		Event:     events.EventCallCompleted,
		Timestamp: o.now(),
		Provider:  provider,
		Operation: operation,
		Data:      data,
	})
}
