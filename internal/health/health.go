// Copyright 2026 The toolmesh Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package health tracks per-provider health from call outcomes and
// optional background probes. Scores are computed lazily from a
// trailing window of observations; the orchestrator feeds the window
// on every call and the router reads it on every selection.
package health

import (
	"context"
	"time"

	"github.com/axiombio/toolmesh/internal/breaker"
)

// Config controls window sizing, scoring, and the probe loop.
type Config struct {
	// ProbeEnabled toggles the background probe loop.
	ProbeEnabled bool

	// ProbeInterval is the time between probe rounds.
	ProbeInterval time.Duration

	// ProbeTimeout is the deadline for a single probe.
	ProbeTimeout time.Duration

	// MaxConcurrentProbes limits simultaneous probes per round.
	MaxConcurrentProbes int

	// WindowSize is the number of recent observations kept per provider.
	WindowSize int

	// WindowAge is the maximum age of observations that still count.
	WindowAge time.Duration

	// LatencyCeiling is the mean latency that maps to a zero latency
	// score. Lower means are scored linearly above zero.
	LatencyCeiling time.Duration

	// ScoreFloor is the minimum score for a provider to be healthy.
	ScoreFloor float64
}

// DefaultConfig returns the default health monitor settings.
func DefaultConfig() Config {
	return Config{
		ProbeEnabled:        false,
		ProbeInterval:       30 * time.Second,
		ProbeTimeout:        5 * time.Second,
		MaxConcurrentProbes: 5,
		WindowSize:          50,
		WindowAge:           5 * time.Minute,
		LatencyCeiling:      5 * time.Second,
		ScoreFloor:          0.3,
	}
}

// Prober is the probe surface a provider adapter exposes.
type Prober interface {
	Name() string
	Probe(ctx context.Context) error
}

// BreakerStates reports circuit breaker states; satisfied by
// *breaker.Manager. A provider with an open breaker is never healthy
// regardless of its score.
type BreakerStates interface {
	StateOf(provider string) breaker.State
}

// Snapshot is a point-in-time view of one provider's health, built for
// the ops surfaces.
type Snapshot struct {
	Provider       string        `json:"provider"`
	Healthy        bool          `json:"healthy"`
	Score          float64       `json:"score"`
	Availability   float64       `json:"availability"`
	ErrorRate      float64       `json:"error-rate"`
	MeanLatency    time.Duration `json:"mean-latency"`
	WindowSize     int           `json:"window-size"`
	BreakerState   breaker.State `json:"breaker-state"`
	LastTransition time.Time     `json:"last-transition,omitempty"`
}
