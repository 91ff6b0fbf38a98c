// Copyright 2026 The toolmesh Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package provider defines the contract between the orchestration layer and
// the tool providers it routes calls to, plus the HTTP adapter that serves
// REST-style tool APIs. A provider serves one or more named operations;
// the orchestrator never sees transport details, only Results and
// classified errors.
package provider

import (
	"context"
	"time"
)

// Result is the outcome of a successful provider call.
type Result struct {
	// Provider is the provider that served the call.
	Provider string `json:"provider"`

	// Operation is the tool operation that was executed.
	Operation string `json:"operation"`

	// Payload is the extracted JSON response body.
	Payload []byte `json:"payload"`

	// StatusCode is the upstream HTTP status, when the transport has one.
	StatusCode int `json:"status_code,omitempty"`

	// Latency is how long the call took.
	Latency time.Duration `json:"latency"`
}

// Caller executes tool operations against a single provider.
// Implementations must be safe for concurrent use.
type Caller interface {
	// Name returns the provider identifier.
	Name() string

	// Invoke executes one operation. Errors are classified orcherr values;
	// the context deadline bounds the call.
	Invoke(ctx context.Context, operation string, args map[string]interface{}) (*Result, error)

	// Probe performs a lightweight liveness check used by the active
	// health monitor.
	Probe(ctx context.Context) error
}
