// Copyright 2026 The toolmesh Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package toolmesh is the Go client for a toolmesh daemon. It wraps the
// execute endpoint: callers hand it an operation and arguments, the
// daemon picks the provider, and the reply carries the payload plus the
// routing feedback.
package toolmesh

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// Request describes one tool call.
type Request struct {
	// Operation is the tool operation to run.
	Operation string `json:"operation"`

	// Args are the operation arguments.
	Args map[string]interface{} `json:"args,omitempty"`

	// Category biases routing; empty means the daemon classifies the
	// call from its keywords.
	Category string `json:"category,omitempty"`

	// Keywords describe the call for category classification.
	Keywords []string `json:"keywords,omitempty"`

	// RequestID threads a caller request ID through the daemon's logs.
	RequestID string `json:"-"`
}

// Feedback is the routing summary attached to every reply.
type Feedback struct {
	Provider       string `json:"provider"`
	Success        bool   `json:"success"`
	LatencyMS      int64  `json:"latency-ms"`
	Category       string `json:"category"`
	Recommendation string `json:"recommendation"`
}

// Result is a successful tool call.
type Result struct {
	RequestID string          `json:"request-id"`
	Operation string          `json:"operation"`
	Provider  string          `json:"provider"`
	Source    string          `json:"source"`
	Payload   json.RawMessage `json:"result"`
	Feedback  Feedback        `json:"feedback"`
}

// Attempt is one failed provider attempt inside an exhausted call.
type Attempt struct {
	Provider string `json:"provider"`
	Kind     string `json:"kind"`
	Reason   string `json:"reason"`
}

// APIError is a classified failure returned by the daemon.
type APIError struct {
	// Status is the HTTP status of the reply.
	Status int

	// Kind is the failure classification.
	Kind string `json:"kind"`

	// Message is the human-readable failure summary.
	Message string `json:"message"`

	// Attempts lists the providers that were tried and why each failed.
	Attempts []Attempt `json:"attempts,omitempty"`

	// Feedback is the routing summary for the failed call, when the
	// daemon produced one.
	Feedback *Feedback `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if len(e.Attempts) == 0 {
		return fmt.Sprintf("toolmesh: %s: %s", e.Kind, e.Message)
	}
	providers := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		providers = append(providers, a.Provider)
	}
	return fmt.Sprintf("toolmesh: %s: %s (tried %s)", e.Kind, e.Message, strings.Join(providers, ", "))
}

// Client talks to one toolmesh daemon. Safe for concurrent use.
type Client struct {
	baseURL  string
	callerID string
	hc       *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.hc = hc
		}
	}
}

// WithCallerID identifies this caller in the daemon's logs.
func WithCallerID(id string) Option {
	return func(c *Client) { c.callerID = id }
}

// New creates a client for the daemon at baseURL, e.g.
// "http://127.0.0.1:8317".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		hc:      &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Execute runs one tool call. A non-2xx reply with a classified body is
// returned as an *APIError.
func (c *Client) Execute(ctx context.Context, req Request) (*Result, error) {
	if req.Operation == "" {
		return nil, fmt.Errorf("toolmesh: operation is required")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("toolmesh: encoding request: %w", err)
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/execute", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("toolmesh: building request: %w", err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	if c.callerID != "" {
		hreq.Header.Set("X-Caller-ID", c.callerID)
	}
	if req.RequestID != "" {
		hreq.Header.Set("X-Request-ID", req.RequestID)
	}

	resp, err := c.hc.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("toolmesh: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("toolmesh: reading reply: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp.StatusCode, payload)
	}

	var result Result
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("toolmesh: decoding reply: %w", err)
	}
	return &result, nil
}

// Operations lists the operations the daemon can currently route.
func (c *Client) Operations(ctx context.Context) ([]string, error) {
	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/operations", nil)
	if err != nil {
		return nil, fmt.Errorf("toolmesh: building request: %w", err)
	}

	resp, err := c.hc.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("toolmesh: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("toolmesh: reading reply: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp.StatusCode, payload)
	}

	var body struct {
		Operations []string `json:"operations"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("toolmesh: decoding reply: %w", err)
	}
	return body.Operations, nil
}

// decodeError turns an error reply into an *APIError, falling back to a
// generic one when the body is not the classified envelope.
func decodeError(status int, payload []byte) error {
	var envelope struct {
		Error    *APIError `json:"error"`
		Feedback *Feedback `json:"feedback"`
	}
	if err := json.Unmarshal(payload, &envelope); err == nil && envelope.Error != nil {
		envelope.Error.Status = status
		envelope.Error.Feedback = envelope.Feedback
		return envelope.Error
	}
	return &APIError{
		Status:  status,
		Kind:    "internal",
		Message: fmt.Sprintf("unexpected reply (status %d): %s", status, truncate(payload, 200)),
	}
}

func truncate(b []byte, n int) string {
	s := string(b)
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
