// Copyright 2026 The toolmesh Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"

	"github.com/axiombio/toolmesh/internal/orchestrator"
	"github.com/axiombio/toolmesh/internal/orcherr"
)

// ExecuteRequest is the body of POST /v1/execute.
type ExecuteRequest struct {
	// Operation is the tool operation to run.
	Operation string `json:"operation" binding:"required"`

	// Args are the operation arguments.
	Args map[string]interface{} `json:"args"`

	// Category biases routing; empty means classify from keywords.
	Category string `json:"category,omitempty"`

	// Keywords describe the call for category classification.
	Keywords []string `json:"keywords,omitempty"`
}

// ExecuteResponse is the success envelope of POST /v1/execute.
type ExecuteResponse struct {
	RequestID string                `json:"request-id"`
	Operation string                `json:"operation"`
	Provider  string                `json:"provider"`
	Source    string                `json:"source"`
	Result    json.RawMessage       `json:"result"`
	Feedback  orchestrator.Feedback `json:"feedback"`
}

// ErrorDetail is the classified failure carried by error envelopes.
type ErrorDetail struct {
	Kind     orcherr.Kind      `json:"kind"`
	Message  string            `json:"message"`
	Attempts []orcherr.Attempt `json:"attempts,omitempty"`
}

// handleExecute runs one orchestrated call.
// POST /v1/execute
func (s *Server) handleExecute(c *gin.Context) {
	var req ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": ErrorDetail{
				Kind:    orcherr.KindInvalidArgument,
				Message: "invalid request body: " + err.Error(),
			},
		})
		return
	}

	opts := orchestrator.CallOptions{
		CallerID:  c.GetHeader("X-Caller-ID"),
		Category:  req.Category,
		Keywords:  req.Keywords,
		RequestID: c.GetHeader("X-Request-ID"),
	}

	resp, fb, err := s.deps.Orchestrator.Execute(c.Request.Context(), req.Operation, req.Args, opts)
	if err != nil {
		detail := ErrorDetail{
			Kind:    orcherr.KindOf(err),
			Message: err.Error(),
		}
		if attempts, ok := orcherr.AttemptsOf(err); ok {
			detail.Attempts = attempts
		}
		c.JSON(statusOf(detail.Kind), gin.H{
			"error":    detail,
			"feedback": fb,
		})
		return
	}

	c.JSON(http.StatusOK, ExecuteResponse{
		RequestID: resp.RequestID,
		Operation: resp.Operation,
		Provider:  resp.Provider,
		Source:    resp.Source,
		Result:    resp.Payload,
		Feedback:  fb,
	})
}

// handleOperations lists the operations the registry can currently route.
// GET /v1/operations
func (s *Server) handleOperations(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"operations": s.deps.Registry.OperationNames(),
	})
}

// statusOf maps a failure kind to its HTTP status.
func statusOf(kind orcherr.Kind) int {
	switch kind {
	case orcherr.KindInvalidArgument:
		return http.StatusBadRequest
	case orcherr.KindUnknownOperation:
		return http.StatusNotFound
	case orcherr.KindRateLimited:
		return http.StatusTooManyRequests
	case orcherr.KindTimeout:
		return http.StatusGatewayTimeout
	case orcherr.KindConnection:
		return http.StatusBadGateway
	case orcherr.KindNoProvider, orcherr.KindBreakerOpen:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
