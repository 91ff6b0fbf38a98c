// Copyright 2026 The toolmesh Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/axiombio/toolmesh/internal/registry"
)

// InvalidateRequest is the body of POST /ops/cache/invalidate. Omitting
// args drops every cached call for the operation.
type InvalidateRequest struct {
	Operation string                 `json:"operation" binding:"required"`
	Args      map[string]interface{} `json:"args,omitempty"`
}

// handleHealth returns the per-provider health snapshots.
// GET /ops/health
func (s *Server) handleHealth(c *gin.Context) {
	if s.deps.Health == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "health monitor not available"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"providers": s.deps.Health.Snapshots(),
	})
}

// handleProviders lists the registered providers and their operations.
// GET /ops/providers
func (s *Server) handleProviders(c *gin.Context) {
	entries := s.deps.Registry.List()
	descriptors := make([]registry.Descriptor, 0, len(entries))
	for _, e := range entries {
		descriptors = append(descriptors, e.Descriptor)
	}
	c.JSON(http.StatusOK, gin.H{
		"providers": descriptors,
	})
}

// handleCacheStats returns hit/miss/eviction counters per cache tier.
// GET /ops/cache/stats
func (s *Server) handleCacheStats(c *gin.Context) {
	if s.deps.Cache == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "cache not available"})
		return
	}
	stats := s.deps.Cache.Stats()
	tiers := make([]gin.H, 0, len(stats))
	for _, ts := range stats {
		tiers = append(tiers, gin.H{
			"tier":      ts.Tier,
			"hits":      ts.Hits,
			"misses":    ts.Misses,
			"evictions": ts.Evictions,
			"expired":   ts.Expired,
			"errors":    ts.Errors,
			"size":      ts.Size,
			"hit-rate":  ts.HitRate(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"tiers": tiers})
}

// handleCacheInvalidate drops one cached call, or every cached call for
// an operation when no args are given.
// POST /ops/cache/invalidate
func (s *Server) handleCacheInvalidate(c *gin.Context) {
	if s.deps.Cache == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "cache not available"})
		return
	}

	var req InvalidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	var err error
	if req.Args == nil {
		err = s.deps.Cache.InvalidateOperation(c.Request.Context(), req.Operation)
	} else {
		err = s.deps.Cache.Invalidate(c.Request.Context(), req.Operation, req.Args)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"invalidated": req.Operation})
}

// handleFeedbackInsights returns provider rankings and recommendations
// per category.
// GET /ops/feedback/insights
func (s *Server) handleFeedbackInsights(c *gin.Context) {
	if s.deps.Feedback == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "feedback bus not available"})
		return
	}
	c.JSON(http.StatusOK, s.deps.Feedback.Insights())
}

// handleBreakerReset force-closes one provider's breaker.
// POST /ops/breakers/:provider/reset
func (s *Server) handleBreakerReset(c *gin.Context) {
	if s.deps.Breakers == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "breakers not available"})
		return
	}

	name := c.Param("provider")
	if !s.deps.Breakers.Reset(name) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no breaker for provider " + name})
		return
	}
	c.JSON(http.StatusOK, gin.H{"provider": name, "state": "closed"})
}
