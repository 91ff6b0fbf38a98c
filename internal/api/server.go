// Copyright 2026 The toolmesh Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package api serves the orchestrator over HTTP: the caller-facing
// execute endpoint, the ops surfaces (health, providers, cache,
// feedback, breakers), and the WebSocket event stream. Ops endpoints
// are guarded by the management key; execute is open to callers.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/axiombio/toolmesh/internal/breaker"
	"github.com/axiombio/toolmesh/internal/cache"
	"github.com/axiombio/toolmesh/internal/config"
	"github.com/axiombio/toolmesh/internal/events"
	"github.com/axiombio/toolmesh/internal/feedback"
	"github.com/axiombio/toolmesh/internal/health"
	"github.com/axiombio/toolmesh/internal/orchestrator"
	"github.com/axiombio/toolmesh/internal/registry"
)

// Deps are the components the server exposes. Orchestrator and Registry
// are required; the rest may be nil, which disables their endpoints.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Registry     *registry.ProviderRegistry
	Health       *health.Monitor
	Breakers     *breaker.Manager
	Cache        *cache.Manager
	Feedback     *feedback.Bus
	Events       *events.Bus
}

// Server is the HTTP front of the orchestrator.
type Server struct {
	engine *gin.Engine
	deps   Deps

	mu   sync.RWMutex
	mgmt config.RemoteManagement

	httpSrv *http.Server
	tls     config.TLSConfig
	addr    string
}

// NewServer builds the engine and registers all routes.
func NewServer(cfg *config.Config, deps Deps) (*Server, error) {
	if deps.Orchestrator == nil {
		return nil, fmt.Errorf("api: orchestrator is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("api: registry is required")
	}

	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())

	s := &Server{
		engine: engine,
		deps:   deps,
		mgmt:   cfg.RemoteManagement,
		tls:    cfg.TLS,
		addr:   net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port)),
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := s.engine.Group("/v1")
	v1.POST("/execute", s.handleExecute)
	v1.GET("/operations", s.handleOperations)

	ops := s.engine.Group("/ops", s.managementAuth())
	ops.GET("/health", s.handleHealth)
	ops.GET("/providers", s.handleProviders)
	ops.GET("/cache/stats", s.handleCacheStats)
	ops.POST("/cache/invalidate", s.handleCacheInvalidate)
	ops.GET("/feedback/insights", s.handleFeedbackInsights)
	ops.POST("/breakers/:provider/reset", s.handleBreakerReset)
	ops.GET("/events", s.handleEventStream)
}

// UpdateConfig swaps the management settings on config reload. The
// listen address and TLS settings are fixed for the process lifetime.
func (s *Server) UpdateConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	s.mu.Lock()
	s.mgmt = cfg.RemoteManagement
	s.mu.Unlock()
}

// Handler exposes the engine for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start runs the HTTP server until the context is cancelled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.tls.Enable {
			log.Infof("Serving HTTPS on %s", s.addr)
			err = s.httpSrv.ListenAndServeTLS(s.tls.Cert, s.tls.Key)
		} else {
			log.Infof("Serving HTTP on %s", s.addr)
			err = s.httpSrv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// requestLogger logs one line per request at debug level with the
// request ID when the caller supplied one.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := log.WithField("request_id", c.GetHeader("X-Request-ID"))
		entry.Debugf("%s %s -> %d (%s)",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

// managementAuth guards the ops surfaces. Loopback callers are always
// admitted when no key is configured; a configured key must be presented
// by every caller, and non-loopback callers additionally require
// allow-remote.
func (s *Server) managementAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.mu.RLock()
		mgmt := s.mgmt
		s.mu.RUnlock()

		if !isLocalhostDirect(c) {
			if !mgmt.AllowRemote {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error": "remote management access is disabled",
				})
				return
			}
			if mgmt.SecretKey == "" {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error": "remote management requires a configured key",
				})
				return
			}
		}

		if mgmt.SecretKey != "" && !mgmt.VerifySecret(managementKey(c)) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid management key",
			})
			return
		}

		c.Next()
	}
}

// managementKey extracts the candidate key from the request.
func managementKey(c *gin.Context) string {
	if key := c.GetHeader("X-Management-Key"); key != "" {
		return key
	}
	const prefix = "Bearer "
	if auth := c.GetHeader("Authorization"); len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}

// isLocalhostDirect reports whether the request came straight from a
// loopback address. Forwarding headers disqualify the request even on
// loopback: a reverse proxy on the same host is serving remote callers.
func isLocalhostDirect(c *gin.Context) bool {
	host, _, err := net.SplitHostPort(c.Request.RemoteAddr)
	if err != nil {
		host = c.Request.RemoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return false
	}
	if c.GetHeader("X-Forwarded-For") != "" ||
		c.GetHeader("X-Real-IP") != "" ||
		c.GetHeader("Forwarded") != "" {
		return false
	}
	return true
}
