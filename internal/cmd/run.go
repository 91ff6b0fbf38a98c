// Copyright 2026 The toolmesh Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package cmd assembles and runs the toolmesh daemon. It wires the
// provider registry, router, retry executor, breaker manager, health
// monitor, feedback bus, cache tiers, and the HTTP API into one
// service, and tears them down in reverse order on shutdown.
package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/axiombio/toolmesh/internal/api"
	"github.com/axiombio/toolmesh/internal/breaker"
	"github.com/axiombio/toolmesh/internal/cache"
	"github.com/axiombio/toolmesh/internal/config"
	"github.com/axiombio/toolmesh/internal/events"
	"github.com/axiombio/toolmesh/internal/feedback"
	"github.com/axiombio/toolmesh/internal/fingerprint"
	"github.com/axiombio/toolmesh/internal/health"
	"github.com/axiombio/toolmesh/internal/orchestrator"
	"github.com/axiombio/toolmesh/internal/registry"
	"github.com/axiombio/toolmesh/internal/retry"
	"github.com/axiombio/toolmesh/internal/router"
	"github.com/axiombio/toolmesh/internal/watcher"
)

// shutdownGrace bounds how long teardown waits for in-flight requests
// and the feedback flush.
const shutdownGrace = 10 * time.Second

// StartService builds the orchestrator from cfg and serves it until
// SIGINT or SIGTERM. SIGHUP re-reads the configuration file, as does
// any edit to it while the daemon runs.
func StartService(cfg *config.Config, configPath string) error {
	ctxSignal, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bus := events.NewBus()
	defer bus.Shutdown()

	normalizer := fingerprint.NewNormalizer(watcher.FingerprintSettings(cfg))
	breakers := breaker.NewManager(watcher.BreakerSettings(cfg), bus)
	monitor := health.NewMonitor(watcher.HealthSettings(cfg), breakers, bus)

	fb := feedback.NewBus(ctxSignal, watcher.FeedbackSettings(cfg))
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer flushCancel()
		if err := fb.Shutdown(flushCtx); err != nil {
			log.Warnf("Feedback store flush failed: %v", err)
		}
	}()

	cm := cache.NewManager(ctxSignal, watcher.CacheSettings(cfg), normalizer, bus)
	cm.Start(ctxSignal)
	defer cm.Stop()

	var steering *router.SteeringEngine
	if cfg.Steering.RulesDir != "" {
		steering = router.NewSteeringEngine(cfg.Steering.RulesDir)
		if err := steering.LoadRules(); err != nil {
			log.Warnf("Steering rules not loaded: %v", err)
		}
		if err := steering.StartWatcher(); err != nil {
			log.Warnf("Steering rule watcher not started: %v", err)
		} else {
			defer steering.StopWatcher()
		}
	}

	reg := registry.NewProviderRegistry()
	rt := router.NewRouter(reg, monitor, breakers, fb, steering, cfg.Router)
	exec := retry.NewExecutor(rt, cfg.Retry)

	orch, err := orchestrator.New(orchestrator.Deps{
		Registry: reg,
		Router:   rt,
		Retry:    exec,
		Breakers: breakers,
		Health:   monitor,
		Feedback: fb,
		Cache:    cm,
		Events:   bus,
	})
	if err != nil {
		return err
	}

	server, err := api.NewServer(cfg, api.Deps{
		Orchestrator: orch,
		Registry:     reg,
		Health:       monitor,
		Breakers:     breakers,
		Cache:        cm,
		Feedback:     fb,
		Events:       bus,
	})
	if err != nil {
		return err
	}

	// The Reloader performs the initial provider sync and every
	// subsequent one; startup and reload go through the same path.
	reloader := &watcher.Reloader{
		Registry:   reg,
		Router:     rt,
		Breakers:   breakers,
		Retry:      exec,
		Health:     monitor,
		Feedback:   fb,
		Cache:      cm,
		Normalizer: normalizer,
	}
	reloader.Apply(cfg)
	if len(reg.Names()) == 0 {
		log.Warn("No providers registered; every call will fail until the configuration lists one")
	}

	w := watcher.New(configPath, func(next *config.Config) {
		reloader.Apply(next)
		server.UpdateConfig(next)
	}, bus)
	if err := w.Start(); err != nil {
		log.Warnf("Config watcher not started, hot reload disabled: %v", err)
	} else {
		defer w.Stop()
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-hup:
				log.Info("SIGHUP received, re-reading configuration")
				w.Reload()
			case <-ctxSignal.Done():
				return
			}
		}
	}()

	if cfg.Health.ProbeEnabled {
		if err := monitor.Start(ctxSignal); err != nil {
			log.Warnf("Health probe loop not started: %v", err)
		} else {
			defer monitor.Stop()
		}
	}

	err = server.Start(ctxSignal)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	log.Info("Shutting down")
	drainCtx, drainCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer drainCancel()
	if err := server.Shutdown(drainCtx); err != nil {
		log.Warnf("HTTP server drain failed: %v", err)
	}
	return nil
}
