// Copyright 2026 The toolmesh Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package watcher reloads the orchestrator configuration while the daemon
// runs. A filesystem watcher on the config file triggers a debounced
// re-parse; the parsed config fans out to every component's UpdateConfig
// so thresholds, weights, TTLs, and the provider list change without
// interrupting in-flight calls. A file that fails to parse keeps the
// previous configuration in force.
package watcher

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/axiombio/toolmesh/internal/config"
	"github.com/axiombio/toolmesh/internal/events"
)

// ApplyFunc receives each successfully parsed configuration.
type ApplyFunc func(cfg *config.Config)

// Watcher watches one config file and re-parses it on change.
type Watcher struct {
	configPath string
	apply      ApplyFunc
	bus        *events.Bus

	mu       sync.Mutex
	fw       *fsnotify.Watcher
	stop     chan struct{}
	debounce time.Duration
}

// New creates a watcher for the given config file. The apply callback runs
// on the watcher goroutine after every successful parse. The event bus may
// be nil.
func New(configPath string, apply ApplyFunc, bus *events.Bus) *Watcher {
	return &Watcher{
		configPath: configPath,
		apply:      apply,
		bus:        bus,
		debounce:   100 * time.Millisecond,
	}
}

// Start begins watching the config file. It watches the parent directory
// rather than the file itself so that editors which replace the file by
// rename keep triggering events. Calling Start on a running watcher is a
// no-op.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.fw != nil {
		return nil
	}
	if w.apply == nil {
		return fmt.Errorf("watcher requires an apply callback")
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	w.fw = fw
	w.stop = make(chan struct{})

	go func() {
		for {
			select {
			case event, ok := <-fw.Events:
				if !ok {
					return
				}
				if !w.matches(event.Name) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					// Editors emit bursts of events per save; let the burst settle.
					time.Sleep(w.debounce)
					w.reload()
				}
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				log.Warnf("Config watcher error: %v", err)
			case <-w.stop:
				return
			}
		}
	}()

	dir := filepath.Dir(w.configPath)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		w.fw = nil
		return fmt.Errorf("failed to watch config directory %s: %w", dir, err)
	}

	log.Infof("Watching %s for configuration changes", w.configPath)
	return nil
}

// Stop halts the watcher. Safe to call more than once.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stop != nil {
		select {
		case <-w.stop:
		default:
			close(w.stop)
		}
	}
	if w.fw != nil {
		w.fw.Close()
		w.fw = nil
	}
}

// matches reports whether an fsnotify event path refers to the config file.
func (w *Watcher) matches(name string) bool {
	return filepath.Base(name) == filepath.Base(w.configPath)
}

// Reload parses the config file immediately and applies it. Exposed for
// SIGHUP handling alongside the filesystem trigger.
func (w *Watcher) Reload() {
	w.reload()
}

func (w *Watcher) reload() {
	cfg, err := config.LoadConfig(w.configPath)
	if err != nil {
		log.Errorf("Config reload failed, keeping previous config: %v", err)
		return
	}

	w.apply(cfg)
	log.Infof("Configuration reloaded from %s", w.configPath)

	if w.bus != nil {
		w.bus.PublishAsync(&events.EventContext{
			Event:     events.EventConfigReloaded,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"path":      w.configPath,
				"providers": len(cfg.Providers),
			},
		})
	}
}
