// Copyright 2026 The toolmesh Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package router

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/fsnotify/fsnotify"
	"github.com/goccy/go-yaml"
	log "github.com/sirupsen/logrus"
)

// Rule actions.
const (
	// ActionPin routes the call to the rule's provider when it survives
	// the health and breaker filters.
	ActionPin = "pin"

	// ActionPrefer adds the rule's boost to the provider's score.
	ActionPrefer = "prefer"

	// ActionDeny removes the provider from the candidate set.
	ActionDeny = "deny"
)

const defaultBoost = 0.25

// maxRuleFileSize guards against oversized rule files.
const maxRuleFileSize = 1 << 20

// Rule is one operator steering rule, loaded from a YAML file.
type Rule struct {
	Name        string     `yaml:"name" json:"name"`
	Description string     `yaml:"description,omitempty" json:"description,omitempty"`
	Activation  Activation `yaml:"activation" json:"activation"`
	Effect      Effect     `yaml:"effect" json:"effect"`

	// FilePath is the source file of the rule, not part of the YAML.
	FilePath string `yaml:"-" json:"-"`
}

// Activation defines when a rule fires.
type Activation struct {
	// Condition is an expression over the call context, e.g.
	// `category == "clinical_trial"`. Empty or "true" always fires.
	Condition string `yaml:"condition" json:"condition"`

	// Priority orders rule application; higher runs first.
	Priority int `yaml:"priority" json:"priority"`
}

// Effect defines what a fired rule does to the candidate set.
type Effect struct {
	Action   string  `yaml:"action" json:"action"`
	Provider string  `yaml:"provider" json:"provider"`
	Boost    float64 `yaml:"boost,omitempty" json:"boost,omitempty"`
}

// RuleContext is the expression environment a condition evaluates
// against.
type RuleContext struct {
	Operation string `expr:"operation"`
	Category  string `expr:"category"`
	Hour      int    `expr:"hour"`
	Weekday   string `expr:"weekday"`
}

// Steering is the outcome of applying the active rules to one call.
type Steering struct {
	// Pinned names the provider a pin rule selected, when any.
	Pinned string

	// PinnedBy is the name of the rule that pinned.
	PinnedBy string

	// Denied maps provider name to the denying rule's name.
	Denied map[string]string

	// Boosts maps provider name to an additive score bonus.
	Boosts map[string]float64
}

// compiledRule pairs a rule with its precompiled condition.
type compiledRule struct {
	rule    Rule
	program *vm.Program
}

// SteeringEngine loads rule files from a directory and evaluates them
// at route time. A nil engine or an engine with no directory applies
// nothing.
type SteeringEngine struct {
	rulesDir string

	mu    sync.RWMutex
	rules []compiledRule

	watcher     *fsnotify.Watcher
	stopWatcher chan struct{}
}

// NewSteeringEngine creates an engine for a rules directory. An empty
// directory string disables steering.
func NewSteeringEngine(rulesDir string) *SteeringEngine {
	return &SteeringEngine{rulesDir: rulesDir}
}

// LoadRules scans the rules directory and swaps in the parsed rule set.
// Files that fail to parse or compile are logged and skipped so one bad
// rule never takes down the rest.
func (e *SteeringEngine) LoadRules() error {
	if e == nil || e.rulesDir == "" {
		return nil
	}

	if _, err := os.Stat(e.rulesDir); os.IsNotExist(err) {
		if err := os.MkdirAll(e.rulesDir, 0755); err != nil {
			return fmt.Errorf("failed to create steering directory: %w", err)
		}
	}

	absDir, err := filepath.Abs(e.rulesDir)
	if err != nil {
		return fmt.Errorf("failed to resolve steering directory: %w", err)
	}

	loaded := make([]compiledRule, 0)
	err = filepath.Walk(e.rulesDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			log.Warnf("Skipping symlink in steering directory: %s", path)
			return nil
		}
		absPath, err := filepath.Abs(path)
		if err != nil || !strings.HasPrefix(absPath, absDir) {
			log.Warnf("Skipping file outside steering directory: %s", path)
			return nil
		}
		if info.IsDir() || (!strings.HasSuffix(path, ".yaml") && !strings.HasSuffix(path, ".yml")) {
			return nil
		}
		if info.Size() > maxRuleFileSize {
			log.Warnf("Skipping oversized steering file: %s (%d bytes)", path, info.Size())
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			log.Errorf("Failed to read steering file %s: %v", path, err)
			return nil
		}

		var rule Rule
		if err := yaml.Unmarshal(data, &rule); err != nil {
			log.Errorf("Failed to parse steering rule %s: %v", path, err)
			return nil
		}
		rule.FilePath = path

		cr, err := compileRule(rule)
		if err != nil {
			log.Errorf("Failed to compile steering rule %s: %v", path, err)
			return nil
		}

		loaded = append(loaded, cr)
		log.Debugf("Loaded steering rule %s from %s", rule.Name, path)
		return nil
	})
	if err != nil {
		return err
	}

	sort.SliceStable(loaded, func(i, j int) bool {
		return loaded[i].rule.Activation.Priority > loaded[j].rule.Activation.Priority
	})

	e.mu.Lock()
	e.rules = loaded
	e.mu.Unlock()

	log.Infof("Loaded %d steering rules", len(loaded))
	return nil
}

func compileRule(rule Rule) (compiledRule, error) {
	switch rule.Effect.Action {
	case ActionPin, ActionPrefer, ActionDeny:
	default:
		return compiledRule{}, fmt.Errorf("unknown action %q", rule.Effect.Action)
	}
	if rule.Effect.Provider == "" {
		return compiledRule{}, fmt.Errorf("rule %q names no provider", rule.Name)
	}

	cr := compiledRule{rule: rule}
	cr.rule.Effect.Provider = strings.ToLower(strings.TrimSpace(rule.Effect.Provider))
	if cond := rule.Activation.Condition; cond != "" && cond != "true" {
		program, err := expr.Compile(cond, expr.Env(RuleContext{}), expr.AsBool())
		if err != nil {
			return compiledRule{}, fmt.Errorf("condition %q: %w", cond, err)
		}
		cr.program = program
	}
	return cr, nil
}

// Apply evaluates the rule set against a call context. Rules whose
// condition errors at runtime are skipped.
func (e *SteeringEngine) Apply(rctx RuleContext) Steering {
	out := Steering{
		Denied: make(map[string]string),
		Boosts: make(map[string]float64),
	}
	if e == nil {
		return out
	}

	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()

	for _, cr := range rules {
		if cr.program != nil {
			result, err := expr.Run(cr.program, rctx)
			if err != nil {
				log.Warnf("Steering rule %s condition failed: %v", cr.rule.Name, err)
				continue
			}
			if active, ok := result.(bool); !ok || !active {
				continue
			}
		}

		provider := cr.rule.Effect.Provider
		switch cr.rule.Effect.Action {
		case ActionDeny:
			if _, taken := out.Denied[provider]; !taken {
				out.Denied[provider] = cr.rule.Name
			}
		case ActionPin:
			if out.Pinned == "" {
				out.Pinned = provider
				out.PinnedBy = cr.rule.Name
			}
		case ActionPrefer:
			boost := cr.rule.Effect.Boost
			if boost == 0 {
				boost = defaultBoost
			}
			out.Boosts[provider] += boost
		}
	}
	return out
}

// Rules returns a copy of the loaded rules in application order.
func (e *SteeringEngine) Rules() []Rule {
	if e == nil {
		return nil
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Rule, 0, len(e.rules))
	for _, cr := range e.rules {
		out = append(out, cr.rule)
	}
	return out
}

// StartWatcher watches the rules directory and reloads on change.
func (e *SteeringEngine) StartWatcher() error {
	if e == nil || e.rulesDir == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(e.rulesDir); err != nil {
		watcher.Close()
		return err
	}
	e.watcher = watcher
	e.stopWatcher = make(chan struct{})

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					log.Infof("Steering rules changed (%s), reloading", event.Name)
					time.Sleep(100 * time.Millisecond)
					if err := e.LoadRules(); err != nil {
						log.Errorf("Failed to reload steering rules: %v", err)
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Errorf("Steering watcher error: %v", err)
			case <-e.stopWatcher:
				return
			}
		}
	}()

	return nil
}

// StopWatcher stops the rules directory watcher.
func (e *SteeringEngine) StopWatcher() {
	if e == nil || e.watcher == nil {
		return
	}
	select {
	case <-e.stopWatcher:
	default:
		close(e.stopWatcher)
	}
	e.watcher.Close()
	e.watcher = nil
}
