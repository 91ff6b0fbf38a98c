// Copyright 2026 The toolmesh Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package router

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/axiombio/toolmesh/internal/breaker"
	"github.com/axiombio/toolmesh/internal/config"
	"github.com/axiombio/toolmesh/internal/registry"
)

func writeRule(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatalf("failed to write rule file: %v", err)
	}
}

func loadedEngine(t *testing.T, rules map[string]string) *SteeringEngine {
	t.Helper()

	dir := t.TempDir()
	for name, content := range rules {
		writeRule(t, dir, name, content)
	}

	e := NewSteeringEngine(dir)
	if err := e.LoadRules(); err != nil {
		t.Fatalf("failed to load rules: %v", err)
	}
	return e
}

func TestSteeringPinRule(t *testing.T) {
	e := loadedEngine(t, map[string]string{
		"clinical.yaml": `
name: clinical-pin
description: clinical trial lookups stay on chembl
activation:
  condition: category == "clinical_trial"
  priority: 10
effect:
  action: pin
  provider: chembl
`,
	})

	out := e.Apply(RuleContext{Operation: "compound_lookup", Category: "clinical_trial"})
	if out.Pinned != "chembl" {
		t.Errorf("pinned = %q, want chembl", out.Pinned)
	}
	if out.PinnedBy != "clinical-pin" {
		t.Errorf("pinned by = %q, want clinical-pin", out.PinnedBy)
	}

	out = e.Apply(RuleContext{Operation: "compound_lookup", Category: "gene_lookup"})
	if out.Pinned != "" {
		t.Errorf("pinned = %q for a non-matching category, want none", out.Pinned)
	}
}

func TestSteeringDenyAndPrefer(t *testing.T) {
	e := loadedEngine(t, map[string]string{
		"deny.yaml": `
name: shed-drugbank
activation:
  condition: operation == "compound_lookup"
  priority: 5
effect:
  action: deny
  provider: drugbank
`,
		"prefer.yaml": `
name: boost-pubchem
activation:
  condition: "true"
  priority: 1
effect:
  action: prefer
  provider: pubchem
  boost: 0.4
`,
	})

	out := e.Apply(RuleContext{Operation: "compound_lookup"})
	if rule := out.Denied["drugbank"]; rule != "shed-drugbank" {
		t.Errorf("denied[drugbank] = %q, want shed-drugbank", rule)
	}
	if out.Boosts["pubchem"] != 0.4 {
		t.Errorf("boost = %v, want 0.4", out.Boosts["pubchem"])
	}

	out = e.Apply(RuleContext{Operation: "gene_lookup"})
	if len(out.Denied) != 0 {
		t.Errorf("denied = %v for a non-matching operation, want none", out.Denied)
	}
	if out.Boosts["pubchem"] != 0.4 {
		t.Error("unconditional prefer rule should always fire")
	}
}

func TestSteeringPriorityOrdersPins(t *testing.T) {
	e := loadedEngine(t, map[string]string{
		"low.yaml": `
name: low-pin
activation:
  condition: "true"
  priority: 1
effect:
  action: pin
  provider: pubchem
`,
		"high.yaml": `
name: high-pin
activation:
  condition: "true"
  priority: 20
effect:
  action: pin
  provider: chembl
`,
	})

	out := e.Apply(RuleContext{})
	if out.Pinned != "chembl" || out.PinnedBy != "high-pin" {
		t.Errorf("pinned = %q by %q, want chembl by high-pin", out.Pinned, out.PinnedBy)
	}
}

func TestSteeringSkipsBrokenRules(t *testing.T) {
	e := loadedEngine(t, map[string]string{
		"bad-condition.yaml": `
name: broken
activation:
  condition: category ==
  priority: 50
effect:
  action: pin
  provider: pubchem
`,
		"bad-action.yaml": `
name: mystery
activation:
  condition: "true"
effect:
  action: reroute
  provider: pubchem
`,
		"not-yaml.txt": `name: ignored`,
		"good.yaml": `
name: survivor
activation:
  condition: "true"
  priority: 1
effect:
  action: prefer
  provider: chembl
`,
	})

	rules := e.Rules()
	if len(rules) != 1 {
		t.Fatalf("loaded %d rules, want only the valid one", len(rules))
	}
	if rules[0].Name != "survivor" {
		t.Errorf("rule = %q, want survivor", rules[0].Name)
	}
}

func TestSteeringDefaultBoost(t *testing.T) {
	e := loadedEngine(t, map[string]string{
		"prefer.yaml": `
name: nudge
activation:
  condition: "true"
effect:
  action: prefer
  provider: pubchem
`,
	})

	out := e.Apply(RuleContext{})
	if out.Boosts["pubchem"] != defaultBoost {
		t.Errorf("boost = %v, want default %v", out.Boosts["pubchem"], defaultBoost)
	}
}

func TestSteeringEmptyDirDisabled(t *testing.T) {
	e := NewSteeringEngine("")
	if err := e.LoadRules(); err != nil {
		t.Fatalf("empty dir should be a no-op, got: %v", err)
	}

	out := e.Apply(RuleContext{Category: "clinical_trial"})
	if out.Pinned != "" || len(out.Denied) != 0 || len(out.Boosts) != 0 {
		t.Errorf("disabled engine steered: %+v", out)
	}
}

func TestSteeringHourAndWeekdayContext(t *testing.T) {
	e := loadedEngine(t, map[string]string{
		"offhours.yaml": `
name: night-shift
activation:
  condition: hour >= 22 || hour < 6
  priority: 10
effect:
  action: prefer
  provider: drugbank
`,
	})

	out := e.Apply(RuleContext{Hour: 23, Weekday: "Saturday"})
	if out.Boosts["drugbank"] == 0 {
		t.Error("expected the night rule to fire at hour 23")
	}

	out = e.Apply(RuleContext{Hour: 12, Weekday: "Monday"})
	if out.Boosts["drugbank"] != 0 {
		t.Error("expected the night rule to stay quiet at noon")
	}
}

func TestRouterAppliesSteering(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir, "pin.yaml", `
name: clinical-pin
activation:
  condition: category == "clinical_trial"
  priority: 10
effect:
  action: pin
  provider: chembl
`)
	writeRule(t, dir, "deny.yaml", `
name: shed-pubchem
activation:
  condition: category == "literature_search"
  priority: 5
effect:
  action: deny
  provider: pubchem
`)

	engine := NewSteeringEngine(dir)
	if err := engine.LoadRules(); err != nil {
		t.Fatalf("failed to load rules: %v", err)
	}

	reg := registry.NewProviderRegistry()
	for i, name := range []string{"pubchem", "chembl"} {
		reg.Register(registry.Descriptor{Name: name, Priority: 10 * (i + 1), Operations: []string{"compound_lookup"}}, &stubCaller{name: name})
	}
	h := &mockHealth{scores: map[string]float64{"pubchem": 1.0, "chembl": 0.4}, floor: 0.3}
	r := NewRouter(reg, h, &mockBreakers{states: map[string]breaker.State{}}, &mockAffinity{aff: map[string]float64{}}, engine, config.DefaultRouterConfig())

	// The pin overrides chembl's worse score.
	d, err := r.Select("compound_lookup", Options{Category: "clinical_trial"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Provider != "chembl" || d.PinnedBy != "clinical-pin" {
		t.Errorf("got provider=%s pinnedBy=%q, want chembl via clinical-pin", d.Provider, d.PinnedBy)
	}

	// The deny removes the better-scoring provider.
	d, err = r.Select("compound_lookup", Options{Category: "literature_search"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Provider != "chembl" {
		t.Errorf("selected %s, want chembl with pubchem denied", d.Provider)
	}

	// A denied-out pool is a routing failure naming the rule.
	h.scores["chembl"] = 0.1
	_, err = r.Select("compound_lookup", Options{Category: "literature_search"})
	if err == nil {
		t.Fatal("expected no-provider error")
	}
}
