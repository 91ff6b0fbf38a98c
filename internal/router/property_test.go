// Copyright 2026 The toolmesh Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package router

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/axiombio/toolmesh/internal/breaker"
	"github.com/axiombio/toolmesh/internal/config"
	"github.com/axiombio/toolmesh/internal/registry"
)

func propFixture(open []bool, scores []int) (*Router, []string) {
	reg := registry.NewProviderRegistry()
	names := make([]string, len(open))
	states := make(map[string]breaker.State, len(open))
	health := make(map[string]float64, len(open))

	for i := range open {
		name := fmt.Sprintf("provider%d", i)
		names[i] = name
		reg.Register(registry.Descriptor{Name: name, Priority: 10 * (i + 1), Operations: []string{"compound_lookup"}}, &stubCaller{name: name})
		if open[i] {
			states[name] = breaker.StateOpen
		}
		health[name] = float64(scores[i]) / 100.0
	}

	r := NewRouter(reg, &mockHealth{scores: health, floor: 0.3}, &mockBreakers{states: states}, &mockAffinity{aff: map[string]float64{}}, nil, config.DefaultRouterConfig())
	return r, names
}

func TestPropertyOpenBreakerNeverSelected(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("an open breaker is never selected while any other candidate serves", prop.ForAll(
		func(open []bool, scores []int) bool {
			r, names := propFixture(open, scores)

			usable := false
			for i := range names {
				if !open[i] && float64(scores[i])/100.0 > 0.3 {
					usable = true
				}
			}

			d, err := r.Select("compound_lookup", Options{})
			if err != nil {
				// A failure is only legitimate when nothing was usable.
				return !usable
			}
			for i, name := range names {
				if name == d.Provider {
					return !open[i]
				}
			}
			return false
		},
		gen.SliceOfN(4, gen.Bool()),
		gen.SliceOfN(4, gen.IntRange(0, 100)),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}

func TestPropertyExcludedNeverSelected(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("an excluded provider is never selected", prop.ForAll(
		func(excludeMask []bool) bool {
			open := make([]bool, len(excludeMask))
			scores := make([]int, len(excludeMask))
			for i := range scores {
				scores[i] = 100
			}
			r, names := propFixture(open, scores)

			exclude := make([]string, 0, len(names))
			for i, name := range names {
				if excludeMask[i] {
					exclude = append(exclude, name)
				}
			}

			d, err := r.Select("compound_lookup", Options{Exclude: exclude})
			if err != nil {
				return len(exclude) == len(names)
			}
			for _, name := range exclude {
				if d.Provider == name {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(4, gen.Bool()),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}
