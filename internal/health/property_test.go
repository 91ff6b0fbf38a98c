// Copyright 2026 The toolmesh Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package health

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestScoreProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("score stays within [0,1] for any window", prop.ForAll(
		func(outcomes []bool, latencyMs int) bool {
			m := NewMonitor(DefaultConfig(), nil, nil)
			for _, ok := range outcomes {
				m.ReportOutcome("p", ok, time.Duration(latencyMs)*time.Millisecond)
			}
			s := m.Score("p")
			return s >= 0 && s <= 1
		},
		gen.SliceOf(gen.Bool()),
		gen.IntRange(0, 60000),
	))

	properties.Property("all-success fast windows outscore all-failure windows", prop.ForAll(
		func(n int) bool {
			good := NewMonitor(DefaultConfig(), nil, nil)
			bad := NewMonitor(DefaultConfig(), nil, nil)
			for i := 0; i < n; i++ {
				good.ReportOutcome("p", true, time.Millisecond)
				bad.ReportOutcome("p", false, time.Millisecond)
			}
			return good.Score("p") > bad.Score("p")
		},
		gen.IntRange(1, 50),
	))

	properties.Property("adding a failure never raises the score", prop.ForAll(
		func(outcomes []bool) bool {
			m := NewMonitor(DefaultConfig(), nil, nil)
			for _, ok := range outcomes {
				m.ReportOutcome("p", ok, time.Millisecond)
			}
			before := m.Score("p")
			m.ReportOutcome("p", false, time.Millisecond)
			return m.Score("p") <= before+1e-9
		},
		// Stay under the window size so no eviction skews the check.
		gen.SliceOfN(20, gen.Bool()),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}
