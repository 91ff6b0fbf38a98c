// Copyright 2026 The toolmesh Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package router

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const watchedRule = `
name: chembl-pin
activation:
  condition: category == "chemical_search"
effect:
  action: pin
  provider: chembl
`

func TestSteeringWatcher_PicksUpNewRules(t *testing.T) {
	dir := t.TempDir()
	e := NewSteeringEngine(dir)
	require.NoError(t, e.LoadRules())
	require.Empty(t, e.Rules())

	require.NoError(t, e.StartWatcher())
	defer e.StopWatcher()

	path := filepath.Join(dir, "pin.yaml")
	require.NoError(t, os.WriteFile(path, []byte(watchedRule), 0644))

	require.Eventually(t, func() bool {
		return len(e.Rules()) == 1
	}, 3*time.Second, 25*time.Millisecond, "rule file should load without a restart")

	steering := e.Apply(RuleContext{Category: "chemical_search"})
	require.Equal(t, "chembl", steering.Pinned)

	// Removing the file retires the rule the same way.
	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool {
		return len(e.Rules()) == 0
	}, 3*time.Second, 25*time.Millisecond, "removed rule should retire")
}

func TestSteeringWatcher_BrokenEditRetiresRule(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pin.yaml")
	require.NoError(t, os.WriteFile(path, []byte(watchedRule), 0644))

	e := NewSteeringEngine(dir)
	require.NoError(t, e.LoadRules())
	require.Len(t, e.Rules(), 1)

	require.NoError(t, e.StartWatcher())
	defer e.StopWatcher()

	// A broken edit drops the rule instead of keeping a stale compiled
	// copy; fixing the file brings it back.
	require.NoError(t, os.WriteFile(path, []byte("effect: [not a rule\n"), 0644))
	require.Eventually(t, func() bool {
		return len(e.Rules()) == 0
	}, 3*time.Second, 25*time.Millisecond, "unparseable rule should retire")

	require.NoError(t, os.WriteFile(path, []byte(watchedRule), 0644))
	require.Eventually(t, func() bool {
		return len(e.Rules()) == 1
	}, 3*time.Second, 25*time.Millisecond, "fixed rule should reload")
}

func TestSteeringWatcher_StopIsIdempotent(t *testing.T) {
	e := NewSteeringEngine(t.TempDir())
	require.NoError(t, e.StartWatcher())
	e.StopWatcher()
	e.StopWatcher()

	// Never-started and disabled engines stop cleanly too.
	NewSteeringEngine(t.TempDir()).StopWatcher()
	disabled := NewSteeringEngine("")
	require.NoError(t, disabled.StartWatcher())
	disabled.StopWatcher()
}
