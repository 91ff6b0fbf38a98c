// Copyright 2026 The toolmesh Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/axiombio/toolmesh/internal/breaker"
	"github.com/axiombio/toolmesh/internal/cache"
	"github.com/axiombio/toolmesh/internal/config"
	"github.com/axiombio/toolmesh/internal/events"
	"github.com/axiombio/toolmesh/internal/feedback"
	"github.com/axiombio/toolmesh/internal/fingerprint"
	"github.com/axiombio/toolmesh/internal/health"
	"github.com/axiombio/toolmesh/internal/orcherr"
	"github.com/axiombio/toolmesh/internal/provider"
	"github.com/axiombio/toolmesh/internal/registry"
	"github.com/axiombio/toolmesh/internal/retry"
	"github.com/axiombio/toolmesh/internal/router"
)

// mockCaller is a scriptable provider backend.
type mockCaller struct {
	name   string
	invoke func(ctx context.Context, operation string, args map[string]interface{}) (*provider.Result, error)

	mu    sync.Mutex
	calls int
}

func (c *mockCaller) Name() string { return c.name }

func (c *mockCaller) Invoke(ctx context.Context, operation string, args map[string]interface{}) (*provider.Result, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	res, err := c.invoke(ctx, operation, args)
	if res != nil && res.Provider == "" {
		res.Provider = c.name
	}
	return res, err
}

func (c *mockCaller) Probe(ctx context.Context) error { return nil }

func (c *mockCaller) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func succeedWith(payload string) func(context.Context, string, map[string]interface{}) (*provider.Result, error) {
	return func(ctx context.Context, operation string, args map[string]interface{}) (*provider.Result, error) {
		return &provider.Result{Operation: operation, Payload: []byte(payload), StatusCode: 200, Latency: time.Millisecond}, nil
	}
}

func failWith(kind orcherr.Kind) func(context.Context, string, map[string]interface{}) (*provider.Result, error) {
	return func(ctx context.Context, operation string, args map[string]interface{}) (*provider.Result, error) {
		return nil, orcherr.New(kind, "scripted failure").WithCall("", operation)
	}
}

// fixtureOpts override the fixture defaults per test. Zero values keep
// the defaults.
type fixtureOpts struct {
	retry     config.RetryConfig
	breaker   breaker.Config
	withEvent bool
}

type fixture struct {
	orch     *Orchestrator
	registry *registry.ProviderRegistry
	router   *router.Router
	breakers *breaker.Manager
	health   *health.Monitor
	fb       *feedback.Bus
	cache    *cache.Manager
	bus      *events.Bus
	callers  map[string]*mockCaller
}

// newFixture wires a full in-memory stack with a hot cache tier and
// millisecond backoffs. Callers serve compound_lookup in the order
// given, earlier ones at better priority.
func newFixture(t *testing.T, opts fixtureOpts, callers ...*mockCaller) *fixture {
	t.Helper()

	if opts.retry.MaxAttemptsPerProvider == 0 {
		opts.retry = config.RetryConfig{
			MaxAttemptsPerProvider: 2,
			MaxAttemptsTotal:       6,
			BaseBackoff:            "1ms",
			MaxBackoff:             "5ms",
			RateLimitBackoff:       "2ms",
			Multiplier:             2.0,
		}
	}
	if opts.breaker.FailureThreshold == 0 {
		opts.breaker = breaker.Config{FailureThreshold: 5, ResetTimeout: time.Minute}
	}

	var bus *events.Bus
	if opts.withEvent {
		bus = events.NewBus()
		t.Cleanup(bus.Shutdown)
	}

	reg := registry.NewProviderRegistry()
	byName := make(map[string]*mockCaller, len(callers))
	for i, c := range callers {
		byName[c.name] = c
		desc := registry.Descriptor{
			Name:       c.name,
			Priority:   10 * (i + 1),
			Operations: []string{"compound_lookup"},
			Categories: []string{"chemical_search"},
		}
		if err := reg.Register(desc, c); err != nil {
			t.Fatalf("Register(%s) error = %v", c.name, err)
		}
	}

	breakers := breaker.NewManager(opts.breaker, bus)
	monitor := health.NewMonitor(health.Config{}, breakers, bus)
	fb := feedback.NewBus(context.Background(), feedback.Config{MinObservations: 2})
	t.Cleanup(func() { _ = fb.Shutdown(context.Background()) })

	rt := router.NewRouter(reg, monitor, breakers, fb, nil, config.DefaultRouterConfig())
	exec := retry.NewExecutor(rt, opts.retry)

	normalizer := fingerprint.NewNormalizer(nil)
	cm := cache.NewManager(context.Background(), cache.Config{
		Hot: cache.HotConfig{Enabled: true, TTL: time.Minute, MaxEntries: 128},
	}, normalizer, bus)
	t.Cleanup(cm.Stop)

	orch, err := New(Deps{
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
		t.Fatalf("New() error = %v", err)
	}

	return &fixture{
		orch:     orch,
		registry: reg,
		router:   rt,
		breakers: breakers,
		health:   monitor,
		fb:       fb,
		cache:    cm,
		bus:      bus,
		callers:  byName,
	}
}

func TestNewRequiresComponents(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Fatal("New(Deps{}) returned nil error, want a wiring error")
	}

	fx := newFixture(t, fixtureOpts{}, &mockCaller{name: "pubchem", invoke: succeedWith(`{}`)})
	if fx.orch == nil {
		t.Fatal("fixture orchestrator is nil")
	}
}

func TestExecuteServesFromProvider(t *testing.T) {
	pubchem := &mockCaller{name: "pubchem", invoke: succeedWith(`{"cid":2244}`)}
	fx := newFixture(t, fixtureOpts{}, pubchem)

	res, fb, err := fx.orch.Execute(context.Background(), "compound_lookup", map[string]interface{}{"name": "aspirin"}, CallOptions{Category: "chemical_search"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Provider != "pubchem" {
		t.Errorf("res.Provider = %q, want pubchem", res.Provider)
	}
	if res.Source != "live" {
		t.Errorf("res.Source = %q, want live", res.Source)
	}
	if string(res.Payload) != `{"cid":2244}` {
		t.Errorf("res.Payload = %s, want the provider payload", res.Payload)
	}
	if res.RequestID == "" {
		t.Error("res.RequestID is empty, want a generated ID")
	}
	if !fb.Success || fb.Provider != "pubchem" {
		t.Errorf("feedback = %+v, want success via pubchem", fb)
	}
	if fb.Category != "chemical_search" {
		t.Errorf("feedback.Category = %q, want chemical_search", fb.Category)
	}
	if fb.Recommendation == "" {
		t.Error("feedback.Recommendation is empty")
	}
}

func TestExecuteSecondCallServesFromCache(t *testing.T) {
	pubchem := &mockCaller{name: "pubchem", invoke: succeedWith(`{"cid":2244}`)}
	fx := newFixture(t, fixtureOpts{}, pubchem)

	args := map[string]interface{}{"name": "aspirin"}
	first, _, err := fx.orch.Execute(context.Background(), "compound_lookup", args, CallOptions{})
	if err != nil {
		t.Fatalf("first Execute() error = %v", err)
	}

	second, fb, err := fx.orch.Execute(context.Background(), "compound_lookup", args, CallOptions{})
	if err != nil {
		t.Fatalf("second Execute() error = %v", err)
	}
	if second.Provider != SourceCache {
		t.Errorf("second res.Provider = %q, want cache", second.Provider)
	}
	if fb.Provider != SourceCache {
		t.Errorf("second feedback.Provider = %q, want cache", fb.Provider)
	}
	if string(second.Payload) != string(first.Payload) {
		t.Errorf("cached payload %s differs from original %s", second.Payload, first.Payload)
	}
	if got := pubchem.callCount(); got != 1 {
		t.Errorf("provider invoked %d times, want 1", got)
	}
}

func TestExecuteEquivalentArgsHitCache(t *testing.T) {
	pubchem := &mockCaller{name: "pubchem", invoke: succeedWith(`{"cid":2244}`)}
	fx := newFixture(t, fixtureOpts{}, pubchem)

	if _, _, err := fx.orch.Execute(context.Background(), "compound_lookup", map[string]interface{}{"name": "Aspirin", "max": 5}, CallOptions{}); err != nil {
		t.Fatalf("first Execute() error = %v", err)
	}
	res, _, err := fx.orch.Execute(context.Background(), "compound_lookup", map[string]interface{}{"max": 5, "name": "  aspirin"}, CallOptions{})
	if err != nil {
		t.Fatalf("second Execute() error = %v", err)
	}
	if res.Provider != SourceCache {
		t.Errorf("res.Provider = %q, want cache for the equivalent call", res.Provider)
	}
	if got := pubchem.callCount(); got != 1 {
		t.Errorf("provider invoked %d times, want 1", got)
	}
}

func TestExecuteFailsOverToBackup(t *testing.T) {
	pubchem := &mockCaller{name: "pubchem", invoke: failWith(orcherr.KindConnection)}
	chembl := &mockCaller{name: "chembl", invoke: succeedWith(`{"molecule":"CHEMBL25"}`)}
	fx := newFixture(t, fixtureOpts{}, pubchem, chembl)

	res, fb, err := fx.orch.Execute(context.Background(), "compound_lookup", map[string]interface{}{"name": "aspirin"}, CallOptions{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Provider != "chembl" {
		t.Errorf("res.Provider = %q, want chembl after failover", res.Provider)
	}
	if fb.Provider != "chembl" || !fb.Success {
		t.Errorf("feedback = %+v, want success via chembl", fb)
	}
	if got := pubchem.callCount(); got != 2 {
		t.Errorf("pubchem attempts = %d, want the full per-provider budget of 2", got)
	}
}

func TestExecuteBreakerTripsAndRoutesAround(t *testing.T) {
	pubchem := &mockCaller{name: "pubchem", invoke: failWith(orcherr.KindConnection)}
	chembl := &mockCaller{name: "chembl", invoke: succeedWith(`{"molecule":"CHEMBL25"}`)}
	fx := newFixture(t, fixtureOpts{
		retry: config.RetryConfig{
			MaxAttemptsPerProvider: 6,
			MaxAttemptsTotal:       12,
			BaseBackoff:            "1ms",
			MaxBackoff:             "2ms",
			RateLimitBackoff:       "1ms",
			Multiplier:             2.0,
		},
		breaker: breaker.Config{FailureThreshold: 5, ResetTimeout: time.Minute},
	}, pubchem, chembl)

	// The fifth consecutive failure trips the breaker mid-call; the
	// sixth attempt is rejected without touching the network and the
	// call fails over.
	res, _, err := fx.orch.Execute(context.Background(), "compound_lookup", map[string]interface{}{"name": "aspirin"}, CallOptions{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Provider != "chembl" {
		t.Errorf("res.Provider = %q, want chembl", res.Provider)
	}
	if got := pubchem.callCount(); got != 5 {
		t.Errorf("pubchem invocations = %d, want exactly the threshold of 5", got)
	}
	if state := fx.breakers.StateOf("pubchem"); state != breaker.StateOpen {
		t.Fatalf("pubchem breaker = %s, want open", state)
	}

	// Later calls route straight to the backup while the breaker holds.
	res, _, err = fx.orch.Execute(context.Background(), "compound_lookup", map[string]interface{}{"name": "caffeine"}, CallOptions{})
	if err != nil {
		t.Fatalf("Execute() after trip error = %v", err)
	}
	if res.Provider != "chembl" {
		t.Errorf("res.Provider = %q, want chembl while pubchem is open", res.Provider)
	}
	if got := pubchem.callCount(); got != 5 {
		t.Errorf("pubchem invocations = %d after trip, want still 5", got)
	}
}

func TestExecuteDeadlineCountsOneFailure(t *testing.T) {
	pubchem := &mockCaller{name: "pubchem", invoke: func(ctx context.Context, operation string, args map[string]interface{}) (*provider.Result, error) {
		<-ctx.Done()
		return nil, orcherr.Wrap(orcherr.KindTimeout, ctx.Err(), "request timed out").WithCall("pubchem", operation)
	}}
	chembl := &mockCaller{name: "chembl", invoke: succeedWith(`{}`)}
	fx := newFixture(t, fixtureOpts{}, pubchem, chembl)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, fb, err := fx.orch.Execute(ctx, "compound_lookup", map[string]interface{}{"name": "aspirin"}, CallOptions{})
	if !orcherr.IsKind(err, orcherr.KindTimeout) {
		t.Fatalf("Execute() error = %v, want timeout", err)
	}
	if fb.Success || fb.Provider != SourceError {
		t.Errorf("feedback = %+v, want a failed call attributed to %q", fb, SourceError)
	}
	if got := fx.breakers.For("pubchem").ConsecutiveFailures(); got != 1 {
		t.Errorf("pubchem consecutive failures = %d, want exactly 1 for the cancelled call", got)
	}
	if got := chembl.callCount(); got != 0 {
		t.Errorf("chembl invoked %d times, want 0 after the deadline died", got)
	}
}

func TestExecuteStampedeCollapsesToOneInvocation(t *testing.T) {
	pubchem := &mockCaller{name: "pubchem", invoke: func(ctx context.Context, operation string, args map[string]interface{}) (*provider.Result, error) {
		time.Sleep(50 * time.Millisecond)
		return &provider.Result{Operation: operation, Payload: []byte(`{"cid":2244}`), StatusCode: 200}, nil
	}}
	fx := newFixture(t, fixtureOpts{}, pubchem)

	const concurrent = 8
	var wg sync.WaitGroup
	payloads := make([]string, concurrent)
	errs := make([]error, concurrent)
	for i := 0; i < concurrent; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, _, err := fx.orch.Execute(context.Background(), "compound_lookup", map[string]interface{}{"name": "aspirin"}, CallOptions{})
			if err != nil {
				errs[i] = err
				return
			}
			payloads[i] = string(res.Payload)
		}(i)
	}
	wg.Wait()

	for i := 0; i < concurrent; i++ {
		if errs[i] != nil {
			t.Fatalf("call %d error = %v", i, errs[i])
		}
		if payloads[i] != `{"cid":2244}` {
			t.Errorf("call %d payload = %s, want the shared payload", i, payloads[i])
		}
	}
	if got := pubchem.callCount(); got != 1 {
		t.Errorf("provider invoked %d times for %d concurrent identical calls, want 1", got, concurrent)
	}
}

func TestExecuteInvalidArgumentLeavesProviderClean(t *testing.T) {
	pubchem := &mockCaller{name: "pubchem", invoke: failWith(orcherr.KindInvalidArgument)}
	fx := newFixture(t, fixtureOpts{}, pubchem)

	_, fb, err := fx.orch.Execute(context.Background(), "compound_lookup", map[string]interface{}{"name": ""}, CallOptions{})
	if !orcherr.IsKind(err, orcherr.KindInvalidArgument) {
		t.Fatalf("Execute() error = %v, want invalid_argument", err)
	}
	if fb.Success {
		t.Error("feedback.Success = true for a failed call")
	}
	if got := pubchem.callCount(); got != 1 {
		t.Errorf("provider invoked %d times, want 1 with no retry", got)
	}
	if got := fx.breakers.For("pubchem").ConsecutiveFailures(); got != 0 {
		t.Errorf("pubchem consecutive failures = %d, want 0 for a caller-side error", got)
	}
	if _, ok := fx.health.Snapshot("pubchem"); ok {
		t.Error("health recorded an observation for a caller-side error")
	}
}

func TestExecuteUnknownOperation(t *testing.T) {
	pubchem := &mockCaller{name: "pubchem", invoke: succeedWith(`{}`)}
	fx := newFixture(t, fixtureOpts{}, pubchem)

	_, fb, err := fx.orch.Execute(context.Background(), "structure_render", map[string]interface{}{"id": "x"}, CallOptions{})
	if !orcherr.IsKind(err, orcherr.KindUnknownOperation) {
		t.Fatalf("Execute() error = %v, want unknown_operation", err)
	}
	if fb.Provider != SourceError {
		t.Errorf("feedback.Provider = %q, want error", fb.Provider)
	}
	if got := pubchem.callCount(); got != 0 {
		t.Errorf("provider invoked %d times for an unknown operation, want 0", got)
	}
}

func TestExecuteRecommendationReflectsOutcomes(t *testing.T) {
	pubchem := &mockCaller{name: "pubchem", invoke: succeedWith(`{"cid":1}`)}
	fx := newFixture(t, fixtureOpts{}, pubchem)

	// Distinct args so each call is a live outcome, not a cache hit.
	for i := 0; i < 3; i++ {
		args := map[string]interface{}{"name": fmt.Sprintf("compound-%d", i)}
		if _, _, err := fx.orch.Execute(context.Background(), "compound_lookup", args, CallOptions{Category: "chemical_search"}); err != nil {
			t.Fatalf("Execute(%d) error = %v", i, err)
		}
	}

	rec := fx.fb.Recommend("chemical_search")
	if rec.PreferredProvider != "pubchem" {
		t.Errorf("PreferredProvider = %q, want pubchem after three successes", rec.PreferredProvider)
	}

	_, fb, err := fx.orch.Execute(context.Background(), "compound_lookup", map[string]interface{}{"name": "compound-99"}, CallOptions{Category: "chemical_search"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !strings.Contains(fb.Recommendation, "pubchem") {
		t.Errorf("feedback.Recommendation = %q, want it to name pubchem", fb.Recommendation)
	}
}

func TestExecuteResolvesCategoryFromKeywords(t *testing.T) {
	pubchem := &mockCaller{name: "pubchem", invoke: succeedWith(`{}`)}
	fx := newFixture(t, fixtureOpts{}, pubchem)

	tests := []struct {
		name string
		opts CallOptions
		want string
	}{
		{name: "explicit category wins", opts: CallOptions{Category: "gene_lookup", Keywords: []string{"inhibitor"}}, want: "gene_lookup"},
		// Two inhibitor keywords outvote the single "compound" hit from
		// the operation name.
		{name: "keywords classify", opts: CallOptions{Keywords: []string{"antagonist", "inhibitor"}}, want: "inhibitor_search"},
		{name: "operation name alone classifies", opts: CallOptions{}, want: "chemical_search"},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := map[string]interface{}{"name": fmt.Sprintf("q-%d", i)}
			_, fb, err := fx.orch.Execute(context.Background(), "compound_lookup", args, tt.opts)
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if fb.Category != tt.want {
				t.Errorf("feedback.Category = %q, want %q", fb.Category, tt.want)
			}
		})
	}
}

func TestExecutePublishesCallEvent(t *testing.T) {
	pubchem := &mockCaller{name: "pubchem", invoke: succeedWith(`{}`)}
	fx := newFixture(t, fixtureOpts{withEvent: true}, pubchem)

	var mu sync.Mutex
	var got []*events.EventContext
	fx.bus.Subscribe(events.EventCallCompleted, func(ec *events.EventContext) {
		mu.Lock()
		got = append(got, ec)
		mu.Unlock()
	})

	if _, _, err := fx.orch.Execute(context.Background(), "compound_lookup", map[string]interface{}{"name": "aspirin"}, CallOptions{}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no call_completed event within 2s")
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	ec := got[0]
	mu.Unlock()
	if ec.Operation != "compound_lookup" {
		t.Errorf("event.Operation = %q, want compound_lookup", ec.Operation)
	}
	if ec.Provider != "pubchem" {
		t.Errorf("event.Provider = %q, want pubchem", ec.Provider)
	}
	if success, _ := ec.Data["success"].(bool); !success {
		t.Errorf("event.Data[success] = %v, want true", ec.Data["success"])
	}
}
