// Copyright 2026 The toolmesh Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	json "github.com/goccy/go-json"

	"github.com/axiombio/toolmesh/internal/config"
	"github.com/axiombio/toolmesh/internal/orchestrator"
	"github.com/axiombio/toolmesh/internal/orcherr"
)

// executeEnvelope decodes both the success and the error shape.
type executeEnvelope struct {
	RequestID string                `json:"request-id"`
	Operation string                `json:"operation"`
	Provider  string                `json:"provider"`
	Source    string                `json:"source"`
	Result    json.RawMessage       `json:"result"`
	Feedback  orchestrator.Feedback `json:"feedback"`
	Error     *ErrorDetail          `json:"error"`
}

func decodeEnvelope(t *testing.T, rr *httptest.ResponseRecorder) executeEnvelope {
	t.Helper()
	var env executeEnvelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("decoding envelope: %v; body=%s", err, rr.Body.String())
	}
	return env
}

func TestExecute_ServesFromProvider(t *testing.T) {
	f := newServerFixture(t, config.RemoteManagement{})

	rr := f.do(http.MethodPost, "/v1/execute",
		`{"operation": "compound_lookup", "args": {"name": "aspirin"}}`, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body=%s", rr.Code, rr.Body.String())
	}

	env := decodeEnvelope(t, rr)
	if env.RequestID == "" {
		t.Error("request-id is empty")
	}
	if env.Operation != "compound_lookup" {
		t.Errorf("operation = %q", env.Operation)
	}
	if env.Provider != "pubchem" {
		t.Errorf("provider = %q, want pubchem", env.Provider)
	}
	if env.Source != "live" {
		t.Errorf("source = %q, want live", env.Source)
	}
	var result map[string]interface{}
	if err := json.Unmarshal(env.Result, &result); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if cid, ok := result["cid"].(float64); !ok || cid != 2244 {
		t.Errorf("result = %s, want the backend payload", env.Result)
	}
	if !env.Feedback.Success {
		t.Error("feedback should report success")
	}
	if env.Feedback.Category != "chemical_search" {
		t.Errorf("category = %q, want chemical_search", env.Feedback.Category)
	}
}

func TestExecute_EchoesRequestID(t *testing.T) {
	f := newServerFixture(t, config.RemoteManagement{})

	rr := f.do(http.MethodPost, "/v1/execute",
		`{"operation": "compound_lookup", "args": {"name": "aspirin"}}`,
		map[string]string{"X-Request-ID": "req-42"})
	env := decodeEnvelope(t, rr)
	if env.RequestID != "req-42" {
		t.Errorf("request-id = %q, want req-42", env.RequestID)
	}
}

func TestExecute_SecondCallServedFromCache(t *testing.T) {
	f := newServerFixture(t, config.RemoteManagement{})
	body := `{"operation": "compound_lookup", "args": {"name": "aspirin"}}`

	if rr := f.do(http.MethodPost, "/v1/execute", body, nil); rr.Code != http.StatusOK {
		t.Fatalf("first call: %d", rr.Code)
	}
	rr := f.do(http.MethodPost, "/v1/execute", body, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("second call: %d", rr.Code)
	}

	env := decodeEnvelope(t, rr)
	if env.Provider != "cache" {
		t.Errorf("provider = %q, want cache", env.Provider)
	}
	if env.Source != "hot" {
		t.Errorf("source = %q, want hot", env.Source)
	}
	if got := f.pubchem.callCount(); got != 1 {
		t.Errorf("backend calls = %d, want 1", got)
	}
}

func TestExecute_MissingOperation(t *testing.T) {
	f := newServerFixture(t, config.RemoteManagement{})

	tests := []struct {
		name string
		body string
	}{
		{"no operation field", `{"args": {"name": "aspirin"}}`},
		{"malformed json", `{"operation": `},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			rr := f.do(http.MethodPost, "/v1/execute", tt.body, nil)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rr.Code)
			}
			env := decodeEnvelope(t, rr)
			if env.Error == nil || env.Error.Kind != orcherr.KindInvalidArgument {
				t.Errorf("error = %+v, want invalid_argument", env.Error)
			}
		})
	}
}

func TestExecute_UnknownOperation(t *testing.T) {
	f := newServerFixture(t, config.RemoteManagement{})

	rr := f.do(http.MethodPost, "/v1/execute",
		`{"operation": "structure_render", "args": {}}`, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404; body=%s", rr.Code, rr.Body.String())
	}

	env := decodeEnvelope(t, rr)
	if env.Error == nil || env.Error.Kind != orcherr.KindUnknownOperation {
		t.Fatalf("error = %+v, want unknown_operation", env.Error)
	}
	if env.Feedback.Provider != "error" {
		t.Errorf("feedback provider = %q, want error", env.Feedback.Provider)
	}
	if got := f.pubchem.callCount() + f.chembl.callCount(); got != 0 {
		t.Errorf("backends were called %d times for an unknown operation", got)
	}
}

func TestExecute_FailsOverToBackup(t *testing.T) {
	f := newServerFixture(t, config.RemoteManagement{})
	f.pubchem.respond(http.StatusInternalServerError, `{"error": "boom"}`)

	rr := f.do(http.MethodPost, "/v1/execute",
		`{"operation": "compound_lookup", "args": {"name": "aspirin"}}`, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body=%s", rr.Code, rr.Body.String())
	}

	env := decodeEnvelope(t, rr)
	if env.Provider != "chembl" {
		t.Errorf("provider = %q, want chembl", env.Provider)
	}
	if got := f.pubchem.callCount(); got != 2 {
		t.Errorf("pubchem calls = %d, want the per-provider budget of 2", got)
	}
}

func TestExecute_ExhaustionListsEveryAttempt(t *testing.T) {
	f := newServerFixture(t, config.RemoteManagement{})
	f.pubchem.respond(http.StatusInternalServerError, `{"error": "boom"}`)
	f.chembl.respond(http.StatusInternalServerError, `{"error": "boom"}`)

	rr := f.do(http.MethodPost, "/v1/execute",
		`{"operation": "compound_lookup", "args": {"name": "aspirin"}}`, nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503; body=%s", rr.Code, rr.Body.String())
	}

	env := decodeEnvelope(t, rr)
	if env.Error == nil || env.Error.Kind != orcherr.KindNoProvider {
		t.Fatalf("error = %+v, want no_provider_available", env.Error)
	}
	if len(env.Error.Attempts) != 4 {
		t.Fatalf("attempts = %d, want 2 per provider", len(env.Error.Attempts))
	}
	for _, a := range env.Error.Attempts {
		if a.Provider != "pubchem" && a.Provider != "chembl" {
			t.Errorf("attempt against unexpected provider %q", a.Provider)
		}
		if a.Kind != orcherr.KindConnection {
			t.Errorf("attempt kind = %q, want connection", a.Kind)
		}
		if a.Reason == "" {
			t.Error("attempt reason is empty")
		}
	}
	if env.Feedback.Success {
		t.Error("feedback should report failure")
	}
}

func TestExecute_BadArgumentsFailFast(t *testing.T) {
	f := newServerFixture(t, config.RemoteManagement{})
	f.pubchem.respond(http.StatusNotFound, `{"error": "no such compound"}`)

	rr := f.do(http.MethodPost, "/v1/execute",
		`{"operation": "compound_lookup", "args": {"name": "xyzzy"}}`, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400; body=%s", rr.Code, rr.Body.String())
	}

	env := decodeEnvelope(t, rr)
	if env.Error == nil || env.Error.Kind != orcherr.KindInvalidArgument {
		t.Fatalf("error = %+v, want invalid_argument", env.Error)
	}
	if got := f.pubchem.callCount(); got != 1 {
		t.Errorf("pubchem calls = %d, want 1 with no retry", got)
	}
	if got := f.chembl.callCount(); got != 0 {
		t.Errorf("chembl calls = %d, want no failover", got)
	}
}
