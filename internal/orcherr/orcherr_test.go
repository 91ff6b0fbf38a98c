// Copyright 2026 The toolmesh Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package orcherr

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

// TestKindRetryable verifies the retry policy per failure kind.
func TestKindRetryable(t *testing.T) {
	tests := []struct {
		kind      Kind
		retryable bool
	}{
		{KindTimeout, true},
		{KindConnection, true},
		{KindRateLimited, true},
		{KindInvalidArgument, false},
		{KindUnknownOperation, false},
		{KindNoProvider, false},
		{KindBreakerOpen, false},
		{KindInternal, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			if got := tt.kind.Retryable(); got != tt.retryable {
				t.Errorf("Kind(%s).Retryable() = %v, want %v", tt.kind, got, tt.retryable)
			}
		})
	}
}

// TestKindFailover verifies which kinds move on to the next provider.
func TestKindFailover(t *testing.T) {
	tests := []struct {
		kind     Kind
		failover bool
	}{
		{KindTimeout, true},
		{KindConnection, true},
		{KindRateLimited, true},
		{KindBreakerOpen, true},
		{KindInvalidArgument, false},
		{KindUnknownOperation, false},
		{KindInternal, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			if got := tt.kind.Failover(); got != tt.failover {
				t.Errorf("Kind(%s).Failover() = %v, want %v", tt.kind, got, tt.failover)
			}
		})
	}
}

// TestErrorFormatting verifies the rendered message includes call identity.
func TestErrorFormatting(t *testing.T) {
	err := Newf(KindTimeout, "no response after %dms", 1500).WithCall("pubchem", "compound_lookup")

	msg := err.Error()
	for _, want := range []string{"timeout", "op=compound_lookup", "provider=pubchem", "no response after 1500ms"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}
}

// TestWrapPreservesCause verifies errors.Is sees through the wrapper.
func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(KindConnection, cause, "dial failed")

	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}
	if KindOf(err) != KindConnection {
		t.Errorf("KindOf = %s, want %s", KindOf(err), KindConnection)
	}
}

// TestWrapNil verifies wrapping a nil cause yields nil.
func TestWrapNil(t *testing.T) {
	if err := Wrap(KindInternal, nil, "nothing"); err != nil {
		t.Errorf("Wrap(nil) = %v, want nil", err)
	}
}

// TestKindOfThroughWrapping verifies classification survives fmt.Errorf %w chains.
func TestKindOfThroughWrapping(t *testing.T) {
	inner := New(KindRateLimited, "429 from upstream")
	outer := fmt.Errorf("execute failed: %w", inner)

	if KindOf(outer) != KindRateLimited {
		t.Errorf("KindOf(wrapped) = %s, want %s", KindOf(outer), KindRateLimited)
	}
	if !IsKind(outer, KindRateLimited) {
		t.Error("IsKind should match through wrapping")
	}
}

// TestKindOfUnclassified verifies plain errors default to internal.
func TestKindOfUnclassified(t *testing.T) {
	if got := KindOf(errors.New("boom")); got != KindInternal {
		t.Errorf("KindOf(plain) = %s, want %s", got, KindInternal)
	}
}

// TestExhaustedError verifies the attempt trail is preserved and rendered.
func TestExhaustedError(t *testing.T) {
	attempts := []Attempt{
		{Provider: "pubchem", Kind: KindTimeout, Reason: "deadline exceeded"},
		{Provider: "chembl", Kind: KindConnection, Reason: "dial tcp: refused"},
	}
	err := NewExhausted("compound_lookup", attempts)

	if KindOf(err) != KindNoProvider {
		t.Errorf("KindOf = %s, want %s", KindOf(err), KindNoProvider)
	}

	got, ok := AttemptsOf(fmt.Errorf("orchestrate: %w", err))
	if !ok {
		t.Fatal("AttemptsOf should find the trail through wrapping")
	}
	if len(got) != 2 {
		t.Fatalf("len(attempts) = %d, want 2", len(got))
	}
	if got[0].Provider != "pubchem" || got[1].Provider != "chembl" {
		t.Errorf("attempt order not preserved: %+v", got)
	}

	msg := err.Error()
	if !strings.Contains(msg, "compound_lookup") || !strings.Contains(msg, "chembl") {
		t.Errorf("Error() = %q, should name operation and providers", msg)
	}
}
