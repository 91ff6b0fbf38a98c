// Copyright 2026 The toolmesh Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package cache

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockSharedTier(t *testing.T) (*SharedTier, sqlmock.Sqlmock, time.Time) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	t.Cleanup(func() { db.Close() })

	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tier := &SharedTier{
		db:    db,
		table: "toolmesh_cache",
		ttlNs: int64(10 * time.Minute),
		now:   func() time.Time { return fixed },
	}
	return tier, mock, fixed
}

func TestSharedTierGetHit(t *testing.T) {
	tier, mock, now := newMockSharedTier(t)

	stored := now.Add(-time.Minute)
	expires := now.Add(9 * time.Minute)
	rows := sqlmock.NewRows([]string{"operation", "payload", "compressed", "stored_at", "expires_at"}).
		AddRow("compound_lookup", []byte("aspirin"), false, stored, expires)

	query := regexp.QuoteMeta("SELECT operation, payload, compressed, stored_at, expires_at FROM toolmesh_cache WHERE key = $1 AND expires_at > $2")
	mock.ExpectQuery(query).WithArgs("k1", now).WillReturnRows(rows)

	e, ok, err := tier.Get(context.Background(), "k1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected a hit")
	}
	if e.Operation != "compound_lookup" || string(e.Payload) != "aspirin" {
		t.Errorf("entry = %+v, want compound_lookup/aspirin", e)
	}
	if !e.ExpiresAt.Equal(expires) {
		t.Errorf("expires_at = %v, want %v", e.ExpiresAt, expires)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
	if stats := tier.Stats(); stats.Hits != 1 {
		t.Errorf("hits = %d, want 1", stats.Hits)
	}
}

func TestSharedTierGetMiss(t *testing.T) {
	tier, mock, now := newMockSharedTier(t)

	query := regexp.QuoteMeta("SELECT operation, payload, compressed, stored_at, expires_at FROM toolmesh_cache WHERE key = $1 AND expires_at > $2")
	mock.ExpectQuery(query).
		WithArgs("missing", now).
		WillReturnRows(sqlmock.NewRows([]string{"operation", "payload", "compressed", "stored_at", "expires_at"}))

	_, ok, err := tier.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("a miss should not be an error: %v", err)
	}
	if ok {
		t.Fatal("expected a miss")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
	if stats := tier.Stats(); stats.Misses != 1 {
		t.Errorf("misses = %d, want 1", stats.Misses)
	}
}

func TestSharedTierSetStampsTTL(t *testing.T) {
	tier, mock, now := newMockSharedTier(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO toolmesh_cache")).
		WithArgs("k1", "compound_lookup", []byte("payload"), true, now, now.Add(10*time.Minute)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := tier.Set(context.Background(), Entry{
		Key:        "k1",
		Operation:  "compound_lookup",
		Payload:    []byte("payload"),
		Compressed: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestSharedTierSetTTLChangesStamp(t *testing.T) {
	tier, mock, now := newMockSharedTier(t)

	tier.SetTTL(time.Hour)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO toolmesh_cache")).
		WithArgs("k1", "op", []byte("v"), false, now, now.Add(time.Hour)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := tier.Set(context.Background(), Entry{Key: "k1", Operation: "op", Payload: []byte("v")}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestSharedTierDelete(t *testing.T) {
	tier, mock, _ := newMockSharedTier(t)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM toolmesh_cache WHERE key = $1")).
		WithArgs("k1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := tier.Delete(context.Background(), "k1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestSharedTierDeleteOperation(t *testing.T) {
	tier, mock, _ := newMockSharedTier(t)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM toolmesh_cache WHERE operation = $1")).
		WithArgs("compound_lookup").
		WillReturnResult(sqlmock.NewResult(0, 7))

	if err := tier.DeleteOperation(context.Background(), "compound_lookup"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestSharedTierCleanupCountsExpired(t *testing.T) {
	tier, mock, now := newMockSharedTier(t)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM toolmesh_cache WHERE expires_at < $1")).
		WithArgs(now).
		WillReturnResult(sqlmock.NewResult(0, 3))

	if err := tier.Cleanup(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
	if stats := tier.Stats(); stats.Expired != 3 {
		t.Errorf("expired = %d, want 3", stats.Expired)
	}
}

func TestSharedTierGetErrorCounts(t *testing.T) {
	tier, mock, now := newMockSharedTier(t)

	query := regexp.QuoteMeta("SELECT operation, payload, compressed, stored_at, expires_at FROM toolmesh_cache WHERE key = $1 AND expires_at > $2")
	mock.ExpectQuery(query).WithArgs("k1", now).WillReturnError(context.DeadlineExceeded)

	_, ok, err := tier.Get(context.Background(), "k1")
	if err == nil || ok {
		t.Fatalf("expected a tier error, got ok=%v err=%v", ok, err)
	}

	if stats := tier.Stats(); stats.Errors != 1 {
		t.Errorf("errors = %d, want 1", stats.Errors)
	}
}

func TestNewSharedTierValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  SharedConfig
	}{
		{"empty DSN", SharedConfig{Enabled: true}},
		{"invalid table name", SharedConfig{Enabled: true, DSN: "postgres://localhost/x", Table: "cache; DROP TABLE users"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSharedTier(context.Background(), tt.cfg); err == nil {
				t.Error("expected a config error")
			}
		})
	}
}
