// Copyright 2026 The toolmesh Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package cache

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver
	log "github.com/sirupsen/logrus"
)

// SharedTier is the cross-process Postgres tier. Every instance
// pointed at the same database shares its entries.
type SharedTier struct {
	db    *sql.DB
	table string

	// ttlNs holds the TTL in nanoseconds; atomic so config reloads can
	// swap it under concurrent writes.
	ttlNs int64

	hits, misses, expired, errors int64

	// now is replaceable for tests.
	now func() time.Time
}

// NewSharedTier connects to Postgres and ensures the cache table
// exists. A connection failure is returned to the caller, which treats
// the tier as unavailable rather than fatal.
func NewSharedTier(ctx context.Context, cfg SharedConfig) (*SharedTier, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("shared cache requires a DSN")
	}
	if cfg.Table == "" {
		cfg.Table = DefaultConfig().Shared.Table
	}
	if err := validTableName(cfg.Table); err != nil {
		return nil, err
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().Shared.TTL
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open shared cache: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("shared cache unreachable: %w", err)
	}

	t := &SharedTier{db: db, table: cfg.Table, ttlNs: int64(cfg.TTL), now: time.Now}
	if err := t.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	log.Infof("Shared cache tier connected (table: %s, ttl: %s)", cfg.Table, cfg.TTL)
	return t, nil
}

func (t *SharedTier) ensureSchema(ctx context.Context) error {
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		key TEXT PRIMARY KEY,
		operation TEXT NOT NULL,
		payload BYTEA NOT NULL,
		compressed BOOLEAN NOT NULL DEFAULT FALSE,
		stored_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_%[1]s_operation ON %[1]s(operation);
	CREATE INDEX IF NOT EXISTS idx_%[1]s_expires ON %[1]s(expires_at);
	`, t.table)

	if _, err := t.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create shared cache schema: %w", err)
	}
	return nil
}

func (t *SharedTier) Name() string { return "shared" }

func (t *SharedTier) ttl() time.Duration {
	return time.Duration(atomic.LoadInt64(&t.ttlNs))
}

// SetTTL swaps the TTL stamped on future writes.
func (t *SharedTier) SetTTL(d time.Duration) {
	if d > 0 {
		atomic.StoreInt64(&t.ttlNs, int64(d))
	}
}

// Get returns the entry for a key, ignoring expired rows.
func (t *SharedTier) Get(ctx context.Context, key string) (*Entry, bool, error) {
	query := fmt.Sprintf(
		"SELECT operation, payload, compressed, stored_at, expires_at FROM %s WHERE key = $1 AND expires_at > $2",
		t.table,
	)

	e := Entry{Key: key}
	err := t.db.QueryRowContext(ctx, query, key, t.now()).Scan(
		&e.Operation, &e.Payload, &e.Compressed, &e.StoredAt, &e.ExpiresAt,
	)
	if err == sql.ErrNoRows {
		atomic.AddInt64(&t.misses, 1)
		return nil, false, nil
	}
	if err != nil {
		atomic.AddInt64(&t.errors, 1)
		return nil, false, fmt.Errorf("shared cache get: %w", err)
	}

	atomic.AddInt64(&t.hits, 1)
	return &e, true, nil
}

// Set upserts an entry, stamping the tier's TTL.
func (t *SharedTier) Set(ctx context.Context, e Entry) error {
	now := t.now()
	query := fmt.Sprintf(`
	INSERT INTO %s (key, operation, payload, compressed, stored_at, expires_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (key) DO UPDATE SET
		payload = EXCLUDED.payload,
		compressed = EXCLUDED.compressed,
		stored_at = EXCLUDED.stored_at,
		expires_at = EXCLUDED.expires_at
	`, t.table)

	_, err := t.db.ExecContext(ctx, query, e.Key, e.Operation, e.Payload, e.Compressed, now, now.Add(t.ttl()))
	if err != nil {
		atomic.AddInt64(&t.errors, 1)
		return fmt.Errorf("shared cache set: %w", err)
	}
	return nil
}

// Delete removes a key.
func (t *SharedTier) Delete(ctx context.Context, key string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE key = $1", t.table)
	if _, err := t.db.ExecContext(ctx, query, key); err != nil {
		atomic.AddInt64(&t.errors, 1)
		return fmt.Errorf("shared cache delete: %w", err)
	}
	return nil
}

// DeleteOperation removes every entry for an operation.
func (t *SharedTier) DeleteOperation(ctx context.Context, operation string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE operation = $1", t.table)
	if _, err := t.db.ExecContext(ctx, query, operation); err != nil {
		atomic.AddInt64(&t.errors, 1)
		return fmt.Errorf("shared cache delete operation: %w", err)
	}
	return nil
}

// Cleanup removes expired rows.
func (t *SharedTier) Cleanup(ctx context.Context) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE expires_at < $1", t.table)
	result, err := t.db.ExecContext(ctx, query, t.now())
	if err != nil {
		atomic.AddInt64(&t.errors, 1)
		return fmt.Errorf("shared cache cleanup: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n > 0 {
		atomic.AddInt64(&t.expired, n)
		log.Debugf("Shared cache cleaned up %d expired entries", n)
	}
	return nil
}

// Stats returns the tier's counters. Size queries the table with a
// short deadline and reports -1 when the database does not answer.
func (t *SharedTier) Stats() TierStats {
	stats := TierStats{
		Tier:    t.Name(),
		Hits:    atomic.LoadInt64(&t.hits),
		Misses:  atomic.LoadInt64(&t.misses),
		Expired: atomic.LoadInt64(&t.expired),
		Errors:  atomic.LoadInt64(&t.errors),
		Size:    -1,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var count int64
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", t.table)
	if err := t.db.QueryRowContext(ctx, query).Scan(&count); err == nil {
		stats.Size = count
	}
	return stats
}

// Close closes the database pool.
func (t *SharedTier) Close() error { return t.db.Close() }
