// Copyright 2026 The toolmesh Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package cache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	log "github.com/sirupsen/logrus"
)

// DurableTier is the restart-surviving SQLite tier.
type DurableTier struct {
	db *sql.DB

	// ttlNs holds the TTL in nanoseconds; atomic so config reloads can
	// swap it under concurrent writes.
	ttlNs int64

	hits, misses, expired, errors int64

	// now is replaceable for tests.
	now func() time.Time
}

const durableSchema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	key TEXT PRIMARY KEY,
	operation TEXT NOT NULL,
	payload BLOB NOT NULL,
	compressed INTEGER NOT NULL DEFAULT 0,
	stored_at DATETIME NOT NULL,
	expires_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cache_entries_operation ON cache_entries(operation);
CREATE INDEX IF NOT EXISTS idx_cache_entries_expires ON cache_entries(expires_at);
`

// NewDurableTier opens (or creates) the SQLite cache file.
func NewDurableTier(ctx context.Context, cfg DurableConfig) (*DurableTier, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("durable cache requires a file path")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().Durable.TTL
	}

	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open durable cache: %w", err)
	}

	// SQLite works best with a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, durableSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create durable cache schema: %w", err)
	}

	log.Infof("Durable cache tier opened (db: %s, ttl: %s)", cfg.Path, cfg.TTL)
	return &DurableTier{db: db, ttlNs: int64(cfg.TTL), now: time.Now}, nil
}

func (t *DurableTier) Name() string { return "durable" }

func (t *DurableTier) ttl() time.Duration {
	return time.Duration(atomic.LoadInt64(&t.ttlNs))
}

// SetTTL swaps the TTL stamped on future writes.
func (t *DurableTier) SetTTL(d time.Duration) {
	if d > 0 {
		atomic.StoreInt64(&t.ttlNs, int64(d))
	}
}

// Get returns the entry for a key, ignoring expired rows.
func (t *DurableTier) Get(ctx context.Context, key string) (*Entry, bool, error) {
	e := Entry{Key: key}
	err := t.db.QueryRowContext(ctx,
		"SELECT operation, payload, compressed, stored_at, expires_at FROM cache_entries WHERE key = ? AND expires_at > ?",
		key, t.now(),
	).Scan(&e.Operation, &e.Payload, &e.Compressed, &e.StoredAt, &e.ExpiresAt)
	if err == sql.ErrNoRows {
		atomic.AddInt64(&t.misses, 1)
		return nil, false, nil
	}
	if err != nil {
		atomic.AddInt64(&t.errors, 1)
		return nil, false, fmt.Errorf("durable cache get: %w", err)
	}

	atomic.AddInt64(&t.hits, 1)
	return &e, true, nil
}

// Set upserts an entry, stamping the tier's TTL.
func (t *DurableTier) Set(ctx context.Context, e Entry) error {
	now := t.now()
	_, err := t.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO cache_entries (key, operation, payload, compressed, stored_at, expires_at) VALUES (?, ?, ?, ?, ?, ?)",
		e.Key, e.Operation, e.Payload, boolToInt(e.Compressed), now, now.Add(t.ttl()),
	)
	if err != nil {
		atomic.AddInt64(&t.errors, 1)
		return fmt.Errorf("durable cache set: %w", err)
	}
	return nil
}

// Delete removes a key.
func (t *DurableTier) Delete(ctx context.Context, key string) error {
	if _, err := t.db.ExecContext(ctx, "DELETE FROM cache_entries WHERE key = ?", key); err != nil {
		atomic.AddInt64(&t.errors, 1)
		return fmt.Errorf("durable cache delete: %w", err)
	}
	return nil
}

// DeleteOperation removes every entry for an operation.
func (t *DurableTier) DeleteOperation(ctx context.Context, operation string) error {
	if _, err := t.db.ExecContext(ctx, "DELETE FROM cache_entries WHERE operation = ?", operation); err != nil {
		atomic.AddInt64(&t.errors, 1)
		return fmt.Errorf("durable cache delete operation: %w", err)
	}
	return nil
}

// Cleanup removes expired rows.
func (t *DurableTier) Cleanup(ctx context.Context) error {
	result, err := t.db.ExecContext(ctx, "DELETE FROM cache_entries WHERE expires_at < ?", t.now())
	if err != nil {
		atomic.AddInt64(&t.errors, 1)
		return fmt.Errorf("durable cache cleanup: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n > 0 {
		atomic.AddInt64(&t.expired, n)
		log.Debugf("Durable cache cleaned up %d expired entries", n)
	}
	return nil
}

// Stats returns the tier's counters.
func (t *DurableTier) Stats() TierStats {
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
	if err := t.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM cache_entries").Scan(&count); err == nil {
		stats.Size = count
	}
	return stats
}

// Close closes the database.
func (t *DurableTier) Close() error { return t.db.Close() }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
