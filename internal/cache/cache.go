// Copyright 2026 The toolmesh Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package cache implements the tiered response cache: an in-process
// hot tier, a shared Postgres tier, and a durable SQLite tier. Keys
// are canonical fingerprints of (operation, args); lookups walk the
// tiers in order and promote hits upward.
package cache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"regexp"
	"time"

	"github.com/klauspost/compress/gzip"
)

// Entry is one cached response as a tier stores it.
type Entry struct {
	Key        string
	Operation  string
	Payload    []byte
	Compressed bool
	StoredAt   time.Time
	ExpiresAt  time.Time
}

// TierStats tracks one tier's performance counters.
type TierStats struct {
	Tier      string `json:"tier"`
	Hits      int64  `json:"hits"`
	Misses    int64  `json:"misses"`
	Evictions int64  `json:"evictions"`
	Expired   int64  `json:"expired"`
	Errors    int64  `json:"errors"`
	Size      int64  `json:"size"`
}

// HitRate returns the tier's hit rate (0.0-1.0).
func (s TierStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0.0
	}
	return float64(s.Hits) / float64(total)
}

// Tier is the storage surface each cache level implements.
type Tier interface {
	Name() string
	Get(ctx context.Context, key string) (*Entry, bool, error)
	Set(ctx context.Context, e Entry) error
	Delete(ctx context.Context, key string) error
	DeleteOperation(ctx context.Context, operation string) error
	Cleanup(ctx context.Context) error
	Stats() TierStats
	Close() error
}

// HotConfig controls the in-process tier.
type HotConfig struct {
	Enabled    bool
	TTL        time.Duration
	MaxEntries int
}

// SharedConfig controls the cross-process Postgres tier.
type SharedConfig struct {
	Enabled bool
	TTL     time.Duration
	DSN     string
	Table   string
}

// DurableConfig controls the restart-surviving SQLite tier.
type DurableConfig struct {
	Enabled bool
	TTL     time.Duration
	Path    string
}

// Config controls the cache manager.
type Config struct {
	Hot     HotConfig
	Shared  SharedConfig
	Durable DurableConfig

	// CompressAboveBytes is the payload size beyond which the shared
	// and durable tiers store gzip. The hot tier always stores raw.
	CompressAboveBytes int

	// JanitorInterval is the time between expired-entry sweeps.
	JanitorInterval time.Duration
}

// DefaultConfig returns the default cache settings.
func DefaultConfig() Config {
	return Config{
		Hot:                HotConfig{Enabled: true, TTL: time.Minute, MaxEntries: 1024},
		Shared:             SharedConfig{TTL: 10 * time.Minute, Table: "toolmesh_cache"},
		Durable:            DurableConfig{Enabled: true, TTL: 7 * 24 * time.Hour, Path: "toolmesh-cache.db"},
		CompressAboveBytes: 4096,
		JanitorInterval:    time.Minute,
	}
}

var tableNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func validTableName(name string) error {
	if !tableNamePattern.MatchString(name) {
		return fmt.Errorf("invalid cache table name %q", name)
	}
	return nil
}

func compressPayload(p []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(p); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressPayload(p []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(p))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
