// Copyright 2026 The toolmesh Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package feedback

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	log "github.com/sirupsen/logrus"
)

// outcome is one persisted call outcome.
type outcome struct {
	at       time.Time
	category string
	provider string
	success  bool
	latency  time.Duration
}

// Store persists outcomes to SQLite. Writes go through a buffered
// channel so the record path never blocks on disk; a full buffer drops
// the outcome with a warning.
type Store struct {
	db        *sql.DB
	dbPath    string
	retention time.Duration

	writeQueue chan outcome
	done       chan struct{}
	closeOnce  sync.Once
}

const storeSchema = `
CREATE TABLE IF NOT EXISTS outcomes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp DATETIME NOT NULL,
	category TEXT NOT NULL,
	provider TEXT NOT NULL,
	success INTEGER NOT NULL,
	latency_ms INTEGER NOT NULL,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_outcomes_category ON outcomes(category);
CREATE INDEX IF NOT EXISTS idx_outcomes_provider ON outcomes(provider);
CREATE INDEX IF NOT EXISTS idx_outcomes_created_at ON outcomes(created_at);
`

// OpenStore opens (or creates) the outcome database and starts the
// writer and retention loops.
func OpenStore(ctx context.Context, dbPath string, retention time.Duration) (*Store, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if retention <= 0 {
		retention = DefaultConfig().Retention
	}

	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite works best with a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, storeSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	s := &Store{
		db:         db,
		dbPath:     dbPath,
		retention:  retention,
		writeQueue: make(chan outcome, 256),
		done:       make(chan struct{}),
	}
	go s.writeLoop()
	go s.cleanupOldOutcomes(context.Background())

	log.Infof("Feedback store opened (db: %s, retention: %s)", dbPath, retention)
	return s, nil
}

// Append queues one outcome for persistence.
func (s *Store) Append(o outcome) {
	select {
	case s.writeQueue <- o:
	default:
		log.Warnf("Feedback store write queue full, dropping outcome for %s/%s", o.category, o.provider)
	}
}

func (s *Store) writeLoop() {
	defer close(s.done)

	for o := range s.writeQueue {
		_, err := s.db.Exec(
			`INSERT INTO outcomes (timestamp, category, provider, success, latency_ms) VALUES (?, ?, ?, ?, ?)`,
			o.at, o.category, o.provider, boolToInt(o.success), o.latency.Milliseconds(),
		)
		if err != nil {
			log.Warnf("Failed to persist feedback outcome: %v", err)
		}
	}
}

// seed is one persisted aggregate used to prime the in-memory bus.
type seed struct {
	Category     string
	Provider     string
	Observations int64
	Successes    int64
	MeanLatency  time.Duration
}

// LoadAggregates reads per-(category, provider) aggregates within the
// retention horizon.
func (s *Store) LoadAggregates(ctx context.Context) ([]seed, error) {
	cutoff := time.Now().Add(-s.retention)

	rows, err := s.db.QueryContext(ctx, `
	SELECT category, provider, COUNT(*), SUM(success), AVG(latency_ms)
	FROM outcomes
	WHERE timestamp >= ?
	GROUP BY category, provider
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query aggregates: %w", err)
	}
	defer rows.Close()

	var seeds []seed
	for rows.Next() {
		var (
			sd        seed
			avgMs     sql.NullFloat64
			successes sql.NullInt64
		)
		if err := rows.Scan(&sd.Category, &sd.Provider, &sd.Observations, &successes, &avgMs); err != nil {
			log.Warnf("Failed to scan feedback aggregate: %v", err)
			continue
		}
		sd.Successes = successes.Int64
		if avgMs.Valid {
			sd.MeanLatency = time.Duration(avgMs.Float64) * time.Millisecond
		}
		seeds = append(seeds, sd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating aggregates: %w", err)
	}
	return seeds, nil
}

// cleanupOldOutcomes removes outcomes past the retention horizon.
func (s *Store) cleanupOldOutcomes(ctx context.Context) {
	cutoff := time.Now().Add(-s.retention)

	result, err := s.db.ExecContext(ctx, "DELETE FROM outcomes WHERE created_at < ?", cutoff)
	if err != nil {
		log.Warnf("Failed to clean up old feedback outcomes: %v", err)
		return
	}
	if n, err := result.RowsAffected(); err == nil && n > 0 {
		log.Infof("Cleaned up %d feedback outcomes older than %s", n, s.retention)
	}
}

// Close drains pending writes, runs a final cleanup, and closes the
// database.
func (s *Store) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		close(s.writeQueue)
		select {
		case <-s.done:
		case <-time.After(5 * time.Second):
			log.Warn("Feedback store close timed out draining writes")
		case <-ctx.Done():
		}

		s.cleanupOldOutcomes(ctx)
		err = s.db.Close()
	})
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
