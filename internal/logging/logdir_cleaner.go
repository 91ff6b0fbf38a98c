// Copyright 2026 The toolmesh Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package logging

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"
)

var (
	cleanerStop chan struct{}
	cleanerDone chan struct{}
)

// configureLogDirCleanerLocked starts or stops the background log directory
// cleaner. A maxTotalSizeMB of zero disables cleaning. Must be called with
// writerMu held.
func configureLogDirCleanerLocked(logDir string, maxTotalSizeMB int, protectedPath string) {
	stopLogDirCleanerLocked()

	if maxTotalSizeMB <= 0 {
		return
	}

	cleanerStop = make(chan struct{})
	cleanerDone = make(chan struct{})

	go func(stop, done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()

		cleanLogDir(logDir, maxTotalSizeMB, protectedPath)
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				cleanLogDir(logDir, maxTotalSizeMB, protectedPath)
			}
		}
	}(cleanerStop, cleanerDone)
}

// stopLogDirCleanerLocked stops the cleaner goroutine if running.
// Must be called with writerMu held.
func stopLogDirCleanerLocked() {
	if cleanerStop == nil {
		return
	}
	close(cleanerStop)
	<-cleanerDone
	cleanerStop = nil
	cleanerDone = nil
}

// cleanLogDir removes the oldest files in logDir until the total size fits
// within maxTotalSizeMB. The active log file is never removed.
func cleanLogDir(logDir string, maxTotalSizeMB int, protectedPath string) {
	entries, err := os.ReadDir(logDir)
	if err != nil {
		return
	}

	type logFile struct {
		path    string
		size    int64
		modTime time.Time
	}

	var files []logFile
	var total int64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(logDir, entry.Name())
		files = append(files, logFile{path: path, size: info.Size(), modTime: info.ModTime()})
		total += info.Size()
	}

	limit := int64(maxTotalSizeMB) * 1024 * 1024
	if total <= limit {
		return
	}

	// Oldest first
	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.Before(files[j].modTime)
	})

	for _, f := range files {
		if total <= limit {
			break
		}
		if f.path == protectedPath {
			continue
		}
		if err := os.Remove(f.path); err != nil {
			log.Debugf("log cleaner: failed to remove %s: %v", f.path, err)
			continue
		}
		total -= f.size
	}
}
