// Copyright 2026 The toolmesh Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package health

import "time"

// observation is one call or probe outcome.
type observation struct {
	at      time.Time
	success bool
	latency time.Duration
	probe   bool
}

// window holds the trailing observations for one provider as a fixed
// ring. Writers hold the monitor lock.
type window struct {
	ring   []observation
	next   int
	filled bool

	lastHealthy    bool
	hasHealthState bool
	lastTransition time.Time
}

func newWindow(size int) *window {
	if size < 1 {
		size = 1
	}
	return &window{ring: make([]observation, size)}
}

func (w *window) add(o observation) {
	w.ring[w.next] = o
	w.next++
	if w.next == len(w.ring) {
		w.next = 0
		w.filled = true
	}
}

// metrics derives the scoring inputs from observations no older than
// maxAge. Availability prefers probe outcomes when any are present;
// error rate only ever counts call outcomes, so a reachable provider
// that keeps failing requests is scored down without looking dead.
type metrics struct {
	availability float64
	errorRate    float64
	meanLatency  time.Duration
	count        int
}

func (w *window) metrics(now time.Time, maxAge time.Duration) metrics {
	n := w.next
	if w.filled {
		n = len(w.ring)
	}

	var (
		total, ok           int
		probes, probesOK    int
		calls, callFailures int
		latencySum          time.Duration
		latencyCount        int
	)
	for i := 0; i < n; i++ {
		o := w.ring[i]
		if maxAge > 0 && now.Sub(o.at) > maxAge {
			continue
		}
		total++
		if o.success {
			ok++
		}
		if o.probe {
			probes++
			if o.success {
				probesOK++
			}
		} else {
			calls++
			if !o.success {
				callFailures++
			}
			latencySum += o.latency
			latencyCount++
		}
	}

	// An empty window scores as fully healthy so new providers are
	// routable before their first outcome.
	m := metrics{availability: 1.0, errorRate: 0.0, count: total}
	if total == 0 {
		return m
	}

	if probes > 0 {
		m.availability = float64(probesOK) / float64(probes)
	} else {
		m.availability = float64(ok) / float64(total)
	}
	if calls > 0 {
		m.errorRate = float64(callFailures) / float64(calls)
	}
	if latencyCount > 0 {
		m.meanLatency = latencySum / time.Duration(latencyCount)
	}
	return m
}

// score folds the metrics into [0,1]:
// 0.4*availability + 0.3*latencyScore + 0.3*(1-errorRate).
func (m metrics) score(latencyCeiling time.Duration) float64 {
	latencyScore := 1.0
	if latencyCeiling > 0 && m.meanLatency > 0 {
		ratio := float64(m.meanLatency) / float64(latencyCeiling)
		if ratio > 1 {
			ratio = 1
		}
		latencyScore = 1 - ratio
	}

	s := 0.4*m.availability + 0.3*latencyScore + 0.3*(1-m.errorRate)
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
