// Copyright 2026 The toolmesh Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package api

import (
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/axiombio/toolmesh/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Management auth already ran on the HTTP request.
		return true
	},
}

// safeConn serializes writes; bus callbacks fire from the publisher
// goroutine while the read loop owns the connection.
type safeConn struct {
	*websocket.Conn
	mu sync.Mutex
}

func (sc *safeConn) writeJSON(v interface{}) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.Conn.WriteJSON(v)
}

// streamEvents lists every event type the stream carries by default.
var streamEvents = []events.Event{
	events.EventProviderRegistered,
	events.EventBreakerStateChanged,
	events.EventHealthChanged,
	events.EventConfigReloaded,
	events.EventCacheInvalidated,
	events.EventCallCompleted,
}

// handleEventStream upgrades to WebSocket and forwards bus events until
// the client disconnects. The optional events query parameter narrows
// the stream to a comma-separated list of event types.
// GET /ops/events
func (s *Server) handleEventStream(c *gin.Context) {
	if s.deps.Events == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event bus not available"})
		return
	}

	raw, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warnf("WebSocket upgrade failed: %v", err)
		return
	}
	conn := &safeConn{Conn: raw}
	defer conn.Close()

	wanted := parseEventFilter(c.Query("events"))

	subs := make([]*events.Subscription, 0, len(streamEvents))
	for _, ev := range streamEvents {
		if wanted != nil && !wanted[ev] {
			continue
		}
		subs = append(subs, s.deps.Events.Subscribe(ev, func(ec *events.EventContext) {
			if werr := conn.writeJSON(ec); werr != nil {
				// The read loop below notices the broken connection.
				log.Debugf("Event stream write failed: %v", werr)
			}
		}))
	}
	defer func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}()

	log.Debugf("Event stream connected from %s (%d event types)", c.Request.RemoteAddr, len(subs))

	// The stream is one-way; drain client frames until the peer closes.
	for {
		if _, _, rerr := conn.ReadMessage(); rerr != nil {
			return
		}
	}
}

func parseEventFilter(q string) map[events.Event]bool {
	if q == "" {
		return nil
	}
	out := make(map[events.Event]bool)
	for _, part := range strings.Split(q, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out[events.Event(part)] = true
		}
	}
	return out
}
