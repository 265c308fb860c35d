// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

// Package wsui fans state-transition events out to every connected UI
// client over a WebSocket. It holds no state beyond the set of live
// connections: a backend restart drops every client, which reconnects
// and gets its next update from the database the normal way.
package wsui

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// EventType names one of the UI broadcast kinds spec §6 lists.
type EventType string

const (
	EventCardUpdated       EventType = "card_updated"
	EventJobStatus         EventType = "job_status"
	EventRunnerStatus      EventType = "runner_status"
	EventStepStatus        EventType = "step_status"
	EventStepLogs          EventType = "step_logs"
	EventPipelineRunStatus EventType = "pipeline_run_status"
	EventDebugBreakpoint   EventType = "debug_breakpoint"
)

// Event is one broadcast message; Payload carries whatever shape the
// event type implies (a model.Card, a log batch, and so on).
type Event struct {
	Type    EventType   `json:"type"`
	Payload interface{} `json:"payload"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// local-first deployment: the UI is served from the same origin the
	// backend listens on, so a permissive check is not widening anything.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const writeTimeout = 5 * time.Second

// Hub tracks every live UI connection and fans every Broadcast call out
// to all of them.
type Hub struct {
	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

// New constructs an empty Hub.
func New() *Hub {
	return &Hub{conns: make(map[*websocket.Conn]struct{})}
}

// ServeHTTP upgrades the request to a WebSocket and registers it until
// the client disconnects. The hub never reads application messages from
// UI clients, only pings to detect liveness; any received message is
// discarded.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithError(err).Warnln("ui websocket upgrade failed")
		return
	}

	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.conns, conn)
		h.mu.Unlock()
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Broadcast sends an event to every connected client, dropping any
// connection that can't keep up rather than blocking the caller.
func (h *Hub) Broadcast(eventType EventType, payload interface{}) {
	data, err := json.Marshal(Event{Type: eventType, Payload: payload})
	if err != nil {
		logrus.WithError(err).Errorln("marshaling ui event")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			logrus.WithError(err).Debugln("dropping slow or closed ui connection")
			conn.Close()
			delete(h.conns, conn)
		}
	}
}
