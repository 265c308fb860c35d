// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package wsui

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestHubBroadcastsToConnectedClients(t *testing.T) {
	hub := New()
	server := httptest.NewServer(hub)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// give the hub a moment to register the connection before broadcasting
	require.Eventually(t, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		return len(hub.conns) == 1
	}, time.Second, 10*time.Millisecond)

	hub.Broadcast(EventStepStatus, map[string]string{"step_id": "abc", "status": "running"})

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(data), `"step_status"`)
	require.Contains(t, string(data), `"running"`)
}

func TestHubBroadcastWithNoClients(t *testing.T) {
	hub := New()
	require.NotPanics(t, func() {
		hub.Broadcast(EventCardUpdated, map[string]string{"card_id": "1"})
	})
}
