// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/lazyaf/core/internal/executor/remote"
)

// RunnerStore is the persistence surface the runner WebSocket upgrade
// handler needs to admit a newly connected runner.
type RunnerStore interface {
	RegisterRunner(ctx context.Context, runnerID, name, runnerType string, labels map[string]string) error
}

// RunnerConnRegistrar hands a registered runner's connection to the
// remote executor for the rest of its lifetime.
type RunnerConnRegistrar interface {
	RegisterConn(ctx context.Context, runnerID string, ws *websocket.Conn)
}

var runnerUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const registerFrameTimeout = 10 * time.Second

// HandleRunnerWS upgrades the connection, requires a register frame
// within registerFrameTimeout, then hands the connection off to the
// remote executor for the duration of the runner's session.
func HandleRunnerWS(store RunnerStore, executor RunnerConnRegistrar) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := runnerUpgrader.Upgrade(w, r, nil)
		if err != nil {
			logrus.WithError(err).Warnln("runner websocket upgrade failed")
			return
		}

		conn.SetReadDeadline(time.Now().Add(registerFrameTimeout))
		var msg remote.Message
		if err := conn.ReadJSON(&msg); err != nil || msg.Type != "register" {
			logrus.WithError(err).Warnln("runner did not send a valid register frame in time")
			conn.Close()
			return
		}

		var reg remote.RegisterPayload
		if err := json.Unmarshal(msg.Payload, &reg); err != nil || reg.RunnerID == "" {
			logrus.WithError(err).Warnln("malformed register frame")
			conn.Close()
			return
		}

		if err := store.RegisterRunner(r.Context(), reg.RunnerID, reg.Name, reg.RunnerType, reg.Labels); err != nil {
			logrus.WithError(err).WithField("runner_id", reg.RunnerID).Errorln("registering runner")
			conn.Close()
			return
		}

		conn.SetReadDeadline(time.Time{})
		executor.RegisterConn(r.Context(), reg.RunnerID, conn)
	}
}
