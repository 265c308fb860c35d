// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

// Package runneragent implements the Runner Agent: the peer process
// that registers with the backend over the runner WebSocket, accepts
// execute_step dispatches, and orchestrates them via Docker when
// available or directly on the host otherwise. It never unilaterally
// drops assigned work — a lost connection ends the process's view of a
// step, but the backend's own ack/heartbeat timeouts are what reclaim
// it, not a local decision to abandon it.
package runneragent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/lazyaf/core/internal/executor/remote"
	"github.com/lazyaf/core/osstats"
)

// Config describes one Runner Agent instance.
type Config struct {
	RunnerID         string
	Name             string
	RunnerType       string
	Labels           map[string]string
	BackendWSURL     string // e.g. ws://backend:3000/ws/runner
	WorkspaceRoot    string
	HeartbeatInterval time.Duration
}

// Orchestrator runs one dispatched step to completion, streaming its
// output and reporting its terminal status through client.
type Orchestrator interface {
	Execute(ctx context.Context, payload remote.ExecuteStepPayload, workspaceDir string) error
}

// Agent is the runner-side half of the runner protocol duplex.
type Agent struct {
	cfg    Config
	docker Orchestrator
	native Orchestrator

	ws      *websocket.Conn
	writeMu sync.Mutex
}

// New constructs an Agent. dockerOrchestrator may be nil when no Docker
// daemon is reachable, in which case every step runs through
// nativeOrchestrator (used only where containers are unavailable, e.g.
// GPIO hardware).
func New(cfg Config, dockerOrchestrator, nativeOrchestrator Orchestrator) *Agent {
	return &Agent{cfg: cfg, docker: dockerOrchestrator, native: nativeOrchestrator}
}

// Run dials the backend, registers, and serves execute_step dispatches
// until ctx is cancelled or the connection drops.
func (a *Agent) Run(ctx context.Context) error {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, a.cfg.BackendWSURL, nil)
	if err != nil {
		return fmt.Errorf("dialing backend runner endpoint: %w", err)
	}
	a.ws = ws
	defer ws.Close()

	if err := a.send("register", remote.RegisterPayload{
		RunnerID:   a.cfg.RunnerID,
		Name:       a.cfg.Name,
		RunnerType: a.cfg.RunnerType,
		Labels:     a.cfg.Labels,
	}); err != nil {
		return fmt.Errorf("sending register frame: %w", err)
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go a.heartbeatLoop(hbCtx)

	for {
		var msg remote.Message
		if err := ws.ReadJSON(&msg); err != nil {
			return fmt.Errorf("runner connection closed: %w", err)
		}
		if msg.Type != "execute_step" {
			continue
		}
		var payload remote.ExecuteStepPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			logrus.WithError(err).Warnln("malformed execute_step payload")
			continue
		}
		go a.handleExecuteStep(ctx, payload)
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	interval := a.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := osstats.Collect(200 * time.Millisecond)
			if err != nil {
				logrus.WithError(err).Debugln("runner: failed to collect host stats")
			}
			_ = a.send("heartbeat", snap)
		}
	}
}

func (a *Agent) handleExecuteStep(ctx context.Context, payload remote.ExecuteStepPayload) {
	_ = a.send("ack", remote.AckPayload{StepExecutionID: payload.StepExecutionID})

	orch := a.docker
	if orch == nil {
		orch = a.native
	}

	workspaceDir := a.cfg.WorkspaceRoot + "/" + payload.StepExecutionID
	err := orch.Execute(ctx, payload, workspaceDir)

	state := "succeeded"
	if err != nil {
		logrus.WithError(err).WithField("step_execution_id", payload.StepExecutionID).Warnln("step execution failed")
		state = "failed"
	}
	_ = a.send("status", remote.StatusPayload{StepExecutionID: payload.StepExecutionID, State: state})
}

func (a *Agent) send(msgType string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return a.ws.WriteJSON(remote.Message{Type: msgType, Payload: data})
}
