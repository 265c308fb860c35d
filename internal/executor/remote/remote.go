// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

// Package remote implements the RemoteExecutor and the runner protocol's
// backend side: a duplex, JSON-framed channel per connected runner over
// a gorilla/websocket connection, matching spec §4.4.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	lerrors "github.com/lazyaf/core/errors"
	"github.com/lazyaf/core/internal/executor/router"
	"github.com/lazyaf/core/internal/executor/stepexec"
	"github.com/lazyaf/core/internal/model"
	"github.com/lazyaf/core/internal/safego"
	"github.com/lazyaf/core/internal/steptoken"
)

// stateRunnerDead is a synthetic StatusPayload.State value the heartbeat
// sweep injects into a blocked ExecuteStep waiter when its runner goes
// silent, so the call can unblock and retry on a different runner
// instead of waiting forever for a status frame that will never arrive.
const stateRunnerDead = "runner_dead"

// Message is the envelope every runner<->backend frame uses.
type Message struct {
	Type   string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RegisterPayload is sent by a runner on connect.
type RegisterPayload struct {
	RunnerID   string            `json:"runner_id"`
	Name       string            `json:"name"`
	RunnerType string            `json:"runner_type"`
	Labels     map[string]string `json:"labels"`
}

// ExecuteStepPayload is sent by the backend to dispatch work. The runner
// agent writes StepToken/CallbackURL/HeartbeatIntervalSeconds into the
// step_config.json it hands the Control Layer, the same fields the local
// executor materializes directly.
type ExecuteStepPayload struct {
	StepExecutionID          string                 `json:"step_execution_id"`
	Image                    string                 `json:"image"`
	StepConfig               map[string]interface{} `json:"step_config"`
	StepToken                string                 `json:"step_token"`
	CallbackURL              string                 `json:"callback_url"`
	HeartbeatIntervalSeconds int                    `json:"heartbeat_interval_seconds"`
	WorkspaceSnapshotURL     string                 `json:"workspace_snapshot_url,omitempty"`
}

// AckPayload acknowledges an execute_step dispatch.
type AckPayload struct {
	StepExecutionID string `json:"step_execution_id"`
}

// StatusPayload reports a step's state transition.
type StatusPayload struct {
	StepExecutionID string `json:"step_execution_id"`
	State           string `json:"state"`
	ExitCode        *int   `json:"exit_code,omitempty"`
}

// LogPayload carries a batch of log lines.
type LogPayload struct {
	StepExecutionID string   `json:"step_execution_id"`
	StartNumber     int      `json:"start_number"`
	Lines           []string `json:"lines"`
}

// conn tracks one connected runner's socket and in-flight dispatch.
type conn struct {
	runnerID string
	ws       *websocket.Conn
	writeMu  sync.Mutex

	mu      sync.Mutex
	waiters map[string]chan StatusPayload // executionID -> terminal status waiter
}

func (c *conn) send(ctx context.Context, msgType string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(Message{Type: msgType, Payload: data})
}

// RunnerRegistry is the subset of internal/store's runner operations the
// remote executor needs.
type RunnerRegistry interface {
	ClaimRunner(ctx context.Context, stepExecutionID string, labelMatch func(model.Runner) bool) (*model.Runner, error)
	TouchHeartbeat(ctx context.Context, runnerID string) error
	MarkRunnerStatus(ctx context.Context, runnerID string, status model.RunnerStatus) error
	RequeueStepExecution(ctx context.Context, executionID string) error
	StaleBusyRunners(ctx context.Context, timeoutSeconds int) ([]model.Runner, error)
}

// Executor implements stepexec.Executor by dispatching to a connected
// runner and waiting for its terminal status report.
type Executor struct {
	registry RunnerRegistry

	ackTimeout      time.Duration
	affinityTimeout time.Duration

	stepTokenSecret          string
	controlCallbackURL       string
	heartbeatIntervalSeconds int

	mu    sync.Mutex
	conns map[string]*conn // runnerID -> conn
}

var _ stepexec.Executor = (*Executor)(nil)

// New constructs a RemoteExecutor.
func New(registry RunnerRegistry, ackTimeout, affinityTimeout time.Duration, stepTokenSecret, controlCallbackURL string, heartbeatIntervalSeconds int) *Executor {
	return &Executor{
		registry:                 registry,
		ackTimeout:               ackTimeout,
		affinityTimeout:          affinityTimeout,
		stepTokenSecret:          stepTokenSecret,
		controlCallbackURL:       controlCallbackURL,
		heartbeatIntervalSeconds: heartbeatIntervalSeconds,
		conns:                    map[string]*conn{},
	}
}

// RegisterConn adopts a newly connected runner's websocket, reading
// frames until the connection closes. Called from the HTTP upgrade
// handler.
func (e *Executor) RegisterConn(ctx context.Context, runnerID string, ws *websocket.Conn) {
	c := &conn{runnerID: runnerID, ws: ws, waiters: map[string]chan StatusPayload{}}
	e.mu.Lock()
	e.conns[runnerID] = c
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.conns, runnerID)
		e.mu.Unlock()
		_ = e.registry.MarkRunnerStatus(ctx, runnerID, model.RunnerDisconnected)
	}()

	for {
		var msg Message
		if err := ws.ReadJSON(&msg); err != nil {
			logrus.WithContext(ctx).WithError(err).Warnf("runner %s connection closed", runnerID)
			return
		}
		e.handleFrame(ctx, c, msg)
	}
}

func (e *Executor) handleFrame(ctx context.Context, c *conn, msg Message) {
	switch msg.Type {
	case "heartbeat":
		_ = e.registry.TouchHeartbeat(ctx, c.runnerID)
	case "ack":
		var p AckPayload
		_ = json.Unmarshal(msg.Payload, &p)
		c.mu.Lock()
		ch := c.waiters[p.StepExecutionID+":ack"]
		c.mu.Unlock()
		if ch != nil {
			ch <- StatusPayload{StepExecutionID: p.StepExecutionID, State: "acked"}
		}
	case "status":
		var p StatusPayload
		_ = json.Unmarshal(msg.Payload, &p)
		c.mu.Lock()
		ch := c.waiters[p.StepExecutionID]
		c.mu.Unlock()
		if ch != nil && isTerminalState(p.State) {
			ch <- p
		}
	case "log":
		// forwarded by the caller holding a reference to the sink; the
		// control layer's HTTP ingestion path is the primary log route,
		// this WS path exists for runners that prefer pushing inline.
	}
}

func isTerminalState(state string) bool {
	switch state {
	case string(model.ExecSucceeded), string(model.ExecFailed), string(model.ExecCancelled):
		return true
	default:
		return false
	}
}

// ExecuteStep implements stepexec.Executor: claim a matching idle
// runner, dispatch, await ACK within ackTimeout (requeuing to another
// runner on timeout), then await the terminal status.
func (e *Executor) ExecuteStep(ctx context.Context, step model.PipelineStep, exec *model.StepExecution, ws *model.Workspace, sink stepexec.LogSink) (*model.StepExecution, error) {
	deadline := time.Now().Add(e.affinityTimeout)

	for attempt := 0; ; attempt++ {
		if time.Now().After(deadline) {
			return nil, &lerrors.UnavailableError{Msg: fmt.Sprintf("no runner available for step %s within affinity_timeout", exec.ID)}
		}

		runner, err := e.registry.ClaimRunner(ctx, exec.ID, func(r model.Runner) bool {
			return router.MatchLabels(step.Requires, r)
		})
		if err != nil {
			time.Sleep(time.Second)
			continue
		}

		e.mu.Lock()
		c, ok := e.conns[runner.ID]
		e.mu.Unlock()
		if !ok {
			_ = e.registry.MarkRunnerStatus(ctx, runner.ID, model.RunnerDead)
			continue
		}

		ackCh := make(chan StatusPayload, 1)
		doneCh := make(chan StatusPayload, 1)
		c.mu.Lock()
		c.waiters[exec.ID+":ack"] = ackCh
		c.waiters[exec.ID] = doneCh
		c.mu.Unlock()

		if err := c.send(ctx, "execute_step", ExecuteStepPayload{
			StepExecutionID:          exec.ID,
			Image:                    imageForStep(step),
			StepConfig:               step.Config,
			StepToken:                steptoken.Issue(e.stepTokenSecret, exec.ID),
			CallbackURL:              e.controlCallbackURL,
			HeartbeatIntervalSeconds: e.heartbeatIntervalSeconds,
		}); err != nil {
			continue
		}

		select {
		case <-ackCh:
			// runner accepted; fall through to await terminal status
		case <-time.After(e.ackTimeout):
			logrus.WithContext(ctx).Warnf("ack timeout for step %s on runner %s, requeuing", exec.ID, runner.ID)
			_ = e.registry.MarkRunnerStatus(ctx, runner.ID, model.RunnerDead)
			_ = e.registry.RequeueStepExecution(ctx, exec.ID)
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		select {
		case status := <-doneCh:
			if status.State == stateRunnerDead {
				logrus.WithContext(ctx).Warnf("runner %s went silent mid-step %s, retrying", runner.ID, exec.ID)
				continue
			}
			code := status.ExitCode
			exec.Status = model.StepExecutionStatus(status.State)
			exec.ExitCode = code
			exec.RunnerID = runner.ID
			return exec, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// RunHeartbeatSweep periodically marks busy runners dead once their
// last heartbeat is older than timeoutSeconds, requeues whatever step
// they were running, and wakes any ExecuteStep call blocked waiting on
// that runner so it can retry elsewhere. Spec §4.4 push algorithm step
// 6 / §8 scenario 4: a runner's silence surfaces within one sweep
// interval instead of wedging the run forever.
func (e *Executor) RunHeartbeatSweep(ctx context.Context, interval time.Duration, timeoutSeconds int) {
	safego.SafeGoWithContext("remote-heartbeat-sweep", ctx, func(ctx context.Context) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := e.sweepStaleRunners(ctx, timeoutSeconds); err != nil {
					logrus.WithContext(ctx).WithError(err).Error("runner heartbeat sweep failed")
				}
			}
		}
	})
}

func (e *Executor) sweepStaleRunners(ctx context.Context, timeoutSeconds int) error {
	stale, err := e.registry.StaleBusyRunners(ctx, timeoutSeconds)
	if err != nil {
		return err
	}
	for _, r := range stale {
		logrus.WithContext(ctx).Warnf("runner %s heartbeat stale past %ds, marking dead", r.ID, timeoutSeconds)
		if err := e.registry.MarkRunnerStatus(ctx, r.ID, model.RunnerDead); err != nil {
			logrus.WithContext(ctx).WithError(err).Errorf("marking runner %s dead", r.ID)
			continue
		}
		if r.CurrentStepExecID == "" {
			continue
		}
		if err := e.registry.RequeueStepExecution(ctx, r.CurrentStepExecID); err != nil {
			logrus.WithContext(ctx).WithError(err).Errorf("requeuing step execution %s", r.CurrentStepExecID)
			continue
		}
		e.wakeWaiter(r.ID, r.CurrentStepExecID)
	}
	return nil
}

// wakeWaiter delivers a stateRunnerDead status to whatever ExecuteStep
// call is blocked on executionID's terminal status, if the runner is
// still connected.
func (e *Executor) wakeWaiter(runnerID, executionID string) {
	e.mu.Lock()
	c, ok := e.conns[runnerID]
	e.mu.Unlock()
	if !ok {
		return
	}
	c.mu.Lock()
	ch := c.waiters[executionID]
	c.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- StatusPayload{StepExecutionID: executionID, State: stateRunnerDead}:
	default:
	}
}

// Cancel implements stepexec.Executor; best-effort, the runner will
// still report a terminal status which the idempotency guard accepts.
func (e *Executor) Cancel(ctx context.Context, executionID string) error {
	return nil
}

func imageForStep(step model.PipelineStep) string {
	if image, ok := step.Config["image"].(string); ok {
		return image
	}
	return ""
}
