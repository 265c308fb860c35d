// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

// Package local implements the LocalExecutor: it runs a step as a
// container on the host the backend itself controls, the way the
// teacher's engine/docker package drives the Docker API, generalized
// from a single hard-coded pipeline step shape to spec's PipelineStep
// config union (script/docker/agent).
package local

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/sirupsen/logrus"

	dockererrors "github.com/lazyaf/core/internal/docker/errors"
	"github.com/lazyaf/core/internal/executor/stepexec"
	"github.com/lazyaf/core/internal/model"
	"github.com/lazyaf/core/internal/steptoken"
)

const (
	managedLabel          = "managed"
	stepExecutionIDLabel  = "step_execution_id"
	defaultScriptImage    = "lazyaf/step-base:latest"
)

// StatusUpdater persists a StepExecution transition; implemented by
// internal/store.
type StatusUpdater interface {
	UpdateStepExecutionStatus(ctx context.Context, executionID string, status model.StepExecutionStatus, containerID string, exitCode *int) error
}

// Executor runs steps as Docker containers on the local host.
type Executor struct {
	docker        *client.Client
	store         StatusUpdater
	workspaceRoot string
	imagePullMaxRetries int

	stepTokenSecret string
	controlCallbackURL string
	heartbeatIntervalSeconds int

	mu       sync.Mutex
	attached map[string]context.CancelFunc // executionID -> cancel for its log-stream goroutine
}

var _ stepexec.Executor = (*Executor)(nil)

// New constructs a LocalExecutor against the local Docker daemon.
func New(store StatusUpdater, workspaceRoot string, imagePullMaxRetries int, stepTokenSecret, controlCallbackURL string, heartbeatIntervalSeconds int) (*Executor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("connecting to docker daemon: %w", err)
	}
	return &Executor{
		docker:              cli,
		store:               store,
		workspaceRoot:       workspaceRoot,
		imagePullMaxRetries: imagePullMaxRetries,
		stepTokenSecret:     stepTokenSecret,
		controlCallbackURL:  controlCallbackURL,
		heartbeatIntervalSeconds: heartbeatIntervalSeconds,
		attached:            map[string]context.CancelFunc{},
	}, nil
}

// ExecuteStep implements stepexec.Executor.
func (e *Executor) ExecuteStep(ctx context.Context, step model.PipelineStep, exec *model.StepExecution, ws *model.Workspace, sink stepexec.LogSink) (*model.StepExecution, error) {
	log := logrus.WithContext(ctx).WithField("execution_id", exec.ID)

	if exec.Status.IsTerminal() {
		return exec, nil
	}
	if exec.ContainerID != "" {
		log.Info("reattaching to existing container")
		return e.attachAndWait(ctx, exec, step, sink)
	}

	image := e.resolveImage(step)
	if err := e.pullImage(ctx, image); err != nil {
		return nil, fmt.Errorf("pulling image %s: %w", image, dockererrors.TrimExtraInfo(err))
	}

	if err := e.writeStepConfig(ws, step, exec); err != nil {
		return nil, fmt.Errorf("materializing step config: %w", err)
	}

	cmd, args := commandForStep(step)
	workspaceDir := filepath.Join(e.workspaceRoot, ws.ID)

	resp, err := e.docker.ContainerCreate(ctx, &container.Config{
		Image: image,
		Cmd:   append([]string{cmd}, args...),
		Env:   []string{"HOME=/workspace/home"},
		Labels: map[string]string{
			managedLabel:         "true",
			stepExecutionIDLabel: exec.ID,
		},
	}, &container.HostConfig{
		Binds: []string{workspaceDir + ":/workspace"},
	}, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", dockererrors.TrimExtraInfo(err))
	}

	exec.ContainerID = resp.ID
	_ = e.store.UpdateStepExecutionStatus(ctx, exec.ID, model.ExecPending, exec.ContainerID, nil)

	if err := e.docker.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return nil, fmt.Errorf("starting container: %w", dockererrors.TrimExtraInfo(err))
	}
	exec.Status = model.ExecRunning
	_ = e.store.UpdateStepExecutionStatus(ctx, exec.ID, exec.Status, exec.ContainerID, nil)

	return e.attachAndWait(ctx, exec, step, sink)
}

func (e *Executor) attachAndWait(ctx context.Context, exec *model.StepExecution, step model.PipelineStep, sink stepexec.LogSink) (*model.StepExecution, error) {
	timeout := time.Duration(step.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = time.Duration(model.DefaultStepTimeoutSeconds) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	streamCtx, streamCancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.attached[exec.ID] = streamCancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.attached, exec.ID)
		e.mu.Unlock()
	}()

	go e.streamLogs(streamCtx, exec.ID, exec.ContainerID, sink)

	statusCh, errCh := e.docker.ContainerWait(runCtx, exec.ContainerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if runCtx.Err() != nil {
			e.abort(ctx, exec.ContainerID)
			exec.Status = model.ExecFailed
			_ = e.store.UpdateStepExecutionStatus(ctx, exec.ID, exec.Status, exec.ContainerID, nil)
			return exec, fmt.Errorf("step %s timed out after %s", exec.ID, timeout)
		}
		return nil, fmt.Errorf("waiting for container: %w", dockererrors.TrimExtraInfo(err))
	case result := <-statusCh:
		code := int(result.StatusCode)
		exec.ExitCode = &code
		if code == 0 {
			exec.Status = model.ExecSucceeded
		} else {
			exec.Status = model.ExecFailed
		}
		_ = e.store.UpdateStepExecutionStatus(ctx, exec.ID, exec.Status, exec.ContainerID, exec.ExitCode)
		return exec, nil
	}
}

// abort sends SIGTERM then escalates to SIGKILL, matching the host-exec
// abort escalation used for native steps.
func (e *Executor) abort(ctx context.Context, containerID string) {
	timeoutSecs := 10
	if err := e.docker.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeoutSecs}); err != nil {
		logrus.WithContext(ctx).WithError(err).Warnf("graceful stop of container %s failed, killing", containerID)
		_ = e.docker.ContainerKill(ctx, containerID, "SIGKILL")
	}
}

// Cancel implements stepexec.Executor.
func (e *Executor) Cancel(ctx context.Context, executionID string) error {
	e.mu.Lock()
	cancel, ok := e.attached[executionID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

func (e *Executor) streamLogs(ctx context.Context, executionID, containerID string, sink stepexec.LogSink) {
	out, err := e.docker.ContainerLogs(ctx, containerID, types.ContainerLogsOptions{
		ShowStdout: true, ShowStderr: true, Follow: true,
	})
	if err != nil {
		return
	}
	defer out.Close()

	scanner := bufio.NewScanner(out)
	number := 0
	for scanner.Scan() {
		number++
		sink.WriteLine(executionID, number, scanner.Text())
	}
}

func (e *Executor) pullImage(ctx context.Context, image string) error {
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(e.imagePullMaxRetries))
	return backoff.Retry(func() error {
		rc, err := e.docker.ImagePull(ctx, image, types.ImagePullOptions{})
		if err != nil {
			return err
		}
		defer rc.Close()
		_, _ = io.Copy(io.Discard, rc)
		return nil
	}, bo)
}

func (e *Executor) resolveImage(step model.PipelineStep) string {
	switch step.Type {
	case model.StepTypeDocker:
		if image, ok := step.Config["image"].(string); ok {
			return image
		}
	case model.StepTypeAgent:
		if ref, ok := step.Config["runner_type"].(string); ok {
			return "lazyaf-" + ref
		}
		return "lazyaf-claude"
	}
	return defaultScriptImage
}

func commandForStep(step model.PipelineStep) (string, []string) {
	if step.Type == model.StepTypeScript {
		if cmd, ok := step.Config["command"].(string); ok {
			return "/bin/sh", []string{"-c", cmd}
		}
	}
	if step.Type == model.StepTypeDocker {
		if cmd, ok := step.Config["command"].(string); ok {
			return "/bin/sh", []string{"-c", cmd}
		}
	}
	return "/lazyaf/control/entrypoint.sh", nil
}

func (e *Executor) writeStepConfig(ws *model.Workspace, step model.PipelineStep, exec *model.StepExecution) error {
	dir := filepath.Join(e.workspaceRoot, ws.ID, ".control")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	payload := map[string]interface{}{
		"step_execution_id":          exec.ID,
		"step":                       step,
		"step_token":                 steptoken.Issue(e.stepTokenSecret, exec.ID),
		"callback_url":               e.controlCallbackURL,
		"heartbeat_interval_seconds": e.heartbeatIntervalSeconds,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "step_config.json"), data, 0o600)
}

// Recover reconciles running containers against StepExecution rows on
// backend start: managed=true containers with no matching non-terminal
// row are killed, per spec §4.3 crash behavior.
func (e *Executor) Recover(ctx context.Context, runningExecutionIDs map[string]bool) error {
	f := filters.NewArgs()
	f.Add("label", managedLabel+"=true")
	containers, err := e.docker.ContainerList(ctx, types.ContainerListOptions{All: true, Filters: f})
	if err != nil {
		return err
	}
	for _, c := range containers {
		execID := c.Labels[stepExecutionIDLabel]
		if !runningExecutionIDs[execID] {
			logrus.WithContext(ctx).Warnf("killing orphaned managed container %s (step %s)", c.ID, execID)
			_ = e.docker.ContainerKill(ctx, c.ID, "SIGKILL")
			_ = e.docker.ContainerRemove(ctx, c.ID, types.ContainerRemoveOptions{Force: true})
		}
	}
	return nil
}
