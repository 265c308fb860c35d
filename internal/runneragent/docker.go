// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package runneragent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	dockererrors "github.com/lazyaf/core/internal/docker/errors"
	"github.com/lazyaf/core/internal/control"
	"github.com/lazyaf/core/internal/executor/remote"
)

const defaultScriptImage = "lazyaf/step-base:latest"

// DockerOrchestrator spawns a container per step on the runner host,
// binding the workspace directory and baking in the Control Layer as
// the image's own entrypoint.
type DockerOrchestrator struct {
	docker *client.Client
}

var _ Orchestrator = (*DockerOrchestrator)(nil)

// NewDockerOrchestrator connects to the local Docker daemon, returning
// nil with an error if none is reachable so the caller can fall back to
// NativeOrchestrator.
func NewDockerOrchestrator() (*DockerOrchestrator, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("connecting to docker daemon: %w", err)
	}
	return &DockerOrchestrator{docker: cli}, nil
}

// Execute creates, starts, and waits on a container running the
// Control Layer against the step's materialized config.
func (d *DockerOrchestrator) Execute(ctx context.Context, payload remote.ExecuteStepPayload, workspaceDir string) error {
	controlDir := filepath.Join(workspaceDir, ".control")
	if err := os.MkdirAll(filepath.Join(workspaceDir, "repo"), 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(controlDir, 0o755); err != nil {
		return err
	}

	cfg := control.StepConfig{
		StepExecutionID:          payload.StepExecutionID,
		StepToken:                payload.StepToken,
		CallbackURL:              payload.CallbackURL,
		HeartbeatIntervalSeconds: payload.HeartbeatIntervalSeconds,
	}
	cfg.Step.Config = payload.StepConfig
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(controlDir, "step_config.json"), data, 0o600); err != nil {
		return err
	}

	image := payload.Image
	if image == "" {
		image = defaultScriptImage
	}

	resp, err := d.docker.ContainerCreate(ctx, &container.Config{
		Image: image,
		Env:   []string{"HOME=/workspace/home", "LAZYAF_CONTROL_CONFIG=/workspace/.control/step_config.json"},
		Labels: map[string]string{
			"managed":           "true",
			"step_execution_id": payload.StepExecutionID,
		},
	}, &container.HostConfig{
		Binds: []string{workspaceDir + ":/workspace"},
	}, nil, nil, "")
	if err != nil {
		return fmt.Errorf("creating container: %w", dockererrors.TrimExtraInfo(err))
	}
	defer func() {
		_ = d.docker.ContainerRemove(context.Background(), resp.ID, types.ContainerRemoveOptions{Force: true})
	}()

	if err := d.docker.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("starting container: %w", dockererrors.TrimExtraInfo(err))
	}

	statusCh, errCh := d.docker.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return fmt.Errorf("waiting for container: %w", dockererrors.TrimExtraInfo(err))
	case result := <-statusCh:
		if result.StatusCode != 0 {
			return fmt.Errorf("step container exited %d", result.StatusCode)
		}
		return nil
	}
}
