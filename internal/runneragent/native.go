// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package runneragent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/lazyaf/core/internal/control"
	"github.com/lazyaf/core/internal/executor/remote"
)

// NativeOrchestrator runs a step directly on the runner host by
// spawning the Control Layer binary as a subprocess, used only where
// containers are unavailable (e.g. hosts without a Docker daemon).
type NativeOrchestrator struct {
	// ControlBinaryPath is the path to the lazyaf-control executable on
	// this host.
	ControlBinaryPath string
}

var _ Orchestrator = (*NativeOrchestrator)(nil)

// Execute materializes step_config.json under workspaceDir/.control and
// runs the Control Layer against it as a child process.
func (n *NativeOrchestrator) Execute(ctx context.Context, payload remote.ExecuteStepPayload, workspaceDir string) error {
	controlDir := filepath.Join(workspaceDir, ".control")
	repoDir := filepath.Join(workspaceDir, "repo")
	if err := os.MkdirAll(controlDir, 0o755); err != nil {
		return fmt.Errorf("creating control dir: %w", err)
	}
	if err := os.MkdirAll(repoDir, 0o755); err != nil {
		return fmt.Errorf("creating repo dir: %w", err)
	}

	configPath := filepath.Join(controlDir, "step_config.json")
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
	if err := os.WriteFile(configPath, data, 0o600); err != nil {
		return fmt.Errorf("writing step config: %w", err)
	}

	cmd := exec.CommandContext(ctx, n.ControlBinaryPath) //nolint:gosec
	cmd.Env = append(os.Environ(), "LAZYAF_CONTROL_CONFIG="+configPath)
	cmd.Dir = repoDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("control layer subprocess failed: %w: %s", err, out)
	}
	return nil
}
