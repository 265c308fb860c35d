// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package local

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lazyaf/core/internal/model"
)

func TestResolveImageByStepType(t *testing.T) {
	e := &Executor{}

	require.Equal(t, defaultScriptImage, e.resolveImage(model.PipelineStep{Type: model.StepTypeScript}))
	require.Equal(t, "ubuntu:22.04", e.resolveImage(model.PipelineStep{
		Type:   model.StepTypeDocker,
		Config: map[string]interface{}{"image": "ubuntu:22.04"},
	}))
	require.Equal(t, "lazyaf-claude", e.resolveImage(model.PipelineStep{Type: model.StepTypeAgent}))
	require.Equal(t, "lazyaf-codex", e.resolveImage(model.PipelineStep{
		Type:   model.StepTypeAgent,
		Config: map[string]interface{}{"runner_type": "codex"},
	}))
}

func TestCommandForStep(t *testing.T) {
	cmd, args := commandForStep(model.PipelineStep{
		Type:   model.StepTypeScript,
		Config: map[string]interface{}{"command": "echo hi"},
	})
	require.Equal(t, "/bin/sh", cmd)
	require.Equal(t, []string{"-c", "echo hi"}, args)

	cmd, args = commandForStep(model.PipelineStep{Type: model.StepTypeAgent})
	require.Equal(t, "/lazyaf/control/entrypoint.sh", cmd)
	require.Nil(t, args)
}

func TestWriteStepConfigMaterializesControlFile(t *testing.T) {
	root := t.TempDir()
	e := &Executor{
		workspaceRoot:            root,
		stepTokenSecret:          "s3cr3t",
		controlCallbackURL:       "http://backend/callback",
		heartbeatIntervalSeconds: 10,
	}
	ws := &model.Workspace{ID: "ws-1"}
	step := model.PipelineStep{ID: "build"}
	exec := &model.StepExecution{ID: "exec-1"}

	require.NoError(t, e.writeStepConfig(ws, step, exec))

	data, err := os.ReadFile(filepath.Join(root, "ws-1", ".control", "step_config.json"))
	require.NoError(t, err)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &payload))
	require.Equal(t, "exec-1", payload["step_execution_id"])
	require.Equal(t, "http://backend/callback", payload["callback_url"])
	require.EqualValues(t, 10, payload["heartbeat_interval_seconds"])
}

func TestCancelOfUnattachedExecutionIsNoop(t *testing.T) {
	e := &Executor{attached: map[string]context.CancelFunc{}}
	require.NoError(t, e.Cancel(context.Background(), "exec-unknown"))
}
