// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package pipelinedef

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lazyaf/core/internal/model"
)

const sampleDoc = `
name: lint-and-test
entry_points: ["lint"]
steps:
  - id: lint
    name: Lint
    type: container
    timeout_seconds: 120
    on_success: test
    config:
      image: golangci/golangci-lint
  - id: test
    name: Test
    type: container
    requires:
      lint: success
edges:
  - from: lint
    to: test
    condition: success
triggers:
  - type: push
    branch_pattern: "refs/heads/main"
    action_plan: lint-and-test
`

func TestParseDecodesStepsEdgesAndTriggers(t *testing.T) {
	parsed, err := Parse([]byte(sampleDoc))
	require.NoError(t, err)
	require.Equal(t, "lint-and-test", parsed.Name)

	require.Len(t, parsed.StepsGraph.Steps, 2)
	lint := parsed.StepsGraph.Steps["lint"]
	require.Equal(t, model.StepType("container"), lint.Type)
	require.Equal(t, 120, lint.TimeoutSeconds)
	require.Equal(t, "test", lint.OnSuccess)

	test := parsed.StepsGraph.Steps["test"]
	require.Equal(t, model.DefaultStepTimeoutSeconds, test.TimeoutSeconds)
	require.Equal(t, "success", test.Requires["lint"])

	require.Equal(t, []string{"lint"}, parsed.StepsGraph.EntryPoints)
	require.Contains(t, parsed.StepsGraph.Edges, model.Edge{From: "", To: "lint", Condition: model.EdgeAlways})
	require.Contains(t, parsed.StepsGraph.Edges, model.Edge{From: "lint", To: "test", Condition: model.EdgeOnSuccess})

	require.Len(t, parsed.Triggers, 1)
	require.Equal(t, "push", parsed.Triggers[0].Type)
	require.Equal(t, "refs/heads/main", parsed.Triggers[0].BranchPattern)
	require.Equal(t, "lint-and-test", parsed.Triggers[0].ActionPlan)
}

func TestParseRejectsMissingName(t *testing.T) {
	_, err := Parse([]byte(`steps: []`))
	require.Error(t, err)
}

func TestParseRejectsStepMissingID(t *testing.T) {
	_, err := Parse([]byte(`
name: broken
steps:
  - name: no id here
`))
	require.Error(t, err)
}
