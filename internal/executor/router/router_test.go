// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lazyaf/core/internal/executor/stepexec"
	"github.com/lazyaf/core/internal/model"
)

func TestRoutePinnedRunnerIDWins(t *testing.T) {
	r := &Router{LocalArch: "amd64"}
	step := model.PipelineStep{Requires: map[string]string{"runner_id": "runner-7"}}

	decision := r.Route(context.Background(), step, "")
	require.Equal(t, stepexec.TargetRemote, decision.Target)
	require.Equal(t, "runner-7", decision.PinnedRunnerID)
}

func TestRouteContinueInContextAffinity(t *testing.T) {
	r := &Router{LocalArch: "amd64"}
	step := model.PipelineStep{}

	decision := r.Route(context.Background(), step, "runner-prev")
	require.Equal(t, stepexec.TargetRemote, decision.Target)
	require.Equal(t, "runner-prev", decision.PinnedRunnerID)
}

func TestRouteUnsatisfiedArchGoesRemote(t *testing.T) {
	r := &Router{LocalArch: "amd64"}
	step := model.PipelineStep{Requires: map[string]string{"arch": "arm64"}}

	decision := r.Route(context.Background(), step, "")
	require.Equal(t, stepexec.TargetRemote, decision.Target)
	require.Empty(t, decision.PinnedRunnerID)
}

func TestRouteUnsatisfiedLabelGoesRemote(t *testing.T) {
	r := &Router{LocalArch: "amd64", LocalLabels: map[string]string{"type": "docker"}}
	step := model.PipelineStep{Requires: map[string]string{"has": "gpio"}}

	decision := r.Route(context.Background(), step, "")
	require.Equal(t, stepexec.TargetRemote, decision.Target)
}

func TestRouteDefaultsLocal(t *testing.T) {
	r := &Router{LocalArch: "amd64", LocalLabels: map[string]string{"type": "docker"}}
	step := model.PipelineStep{Requires: map[string]string{"type": "docker", "arch": "amd64"}}

	decision := r.Route(context.Background(), step, "")
	require.Equal(t, stepexec.TargetLocal, decision.Target)
}

func TestMatchLabelsIgnoresRunnerID(t *testing.T) {
	runner := model.Runner{Labels: map[string]string{"arch": "arm64"}}
	require.True(t, MatchLabels(map[string]string{"runner_id": "x", "arch": "arm64"}, runner))
	require.False(t, MatchLabels(map[string]string{"arch": "amd64"}, runner))
}
