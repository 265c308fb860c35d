// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

// Package router implements the Execution Router: given a step and the
// run context, decide which executor should run it, following the
// decision rules in order (pinned runner id, continue_in_context
// affinity, unsatisfied labels, else local).
package router

import (
	"context"
	"runtime"

	"github.com/lazyaf/core/internal/executor/stepexec"
	"github.com/lazyaf/core/internal/model"
)

// Router decides, for each step, whether it runs on the LocalExecutor or
// is pinned to a specific remote runner.
type Router struct {
	// LocalArch is the architecture the local host satisfies (e.g.
	// "amd64", "arm64"), used to evaluate `arch` label requirements.
	LocalArch string
	// LocalLabels are the other labels the local host satisfies
	// (e.g. "type": "docker"); steps requiring anything outside this
	// set are routed to a remote runner.
	LocalLabels map[string]string
}

// New constructs a Router defaulting LocalArch to the host's GOARCH.
func New(localLabels map[string]string) *Router {
	return &Router{LocalArch: runtime.GOARCH, LocalLabels: localLabels}
}

// Route applies the decision rules in spec order. prevRunnerID is the
// runner id the previous step in this pipeline ran on, if it set
// continue_in_context.
func (r *Router) Route(ctx context.Context, step model.PipelineStep, prevContinueRunnerID string) stepexec.RoutingDecision {
	if id, ok := step.Requires["runner_id"]; ok && id != "" {
		return stepexec.RoutingDecision{Target: stepexec.TargetRemote, PinnedRunnerID: id}
	}

	if prevContinueRunnerID != "" {
		return stepexec.RoutingDecision{Target: stepexec.TargetRemote, PinnedRunnerID: prevContinueRunnerID}
	}

	if r.requiresRemoteLabels(step) {
		return stepexec.RoutingDecision{Target: stepexec.TargetRemote}
	}

	return stepexec.RoutingDecision{Target: stepexec.TargetLocal}
}

// requiresRemoteLabels reports whether step.Requires names an arch or
// capability (has=gpio, has=cuda, ...) the local host does not satisfy.
func (r *Router) requiresRemoteLabels(step model.PipelineStep) bool {
	for key, want := range step.Requires {
		if key == "runner_id" {
			continue
		}
		if key == "arch" {
			if want != r.LocalArch {
				return true
			}
			continue
		}
		if have, ok := r.LocalLabels[key]; !ok || have != want {
			return true
		}
	}
	return false
}

// MatchLabels reports whether a Runner's labels satisfy a step's
// requirements, used by the remote executor to pick a runner once
// routing has already decided to go remote.
func MatchLabels(requires map[string]string, runner model.Runner) bool {
	for key, want := range requires {
		if key == "runner_id" {
			continue
		}
		have, ok := runner.Labels[key]
		if !ok || have != want {
			return false
		}
	}
	return true
}
