// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

// Package stepexec holds the shared contract between the execution
// router and the two step executors (local Docker, remote runner), so
// neither executor package needs to import the other.
package stepexec

import (
	"context"

	"github.com/lazyaf/core/internal/model"
)

// LogSink receives batched log lines from a running step, keyed by the
// step execution id, with Number as the at-least-once dedup sequence
// spec §8 requires.
type LogSink interface {
	WriteLine(executionID string, number int, line string)
}

// Executor runs one step execution to a terminal state. Implementations
// must be idempotent: calling ExecuteStep twice with the same
// ExecutionKey attaches to the already-running attempt instead of
// starting a second one.
type Executor interface {
	// ExecuteStep blocks until the step execution reaches a terminal
	// state (or ctx is cancelled) and returns the final row.
	ExecuteStep(ctx context.Context, step model.PipelineStep, exec *model.StepExecution, ws *model.Workspace, sink LogSink) (*model.StepExecution, error)

	// Cancel asks the executor to abort an in-flight step execution.
	Cancel(ctx context.Context, executionID string) error
}

// Target names which executor a RoutingDecision selected.
type Target string

const (
	TargetLocal  Target = "local"
	TargetRemote Target = "remote"
)

// RoutingDecision is the Execution Router's output for a single step.
type RoutingDecision struct {
	Target        Target
	PinnedRunnerID string
}
