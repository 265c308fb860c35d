// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lazyaf/core/internal/executor/router"
	"github.com/lazyaf/core/internal/executor/stepexec"
	"github.com/lazyaf/core/internal/model"
)

// fakeStore is a minimal in-memory Store that reproduces the real
// store's ON CONFLICT (execution_key) semantics: a second
// CreateStepExecution call with a key already seen returns the
// existing row, whichever step_run it was first created for.
type fakeStore struct {
	run       *model.PipelineRun
	pipeline  *model.Pipeline
	stepRuns  map[string]*model.StepRun // keyed by stepID
	execByKey map[string]*model.StepExecution
}

func newFakeStore(run *model.PipelineRun, p *model.Pipeline) *fakeStore {
	return &fakeStore{run: run, pipeline: p, stepRuns: map[string]*model.StepRun{}, execByKey: map[string]*model.StepExecution{}}
}

func (f *fakeStore) GetPipelineRun(ctx context.Context, id string) (*model.PipelineRun, error) { return f.run, nil }
func (f *fakeStore) GetPipeline(ctx context.Context, id string) (*model.Pipeline, error)        { return f.pipeline, nil }
func (f *fakeStore) UpdatePipelineRunStatus(ctx context.Context, id string, status model.PipelineRunStatus, currentStepID string) error {
	f.run.Status = status
	f.run.CurrentStepID = currentStepID
	return nil
}
func (f *fakeStore) GetOrCreateWorkspace(ctx context.Context, run *model.PipelineRun) (*model.Workspace, error) {
	return &model.Workspace{ID: model.WorkspaceID(run.ID)}, nil
}
func (f *fakeStore) GetOrCreateStepRun(ctx context.Context, runID, stepID string) (*model.StepRun, error) {
	if sr, ok := f.stepRuns[stepID]; ok {
		return sr, nil
	}
	sr := &model.StepRun{ID: "sr-" + stepID, RunID: runID, StepID: stepID, Status: model.StepRunPending}
	f.stepRuns[stepID] = sr
	return sr, nil
}
func (f *fakeStore) ListStepRuns(ctx context.Context, runID string) ([]model.StepRun, error) {
	var out []model.StepRun
	for _, sr := range f.stepRuns {
		out = append(out, *sr)
	}
	return out, nil
}
func (f *fakeStore) CreateStepExecution(ctx context.Context, stepRunID, executionKey string) (*model.StepExecution, error) {
	if exec, ok := f.execByKey[executionKey]; ok {
		return exec, nil
	}
	exec := &model.StepExecution{ID: "exec-" + executionKey, StepRunID: stepRunID, ExecutionKey: executionKey, Status: model.ExecPending}
	f.execByKey[executionKey] = exec
	return exec, nil
}
func (f *fakeStore) UpdateStepRunStatus(ctx context.Context, stepRunID string, status model.StepRunStatus) error {
	for _, sr := range f.stepRuns {
		if sr.ID == stepRunID {
			sr.Status = status
		}
	}
	return nil
}
func (f *fakeStore) AcquireWorkspaceExclusive(ctx context.Context, workspaceID string) (*model.Workspace, error) {
	return &model.Workspace{ID: workspaceID}, nil
}
func (f *fakeStore) ReleaseWorkspace(ctx context.Context, workspaceID string, runTerminal bool) error {
	return nil
}
func (f *fakeStore) NonTerminalRuns(ctx context.Context) ([]model.PipelineRun, error) { return nil, nil }

// fakeExecutor records which execution keys it was asked to run, and
// always succeeds, so a collision shows up as a step never reaching
// this executor at all.
type fakeExecutor struct {
	ranKeys []string
	runnerID string
}

func (f *fakeExecutor) ExecuteStep(ctx context.Context, step model.PipelineStep, exec *model.StepExecution, ws *model.Workspace, sink stepexec.LogSink) (*model.StepExecution, error) {
	f.ranKeys = append(f.ranKeys, exec.ExecutionKey)
	exec.Status = model.ExecSucceeded
	exec.RunnerID = f.runnerID
	return exec, nil
}
func (f *fakeExecutor) Cancel(ctx context.Context, executionID string) error { return nil }

func twoStepPipeline() *model.Pipeline {
	return &model.Pipeline{
		ID: "pipe-1",
		StepsGraph: model.StepsGraph{
			Steps: map[string]model.PipelineStep{
				"build": {ID: "build", OnSuccess: ""},
				"test":  {ID: "test"},
			},
			Edges: []model.Edge{
				{From: "", To: "build", Condition: model.EdgeAlways},
				{From: "build", To: "test", Condition: model.EdgeOnSuccess},
			},
			EntryPoints: []string{"build"},
		},
	}
}

func TestExecuteRunsBothStepsOfATwoStepPipeline(t *testing.T) {
	run := &model.PipelineRun{ID: "run-1", PipelineID: "pipe-1", Status: model.RunPending}
	p := twoStepPipeline()
	store := newFakeStore(run, p)
	local := &fakeExecutor{}

	exec := New(store, router.New(nil), local, local, nil, nil, nil)
	require.NoError(t, exec.Execute(context.Background(), run.ID))

	require.Equal(t, model.RunCompleted, run.Status)
	require.Len(t, local.ranKeys, 2, "both steps must reach the executor, not just the first")
	require.NotEqual(t, local.ranKeys[0], local.ranKeys[1], "distinct steps must never share an execution_key")
}

func TestExecuteIsIdempotentOnReentry(t *testing.T) {
	run := &model.PipelineRun{ID: "run-2", PipelineID: "pipe-1", Status: model.RunPending}
	p := twoStepPipeline()
	store := newFakeStore(run, p)
	local := &fakeExecutor{}
	exec := New(store, router.New(nil), local, local, nil, nil, nil)

	require.NoError(t, exec.Execute(context.Background(), run.ID))
	require.NoError(t, exec.Execute(context.Background(), run.ID)) // already terminal, must no-op

	require.Len(t, local.ranKeys, 2, "a terminal run must not re-execute any step on a second call")
}

func TestEdgeSatisfiedRules(t *testing.T) {
	e := &Executor{}
	p := twoStepPipeline()

	require.True(t, e.edgeSatisfied(p, model.Edge{From: "", To: "build", Condition: model.EdgeAlways}, nil))

	statusByStep := map[string]model.StepRunStatus{"build": model.StepRunSuccess}
	require.True(t, e.edgeSatisfied(p, model.Edge{From: "build", To: "test", Condition: model.EdgeOnSuccess}, statusByStep))
	require.False(t, e.edgeSatisfied(p, model.Edge{From: "build", To: "test", Condition: model.EdgeOnFailure}, statusByStep))

	statusByStep["build"] = model.StepRunRunning
	require.False(t, e.edgeSatisfied(p, model.Edge{From: "build", To: "test", Condition: model.EdgeAlways}, statusByStep))
}

func TestContinueInContextRunnerPinsToUpstreamRunner(t *testing.T) {
	e := &Executor{}
	p := &model.Pipeline{
		StepsGraph: model.StepsGraph{
			Steps: map[string]model.PipelineStep{
				"a": {ID: "a", ContinueInContext: true},
				"b": {ID: "b"},
			},
			Edges: []model.Edge{{From: "a", To: "b", Condition: model.EdgeOnSuccess}},
		},
	}

	require.Equal(t, "", e.continueInContextRunner(p, "b", map[string]string{}))
	require.Equal(t, "runner-9", e.continueInContextRunner(p, "b", map[string]string{"a": "runner-9"}))
}
