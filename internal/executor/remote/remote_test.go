// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package remote

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lazyaf/core/internal/model"
)

type fakeRegistry struct {
	stale      []model.Runner
	marked     map[string]model.RunnerStatus
	requeued   []string
	requeueErr error
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{marked: map[string]model.RunnerStatus{}}
}

func (f *fakeRegistry) ClaimRunner(ctx context.Context, stepExecutionID string, labelMatch func(model.Runner) bool) (*model.Runner, error) {
	return nil, nil
}
func (f *fakeRegistry) TouchHeartbeat(ctx context.Context, runnerID string) error { return nil }
func (f *fakeRegistry) MarkRunnerStatus(ctx context.Context, runnerID string, status model.RunnerStatus) error {
	f.marked[runnerID] = status
	return nil
}
func (f *fakeRegistry) RequeueStepExecution(ctx context.Context, executionID string) error {
	f.requeued = append(f.requeued, executionID)
	return f.requeueErr
}
func (f *fakeRegistry) StaleBusyRunners(ctx context.Context, timeoutSeconds int) ([]model.Runner, error) {
	return f.stale, nil
}

func TestSweepStaleRunnersMarksDeadAndRequeues(t *testing.T) {
	registry := newFakeRegistry()
	registry.stale = []model.Runner{{ID: "runner-1", CurrentStepExecID: "exec-1"}}
	e := New(registry, 0, 0, "secret", "http://callback", 30)

	require.NoError(t, e.sweepStaleRunners(context.Background(), 30))

	require.Equal(t, model.RunnerDead, registry.marked["runner-1"])
	require.Equal(t, []string{"exec-1"}, registry.requeued)
}

func TestSweepStaleRunnersSkipsRequeueWithNoCurrentStep(t *testing.T) {
	registry := newFakeRegistry()
	registry.stale = []model.Runner{{ID: "runner-2"}}
	e := New(registry, 0, 0, "secret", "http://callback", 30)

	require.NoError(t, e.sweepStaleRunners(context.Background(), 30))

	require.Equal(t, model.RunnerDead, registry.marked["runner-2"])
	require.Empty(t, registry.requeued)
}

func TestWakeWaiterIsNoopWhenRunnerNotConnected(t *testing.T) {
	e := New(newFakeRegistry(), 0, 0, "secret", "http://callback", 30)
	require.NotPanics(t, func() { e.wakeWaiter("runner-missing", "exec-1") })
}

func TestIsTerminalState(t *testing.T) {
	require.True(t, isTerminalState(string(model.ExecSucceeded)))
	require.True(t, isTerminalState(string(model.ExecFailed)))
	require.True(t, isTerminalState(string(model.ExecCancelled)))
	require.False(t, isTerminalState(string(model.ExecRunning)))
	require.False(t, isTerminalState(stateRunnerDead))
}

func TestImageForStep(t *testing.T) {
	require.Equal(t, "alpine", imageForStep(model.PipelineStep{Config: map[string]interface{}{"image": "alpine"}}))
	require.Equal(t, "", imageForStep(model.PipelineStep{}))
}
