// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

// Package pipeline implements the Pipeline Executor: the edge-conditional
// DAG walker that drives a PipelineRun from pending to a terminal state,
// producing exactly-once step executions whose results select the next
// outgoing edges.
package pipeline

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/lazyaf/core/internal/executor/router"
	"github.com/lazyaf/core/internal/executor/stepexec"
	"github.com/lazyaf/core/internal/model"
)

// Store is the persistence surface the pipeline executor needs; backed
// by internal/store.Store.
type Store interface {
	GetPipelineRun(ctx context.Context, id string) (*model.PipelineRun, error)
	GetPipeline(ctx context.Context, id string) (*model.Pipeline, error)
	UpdatePipelineRunStatus(ctx context.Context, id string, status model.PipelineRunStatus, currentStepID string) error
	GetOrCreateWorkspace(ctx context.Context, run *model.PipelineRun) (*model.Workspace, error)
	GetOrCreateStepRun(ctx context.Context, runID, stepID string) (*model.StepRun, error)
	ListStepRuns(ctx context.Context, runID string) ([]model.StepRun, error)
	CreateStepExecution(ctx context.Context, stepRunID, executionKey string) (*model.StepExecution, error)
	UpdateStepRunStatus(ctx context.Context, stepRunID string, status model.StepRunStatus) error
	AcquireWorkspaceExclusive(ctx context.Context, workspaceID string) (*model.Workspace, error)
	ReleaseWorkspace(ctx context.Context, workspaceID string, runTerminal bool) error
	NonTerminalRuns(ctx context.Context) ([]model.PipelineRun, error)
}

// TriggerHook is invoked on terminal run outcomes, implemented by
// internal/trigger.
type TriggerHook interface {
	OnRunTerminal(ctx context.Context, run *model.PipelineRun, status model.PipelineRunStatus) error
}

// GitMerger performs the merge:{branch} post-run action.
type GitMerger interface {
	Merge(ctx context.Context, repoID, fromBranch, toBranch string) error
}

// Executor walks a Pipeline's DAG for a single PipelineRun.
type Executor struct {
	store   Store
	router  *router.Router
	local   stepexec.Executor
	remote  stepexec.Executor
	trigger TriggerHook
	merger  GitMerger
	sink    stepexec.LogSink
}

// New constructs a pipeline Executor.
func New(store Store, rtr *router.Router, local, remote stepexec.Executor, trigger TriggerHook, merger GitMerger, sink stepexec.LogSink) *Executor {
	return &Executor{store: store, router: rtr, local: local, remote: remote, trigger: trigger, merger: merger, sink: sink}
}

// Execute progresses the run from its current state to a terminal state
// or the next suspension point. It is idempotent: safe to call again on
// backend restart for any non-terminal run.
func (e *Executor) Execute(ctx context.Context, pipelineRunID string) error {
	run, err := e.store.GetPipelineRun(ctx, pipelineRunID)
	if err != nil {
		return fmt.Errorf("loading run %s: %w", pipelineRunID, err)
	}
	if run.Status.IsTerminal() {
		return nil
	}

	pipeline, err := e.store.GetPipeline(ctx, run.PipelineID)
	if err != nil {
		return fmt.Errorf("loading pipeline %s: %w", run.PipelineID, err)
	}

	if run.Status == model.RunPending {
		run.Status = model.RunPreparing
		if err := e.store.UpdatePipelineRunStatus(ctx, run.ID, run.Status, run.CurrentStepID); err != nil {
			return err
		}
		if _, err := e.store.GetOrCreateWorkspace(ctx, run); err != nil {
			return fmt.Errorf("preparing workspace: %w", err)
		}
		run.Status = model.RunRunning
		if err := e.store.UpdatePipelineRunStatus(ctx, run.ID, run.Status, run.CurrentStepID); err != nil {
			return err
		}
	}

	stepRuns, err := e.store.ListStepRuns(ctx, run.ID)
	if err != nil {
		return err
	}
	statusByStep := map[string]model.StepRunStatus{}
	for _, sr := range stepRuns {
		statusByStep[sr.StepID] = sr.Status
	}

	var failedHard bool
	var mergeActions []string // "branch" targets queued by on_success=merge:{branch}
	var triggerActions []string
	runnerByStep := map[string]string{} // step id -> runner id it executed on, for continue_in_context affinity

	frontier := e.frontier(pipeline, statusByStep)
	for len(frontier) > 0 {
		anyProgressed := false
		for _, stepID := range frontier {
			step := pipeline.StepsGraph.Steps[stepID]
			prevRunnerID := e.continueInContextRunner(pipeline, stepID, runnerByStep)
			outcome, runnerID, err := e.runStep(ctx, run, step, prevRunnerID)
			if runnerID != "" {
				runnerByStep[stepID] = runnerID
			}
			if err != nil {
				logrus.WithContext(ctx).WithError(err).Errorf("step %s failed to execute", stepID)
				statusByStep[stepID] = model.StepRunFailed
				anyProgressed = true
				continue
			}
			anyProgressed = true

			switch outcome {
			case model.StepRunSuccess:
				statusByStep[stepID] = model.StepRunSuccess
				if step.OnSuccess == "stop" {
					run.Status = model.RunCompleted
				} else if branch, ok := mergeTarget(step.OnSuccess); ok {
					mergeActions = append(mergeActions, branch)
				}
			case model.StepRunFailed:
				statusByStep[stepID] = model.StepRunFailed
				if step.OnFailure == "" || step.OnFailure == "stop" {
					run.Status = model.RunFailed
					failedHard = true
				} else if target, ok := triggerTarget(step.OnFailure); ok {
					triggerActions = append(triggerActions, target)
				}
			}
			run.StepsCompleted++
		}
		if run.Status.IsTerminal() {
			break
		}
		if !anyProgressed {
			break
		}
		frontier = e.frontier(pipeline, statusByStep)
	}

	if !run.Status.IsTerminal() {
		run.Status = model.RunCompleting
		if err := e.store.UpdatePipelineRunStatus(ctx, run.ID, run.Status, run.CurrentStepID); err != nil {
			return err
		}
		for _, branch := range mergeActions {
			if e.merger != nil {
				if err := e.merger.Merge(ctx, pipeline.RepoID, run.ID, branch); err != nil {
					run.Status = model.RunFailed
					failedHard = true
					break
				}
			}
		}
		if !failedHard {
			run.Status = model.RunCompleted
		} else {
			run.Status = model.RunFailed
		}
	}

	if err := e.store.UpdatePipelineRunStatus(ctx, run.ID, run.Status, run.CurrentStepID); err != nil {
		return err
	}

	ws, wsErr := e.store.GetOrCreateWorkspace(ctx, run)
	if wsErr == nil {
		_ = e.store.ReleaseWorkspace(ctx, ws.ID, true)
	}

	if e.trigger != nil {
		if err := e.trigger.OnRunTerminal(ctx, run, run.Status); err != nil {
			logrus.WithContext(ctx).WithError(err).Error("trigger action hook failed")
		}
	}

	return nil
}

// RecoverAll re-enters Execute for every run the store still considers
// non-terminal, the crash-recovery path spec §3 requires: a backend
// restart never leaves an in-flight run stuck, since Execute itself is
// safe to call again against whatever state the database holds.
func (e *Executor) RecoverAll(ctx context.Context) error {
	runs, err := e.store.NonTerminalRuns(ctx)
	if err != nil {
		return fmt.Errorf("loading non-terminal runs: %w", err)
	}
	for _, run := range runs {
		logrus.WithContext(ctx).WithField("run_id", run.ID).Infoln("resuming pipeline run after restart")
		if err := e.Execute(ctx, run.ID); err != nil {
			logrus.WithContext(ctx).WithError(err).WithField("run_id", run.ID).Errorln("failed to resume pipeline run")
		}
	}
	return nil
}

// Cancel transitions the run toward cancelled, propagating cancellation
// to any in-flight executor. Already-executed steps are left untouched.
func (e *Executor) Cancel(ctx context.Context, pipelineRunID, reason string) error {
	run, err := e.store.GetPipelineRun(ctx, pipelineRunID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return nil
	}
	logrus.WithContext(ctx).WithField("reason", reason).Infof("cancelling pipeline run %s", pipelineRunID)
	return e.store.UpdatePipelineRunStatus(ctx, run.ID, model.RunCancelled, run.CurrentStepID)
}

// frontier returns the steps whose inbound edges are all satisfied by
// completed upstream step runs, in edge insertion order, excluding steps
// already attempted.
func (e *Executor) frontier(p *model.Pipeline, statusByStep map[string]model.StepRunStatus) []string {
	var out []string
	seen := map[string]bool{}
	for _, edge := range p.StepsGraph.Edges {
		if _, done := statusByStep[edge.To]; done {
			continue
		}
		if seen[edge.To] {
			continue
		}
		if e.edgeSatisfied(p, edge, statusByStep) {
			out = append(out, edge.To)
			seen[edge.To] = true
		}
	}
	return out
}

// edgeSatisfied reports whether every inbound edge into `to` is
// satisfied: the Start node's edges fire unconditionally, and a normal
// edge fires once its source step's outcome matches the edge condition.
func (e *Executor) edgeSatisfied(p *model.Pipeline, target model.Edge, statusByStep map[string]model.StepRunStatus) bool {
	if target.From == "" {
		return true // synthetic Start node edge
	}
	status, done := statusByStep[target.From]
	if !done || status == model.StepRunPending || status == model.StepRunRunning {
		return false
	}
	switch target.Condition {
	case model.EdgeAlways:
		return true
	case model.EdgeOnSuccess:
		return status == model.StepRunSuccess
	case model.EdgeOnFailure:
		return status == model.StepRunFailed
	}
	return false
}

func (e *Executor) runStep(ctx context.Context, run *model.PipelineRun, step model.PipelineStep, prevRunnerID string) (model.StepRunStatus, string, error) {
	stepRun, err := e.store.GetOrCreateStepRun(ctx, run.ID, step.ID)
	if err != nil {
		return "", "", err
	}

	executionKey := model.ExecutionKey(run.ID, step.ID, stepRun.Attempt)
	exec, err := e.store.CreateStepExecution(ctx, stepRun.ID, executionKey)
	if err != nil {
		return "", "", err
	}
	if exec.Status.IsTerminal() {
		return toStepRunStatus(exec.Status), exec.RunnerID, nil
	}

	decision := e.router.Route(ctx, step, prevRunnerID)

	ws, err := e.store.AcquireWorkspaceExclusive(ctx, model.WorkspaceID(run.ID))
	if err != nil {
		return "", "", err
	}
	defer e.store.ReleaseWorkspace(ctx, ws.ID, false)

	var executor stepexec.Executor = e.local
	if decision.Target == stepexec.TargetRemote {
		executor = e.remote
	}

	finalExec, err := executor.ExecuteStep(ctx, step, exec, ws, e.sink)
	if err != nil {
		_ = e.store.UpdateStepRunStatus(ctx, stepRun.ID, model.StepRunFailed)
		return model.StepRunFailed, "", err
	}

	status := toStepRunStatus(finalExec.Status)
	if err := e.store.UpdateStepRunStatus(ctx, stepRun.ID, status); err != nil {
		return "", "", err
	}
	return status, finalExec.RunnerID, nil
}

// continueInContextRunner returns the runner id the current step should
// be pinned to, if any upstream step feeding it set continue_in_context
// and already ran. Spec §4.1 step 5 / §4.2 rule 2: a step chain with
// continue_in_context stays on the same remote runner end to end.
func (e *Executor) continueInContextRunner(p *model.Pipeline, stepID string, runnerByStep map[string]string) string {
	for _, edge := range p.StepsGraph.Edges {
		if edge.To != stepID || edge.From == "" {
			continue
		}
		upstream, ok := p.StepsGraph.Steps[edge.From]
		if !ok || !upstream.ContinueInContext {
			continue
		}
		if runnerID, ok := runnerByStep[edge.From]; ok {
			return runnerID
		}
	}
	return ""
}

func toStepRunStatus(s model.StepExecutionStatus) model.StepRunStatus {
	switch s {
	case model.ExecSucceeded:
		return model.StepRunSuccess
	case model.ExecCancelled:
		return model.StepRunSkipped
	default:
		return model.StepRunFailed
	}
}

func mergeTarget(onSuccess string) (string, bool) {
	const prefix = "merge:"
	if len(onSuccess) > len(prefix) && onSuccess[:len(prefix)] == prefix {
		return onSuccess[len(prefix):], true
	}
	return "", false
}

func triggerTarget(onFailure string) (string, bool) {
	const prefix = "trigger:"
	if len(onFailure) > len(prefix) && onFailure[:len(prefix)] == prefix {
		return onFailure[len(prefix):], true
	}
	return "", false
}
