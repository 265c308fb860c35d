// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	lerrors "github.com/lazyaf/core/errors"
	"github.com/lazyaf/core/internal/model"
)

// GetPipelineRun loads a run by id.
func (s *Store) GetPipelineRun(ctx context.Context, id string) (*model.PipelineRun, error) {
	var r model.PipelineRun
	err := s.pool.QueryRow(ctx, `
		SELECT id, pipeline_id, status, coalesce(current_step_id, ''), steps_completed,
			steps_total, trigger_type, trigger_key, started_at, completed_at
		FROM pipeline_runs WHERE id = $1
	`, id).Scan(&r.ID, &r.PipelineID, &r.Status, &r.CurrentStepID, &r.StepsCompleted,
		&r.StepsTotal, &r.TriggerType, &r.TriggerKey, &r.StartedAt, &r.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &lerrors.NotFoundError{Msg: fmt.Sprintf("pipeline run %s not found", id)}
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetPipeline loads a pipeline and its steps_graph by id.
func (s *Store) GetPipeline(ctx context.Context, id string) (*model.Pipeline, error) {
	var p model.Pipeline
	err := s.pool.QueryRow(ctx, `
		SELECT id, repo_id, name, steps_graph FROM pipelines WHERE id = $1
	`, id).Scan(&p.ID, &p.RepoID, &p.Name, &p.StepsGraph)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &lerrors.NotFoundError{Msg: fmt.Sprintf("pipeline %s not found", id)}
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// UpsertPipelineDef installs a repo-defined pipeline parsed from
// .lazyaf/pipelines/*.yaml, replacing its steps_graph and trigger set
// on every push to the ref the definition lives on. Repo-defined
// pipelines win over platform-authored ones on a (repo_id, name)
// clash, the same uniqueness constraint platform-created pipelines use.
func (s *Store) UpsertPipelineDef(ctx context.Context, repoID, name string, graph model.StepsGraph, triggers []model.Trigger) (*model.Pipeline, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO pipelines (id, repo_id, name, steps_graph)
		VALUES (gen_random_uuid(), $1, $2, $3)
		ON CONFLICT (repo_id, name) DO UPDATE SET steps_graph = excluded.steps_graph
		RETURNING id
	`, repoID, name, graph).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("upserting pipeline %s: %w", name, err)
	}

	if _, err := s.pool.Exec(ctx, `DELETE FROM triggers WHERE pipeline_id = $1`, id); err != nil {
		return nil, fmt.Errorf("clearing stale triggers for pipeline %s: %w", name, err)
	}
	for _, t := range triggers {
		if _, err := s.pool.Exec(ctx, `
			INSERT INTO triggers (id, pipeline_id, type, branch_pattern, action_plan)
			VALUES (gen_random_uuid(), $1, $2, $3, $4)
		`, id, t.Type, t.BranchPattern, t.ActionPlan); err != nil {
			return nil, fmt.Errorf("inserting trigger for pipeline %s: %w", name, err)
		}
	}

	return &model.Pipeline{ID: id, RepoID: repoID, Name: name, StepsGraph: graph, Triggers: triggers}, nil
}

// UpdatePipelineRunStatus persists a run's status and current step
// pointer.
func (s *Store) UpdatePipelineRunStatus(ctx context.Context, id string, status model.PipelineRunStatus, currentStepID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE pipeline_runs SET status = $1, current_step_id = $2,
			completed_at = CASE WHEN $1 IN ('completed','failed','cancelled') THEN now() ELSE completed_at END
		WHERE id = $3
	`, status, currentStepID, id)
	return err
}

// GetOrCreateWorkspace returns the run's workspace, creating it in
// `creating` status on first call.
func (s *Store) GetOrCreateWorkspace(ctx context.Context, run *model.PipelineRun) (*model.Workspace, error) {
	id := model.WorkspaceID(run.ID)
	var ws model.Workspace
	err := s.pool.QueryRow(ctx, `
		SELECT id, status, use_count, pipeline_run_id, created_at, last_used_at
		FROM workspaces WHERE id = $1
	`, id).Scan(&ws.ID, &ws.Status, &ws.UseCount, &ws.PipelineRunID, &ws.CreatedAt, &ws.LastUsedAt)
	if err == nil {
		return &ws, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	now := model.Now()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO workspaces (id, status, use_count, pipeline_run_id, created_at, last_used_at)
		VALUES ($1, $2, 0, $3, $4, $4)
		ON CONFLICT (id) DO NOTHING
	`, id, model.WorkspaceReady, run.ID, now)
	if err != nil {
		return nil, err
	}
	return &model.Workspace{ID: id, Status: model.WorkspaceReady, PipelineRunID: run.ID, CreatedAt: now, LastUsedAt: now}, nil
}

// GetOrCreateStepRun returns the logical StepRun for (runID, stepID),
// creating it at attempt 0 if this is the first time the step is
// scheduled.
func (s *Store) GetOrCreateStepRun(ctx context.Context, runID, stepID string) (*model.StepRun, error) {
	var sr model.StepRun
	err := s.pool.QueryRow(ctx, `
		SELECT id, run_id, step_id, status, coalesce(log_ref, ''), attempt, started_at, finished_at
		FROM step_runs WHERE run_id = $1 AND step_id = $2
	`, runID, stepID).Scan(&sr.ID, &sr.RunID, &sr.StepID, &sr.Status, &sr.LogRef, &sr.Attempt, &sr.StartedAt, &sr.FinishedAt)
	if err == nil {
		return &sr, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	sr = model.StepRun{ID: model.NewID(), RunID: runID, StepID: stepID, Status: model.StepRunPending}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO step_runs (id, run_id, step_id, status, attempt)
		VALUES ($1, $2, $3, $4, 0)
		ON CONFLICT DO NOTHING
	`, sr.ID, sr.RunID, sr.StepID, sr.Status)
	if err != nil {
		return nil, err
	}
	return &sr, nil
}

// ListStepRuns returns every StepRun recorded for a pipeline run.
func (s *Store) ListStepRuns(ctx context.Context, runID string) ([]model.StepRun, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, run_id, step_id, status, coalesce(log_ref, ''), attempt, started_at, finished_at
		FROM step_runs WHERE run_id = $1
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.StepRun
	for rows.Next() {
		var sr model.StepRun
		if err := rows.Scan(&sr.ID, &sr.RunID, &sr.StepID, &sr.Status, &sr.LogRef, &sr.Attempt, &sr.StartedAt, &sr.FinishedAt); err != nil {
			return nil, err
		}
		out = append(out, sr)
	}
	return out, rows.Err()
}

// UpdateStepRunStatus persists a StepRun's terminal (or intermediate)
// status.
func (s *Store) UpdateStepRunStatus(ctx context.Context, stepRunID string, status model.StepRunStatus) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE step_runs SET status = $1,
			finished_at = CASE WHEN $1 IN ('success','failed','skipped') THEN now() ELSE finished_at END
		WHERE id = $2
	`, status, stepRunID)
	return err
}

// GetStepExecution loads a step execution by id, for the control
// endpoint's terminal-state check ahead of every status/log/heartbeat
// write.
func (s *Store) GetStepExecution(ctx context.Context, id string) (*model.StepExecution, error) {
	var exec model.StepExecution
	var runnerID, containerID string
	err := s.pool.QueryRow(ctx, `
		SELECT id, step_run_id, execution_key, status, coalesce(runner_id::text, ''),
			coalesce(container_id, ''), exit_code, started_at, finished_at
		FROM step_executions WHERE id = $1
	`, id).Scan(&exec.ID, &exec.StepRunID, &exec.ExecutionKey, &exec.Status,
		&runnerID, &containerID, &exec.ExitCode, &exec.StartedAt, &exec.FinishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &lerrors.NotFoundError{Msg: fmt.Sprintf("step execution %s not found", id)}
	}
	if err != nil {
		return nil, err
	}
	exec.RunnerID = runnerID
	exec.ContainerID = containerID
	return &exec, nil
}

// UpdateStepExecutionStatus persists a StepExecution's transition,
// implementing the local and remote executors' StatusUpdater contract.
func (s *Store) UpdateStepExecutionStatus(ctx context.Context, executionID string, status model.StepExecutionStatus, containerID string, exitCode *int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE step_executions SET status = $1, container_id = nullif($2, ''), exit_code = $3,
			started_at = CASE WHEN started_at IS NULL AND $1 = 'running' THEN now() ELSE started_at END,
			finished_at = CASE WHEN $1 IN ('succeeded','failed','cancelled') THEN now() ELSE finished_at END
		WHERE id = $4
	`, status, containerID, exitCode, executionID)
	return err
}

// MarkRunnerStatus transitions a runner's status field directly (used
// for dead/disconnected marking, outside the ClaimRunner lock path).
func (s *Store) MarkRunnerStatus(ctx context.Context, runnerID string, status model.RunnerStatus) error {
	_, err := s.pool.Exec(ctx, `UPDATE runners SET status = $1 WHERE id = $2`, status, runnerID)
	return err
}

// RequeueStepExecution resets a step execution back to pending and
// clears its runner, so the pipeline executor's next pass picks it up
// again — used after an ACK timeout or a detected runner death.
func (s *Store) RequeueStepExecution(ctx context.Context, executionID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE step_executions SET status = 'pending', runner_id = NULL WHERE id = $1
	`, executionID)
	return err
}
