// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	lerrors "github.com/lazyaf/core/errors"
	"github.com/lazyaf/core/internal/model"
)

// SeenRecently reports whether trigger_key was used by a run started
// within the last `window`, implementing the trigger dedup rule.
func (s *Store) SeenRecently(ctx context.Context, triggerKey string, window time.Duration) (bool, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM pipeline_runs
		WHERE trigger_key = $1 AND started_at > now() - $2::interval
	`, triggerKey, window.String()).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// CreatePipelineRun inserts a new run in `pending` status.
func (s *Store) CreatePipelineRun(ctx context.Context, pipelineID, triggerType string, triggerContext map[string]interface{}, triggerKey string) (*model.PipelineRun, error) {
	run := &model.PipelineRun{
		ID:             model.NewID(),
		PipelineID:     pipelineID,
		Status:         model.RunPending,
		TriggerType:    triggerType,
		TriggerContext: triggerContext,
		TriggerKey:     triggerKey,
		StartedAt:      model.Now(),
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pipeline_runs (id, pipeline_id, status, trigger_type, trigger_context, trigger_key, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, run.ID, run.PipelineID, run.Status, run.TriggerType, run.TriggerContext, run.TriggerKey, run.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("creating pipeline run: %w", err)
	}
	return run, nil
}

// GetCard loads a card by id.
func (s *Store) GetCard(ctx context.Context, cardID string) (*model.Card, error) {
	var c model.Card
	err := s.pool.QueryRow(ctx, `
		SELECT id, repo_id, title, description, status, coalesce(branch_name, ''), step_type, step_config, coalesce(job_id::text, '')
		FROM cards WHERE id = $1
	`, cardID).Scan(&c.ID, &c.RepoID, &c.Title, &c.Description, &c.Status, &c.BranchName, &c.StepType, &c.StepConfig, &c.JobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &lerrors.NotFoundError{Msg: fmt.Sprintf("card %s not found", cardID)}
	}
	return &c, err
}

// SetCardStatus transitions a card's status field.
func (s *Store) SetCardStatus(ctx context.Context, cardID string, status model.CardStatus) error {
	_, err := s.pool.Exec(ctx, `UPDATE cards SET status = $1 WHERE id = $2`, status, cardID)
	return err
}

// ListPushTriggers loads every push trigger whose pipeline belongs to
// repoID, for the git server to evaluate after a receive-pack.
func (s *Store) ListPushTriggers(ctx context.Context, repoID string) ([]model.Trigger, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT t.id, t.pipeline_id, t.type, coalesce(t.branch_pattern, ''), t.action_plan
		FROM triggers t
		JOIN pipelines p ON p.id = t.pipeline_id
		WHERE p.repo_id = $1 AND t.type = 'push'
	`, repoID)
	if err != nil {
		return nil, fmt.Errorf("listing push triggers for repo %s: %w", repoID, err)
	}
	defer rows.Close()

	var triggers []model.Trigger
	for rows.Next() {
		var t model.Trigger
		if err := rows.Scan(&t.ID, &t.PipelineID, &t.Type, &t.BranchPattern, &t.ActionPlan); err != nil {
			return nil, err
		}
		triggers = append(triggers, t)
	}
	return triggers, rows.Err()
}

// GetRepo loads a repo by id.
func (s *Store) GetRepo(ctx context.Context, repoID string) (*model.Repo, error) {
	var r model.Repo
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, default_branch, coalesce(remote_url, ''), is_ingested FROM repos WHERE id = $1
	`, repoID).Scan(&r.ID, &r.Name, &r.DefaultBranch, &r.RemoteURL, &r.IsIngested)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &lerrors.NotFoundError{Msg: fmt.Sprintf("repo %s not found", repoID)}
	}
	return &r, err
}
