// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

// Package trigger implements the Trigger Service: turning external
// events (manual, card_complete, push) into pipeline runs with
// trigger_key deduplication, and running each run's on_pass/on_fail
// action plan on completion.
package trigger

import (
	"context"
	"fmt"
	"time"

	"github.com/bmatcuk/doublestar"
	"github.com/sirupsen/logrus"

	"github.com/lazyaf/core/internal/model"
)

// Store is the persistence surface the trigger service needs.
type Store interface {
	SeenRecently(ctx context.Context, triggerKey string, window time.Duration) (bool, error)
	CreatePipelineRun(ctx context.Context, pipelineID, triggerType string, triggerContext map[string]interface{}, triggerKey string) (*model.PipelineRun, error)
	GetCard(ctx context.Context, cardID string) (*model.Card, error)
	SetCardStatus(ctx context.Context, cardID string, status model.CardStatus) error
	GetRepo(ctx context.Context, repoID string) (*model.Repo, error)
}

// GitMerger performs the card-branch-to-default-branch merge action.
type GitMerger interface {
	Merge(ctx context.Context, repoID, fromBranch, toBranch string) error
}

// Service dedups trigger events and carries out each run's action plan
// once the pipeline executor reports a terminal outcome.
type Service struct {
	store      Store
	merger     GitMerger
	dedupWindow time.Duration
}

// New constructs a trigger Service with the given dedup window (spec
// default 3600s).
func New(store Store, merger GitMerger, dedupWindow time.Duration) *Service {
	return &Service{store: store, merger: merger, dedupWindow: dedupWindow}
}

// ManualKey builds the trigger_key for a manual trigger.
func ManualKey(pipelineID, runID string) string {
	return fmt.Sprintf("manual:%s:%s", pipelineID, runID)
}

// CardCompleteKey builds the trigger_key for a card-complete trigger.
func CardCompleteKey(cardID string, status model.CardStatus) string {
	return fmt.Sprintf("card:%s:%s", cardID, status)
}

// PushKey builds the trigger_key for a push trigger.
func PushKey(repoID, ref, sha string) string {
	return fmt.Sprintf("push:%s:%s:%s", repoID, ref, sha)
}

// FireCardComplete starts a pipeline run for a card-complete event,
// unless its trigger_key was already seen within the dedup window.
func (s *Service) FireCardComplete(ctx context.Context, pipelineID, cardID string, status model.CardStatus, onPass, onFail string) (*model.PipelineRun, error) {
	key := CardCompleteKey(cardID, status)
	return s.fire(ctx, pipelineID, "card_complete", key, map[string]interface{}{
		"card_id": cardID, "on_pass": onPass, "on_fail": onFail,
	})
}

// FirePush starts a pipeline run for a push event whose ref matches
// pattern using glob semantics, unless deduplicated.
func (s *Service) FirePush(ctx context.Context, pipelineID, repoID, ref, sha, branchPattern string) (*model.PipelineRun, error) {
	matched, err := doublestar.Match(branchPattern, ref)
	if err != nil {
		return nil, fmt.Errorf("invalid branch pattern %q: %w", branchPattern, err)
	}
	if !matched {
		return nil, nil
	}
	key := PushKey(repoID, ref, sha)
	return s.fire(ctx, pipelineID, "push", key, map[string]interface{}{
		"repo_id": repoID, "ref": ref, "sha": sha,
	})
}

func (s *Service) fire(ctx context.Context, pipelineID, triggerType, key string, triggerContext map[string]interface{}) (*model.PipelineRun, error) {
	seen, err := s.store.SeenRecently(ctx, key, s.dedupWindow)
	if err != nil {
		return nil, err
	}
	if seen {
		logrus.WithContext(ctx).Infof("dropping duplicate trigger %s within dedup window", key)
		return nil, nil
	}
	return s.store.CreatePipelineRun(ctx, pipelineID, triggerType, triggerContext, key)
}

// OnRunTerminal implements pipeline.TriggerHook: it reads the run's
// trigger_context action plan and applies the card-side effect table
// from spec §4.8.
func (s *Service) OnRunTerminal(ctx context.Context, run *model.PipelineRun, status model.PipelineRunStatus) error {
	cardID, _ := run.TriggerContext["card_id"].(string)
	if cardID == "" {
		return nil // push trigger: no card side effect
	}

	onPass, _ := run.TriggerContext["on_pass"].(string)
	onFail, _ := run.TriggerContext["on_fail"].(string)

	switch {
	case status == model.RunCompleted && onPass == "merge":
		card, err := s.store.GetCard(ctx, cardID)
		if err != nil {
			return err
		}
		repo, err := s.store.GetRepo(ctx, card.RepoID)
		if err != nil {
			return err
		}
		if err := s.merger.Merge(ctx, card.RepoID, card.BranchName, repo.DefaultBranch); err != nil {
			return fmt.Errorf("merging card branch %s: %w", card.BranchName, err)
		}
		return s.store.SetCardStatus(ctx, cardID, model.CardDone)

	case status == model.RunFailed && onFail == "fail":
		return s.store.SetCardStatus(ctx, cardID, model.CardFailed)

	case status == model.RunFailed && onFail == "reject":
		return s.store.SetCardStatus(ctx, cardID, model.CardTodo)
	}
	return nil
}
