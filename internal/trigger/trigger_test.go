// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package trigger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lazyaf/core/internal/model"
)

type fakeStore struct {
	seenKeys    map[string]bool
	created     []string
	cards       map[string]*model.Card
	repos       map[string]*model.Repo
	cardStatus  map[string]model.CardStatus
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		seenKeys:   map[string]bool{},
		cards:      map[string]*model.Card{},
		repos:      map[string]*model.Repo{},
		cardStatus: map[string]model.CardStatus{},
	}
}

func (f *fakeStore) SeenRecently(ctx context.Context, triggerKey string, window time.Duration) (bool, error) {
	return f.seenKeys[triggerKey], nil
}
func (f *fakeStore) CreatePipelineRun(ctx context.Context, pipelineID, triggerType string, triggerContext map[string]interface{}, triggerKey string) (*model.PipelineRun, error) {
	f.created = append(f.created, triggerKey)
	f.seenKeys[triggerKey] = true
	return &model.PipelineRun{ID: "run-" + triggerKey, PipelineID: pipelineID, TriggerContext: triggerContext}, nil
}
func (f *fakeStore) GetCard(ctx context.Context, cardID string) (*model.Card, error) {
	return f.cards[cardID], nil
}
func (f *fakeStore) SetCardStatus(ctx context.Context, cardID string, status model.CardStatus) error {
	f.cardStatus[cardID] = status
	return nil
}
func (f *fakeStore) GetRepo(ctx context.Context, repoID string) (*model.Repo, error) {
	return f.repos[repoID], nil
}

type fakeMerger struct {
	merged bool
	err    error
}

func (f *fakeMerger) Merge(ctx context.Context, repoID, fromBranch, toBranch string) error {
	f.merged = true
	return f.err
}

func TestFirePushDedupsWithinWindow(t *testing.T) {
	store := newFakeStore()
	svc := New(store, &fakeMerger{}, time.Hour)

	run, err := svc.FirePush(context.Background(), "pipe-1", "repo-1", "refs/heads/main", "abc123", "refs/heads/*")
	require.NoError(t, err)
	require.NotNil(t, run)

	run, err = svc.FirePush(context.Background(), "pipe-1", "repo-1", "refs/heads/main", "abc123", "refs/heads/*")
	require.NoError(t, err)
	require.Nil(t, run, "a duplicate trigger_key within the dedup window must not create a second run")
	require.Len(t, store.created, 1)
}

func TestFirePushSkipsNonMatchingRef(t *testing.T) {
	store := newFakeStore()
	svc := New(store, &fakeMerger{}, time.Hour)

	run, err := svc.FirePush(context.Background(), "pipe-1", "repo-1", "refs/tags/v1", "abc123", "refs/heads/*")
	require.NoError(t, err)
	require.Nil(t, run)
	require.Empty(t, store.created)
}

func TestFireCardCompleteBuildsDistinctKeysPerStatus(t *testing.T) {
	store := newFakeStore()
	svc := New(store, &fakeMerger{}, time.Hour)

	_, err := svc.FireCardComplete(context.Background(), "pipe-1", "card-1", model.CardDone, "merge", "fail")
	require.NoError(t, err)
	_, err = svc.FireCardComplete(context.Background(), "pipe-1", "card-1", model.CardFailed, "merge", "fail")
	require.NoError(t, err)

	require.Len(t, store.created, 2, "different card statuses must produce distinct trigger keys")
}

func TestOnRunTerminalMergesOnPass(t *testing.T) {
	store := newFakeStore()
	store.cards["card-1"] = &model.Card{ID: "card-1", RepoID: "repo-1", BranchName: "card/card-1"}
	store.repos["repo-1"] = &model.Repo{ID: "repo-1", DefaultBranch: "main"}
	merger := &fakeMerger{}
	svc := New(store, merger, time.Hour)

	run := &model.PipelineRun{TriggerContext: map[string]interface{}{"card_id": "card-1", "on_pass": "merge"}}
	require.NoError(t, svc.OnRunTerminal(context.Background(), run, model.RunCompleted))

	require.True(t, merger.merged)
	require.Equal(t, model.CardDone, store.cardStatus["card-1"])
}

func TestOnRunTerminalRejectsOnFail(t *testing.T) {
	store := newFakeStore()
	svc := New(store, &fakeMerger{}, time.Hour)

	run := &model.PipelineRun{TriggerContext: map[string]interface{}{"card_id": "card-1", "on_fail": "reject"}}
	require.NoError(t, svc.OnRunTerminal(context.Background(), run, model.RunFailed))

	require.Equal(t, model.CardTodo, store.cardStatus["card-1"])
}

func TestOnRunTerminalFailsCardOnFailAction(t *testing.T) {
	store := newFakeStore()
	svc := New(store, &fakeMerger{}, time.Hour)

	run := &model.PipelineRun{TriggerContext: map[string]interface{}{"card_id": "card-1", "on_fail": "fail"}}
	require.NoError(t, svc.OnRunTerminal(context.Background(), run, model.RunFailed))

	require.Equal(t, model.CardFailed, store.cardStatus["card-1"])
}

func TestOnRunTerminalIsNoopForPushTriggers(t *testing.T) {
	store := newFakeStore()
	svc := New(store, &fakeMerger{}, time.Hour)

	run := &model.PipelineRun{TriggerContext: map[string]interface{}{"repo_id": "repo-1"}}
	require.NoError(t, svc.OnRunTerminal(context.Background(), run, model.RunCompleted))
	require.Empty(t, store.cardStatus)
}
