// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package gitserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/lazyaf/core/internal/model"
	"github.com/lazyaf/core/internal/pipelinedef"
)

// TriggerLister is the store surface PushTriggerNotifier needs to find
// the push triggers a repo's pipelines registered.
type TriggerLister interface {
	ListPushTriggers(ctx context.Context, repoID string) ([]model.Trigger, error)
}

// Firer starts a pipeline run for a push event matching a trigger's
// branch pattern.
type Firer interface {
	FirePush(ctx context.Context, pipelineID, repoID, ref, sha, branchPattern string) (*model.PipelineRun, error)
}

// PipelineDefLoader reads repo-defined pipeline YAML at a ref; backed
// by Server.PipelineDefs.
type PipelineDefLoader interface {
	PipelineDefs(ctx context.Context, repoID, ref string) (map[string][]byte, error)
}

// PipelineDefUpserter persists a repo-defined pipeline, replacing its
// steps_graph and trigger set.
type PipelineDefUpserter interface {
	UpsertPipelineDef(ctx context.Context, repoID, name string, graph model.StepsGraph, triggers []model.Trigger) (*model.Pipeline, error)
}

// PushTriggerNotifier adapts receive-pack ref updates into trigger.
// Service.FirePush calls, one per matching push trigger registered
// against the repo. Before evaluating triggers it reloads every
// .lazyaf/pipelines/*.yaml definition at the pushed ref, so a pipeline
// and trigger change takes effect on the same push that introduced it.
type PushTriggerNotifier struct {
	triggers Firer
	store    interface {
		TriggerLister
		PipelineDefUpserter
	}
	defs PipelineDefLoader
}

// NewPushTriggerNotifier wires the git server's push events into the
// Trigger Service, reloading repo-defined pipelines from the same
// server before each push's triggers are evaluated.
func NewPushTriggerNotifier(triggers Firer, store interface {
	TriggerLister
	PipelineDefUpserter
}, defs PipelineDefLoader) *PushTriggerNotifier {
	return &PushTriggerNotifier{triggers: triggers, store: store, defs: defs}
}

const zeroSHA = "0000000000000000000000000000000000000000"

// reloadPipelineDefs reads every .lazyaf/pipelines/*.yaml file at ref
// and upserts it, so a pipeline definition change and the trigger it
// declares both take effect starting with the push that introduced them.
func (n *PushTriggerNotifier) reloadPipelineDefs(ctx context.Context, repoID, ref string) error {
	if n.defs == nil {
		return nil
	}
	files, err := n.defs.PipelineDefs(ctx, repoID, ref)
	if err != nil {
		return fmt.Errorf("reading pipeline definitions: %w", err)
	}
	for path, data := range files {
		parsed, err := pipelinedef.Parse(data)
		if err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{"repo_id": repoID, "path": path}).
				Warnln("skipping invalid pipeline definition")
			continue
		}
		if _, err := n.store.UpsertPipelineDef(ctx, repoID, parsed.Name, parsed.StepsGraph, parsed.Triggers); err != nil {
			return fmt.Errorf("upserting pipeline %s (%s): %w", parsed.Name, strings.TrimPrefix(path, pipelineDefsDir+"/"), err)
		}
	}
	return nil
}

// NotifyPush evaluates every push trigger on repoID's pipelines against
// every updated ref, firing a pipeline run for each branch pattern
// match.
func (n *PushTriggerNotifier) NotifyPush(ctx context.Context, repoID string, refs []RefUpdate) error {
	for _, ref := range refs {
		if ref.NewSHA == zeroSHA || ref.NewSHA == "" {
			continue // branch deletion: nothing to reload
		}
		if err := n.reloadPipelineDefs(ctx, repoID, ref.NewSHA); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{"repo_id": repoID, "ref": ref.Ref}).
				Warnln("reloading repo-defined pipelines")
		}
	}

	triggers, err := n.store.ListPushTriggers(ctx, repoID)
	if err != nil {
		return fmt.Errorf("listing push triggers: %w", err)
	}

	for _, ref := range refs {
		for _, t := range triggers {
			run, err := n.triggers.FirePush(ctx, t.PipelineID, repoID, ref.Ref, ref.NewSHA, t.BranchPattern)
			if err != nil {
				logrus.WithError(err).WithFields(logrus.Fields{
					"repo_id": repoID, "pipeline_id": t.PipelineID, "ref": ref.Ref,
				}).Errorln("firing push trigger")
				continue
			}
			if run != nil {
				logrus.WithFields(logrus.Fields{
					"repo_id": repoID, "pipeline_id": t.PipelineID, "ref": ref.Ref, "run_id": run.ID,
				}).Infoln("push trigger started pipeline run")
			}
		}
	}
	return nil
}
