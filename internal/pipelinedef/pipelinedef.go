// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

// Package pipelinedef parses repo-defined pipeline documents out of
// .lazyaf/pipelines/*.yaml, per spec's Pipeline note that repo-defined
// pipelines win over platform-authored ones on a name clash.
package pipelinedef

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/lazyaf/core/internal/model"
)

// Document is the on-disk shape of one pipeline YAML file.
type Document struct {
	Name        string          `yaml:"name"`
	Steps       []stepDoc       `yaml:"steps"`
	Edges       []edgeDoc       `yaml:"edges"`
	EntryPoints []string        `yaml:"entry_points"`
	Triggers    []triggerDoc    `yaml:"triggers"`
}

type stepDoc struct {
	ID                string                 `yaml:"id"`
	Name              string                 `yaml:"name"`
	Type              string                 `yaml:"type"`
	Config            map[string]interface{} `yaml:"config"`
	TimeoutSeconds    int                    `yaml:"timeout_seconds"`
	ContinueInContext bool                   `yaml:"continue_in_context"`
	OnSuccess         string                 `yaml:"on_success"`
	OnFailure         string                 `yaml:"on_failure"`
	Requires          map[string]string      `yaml:"requires"`
}

type edgeDoc struct {
	From      string `yaml:"from"`
	To        string `yaml:"to"`
	Condition string `yaml:"condition"`
}

type triggerDoc struct {
	Type          string `yaml:"type"`
	BranchPattern string `yaml:"branch_pattern"`
	ActionPlan    string `yaml:"action_plan"`
}

// Parsed is a repo-defined pipeline ready to be upserted into the
// store: the DAG plus the triggers declared alongside it.
type Parsed struct {
	Name       string
	StepsGraph model.StepsGraph
	Triggers   []model.Trigger
}

// Parse decodes one pipeline YAML document.
func Parse(data []byte) (*Parsed, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing pipeline definition: %w", err)
	}
	if doc.Name == "" {
		return nil, fmt.Errorf("pipeline definition is missing a name")
	}

	steps := map[string]model.PipelineStep{}
	for _, s := range doc.Steps {
		if s.ID == "" {
			return nil, fmt.Errorf("pipeline %s: step missing id", doc.Name)
		}
		timeout := s.TimeoutSeconds
		if timeout == 0 {
			timeout = model.DefaultStepTimeoutSeconds
		}
		steps[s.ID] = model.PipelineStep{
			ID:                s.ID,
			Name:              s.Name,
			Type:              model.StepType(s.Type),
			Config:            s.Config,
			TimeoutSeconds:    timeout,
			ContinueInContext: s.ContinueInContext,
			OnSuccess:         s.OnSuccess,
			OnFailure:         s.OnFailure,
			Requires:          s.Requires,
		}
	}

	var edges []model.Edge
	for _, e := range doc.Edges {
		edges = append(edges, model.Edge{From: e.From, To: e.To, Condition: model.EdgeCondition(e.Condition)})
	}
	for _, entry := range doc.EntryPoints {
		edges = append(edges, model.Edge{From: "", To: entry, Condition: model.EdgeAlways})
	}

	var triggers []model.Trigger
	for _, t := range doc.Triggers {
		triggers = append(triggers, model.Trigger{
			Type:          t.Type,
			BranchPattern: t.BranchPattern,
			ActionPlan:    t.ActionPlan,
		})
	}

	return &Parsed{
		Name: doc.Name,
		StepsGraph: model.StepsGraph{
			Steps:       steps,
			Edges:       edges,
			EntryPoints: doc.EntryPoints,
		},
		Triggers: triggers,
	}, nil
}
