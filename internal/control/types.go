// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

// Package control implements the Control Layer: the in-container shim
// that reads step_config.json, runs the step's payload command, and
// reports status/logs/heartbeat back to the backend over the step
// control endpoints.
package control

import "github.com/lazyaf/core/internal/model"

// StepConfig is the contents of /workspace/.control/step_config.json,
// materialized by the local and remote executors at spawn time.
type StepConfig struct {
	StepExecutionID          string               `json:"step_execution_id"`
	Step                     model.PipelineStep   `json:"step"`
	StepToken                string               `json:"step_token"`
	CallbackURL              string               `json:"callback_url"`
	HeartbeatIntervalSeconds int                  `json:"heartbeat_interval_seconds"`
}

// StatusPayload is POSTed to /api/steps/{id}/status.
type StatusPayload struct {
	Status   string `json:"status"`
	ExitCode *int   `json:"exit_code,omitempty"`
}

// LogPayload is POSTed to /api/steps/{id}/logs.
type LogPayload struct {
	StartNumber int      `json:"start_number"`
	Lines       []string `json:"lines"`
}
