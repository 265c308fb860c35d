// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package control

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	hostexec "github.com/lazyaf/core/internal/hostexec"
	"github.com/lazyaf/core/internal/safego"
	"github.com/lazyaf/core/logstream"
)

const defaultConfigPath = "/workspace/.control/step_config.json"

// configPathFor resolves the step_config.json location: the container
// default, unless LAZYAF_CONTROL_CONFIG overrides it — used by the
// NativeOrchestrator, which has no fixed /workspace mount point.
func configPathFor() string {
	if p := os.Getenv("LAZYAF_CONTROL_CONFIG"); p != "" {
		return p
	}
	return defaultConfigPath
}

// Run is the Control Layer entrypoint: read step_config.json, report
// running, execute the payload while streaming logs and heartbeats, and
// report the terminal status. It never returns an error for a payload
// that ran and exited — only for failures to even start the shim itself
// (unreadable config, malformed JSON), matching spec's "never blocks the
// payload" contract for control-plane hiccups.
func Run(ctx context.Context) error {
	cfg, err := loadConfig(configPathFor())
	if err != nil {
		return fmt.Errorf("reading step config: %w", err)
	}

	client := NewClient(cfg.CallbackURL, cfg.StepExecutionID, cfg.StepToken, 8)
	log := logrus.WithField("step_execution_id", cfg.StepExecutionID)

	if err := client.Status(ctx, "running", nil); err == ErrStepTerminal {
		log.Warnln("step already terminal at shim start, exiting")
		return nil
	}

	hbInterval := time.Duration(cfg.HeartbeatIntervalSeconds) * time.Second
	if hbInterval <= 0 {
		hbInterval = 10 * time.Second
	}
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	safego.SafeGoWithContext("control-heartbeat", hbCtx, func(ctx context.Context) {
		runHeartbeat(ctx, client, hbInterval)
	})

	writer := NewWriter(client, nil, 0)
	masked := logstream.NewReplacer(writer, secretsFromConfig(cfg.Step.Config))
	defer masked.Close()

	spec := stepSpec(cfg, configPathFor())
	result, runErr := hostexec.Run(ctx, spec, masked)
	_ = masked.Close()

	status, exitCode := outcome(result, runErr)
	if err := client.Status(ctx, status, exitCode); err != nil && err != ErrStepTerminal {
		log.WithError(err).Errorln("failed to report terminal status")
	}
	return nil
}

func runHeartbeat(ctx context.Context, client *Client, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(ctx); err == ErrStepTerminal {
				return
			}
		}
	}
}

func loadConfig(path string) (*StepConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg StepConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// stepSpec resolves the payload command for the step: the step's own
// command for script/docker steps, or whatever the agent config names
// for agent steps. configPath is .../.control/step_config.json; the
// step runs with its working directory at .../repo, the sibling
// directory the workspace layout always materializes.
func stepSpec(cfg *StepConfig, configPath string) *hostexec.Spec {
	step := cfg.Step
	command, _ := step.Config["command"].(string)
	if command == "" {
		command = "true" // no-op payload: the step carries no executable command
	}
	return &hostexec.Spec{
		ID:         cfg.StepExecutionID,
		Name:       step.Name,
		Entrypoint: []string{"/bin/sh"},
		Command:    []string{"-c", command},
		WorkingDir: filepath.Join(filepath.Dir(filepath.Dir(configPath)), "repo"),
	}
}

// secretsFromConfig collects string values from config keys that look
// like credentials, so the output replacer can mask them before any
// line reaches the log batch.
func secretsFromConfig(cfg map[string]interface{}) []string {
	var out []string
	for k, v := range cfg {
		lk := strings.ToLower(k)
		if !strings.Contains(lk, "secret") && !strings.Contains(lk, "token") && !strings.Contains(lk, "password") {
			continue
		}
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func outcome(result *hostexec.Result, err error) (string, *int) {
	if err != nil {
		return "failed", nil
	}
	code := result.ExitCode
	if code == 0 {
		return "completed", &code
	}
	return "failed", &code
}
