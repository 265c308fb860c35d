// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

// Command lazyaf-runner is the Runner Agent binary: it registers with
// a backend over the runner WebSocket and executes dispatched steps
// via Docker when available, or natively otherwise.
package main

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"

	"github.com/lazyaf/core/internal/runneragent"
)

type runnerConfig struct {
	RunnerID          string        `envconfig:"RUNNER_ID"`
	Name              string        `envconfig:"RUNNER_NAME" default:"runner"`
	RunnerType        string        `envconfig:"RUNNER_TYPE" default:"generic"`
	BackendWSURL      string        `envconfig:"BACKEND_WS_URL" default:"ws://localhost:3000/ws/runner"`
	WorkspaceRoot     string        `envconfig:"WORKSPACE_ROOT" default:"/var/lib/lazyaf/runner-workspaces"`
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"10s"`
	ControlBinaryPath string        `envconfig:"CONTROL_BINARY_PATH" default:"/usr/local/bin/lazyaf-control"`
}

func main() {
	var cfg runnerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		logrus.WithError(err).Fatalln("invalid runner configuration")
	}
	if cfg.RunnerID == "" {
		cfg.RunnerID = uuid.New().String()
	}

	var dockerOrch runneragent.Orchestrator
	if d, err := runneragent.NewDockerOrchestrator(); err == nil {
		dockerOrch = d
	} else {
		logrus.WithError(err).Warnln("no docker daemon reachable, falling back to native execution")
	}
	nativeOrch := &runneragent.NativeOrchestrator{ControlBinaryPath: cfg.ControlBinaryPath}

	agent := runneragent.New(runneragent.Config{
		RunnerID:          cfg.RunnerID,
		Name:              cfg.Name,
		RunnerType:        cfg.RunnerType,
		BackendWSURL:      cfg.BackendWSURL,
		WorkspaceRoot:     cfg.WorkspaceRoot,
		HeartbeatInterval: cfg.HeartbeatInterval,
	}, dockerOrch, nativeOrch)

	if err := agent.Run(context.Background()); err != nil {
		logrus.WithError(err).Errorln("runner agent exited")
		os.Exit(1)
	}
}
