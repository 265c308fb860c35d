// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

// Command lazyaf-backend runs the execution core: the pipeline
// executor, the trigger service, the workspace audit loop, and the
// four external interfaces (step control, runner WebSocket, git
// smart-HTTP, UI WebSocket) behind one HTTP listener.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lazyaf/core/config"
	"github.com/lazyaf/core/handler"
	"github.com/lazyaf/core/internal/executor/local"
	"github.com/lazyaf/core/internal/executor/pipeline"
	"github.com/lazyaf/core/internal/executor/remote"
	"github.com/lazyaf/core/internal/executor/router"
	"github.com/lazyaf/core/internal/gitserver"
	"github.com/lazyaf/core/internal/logsink"
	"github.com/lazyaf/core/internal/store"
	"github.com/lazyaf/core/internal/trigger"
	"github.com/lazyaf/core/internal/workspace"
	"github.com/lazyaf/core/internal/wsui"
	"github.com/lazyaf/core/logger"
	"github.com/lazyaf/core/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatalln("loading configuration")
	}
	initLogging(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := store.Open(ctx, cfg.Database.DSN)
	if err != nil {
		logrus.WithError(err).Fatalln("connecting to database")
	}

	for _, dir := range []string{cfg.Storage.GitRoot, cfg.Storage.WorkspaceRoot, cfg.Storage.LogRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logrus.WithError(err).WithField("dir", dir).Fatalln("preparing storage directory")
		}
	}

	hub := wsui.New()
	sink := logsink.New(cfg.Storage.LogRoot, hub)
	defer sink.Close()

	git := gitserver.New(cfg.Storage.GitRoot, nil) // notifier wired in below, after trigger.Service exists
	triggerSvc := trigger.New(db, git, time.Duration(cfg.Timeouts.TriggerDedupWindowSeconds)*time.Second)
	git.SetNotifier(gitserver.NewPushTriggerNotifier(triggerSvc, db, git))

	rtr := router.New(nil)

	localExec, err := local.New(db, cfg.Storage.WorkspaceRoot, cfg.Executor.ImagePullMaxRetries,
		cfg.Security.StepTokenSecret, cfg.ControlLayer.CallbackURL, cfg.Timeouts.HeartbeatIntervalSeconds)
	if err != nil {
		logrus.WithError(err).Fatalln("constructing local executor")
	}
	remoteExec := remote.New(db, time.Duration(cfg.Timeouts.AckTimeoutSeconds)*time.Second,
		time.Duration(cfg.Timeouts.AffinityTimeoutSeconds)*time.Second,
		cfg.Security.StepTokenSecret, cfg.ControlLayer.CallbackURL, cfg.Timeouts.HeartbeatIntervalSeconds)
	remoteExec.RunHeartbeatSweep(ctx, time.Duration(cfg.Timeouts.HeartbeatIntervalSeconds)*time.Second,
		cfg.Timeouts.HeartbeatDeathTimeoutSeconds)

	exec := pipeline.New(db, rtr, localExec, remoteExec, triggerSvc, git, sink)

	ws := workspace.New(db, cfg.Storage.WorkspaceRoot)
	ws.RunAuditLoop(ctx, time.Duration(cfg.Audit.IntervalSeconds)*time.Second, cfg.Audit.GraceSeconds)

	runningExecs, err := db.NonTerminalStepExecutionIDs(ctx)
	if err != nil {
		logrus.WithError(err).Errorln("loading non-terminal step executions")
	} else if err := localExec.Recover(ctx, runningExecs); err != nil {
		logrus.WithError(err).Errorln("reconciling managed containers")
	}

	if err := exec.RecoverAll(ctx); err != nil {
		logrus.WithError(err).Errorln("recovering in-flight pipeline runs")
	}

	control := handler.NewControlHandler(db, sink, hub, cfg.Security.StepTokenSecret)
	h := handler.Handler(db, remoteExec, control, git, hub)

	srv := server.Server{
		Addr:     cfg.Server.Bind,
		Handler:  h,
		CAFile:   cfg.Server.CACertFile,
		CertFile: cfg.Server.CertFile,
		KeyFile:  cfg.Server.KeyFile,
		Insecure: cfg.Server.Insecure,
	}

	logrus.WithField("bind", cfg.Server.Bind).Infoln("lazyaf-backend listening")
	if err := srv.Start(ctx); err != nil && err != context.Canceled && err != http.ErrServerClosed {
		logrus.WithError(err).Fatalln("http server exited")
	}
}

// initLogging configures the global logger and seeds logger.L, the
// entry internal/logger's context-threading helpers fall back to
// when a request hasn't attached its own.
func initLogging(cfg config.Config) {
	l := logrus.StandardLogger()
	logger.L = logrus.NewEntry(l)
	if cfg.Trace {
		l.SetLevel(logrus.TraceLevel)
	} else if cfg.Debug {
		l.SetLevel(logrus.DebugLevel)
	}
}
