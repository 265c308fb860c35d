// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lazyaf/core/logger"
)

// GitMount serves the smart-HTTP routes; kept as an interface so
// Handler doesn't import internal/gitserver directly for its concrete
// type, matching the rest of this file's dependency-injected shape.
type GitMount interface {
	Routes() http.Handler
}

// UIHub upgrades and fans out the UI WebSocket.
type UIHub interface {
	ServeHTTP(w http.ResponseWriter, r *http.Request)
}

// Handler returns an http.Handler exposing every external interface
// spec §6 names: the step control endpoints, the runner WebSocket, the
// git smart-HTTP server, and the UI WebSocket.
func Handler(runnerStore RunnerStore, runnerExecutor RunnerConnRegistrar, control *ControlHandler, git GitMount, ui UIHub) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(logger.Middleware)

	r.Get("/healthz", HandleHealth())
	r.Get("/ws", ui.ServeHTTP)
	r.Get("/ws/runner", HandleRunnerWS(runnerStore, runnerExecutor))
	r.Mount("/api/steps", control.Routes())
	r.Mount("/git", git.Routes())

	return r
}
