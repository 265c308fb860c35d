// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/lazyaf/core/internal/control"
	"github.com/lazyaf/core/internal/model"
	"github.com/lazyaf/core/internal/steptoken"
	"github.com/lazyaf/core/internal/wsui"
)

// ControlStore is the persistence surface the step control endpoints
// need.
type ControlStore interface {
	GetStepExecution(ctx context.Context, id string) (*model.StepExecution, error)
	UpdateStepExecutionStatus(ctx context.Context, id string, status model.StepExecutionStatus, containerID string, exitCode *int) error
}

// ControlLogSink receives log lines posted by a running step's Control
// Layer.
type ControlLogSink interface {
	WriteLine(executionID string, number int, line string)
}

// ControlBroadcaster is the subset of wsui.Hub the control handler
// needs.
type ControlBroadcaster interface {
	Broadcast(eventType wsui.EventType, payload interface{})
}

// ControlHandler serves the step control endpoints: status, logs,
// heartbeat. Every call requires the single-use step token issued at
// spawn; a step already in a terminal state answers every call with 404
// so the Control Layer's client exits cleanly instead of retrying
// forever.
type ControlHandler struct {
	store           ControlStore
	sink            ControlLogSink
	hub             ControlBroadcaster
	stepTokenSecret string
}

// NewControlHandler constructs a ControlHandler.
func NewControlHandler(store ControlStore, sink ControlLogSink, hub ControlBroadcaster, stepTokenSecret string) *ControlHandler {
	return &ControlHandler{store: store, sink: sink, hub: hub, stepTokenSecret: stepTokenSecret}
}

// Routes mounts the control endpoints under /api/steps.
func (h *ControlHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(h.authenticate)
	r.Post("/{id}/status", h.handleStatus)
	r.Post("/{id}/logs", h.handleLogs)
	r.Post("/{id}/heartbeat", h.handleHeartbeat)
	return r
}

type stepIDCtxKey struct{}

// authenticate verifies the step token against the execution id in the
// path, then rejects with 404 if the execution is already terminal —
// indistinguishable, by design, from a step id the backend has never
// heard of, since both mean "stop retrying."
func (h *ControlHandler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		token := r.Header.Get("X-Lazyaf-Step-Token")
		if id == "" || token == "" || !steptoken.Verify(h.stepTokenSecret, id, token) {
			http.Error(w, "invalid step token", http.StatusUnauthorized)
			return
		}

		exec, err := h.store.GetStepExecution(r.Context(), id)
		if err != nil {
			http.Error(w, "step execution not found", http.StatusNotFound)
			return
		}
		if exec.Status.IsTerminal() {
			http.Error(w, "step execution already terminal", http.StatusNotFound)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), stepIDCtxKey{}, id)))
	})
}

func stepID(r *http.Request) string {
	id, _ := r.Context().Value(stepIDCtxKey{}).(string)
	return id
}

func (h *ControlHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := stepID(r)
	var payload control.StatusPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		WriteBadRequest(w, err)
		return
	}

	status := model.StepExecutionStatus(payload.Status)
	if err := h.store.UpdateStepExecutionStatus(r.Context(), id, status, "", payload.ExitCode); err != nil {
		WriteError(w, err)
		return
	}

	if h.hub != nil {
		h.hub.Broadcast(wsui.EventStepStatus, map[string]interface{}{
			"step_execution_id": id, "status": payload.Status, "exit_code": payload.ExitCode,
		})
	}
	w.WriteHeader(http.StatusOK)
}

func (h *ControlHandler) handleLogs(w http.ResponseWriter, r *http.Request) {
	id := stepID(r)
	var payload control.LogPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		WriteBadRequest(w, err)
		return
	}

	for i, line := range payload.Lines {
		h.sink.WriteLine(id, payload.StartNumber+i, line)
	}
	w.WriteHeader(http.StatusOK)
}

func (h *ControlHandler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := stepID(r)
	logrus.WithField("step_execution_id", id).Traceln("control: step heartbeat")
	w.WriteHeader(http.StatusOK)
}
