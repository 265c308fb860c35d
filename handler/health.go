// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package handler

import (
	"net/http"
)

type healthResponse struct {
	OK bool `json:"ok"`
}

// HandleHealth returns a liveness probe handler. A local-first backend
// has no external connectivity dependency worth probing on its own
// health endpoint, so this just reports the process is up.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, healthResponse{OK: true}, http.StatusOK)
	}
}
