// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

// Package steptoken issues and verifies the single-use step token the
// Control Layer presents on every call to a step control endpoint.
package steptoken

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Issue derives the step token for a StepExecution from the server
// secret and the execution id. The token is scoped to one execution:
// there is nothing to rotate or revoke, it simply stops being accepted
// once the executor records a terminal status for that execution.
func Issue(secret, executionID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(executionID))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether token was issued for executionID under secret.
func Verify(secret, executionID, token string) bool {
	want := Issue(secret, executionID)
	return hmac.Equal([]byte(want), []byte(token))
}
