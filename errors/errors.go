// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package errors

type BadRequestError struct {
	Msg string // description of error
}

func (e *BadRequestError) Error() string { return e.Msg }

type NotFoundError struct {
	Msg string // description of error
}

func (e *NotFoundError) Error() string { return e.Msg }

type InternalServerError struct {
	Msg string // description of error
}

func (e *InternalServerError) Error() string { return e.Msg }

// ConflictError is returned when a state-machine transition or an
// idempotency/locking rule rejects a request: a workspace that isn't
// ready, a step execution racing a duplicate attempt, a runner claimed
// twice.
type ConflictError struct {
	Msg string // description of error
}

func (e *ConflictError) Error() string { return e.Msg }

// UnavailableError is returned when no runner or resource can currently
// satisfy a request — e.g. the execution router finding no idle runner
// matching a step's required labels.
type UnavailableError struct {
	Msg string // description of error
}

func (e *UnavailableError) Error() string { return e.Msg }
