// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

// Package model defines the entities shared by the pipeline executor,
// the execution router, both step executors, the workspace service, the
// trigger service and the runner agent. Identifiers are opaque UUIDs;
// timestamps are UTC instants truncated to millisecond resolution.
package model

import (
	"time"

	"github.com/google/uuid"
)

// NewID returns an opaque 128-bit identifier for a new entity row.
func NewID() string {
	return uuid.New().String()
}

// Now returns the current instant truncated to millisecond resolution,
// matching the precision persisted by the store.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// CardStatus is the lifecycle of a Card.
type CardStatus string

const (
	CardTodo       CardStatus = "todo"
	CardInProgress CardStatus = "in_progress"
	CardInReview   CardStatus = "in_review"
	CardDone       CardStatus = "done"
	CardFailed     CardStatus = "failed"
)

// StepType names the kind of work a PipelineStep or Card performs.
type StepType string

const (
	StepTypeAgent  StepType = "agent"
	StepTypeScript StepType = "script"
	StepTypeDocker StepType = "docker"
)

// Repo is a git repository LazyAF has ingested. It owns bare git storage
// keyed by its own id and is never destroyed except by explicit delete.
type Repo struct {
	ID            string
	Name          string
	DefaultBranch string
	RemoteURL     string
	IsIngested    bool
}

// Card is a unit of user/MCP-authored work, either run standalone (as a
// Job) or driven through a Pipeline via a trigger action.
type Card struct {
	ID          string
	RepoID      string
	Title       string
	Description string
	Status      CardStatus
	BranchName  string
	StepType    StepType
	StepConfig  map[string]interface{}
	JobID       string
}

// Pipeline is a named DAG of PipelineSteps plus the triggers that start
// runs of it. Definitions may instead live at .lazyaf/pipelines/*.yaml in
// the repo itself; repo-defined pipelines win over platform ones on a
// name clash.
type Pipeline struct {
	ID         string
	RepoID     string
	Name       string
	StepsGraph StepsGraph
	Triggers   []Trigger
}

// StepsGraph is the pipeline's DAG: steps keyed by id, the edges between
// them, and the entry points fired from the synthetic Start node.
type StepsGraph struct {
	Steps        map[string]PipelineStep
	Edges        []Edge
	EntryPoints  []string
	StartPosition string
}

// EdgeCondition gates whether an Edge fires given a step's outcome.
type EdgeCondition string

const (
	EdgeOnSuccess EdgeCondition = "success"
	EdgeOnFailure EdgeCondition = "failure"
	EdgeAlways    EdgeCondition = "always"
)

// Edge connects two steps (or the Start node, id "") in the DAG.
type Edge struct {
	From      string
	To        string
	Condition EdgeCondition
}

// PipelineStep is one node of a Pipeline's DAG.
type PipelineStep struct {
	ID                string
	Name              string
	Type              StepType
	Config            map[string]interface{}
	TimeoutSeconds    int
	ContinueInContext bool
	OnSuccess         string
	OnFailure         string
	Requires          map[string]string
}

// DefaultStepTimeoutSeconds is applied when a PipelineStep omits one.
const DefaultStepTimeoutSeconds = 300

// PipelineRunStatus is the lifecycle of a PipelineRun.
type PipelineRunStatus string

const (
	RunPending    PipelineRunStatus = "pending"
	RunPreparing  PipelineRunStatus = "preparing"
	RunRunning    PipelineRunStatus = "running"
	RunCompleting PipelineRunStatus = "completing"
	RunCompleted  PipelineRunStatus = "completed"
	RunFailed     PipelineRunStatus = "failed"
	RunCancelled  PipelineRunStatus = "cancelled"
)

// IsTerminal reports whether a PipelineRun in this status can never
// transition again.
func (s PipelineRunStatus) IsTerminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}

// PipelineRun is one execution of a Pipeline against exactly one
// Workspace.
type PipelineRun struct {
	ID             string
	PipelineID     string
	Status         PipelineRunStatus
	CurrentStepID  string
	StepsCompleted int
	StepsTotal     int
	TriggerType    string
	TriggerContext map[string]interface{}
	TriggerKey     string
	StartedAt      time.Time
	CompletedAt    *time.Time
}

// WorkspaceID derives the deterministic workspace id for a run.
func WorkspaceID(pipelineRunID string) string {
	return "ws-" + pipelineRunID
}

// StepRunStatus is the lifecycle of a StepRun as seen from the
// pipeline's perspective.
type StepRunStatus string

const (
	StepRunPending StepRunStatus = "pending"
	StepRunRunning StepRunStatus = "running"
	StepRunSuccess StepRunStatus = "success"
	StepRunFailed  StepRunStatus = "failed"
	StepRunSkipped StepRunStatus = "skipped"
)

// StepRun is the logical (pipeline-facing) record of a step's status and
// log reference. It may back more than one StepExecution attempt.
type StepRun struct {
	ID         string
	RunID      string
	StepID     string
	Status     StepRunStatus
	LogRef     string
	Attempt    int
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// StepExecutionStatus is the lifecycle of a single physical attempt.
type StepExecutionStatus string

const (
	ExecPending   StepExecutionStatus = "pending"
	ExecAssigned  StepExecutionStatus = "assigned"
	ExecRunning   StepExecutionStatus = "running"
	ExecSucceeded StepExecutionStatus = "succeeded"
	ExecFailed    StepExecutionStatus = "failed"
	ExecCancelled StepExecutionStatus = "cancelled"
)

// IsTerminal reports whether a StepExecution in this status will never
// transition again.
func (s StepExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecSucceeded, ExecFailed, ExecCancelled:
		return true
	default:
		return false
	}
}

// ExecutionKey is the idempotency primitive for a step attempt: the
// unique constraint enforced by the store on StepExecution rows. stepID
// is a PipelineStep.ID, unique within the run's pipeline, so distinct
// steps of the same run never collide on the same key.
func ExecutionKey(pipelineRunID, stepID string, attempt int) string {
	return pipelineRunID + ":" + stepID + ":" + itoa(attempt)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// StepExecution is a single physical attempt to run a StepRun.
type StepExecution struct {
	ID            string
	StepRunID     string
	ExecutionKey  string
	Status        StepExecutionStatus
	RunnerID      string
	ContainerID   string
	ExitCode      *int
	StartedAt     *time.Time
	FinishedAt    *time.Time
}

// WorkspaceStatus is the lifecycle of a Workspace.
type WorkspaceStatus string

const (
	WorkspaceCreating  WorkspaceStatus = "creating"
	WorkspaceReady     WorkspaceStatus = "ready"
	WorkspaceInUse     WorkspaceStatus = "in_use"
	WorkspaceCleaning  WorkspaceStatus = "cleaning"
	WorkspaceDestroyed WorkspaceStatus = "destroyed"
	WorkspaceFailed    WorkspaceStatus = "failed"
	WorkspaceOrphaned  WorkspaceStatus = "orphaned"
)

// Workspace is the durable working directory backing one PipelineRun:
// repo/ (git checkout), home/ (persisted HOME), .control/ (step
// metadata), .lazyaf-context/ (committed cross-step context files).
type Workspace struct {
	ID            string
	Status        WorkspaceStatus
	UseCount      int
	PipelineRunID string
	CreatedAt     time.Time
	LastUsedAt    time.Time
}

// RunnerStatus is the lifecycle of a Runner connection.
type RunnerStatus string

const (
	RunnerIdle         RunnerStatus = "idle"
	RunnerAssigned     RunnerStatus = "assigned"
	RunnerBusy         RunnerStatus = "busy"
	RunnerDead         RunnerStatus = "dead"
	RunnerDisconnected RunnerStatus = "disconnected"
)

// Runner is a connected (or previously connected) execution peer. Labels
// drive routing decisions in the execution router (arch, has=gpio,
// has=cuda, type=docker).
type Runner struct {
	ID                   string
	Name                 string
	RunnerType           string
	Labels               map[string]string
	Status               RunnerStatus
	CurrentStepExecID    string
	WebsocketID          string
	ConnectedAt          *time.Time
	LastHeartbeat        time.Time
}

// JobStatus is the lifecycle of a Job, the legacy single-step equivalent
// of a PipelineRun.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job is a single-step equivalent of a PipelineRun, used when a Card is
// started outside a pipeline. Treated as a degenerate pipeline run by
// the executor (see internal/executor/pipeline's job adapter).
type Job struct {
	ID             string
	CardID         string
	Status         JobStatus
	Logs           string
	TestPassCount  int
	TestFailCount  int
}

// Trigger binds a Pipeline to an event source (manual, card_complete,
// push) and the action plan it fires.
type Trigger struct {
	ID            string
	PipelineID    string
	Type          string
	BranchPattern string
	ActionPlan    string
}
