// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import "time"

// RunKind identifies a workflow kind.
type RunKind string

const (
	RunKindResearch       RunKind = "research"
	RunKindImplementation RunKind = "implementation"
	RunKindCodeMode       RunKind = "code_mode"
)

// Valid reports whether the kind is one of the known workflow kinds.
func (k RunKind) Valid() bool {
	switch k {
	case RunKindResearch, RunKindImplementation, RunKindCodeMode:
		return true
	}
	return false
}

// Status represents the lifecycle state of a run or step.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusWaiting   Status = "waiting"
	StatusBlocked   Status = "blocked"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Terminal reports whether the status is a terminal state.
// Terminal states are one-way: once entered they never change.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// TerminalStatuses is the set of terminal states, used as a write guard.
var TerminalStatuses = []Status{StatusSucceeded, StatusFailed, StatusCanceled}

// StepKind identifies the kind of work a step performs.
type StepKind string

const (
	StepKindLLM          StepKind = "llm"
	StepKindTool         StepKind = "tool"
	StepKindSandbox      StepKind = "sandbox"
	StepKindWait         StepKind = "wait"
	StepKindApproval     StepKind = "approval"
	StepKindExternalPoll StepKind = "external_poll"
)

// Run is a single durable execution of a workflow kind for a project.
type Run struct {
	ID            string         `json:"id"`
	ProjectID     string         `json:"project_id"`
	Kind          RunKind        `json:"kind"`
	Status        Status         `json:"status"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	WorkflowRunID string         `json:"workflow_run_id,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Step is a named, idempotent sub-unit of a run.
// Rows are keyed by (run_id, step_id) where step_id is a stable slug.
type Step struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id"`
	StepID    string         `json:"step_id"`
	StepKind  StepKind       `json:"step_kind"`
	StepName  string         `json:"step_name"`
	Status    Status         `json:"status"`
	Attempt   int            `json:"attempt"`
	Inputs    map[string]any `json:"inputs,omitempty"`
	Outputs   map[string]any `json:"outputs,omitempty"`
	Error     map[string]any `json:"error,omitempty"`
	StartedAt *time.Time     `json:"started_at,omitempty"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Approval gates a run on an explicit sign-off for a scope (e.g. "repo.merge").
// Idempotent by (run_id, scope) while pending.
type Approval struct {
	ID            string         `json:"id"`
	RunID         string         `json:"run_id"`
	ProjectID     string         `json:"project_id"`
	StepID        string         `json:"step_id,omitempty"`
	Scope         string         `json:"scope"`
	IntentSummary string         `json:"intent_summary,omitempty"`
	ApprovedBy    string         `json:"approved_by,omitempty"`
	ApprovedAt    *time.Time     `json:"approved_at,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// SandboxJob records a sandbox session bound to a run.
type SandboxJob struct {
	ID                string         `json:"id"`
	RunID             string         `json:"run_id"`
	ProjectID         string         `json:"project_id"`
	StepID            string         `json:"step_id,omitempty"`
	JobType           string         `json:"job_type"`
	Status            Status         `json:"status"`
	ExitCode          *int           `json:"exit_code,omitempty"`
	TranscriptBlobRef string         `json:"transcript_blob_ref,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	StartedAt         *time.Time     `json:"started_at,omitempty"`
	EndedAt           *time.Time     `json:"ended_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// EventRow is one persisted entry of a run's append-only event log.
// Indices are 1-based and gap-free per run.
type EventRow struct {
	RunID     string    `json:"run_id"`
	Index     int64     `json:"index"`
	Type      string    `json:"type"`
	Payload   []byte    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// StepPatch describes a guarded partial update to a step row.
// Nil fields are left untouched; ClearError/ClearOutputs force NULL writes.
type StepPatch struct {
	Status           *Status
	IncrementAttempt bool
	Outputs          map[string]any
	ClearOutputs     bool
	Error            map[string]any
	ClearError       bool
	StartedAt        *time.Time
	EndedAt          *time.Time
	ClearEndedAt     bool
}

// RunFilter selects runs for listing.
type RunFilter struct {
	Status Status
	Kind   RunKind
	Limit  int
}
