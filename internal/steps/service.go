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

// Package steps enforces the run and step state machine on top of the store.
//
//	Run:   pending -> running -> (waiting|blocked)* -> {succeeded|failed|canceled}
//	Step:  pending -> running -> (waiting|blocked)* -> {succeeded|failed|canceled}
//
// All transitions are guarded by row-level status preconditions so a retried
// workflow can replay its begin/finish calls and observe no effect on work
// that already completed.
package steps

import (
	"context"
	"time"

	"github.com/tombee/maestro/internal/store"
	"github.com/tombee/maestro/pkg/errors"
)

// defaultFailureMessage is recorded when a step fails without an error payload.
const defaultFailureMessage = "Failed."

// Service wraps the store with state machine semantics.
type Service struct {
	store *store.Store
}

// New creates a step persistence service.
func New(s *store.Store) *Service {
	return &Service{store: s}
}

// EnsureStepRow inserts the step row if absent. Never overwrites.
func (s *Service) EnsureStepRow(ctx context.Context, runID, stepID string, kind store.StepKind, name string, inputs map[string]any) error {
	return s.store.InsertStepIfAbsent(ctx, runID, stepID, kind, name, inputs)
}

// BeginStep transitions a step to running and increments its attempt.
//
// A missing row fails with not_found. Rows already running, succeeded, or
// canceled are left untouched (no attempt increment). Otherwise the row is
// atomically set running, attempt+1, error and outputs cleared, started_at
// now, ended_at null.
func (s *Service) BeginStep(ctx context.Context, runID, stepID string) error {
	if _, err := s.store.GetStep(ctx, runID, stepID); err != nil {
		return err
	}

	now := time.Now()
	running := store.StatusRunning
	return s.store.UpdateStep(ctx, runID, stepID, store.StepPatch{
		Status:           &running,
		IncrementAttempt: true,
		ClearOutputs:     true,
		ClearError:       true,
		StartedAt:        &now,
		ClearEndedAt:     true,
	}, []store.Status{store.StatusRunning, store.StatusSucceeded, store.StatusCanceled})
}

// FinishStep transitions a step to a terminal status.
//
// Rows already succeeded or canceled are left untouched. On succeeded or
// canceled the error is cleared; on failed the error defaults to a generic
// message when none is provided.
func (s *Service) FinishStep(ctx context.Context, runID, stepID string, terminal store.Status, outputs, errPayload map[string]any) error {
	if !terminal.Terminal() {
		return errors.Newf(errors.CodeBadRequest, "finish_step requires a terminal status, got %s", terminal)
	}

	now := time.Now()
	patch := store.StepPatch{
		Status:  &terminal,
		EndedAt: &now,
	}
	switch terminal {
	case store.StatusFailed:
		if errPayload == nil {
			errPayload = map[string]any{"message": defaultFailureMessage}
		}
		patch.Error = errPayload
	default:
		patch.ClearError = true
	}
	if outputs != nil {
		patch.Outputs = outputs
	}

	return s.store.UpdateStep(ctx, runID, stepID, patch,
		[]store.Status{store.StatusSucceeded, store.StatusCanceled})
}

// MarkStepWaiting parks a non-terminal step in waiting.
func (s *Service) MarkStepWaiting(ctx context.Context, runID, stepID string) error {
	waiting := store.StatusWaiting
	return s.store.UpdateStep(ctx, runID, stepID, store.StepPatch{Status: &waiting}, store.TerminalStatuses)
}

// MarkRunRunning moves a non-terminal run to running.
func (s *Service) MarkRunRunning(ctx context.Context, runID string) error {
	return s.store.UpdateRunStatus(ctx, runID, store.StatusRunning, store.TerminalStatuses)
}

// MarkRunWaiting moves a non-terminal run to waiting.
func (s *Service) MarkRunWaiting(ctx context.Context, runID string) error {
	return s.store.UpdateRunStatus(ctx, runID, store.StatusWaiting, store.TerminalStatuses)
}

// MarkRunTerminal moves a run to a terminal status. Already-terminal runs
// are left untouched.
func (s *Service) MarkRunTerminal(ctx context.Context, runID string, terminal store.Status) error {
	if !terminal.Terminal() {
		return errors.Newf(errors.CodeBadRequest, "mark_run_terminal requires a terminal status, got %s", terminal)
	}
	return s.store.UpdateRunStatus(ctx, runID, terminal, store.TerminalStatuses)
}

// CancelRunAndSteps delegates to the store's transactional cancel.
func (s *Service) CancelRunAndSteps(ctx context.Context, runID string) error {
	return s.store.CancelRunAndSteps(ctx, runID)
}

// GetStep returns the current step row.
func (s *Service) GetStep(ctx context.Context, runID, stepID string) (*store.Step, error) {
	return s.store.GetStep(ctx, runID, stepID)
}
