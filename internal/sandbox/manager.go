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

// Package sandbox manages VM-backed command sessions for runs: allowlist
// enforcement, capped transcripts, and durable job rows with at-most-once
// transcript persistence.
package sandbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/maestro/internal/blob"
	"github.com/tombee/maestro/internal/log"
	"github.com/tombee/maestro/internal/metrics"
	"github.com/tombee/maestro/internal/store"
	"github.com/tombee/maestro/pkg/errors"
)

// Manager creates and rebinds sandbox sessions.
type Manager struct {
	store  *store.Store
	blobs  blob.Store
	vm     VM
	logger *slog.Logger

	// TranscriptCap overrides the per-session transcript bound when > 0.
	TranscriptCap int

	// CommandTimeout bounds each command for sessions that do not set
	// their own timeout.
	CommandTimeout time.Duration
}

// NewManager creates a session manager over the given provider and stores.
func NewManager(st *store.Store, blobs blob.Store, vm VM, logger *slog.Logger) *Manager {
	return &Manager{store: st, blobs: blobs, vm: vm, logger: log.WithComponent(logger, "sandbox")}
}

// StartSpec describes a new sandbox session.
type StartSpec struct {
	RunID     string
	ProjectID string
	StepID    string
	JobType   string
	Policy    Policy
	Network   NetworkPolicy

	// Timeout bounds each command when set.
	Timeout time.Duration

	// StopOnFinalize tears the VM down when the session ends.
	StopOnFinalize bool

	// OnOutput additionally receives incremental command output, for
	// streaming into the run's event log.
	OnOutput OutputFunc
}

// StartSession provisions a sandbox and persists its job row in pending.
// The job transitions to running on the first command.
func (m *Manager) StartSession(ctx context.Context, spec StartSpec) (*Session, error) {
	sandboxID, err := m.vm.Create(ctx, spec.ProjectID, spec.Network)
	if err != nil {
		return nil, errors.WithCause(errors.CodeBadGateway, "sandbox provider failed to create VM", err)
	}

	jobID, err := m.store.CreateSandboxJob(ctx, store.SandboxJob{
		RunID:     spec.RunID,
		ProjectID: spec.ProjectID,
		StepID:    spec.StepID,
		JobType:   spec.JobType,
		Metadata:  map[string]any{"sandbox_id": sandboxID, "network": string(spec.Network)},
	})
	if err != nil {
		// Roll back the VM so it does not leak.
		if stopErr := m.vm.Stop(ctx, sandboxID); stopErr != nil {
			m.logger.Warn("failed to stop orphaned sandbox",
				slog.String("sandbox_id", sandboxID), log.Error(stopErr))
		}
		return nil, err
	}

	return m.newSession(spec, jobID, sandboxID), nil
}

// AttachSession rebinds an existing sandbox under a fresh job row.
func (m *Manager) AttachSession(ctx context.Context, spec StartSpec, sandboxID string) (*Session, error) {
	if sandboxID == "" {
		return nil, errors.BadRequest("sandbox_id is required")
	}
	jobID, err := m.store.CreateSandboxJob(ctx, store.SandboxJob{
		RunID:     spec.RunID,
		ProjectID: spec.ProjectID,
		StepID:    spec.StepID,
		JobType:   spec.JobType,
		Metadata:  map[string]any{"sandbox_id": sandboxID, "attached": true},
	})
	if err != nil {
		return nil, err
	}
	return m.newSession(spec, jobID, sandboxID), nil
}

func (m *Manager) newSession(spec StartSpec, jobID, sandboxID string) *Session {
	timeout := spec.Timeout
	if timeout == 0 {
		timeout = m.CommandTimeout
	}
	return &Session{
		manager:        m,
		JobID:          jobID,
		SandboxID:      sandboxID,
		runID:          spec.RunID,
		policy:         spec.Policy,
		timeout:        timeout,
		stopOnFinalize: spec.StopOnFinalize,
		onOutput:       spec.OnOutput,
		transcript:     newTranscript(m.TranscriptCap),
		logger:         log.WithRunContext(m.logger, spec.RunID, ""),
	}
}

// Session is one live sandbox binding. Methods are safe for concurrent use,
// though commands themselves run one at a time.
type Session struct {
	manager   *Manager
	JobID     string
	SandboxID string

	runID          string
	policy         Policy
	timeout        time.Duration
	stopOnFinalize bool
	onOutput       OutputFunc
	transcript     *transcript
	logger         *slog.Logger

	mu        sync.Mutex
	started   bool
	finalized bool
	canceled  bool
}

// RunCommand checks the allowlist, executes the command in the VM, and
// appends its output to the transcript. Returns the command's exit code.
func (s *Session) RunCommand(ctx context.Context, cmd Command) (int, error) {
	s.mu.Lock()
	if s.finalized || s.canceled {
		s.mu.Unlock()
		return 0, errors.Conflict("sandbox session is finalized")
	}
	firstCommand := !s.started
	s.started = true
	s.mu.Unlock()

	// The allowlist runs on every command, before the provider sees it.
	line := cmd.Line()
	if err := s.policy.Check(line); err != nil {
		metrics.RecordSandboxCommand("denied")
		return 0, err
	}

	if firstCommand {
		now := time.Now()
		running := store.StatusRunning
		if err := s.manager.store.UpdateSandboxJob(ctx, s.JobID,
			store.JobPatch{Status: &running, StartedAt: &now}, store.TerminalStatuses); err != nil {
			return 0, err
		}
	}

	s.transcript.append([]byte("$ " + line + "\n"))

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	exitCode, err := s.manager.vm.Exec(ctx, s.SandboxID, cmd, func(stream string, chunk []byte) {
		s.transcript.append(chunk)
		if s.onOutput != nil {
			s.onOutput(stream, chunk)
		}
	})
	if err != nil {
		metrics.RecordSandboxCommand("failed")
		if ctx.Err() == context.DeadlineExceeded {
			return 0, errors.UpstreamTimeout("sandbox command", err)
		}
		return 0, err
	}
	metrics.RecordSandboxCommand("allowed")
	return exitCode, nil
}

// Cancel marks the job canceled and skips transcript persistence.
// Idempotent; later RunCommand calls fail.
func (s *Session) Cancel(ctx context.Context) error {
	s.mu.Lock()
	if s.finalized || s.canceled {
		s.mu.Unlock()
		return nil
	}
	s.canceled = true
	s.mu.Unlock()

	now := time.Now()
	canceled := store.StatusCanceled
	if err := s.manager.store.UpdateSandboxJob(ctx, s.JobID,
		store.JobPatch{Status: &canceled, EndedAt: &now}, store.TerminalStatuses); err != nil {
		return err
	}
	s.stopIfOwned(ctx)
	return nil
}

// Finalize persists the transcript (best effort) and writes the job's
// terminal status and exit code. Idempotent; the blob ref is written at
// most once.
func (s *Session) Finalize(ctx context.Context, exitCode int, status store.Status) error {
	if !status.Terminal() {
		return errors.BadRequest("finalize requires a terminal status")
	}

	s.mu.Lock()
	if s.finalized {
		s.mu.Unlock()
		return nil
	}
	s.finalized = true
	s.mu.Unlock()

	patch := store.JobPatch{Status: &status, ExitCode: &exitCode}
	now := time.Now()
	patch.EndedAt = &now

	// Transcript persistence must not block the status update.
	data, truncated := s.transcript.snapshot()
	if len(data) > 0 {
		ref, err := s.manager.blobs.Put(ctx, "transcripts/"+s.runID, data)
		if err != nil {
			s.logger.Warn("transcript persistence failed",
				slog.String("job_id", s.JobID), log.Error(err))
		} else {
			patch.TranscriptBlobRef = ref
		}
	}
	if truncated {
		s.logger.Info("transcript truncated at cap", slog.String("job_id", s.JobID))
	}

	if err := s.manager.store.UpdateSandboxJob(ctx, s.JobID, patch, store.TerminalStatuses); err != nil {
		return err
	}
	s.stopIfOwned(ctx)
	return nil
}

// Transcript returns the current transcript contents and truncation flag.
func (s *Session) Transcript() (string, bool) {
	data, truncated := s.transcript.snapshot()
	return string(data), truncated
}

func (s *Session) stopIfOwned(ctx context.Context) {
	if !s.stopOnFinalize {
		return
	}
	if err := s.manager.vm.Stop(ctx, s.SandboxID); err != nil {
		s.logger.Warn("failed to stop sandbox",
			slog.String("sandbox_id", s.SandboxID), log.Error(err))
	}
}
