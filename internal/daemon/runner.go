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

package daemon

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tombee/maestro/internal/eventlog"
	"github.com/tombee/maestro/internal/log"
	"github.com/tombee/maestro/internal/orchestrator"
	"github.com/tombee/maestro/internal/store"
	"github.com/tombee/maestro/pkg/errors"
)

// Runner schedules run execution with bounded concurrency and owns the
// per-run cancellation handles. It is the daemon-side implementation of
// the API's Runner capability.
type Runner struct {
	store  *store.Store
	orch   *orchestrator.Orchestrator
	events *eventlog.Registry
	logger *slog.Logger

	// sem bounds concurrently executing runs.
	sem chan struct{}

	mu     sync.Mutex
	active map[string]context.CancelFunc

	wg       sync.WaitGroup
	draining atomic.Bool

	// baseCtx parents every run execution; it is detached from request
	// contexts so a run outlives the HTTP call that submitted it.
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// NewRunner creates a runner with the given concurrency limit.
func NewRunner(st *store.Store, orch *orchestrator.Orchestrator, events *eventlog.Registry,
	maxConcurrent int, logger *slog.Logger) *Runner {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Runner{
		store:      st,
		orch:       orch,
		events:     events,
		logger:     log.WithComponent(logger, "runner"),
		sem:        make(chan struct{}, maxConcurrent),
		active:     make(map[string]context.CancelFunc),
		baseCtx:    baseCtx,
		cancelBase: cancel,
	}
}

// Submit creates the run and schedules it for execution.
func (r *Runner) Submit(ctx context.Context, projectID string, kind store.RunKind, metadata map[string]any) (*store.Run, error) {
	if r.draining.Load() {
		return nil, errors.New(errors.CodeRateLimited, "daemon is shutting down")
	}
	if projectID == "" {
		return nil, errors.BadRequest("project_id is required")
	}
	if !kind.Valid() {
		return nil, errors.Newf(errors.CodeBadRequest, "unknown run kind %q", kind)
	}

	runID, err := r.store.CreateRun(ctx, projectID, kind, metadata)
	if err != nil {
		return nil, err
	}
	// The workflow run id is part of the submit response, so it is
	// assigned here rather than inside the executing goroutine.
	if _, err := r.orch.AssignWorkflowRun(ctx, runID); err != nil {
		r.abandon(context.WithoutCancel(ctx), runID)
		return nil, err
	}
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	// Register the cancel handle before the goroutine exists so a Cancel
	// arriving between Submit returning and execution starting is routed
	// through the handle instead of racing the executor.
	runCtx, cancel := context.WithCancel(r.baseCtx)
	r.mu.Lock()
	r.active[runID] = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go r.execute(runCtx, runID)

	return run, nil
}

func (r *Runner) execute(ctx context.Context, runID string) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		if cancel, ok := r.active[runID]; ok {
			delete(r.active, runID)
			cancel()
		}
		r.mu.Unlock()
	}()

	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-ctx.Done():
		// Canceled while queued behind the concurrency limit. An explicit
		// cancel tears the run down here; a daemon shutdown leaves it
		// pending so the next start can resume it.
		if r.baseCtx.Err() == nil {
			r.warnOnFinalize(r.finalizeCanceled(context.WithoutCancel(ctx), runID), runID)
		}
		return
	}
	if ctx.Err() != nil {
		if r.baseCtx.Err() == nil {
			r.warnOnFinalize(r.finalizeCanceled(context.WithoutCancel(ctx), runID), runID)
		}
		return
	}

	if err := r.orch.Execute(ctx, runID); err != nil {
		r.logger.Error("run execution failed",
			slog.String(log.RunIDKey, runID), log.Error(err))
		if ctx.Err() != nil && r.baseCtx.Err() == nil {
			// Cancel landed before the orchestrator took ownership of
			// teardown; finalizeCanceled is a no-op when it already did.
			r.warnOnFinalize(r.finalizeCanceled(context.WithoutCancel(ctx), runID), runID)
			return
		}
	}
	r.events.Release(runID)
}

func (r *Runner) warnOnFinalize(err error, runID string) {
	if err != nil {
		r.logger.Warn("failed to finalize canceled run",
			slog.String(log.RunIDKey, runID), log.Error(err))
	}
}

// finalizeCanceled moves a run that no orchestrator is driving to canceled:
// transactional cancel, final event, stream close, writer release. Every
// effect is idempotent, so finishing an already torn down run is harmless.
func (r *Runner) finalizeCanceled(ctx context.Context, runID string) error {
	if err := r.store.CancelRunAndSteps(ctx, runID); err != nil {
		return err
	}
	closed, err := r.events.Closed(ctx, runID)
	if err != nil {
		r.logger.Warn("failed to check stream state",
			slog.String(log.RunIDKey, runID), log.Error(err))
	}
	if err == nil && !closed {
		w := r.events.Writer(runID)
		if _, err := w.Emit(ctx, eventlog.RunFinished(string(store.StatusCanceled))); err != nil {
			r.logger.Warn("failed to emit cancel event",
				slog.String(log.RunIDKey, runID), log.Error(err))
		}
		if err := w.Close(ctx); err != nil {
			r.logger.Warn("failed to close event stream",
				slog.String(log.RunIDKey, runID), log.Error(err))
		}
	}
	r.events.Release(runID)
	return nil
}

// abandon marks a run failed before execution ever started and closes its
// stream. Used when workflow run id assignment fails at submit time.
func (r *Runner) abandon(ctx context.Context, runID string) {
	if err := r.store.UpdateRunStatus(ctx, runID, store.StatusFailed, store.TerminalStatuses); err != nil {
		r.logger.Warn("failed to mark run failed",
			slog.String(log.RunIDKey, runID), log.Error(err))
	}
	w := r.events.Writer(runID)
	if _, err := w.Emit(ctx, eventlog.RunFinished(string(store.StatusFailed))); err != nil {
		r.logger.Warn("failed to emit final event",
			slog.String(log.RunIDKey, runID), log.Error(err))
	}
	if err := w.Close(ctx); err != nil {
		r.logger.Warn("failed to close event stream",
			slog.String(log.RunIDKey, runID), log.Error(err))
	}
	r.events.Release(runID)
}

// Cancel requests cancellation of a run. Executing runs get their context
// canceled and the orchestrator performs the transactional teardown; runs
// still queued are canceled directly. Canceling a terminal run is a no-op.
func (r *Runner) Cancel(ctx context.Context, runID string) error {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}

	r.mu.Lock()
	cancel, executing := r.active[runID]
	r.mu.Unlock()

	if executing {
		cancel()
		return nil
	}

	// No registered goroutine, e.g. a pending run recovered from a
	// previous process: tear down here so it does not stay pending forever.
	return r.finalizeCanceled(ctx, runID)
}

// IsDraining reports whether Drain has begun.
func (r *Runner) IsDraining() bool {
	return r.draining.Load()
}

// ActiveRuns returns the number of currently executing runs.
func (r *Runner) ActiveRuns() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Drain stops accepting new runs and waits up to timeout for executing
// runs to finish. Runs still active at the deadline are canceled.
func (r *Runner) Drain(timeout time.Duration) {
	r.draining.Store(true)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		r.logger.Warn("drain timeout reached, canceling active runs",
			slog.Int("active", r.ActiveRuns()))
		r.cancelBase()
		<-done
	}
	r.cancelBase()
}
