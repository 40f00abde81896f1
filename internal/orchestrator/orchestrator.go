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

// Package orchestrator drives runs through their per-kind step plans,
// composing the step service, event writer, and sandbox manager with
// cancellation-aware error classification.
package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/tombee/maestro/internal/eventlog"
	"github.com/tombee/maestro/internal/log"
	"github.com/tombee/maestro/internal/metrics"
	"github.com/tombee/maestro/internal/sandbox"
	"github.com/tombee/maestro/internal/steps"
	"github.com/tombee/maestro/internal/store"
	"github.com/tombee/maestro/internal/tracing"
	"github.com/tombee/maestro/pkg/errors"
)

// Executor is the capability interface to the workflow execution backend.
// It hands out workflow run ids and classifies cancellation errors.
type Executor interface {
	// AssignWorkflowRunID allocates the executor-side id for a run.
	AssignWorkflowRunID(ctx context.Context, runID string) (string, error)

	// IsCancellation reports whether err represents cooperative
	// cancellation rather than a failure.
	IsCancellation(err error) bool
}

// Gateway is the capability interface to LLM inference.
type Gateway interface {
	// Complete produces a completion for the prompt, streaming incremental
	// text through onDelta when non-nil.
	Complete(ctx context.Context, prompt string, onDelta func(string)) (string, error)
}

// Orchestrator executes runs against registered plans.
type Orchestrator struct {
	store    *store.Store
	steps    *steps.Service
	events   *eventlog.Registry
	sandbox  *sandbox.Manager
	gateway  Gateway
	executor Executor
	logger   *slog.Logger

	plans map[store.RunKind]Plan
}

// New creates an orchestrator with the default plans registered.
func New(st *store.Store, svc *steps.Service, events *eventlog.Registry,
	sb *sandbox.Manager, gw Gateway, ex Executor, logger *slog.Logger) *Orchestrator {
	o := &Orchestrator{
		store:    st,
		steps:    svc,
		events:   events,
		sandbox:  sb,
		gateway:  gw,
		executor: ex,
		logger:   log.WithComponent(logger, "orchestrator"),
		plans:    make(map[store.RunKind]Plan),
	}
	o.RegisterPlan(store.RunKindResearch, researchPlan())
	o.RegisterPlan(store.RunKindImplementation, implementationPlan())
	o.RegisterPlan(store.RunKindCodeMode, codeModePlan())
	return o
}

// RegisterPlan binds a workflow kind to its step plan, replacing any
// previous binding.
func (o *Orchestrator) RegisterPlan(kind store.RunKind, plan Plan) {
	o.plans[kind] = plan
}

// AssignWorkflowRun obtains the executor-side workflow run id and persists
// it on the run. Idempotent: a run that already carries one gets it back
// unchanged. Callers that need the id before execution starts (the submit
// path) use this; Execute falls back to it for runs resumed after a restart.
func (o *Orchestrator) AssignWorkflowRun(ctx context.Context, runID string) (string, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}
	if run.WorkflowRunID != "" {
		return run.WorkflowRunID, nil
	}
	id, err := o.executor.AssignWorkflowRunID(ctx, runID)
	if err != nil {
		return "", err
	}
	if err := o.store.AttachWorkflowRun(ctx, runID, id); err != nil {
		return "", err
	}
	return id, nil
}

// Execute drives the run to a terminal status. Re-executing a partially
// completed run is safe: finished steps are skipped and begin/finish calls
// on completed work are no-ops.
func (o *Orchestrator) Execute(ctx context.Context, runID string) error {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		// Nothing to drive; the log is already closed.
		return nil
	}
	plan, ok := o.plans[run.Kind]
	if !ok {
		return errors.Newf(errors.CodeEnvInvalid, "no plan registered for kind %s", run.Kind)
	}

	logger := log.WithRunContext(o.logger, run.ID, string(run.Kind))
	ctx, span := tracing.StartRunSpan(ctx, run.ID, string(run.Kind))
	start := time.Now()

	err = o.execute(ctx, run, plan, logger, start)
	tracing.EndSpan(span, err)
	return err
}

func (o *Orchestrator) execute(ctx context.Context, run *store.Run, plan Plan, logger *slog.Logger, start time.Time) error {
	w := o.events.Writer(run.ID)

	workflowRunID := run.WorkflowRunID
	if workflowRunID == "" {
		id, err := o.AssignWorkflowRun(ctx, run.ID)
		if err != nil {
			return o.abort(ctx, w, run, "", err, start, logger)
		}
		workflowRunID = id
	}

	o.emit(ctx, w, eventlog.RunStarted(string(run.Kind), workflowRunID), logger)
	metrics.RecordRunStarted(string(run.Kind))

	if err := o.steps.MarkRunRunning(ctx, run.ID); err != nil {
		return o.abort(ctx, w, run, "", err, start, logger)
	}

	sc := &StepContext{
		Run:     run,
		Events:  w,
		Gateway: o.gateway,
		Sandbox: o.sandbox,
		Store:   o.store,
		Steps:   o.steps,
		Outputs: make(map[string]map[string]any),
	}

	for _, def := range plan {
		if err := o.steps.EnsureStepRow(ctx, run.ID, def.ID, def.Kind, def.Name, nil); err != nil {
			return o.abort(ctx, w, run, def.ID, err, start, logger)
		}

		existing, err := o.steps.GetStep(ctx, run.ID, def.ID)
		if err != nil {
			return o.abort(ctx, w, run, def.ID, err, start, logger)
		}
		if existing.Status == store.StatusSucceeded {
			// Completed in a previous execution; its outputs still feed
			// later steps.
			sc.Outputs[def.ID] = existing.Outputs
			logger.Debug("skipping completed step", slog.String(log.StepIDKey, def.ID))
			continue
		}

		if err := o.steps.BeginStep(ctx, run.ID, def.ID); err != nil {
			return o.abort(ctx, w, run, def.ID, err, start, logger)
		}
		o.emit(ctx, w, eventlog.StepStarted(def.ID, def.Name), logger)

		stepCtx, stepSpan := tracing.StartStepSpan(ctx, run.ID, def.ID)
		outputs, err := def.Body(stepCtx, sc)
		tracing.EndSpan(stepSpan, err)
		if err != nil {
			return o.abort(ctx, w, run, def.ID, err, start, logger)
		}

		if err := o.steps.FinishStep(ctx, run.ID, def.ID, store.StatusSucceeded, outputs, nil); err != nil {
			return o.abort(ctx, w, run, def.ID, err, start, logger)
		}
		o.emit(ctx, w, eventlog.StepFinished(def.ID, string(store.StatusSucceeded), outputs, nil), logger)
		sc.Outputs[def.ID] = outputs
	}

	if err := o.steps.MarkRunTerminal(ctx, run.ID, store.StatusSucceeded); err != nil {
		return o.abort(ctx, w, run, "", err, start, logger)
	}
	o.emit(ctx, w, eventlog.RunFinished(string(store.StatusSucceeded)), logger)
	o.closeStream(ctx, w, logger)
	metrics.RecordRunCompleted(string(run.Kind), string(store.StatusSucceeded), time.Since(start))
	logger.Info("run succeeded", slog.Int64(log.DurationKey, time.Since(start).Milliseconds()))
	return nil
}

// abort finishes the run along the cancellation or failure path and
// re-raises cause. Teardown effects are best effort and never mask cause.
func (o *Orchestrator) abort(ctx context.Context, w *eventlog.Writer, run *store.Run,
	activeStep string, cause error, start time.Time, logger *slog.Logger) error {
	// The inbound context may already be canceled; teardown gets its own.
	tctx := context.WithoutCancel(ctx)

	if o.isCancellation(cause) {
		if activeStep != "" {
			if err := o.steps.FinishStep(tctx, run.ID, activeStep, store.StatusCanceled, nil, nil); err != nil {
				logger.Warn("failed to cancel active step", log.Error(err))
			}
		}
		o.emit(tctx, w, eventlog.Status("Run canceled."), logger)
		if err := o.steps.CancelRunAndSteps(tctx, run.ID); err != nil {
			logger.Warn("transactional cancel failed", log.Error(err))
		}
		o.emit(tctx, w, eventlog.RunFinished(string(store.StatusCanceled)), logger)
		o.closeStream(tctx, w, logger)
		metrics.RecordRunCompleted(string(run.Kind), string(store.StatusCanceled), time.Since(start))
		logger.Info("run canceled")
		return cause
	}

	message := userMessage(cause)
	if activeStep != "" {
		errPayload := map[string]any{"message": message}
		if err := o.steps.FinishStep(tctx, run.ID, activeStep, store.StatusFailed, nil, errPayload); err != nil {
			logger.Warn("failed to fail active step", log.Error(err))
		}
	}
	if err := o.steps.MarkRunTerminal(tctx, run.ID, store.StatusFailed); err != nil {
		logger.Warn("failed to mark run failed", log.Error(err))
	}
	o.emit(tctx, w, eventlog.Status(message), logger)
	o.emit(tctx, w, eventlog.RunFinished(string(store.StatusFailed)), logger)
	o.closeStream(tctx, w, logger)
	metrics.RecordRunCompleted(string(run.Kind), string(store.StatusFailed), time.Since(start))
	logger.Error("run failed", log.Error(cause))
	return cause
}

func (o *Orchestrator) isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || o.executor.IsCancellation(err)
}

// emit writes an event best-effort: emit failures during execution are
// logged, never propagated over the step outcome.
func (o *Orchestrator) emit(ctx context.Context, w *eventlog.Writer, ev eventlog.Event, logger *slog.Logger) {
	if _, err := w.Emit(ctx, ev); err != nil {
		logger.Warn("event emit failed", slog.String(log.EventKey, ev.Type), log.Error(err))
	}
}

func (o *Orchestrator) closeStream(ctx context.Context, w *eventlog.Writer, logger *slog.Logger) {
	if err := w.Close(ctx); err != nil {
		logger.Warn("failed to close event stream", log.Error(err))
	}
}

// userMessage extracts a user-safe message from an error. Unclassified
// errors surface only the generic default.
func userMessage(err error) string {
	var te *errors.Error
	if errors.As(err, &te) {
		return te.Message
	}
	return "Failed."
}
