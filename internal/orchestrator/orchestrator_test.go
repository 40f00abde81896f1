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

package orchestrator

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/maestro/internal/blob"
	"github.com/tombee/maestro/internal/eventlog"
	"github.com/tombee/maestro/internal/log"
	"github.com/tombee/maestro/internal/sandbox"
	"github.com/tombee/maestro/internal/steps"
	"github.com/tombee/maestro/internal/store"
	"github.com/tombee/maestro/pkg/errors"
)

// fakeGateway returns canned completions, optionally failing or blocking
// on prompts containing a trigger substring.
type fakeGateway struct {
	failOn  string
	blockOn string
}

func (g *fakeGateway) Complete(ctx context.Context, prompt string, onDelta func(string)) (string, error) {
	if g.failOn != "" && strings.Contains(prompt, g.failOn) {
		return "", errors.BadGateway("llm gateway", errors.New(errors.CodeBadGateway, "model unavailable"))
	}
	if g.blockOn != "" && strings.Contains(prompt, g.blockOn) {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if onDelta != nil {
		onDelta("chunk ")
		onDelta("text")
	}
	return "completion for: " + firstLine(prompt), nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

type fakeExecutor struct{}

func (fakeExecutor) AssignWorkflowRunID(ctx context.Context, runID string) (string, error) {
	return "wf-" + runID, nil
}

func (fakeExecutor) IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}

// echoVM echoes every command back as stdout.
type echoVM struct{}

func (echoVM) Create(ctx context.Context, projectID string, network sandbox.NetworkPolicy) (string, error) {
	return "vm-test", nil
}

func (echoVM) Exec(ctx context.Context, sandboxID string, cmd sandbox.Command, onOutput sandbox.OutputFunc) (int, error) {
	onOutput("stdout", []byte("ran "+cmd.Line()+"\n"))
	return 0, nil
}

func (echoVM) Stop(ctx context.Context, sandboxID string) error { return nil }

type fixture struct {
	orch   *Orchestrator
	store  *store.Store
	events *eventlog.Registry
	gw     *fakeGateway
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.New(store.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := log.New(&log.Config{Level: "error", Output: io.Discard})
	events := eventlog.NewRegistry(st)
	svc := steps.New(st)
	sb := sandbox.NewManager(st, blob.NewMemoryStore(), echoVM{}, logger)
	gw := &fakeGateway{}
	orch := New(st, svc, events, sb, gw, fakeExecutor{}, logger)
	return &fixture{orch: orch, store: st, events: events, gw: gw}
}

func (f *fixture) createRun(t *testing.T, kind store.RunKind, metadata map[string]any) string {
	t.Helper()
	runID, err := f.store.CreateRun(context.Background(), "proj", kind, metadata)
	require.NoError(t, err)
	return runID
}

func (f *fixture) eventTypes(t *testing.T, runID string) []string {
	t.Helper()
	rows, err := f.store.EventsAfter(context.Background(), runID, 0)
	require.NoError(t, err)
	var types []string
	for _, r := range rows {
		types = append(types, r.Type)
	}
	return types
}

func TestResearchRunSucceeds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	runID := f.createRun(t, store.RunKindResearch, map[string]any{"topic": "go schedulers"})

	require.NoError(t, f.orch.Execute(ctx, runID))

	run, err := f.store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSucceeded, run.Status)
	assert.Equal(t, "wf-"+runID, run.WorkflowRunID)

	for _, stepID := range []string{"gather", "synthesize", "cite"} {
		step, err := f.store.GetStep(ctx, runID, stepID)
		require.NoError(t, err)
		assert.Equal(t, store.StatusSucceeded, step.Status, stepID)
		assert.Equal(t, 1, step.Attempt, stepID)
	}

	types := f.eventTypes(t, runID)
	assert.Equal(t, eventlog.TypeRunStarted, types[0])
	assert.Equal(t, eventlog.TypeTerminal, types[len(types)-1])
	assert.Equal(t, eventlog.TypeRunFinished, types[len(types)-2])
	assert.Contains(t, types, eventlog.TypeAssistantDelta)
}

func TestReExecuteCompletedRunIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	runID := f.createRun(t, store.RunKindResearch, map[string]any{"topic": "idempotency"})

	require.NoError(t, f.orch.Execute(ctx, runID))
	before, err := f.store.MaxEventIndex(ctx, runID)
	require.NoError(t, err)

	// A retry against the same run observes no effect on completed work.
	require.NoError(t, f.orch.Execute(ctx, runID))

	step, err := f.store.GetStep(ctx, runID, "gather")
	require.NoError(t, err)
	assert.Equal(t, 1, step.Attempt)

	after, err := f.store.MaxEventIndex(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, before, after, "closed log must not grow on retry")
}

func TestStepFailureMarksRunFailed(t *testing.T) {
	f := newFixture(t)
	f.gw.failOn = "Synthesize"
	ctx := context.Background()
	runID := f.createRun(t, store.RunKindResearch, map[string]any{"topic": "failure paths"})

	err := f.orch.Execute(ctx, runID)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeBadGateway))

	run, gerr := f.store.GetRun(ctx, runID)
	require.NoError(t, gerr)
	assert.Equal(t, store.StatusFailed, run.Status)

	step, gerr := f.store.GetStep(ctx, runID, "synthesize")
	require.NoError(t, gerr)
	assert.Equal(t, store.StatusFailed, step.Status)
	require.NotNil(t, step.Error)
	assert.NotEmpty(t, step.Error["message"])

	// gather finished before the failure and stays succeeded.
	gather, gerr := f.store.GetStep(ctx, runID, "gather")
	require.NoError(t, gerr)
	assert.Equal(t, store.StatusSucceeded, gather.Status)

	types := f.eventTypes(t, runID)
	assert.Equal(t, eventlog.TypeTerminal, types[len(types)-1])
	assert.Equal(t, eventlog.TypeRunFinished, types[len(types)-2])
}

func TestCancellationNeverMarksRunFailed(t *testing.T) {
	f := newFixture(t)
	f.gw.blockOn = "Synthesize"
	runID := f.createRun(t, store.RunKindResearch, map[string]any{"topic": "cancellation"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.orch.Execute(ctx, runID) }()

	// Let the run reach the blocking step, then cancel.
	require.Eventually(t, func() bool {
		step, err := f.store.GetStep(context.Background(), runID, "synthesize")
		return err == nil && step.Status == store.StatusRunning
	}, 2*time.Second, 10*time.Millisecond)
	cancel()

	err := <-done
	assert.ErrorIs(t, err, context.Canceled)

	bg := context.Background()
	run, gerr := f.store.GetRun(bg, runID)
	require.NoError(t, gerr)
	assert.Equal(t, store.StatusCanceled, run.Status)

	step, gerr := f.store.GetStep(bg, runID, "synthesize")
	require.NoError(t, gerr)
	assert.Equal(t, store.StatusCanceled, step.Status)

	types := f.eventTypes(t, runID)
	assert.Equal(t, eventlog.TypeTerminal, types[len(types)-1])
	assert.Equal(t, eventlog.TypeRunFinished, types[len(types)-2])
}

func TestCodeModeRunPersistsTranscript(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	runID := f.createRun(t, store.RunKindCodeMode, map[string]any{
		"commands":         []any{"git status", "go build ./..."},
		"allowed_commands": []any{"git", "go"},
	})

	require.NoError(t, f.orch.Execute(ctx, runID))

	step, err := f.store.GetStep(ctx, runID, "session")
	require.NoError(t, err)
	require.Equal(t, store.StatusSucceeded, step.Status)

	jobID, _ := step.Outputs["sandbox_job_id"].(string)
	require.NotEmpty(t, jobID)
	job, err := f.store.GetSandboxJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSucceeded, job.Status)
	assert.NotEmpty(t, job.TranscriptBlobRef)

	types := f.eventTypes(t, runID)
	assert.Contains(t, types, eventlog.TypeExit)
	assert.Contains(t, types, eventlog.TypeLog)
}

func TestCodeModeDeniedCommandFailsRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	runID := f.createRun(t, store.RunKindCodeMode, map[string]any{
		"commands":         []any{"curl http://evil.example"},
		"allowed_commands": []any{"git"},
	})

	err := f.orch.Execute(ctx, runID)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeForbidden))

	run, gerr := f.store.GetRun(ctx, runID)
	require.NoError(t, gerr)
	assert.Equal(t, store.StatusFailed, run.Status)
}

func TestApprovalStepParksUntilApproved(t *testing.T) {
	old := approvalPollInterval
	approvalPollInterval = 10 * time.Millisecond
	t.Cleanup(func() { approvalPollInterval = old })

	f := newFixture(t)
	f.orch.RegisterPlan(store.RunKindResearch, Plan{
		approvalStep("gate", "Await sign-off", "repo.merge"),
	})
	runID := f.createRun(t, store.RunKindResearch, map[string]any{"goal": "merge it"})

	done := make(chan error, 1)
	go func() { done <- f.orch.Execute(context.Background(), runID) }()

	bg := context.Background()
	require.Eventually(t, func() bool {
		run, err := f.store.GetRun(bg, runID)
		return err == nil && run.Status == store.StatusWaiting
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.store.Approve(bg, runID, "repo.merge", "reviewer@example.com"))
	require.NoError(t, <-done)

	run, err := f.store.GetRun(bg, runID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSucceeded, run.Status)

	step, err := f.store.GetStep(bg, runID, "gate")
	require.NoError(t, err)
	assert.Equal(t, store.StatusSucceeded, step.Status)
	assert.Equal(t, "reviewer@example.com", step.Outputs["approved_by"])
}
