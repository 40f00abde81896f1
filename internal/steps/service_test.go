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

package steps

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/maestro/internal/store"
	"github.com/tombee/maestro/pkg/errors"
)

func newTestService(t *testing.T) (*Service, *store.Store, string) {
	t.Helper()
	st, err := store.New(store.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	runID, err := st.CreateRun(context.Background(), "p", store.RunKindResearch, nil)
	require.NoError(t, err)
	return New(st), st, runID
}

func TestBeginStepIdempotent(t *testing.T) {
	svc, _, runID := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.EnsureStepRow(ctx, runID, "gather", store.StepKindLLM, "Gather", nil))

	require.NoError(t, svc.BeginStep(ctx, runID, "gather"))
	// begin_step; begin_step == begin_step: no second attempt increment.
	require.NoError(t, svc.BeginStep(ctx, runID, "gather"))

	step, err := svc.GetStep(ctx, runID, "gather")
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, step.Status)
	assert.Equal(t, 1, step.Attempt)
	assert.NotNil(t, step.StartedAt)
	assert.Nil(t, step.EndedAt)
}

func TestBeginStepMissingRow(t *testing.T) {
	svc, _, runID := newTestService(t)
	err := svc.BeginStep(context.Background(), runID, "ghost")
	assert.True(t, errors.IsCode(err, errors.CodeNotFound))
}

func TestBeginStepRetryAfterFailure(t *testing.T) {
	svc, _, runID := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.EnsureStepRow(ctx, runID, "plan", store.StepKindLLM, "Plan", nil))
	require.NoError(t, svc.BeginStep(ctx, runID, "plan"))
	require.NoError(t, svc.FinishStep(ctx, runID, "plan", store.StatusFailed, nil, map[string]any{"message": "artifact explode"}))

	// A failed step may be retried: failed -> running increments attempt
	// and clears the previous error and outputs.
	require.NoError(t, svc.BeginStep(ctx, runID, "plan"))

	step, err := svc.GetStep(ctx, runID, "plan")
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, step.Status)
	assert.Equal(t, 2, step.Attempt)
	assert.Nil(t, step.Error)
	assert.Nil(t, step.EndedAt)
}

func TestFinishStepNoOpOnTerminal(t *testing.T) {
	svc, _, runID := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.EnsureStepRow(ctx, runID, "s", store.StepKindTool, "S", nil))
	require.NoError(t, svc.BeginStep(ctx, runID, "s"))
	require.NoError(t, svc.FinishStep(ctx, runID, "s", store.StatusSucceeded, map[string]any{"n": float64(1)}, nil))

	// finish(succeeded); finish(failed) == finish(succeeded).
	require.NoError(t, svc.FinishStep(ctx, runID, "s", store.StatusFailed, nil, map[string]any{"message": "late"}))

	step, err := svc.GetStep(ctx, runID, "s")
	require.NoError(t, err)
	assert.Equal(t, store.StatusSucceeded, step.Status)
	assert.Nil(t, step.Error)
	assert.Equal(t, float64(1), step.Outputs["n"])

	// begin after terminal is a no-op too.
	require.NoError(t, svc.BeginStep(ctx, runID, "s"))
	step, err = svc.GetStep(ctx, runID, "s")
	require.NoError(t, err)
	assert.Equal(t, store.StatusSucceeded, step.Status)
	assert.Equal(t, 1, step.Attempt)
}

func TestFinishStepDefaultError(t *testing.T) {
	svc, _, runID := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.EnsureStepRow(ctx, runID, "s", store.StepKindTool, "S", nil))
	require.NoError(t, svc.BeginStep(ctx, runID, "s"))
	require.NoError(t, svc.FinishStep(ctx, runID, "s", store.StatusFailed, nil, nil))

	step, err := svc.GetStep(ctx, runID, "s")
	require.NoError(t, err)
	assert.Equal(t, "Failed.", step.Error["message"])
}

func TestFinishStepRequiresTerminal(t *testing.T) {
	svc, _, runID := newTestService(t)
	err := svc.FinishStep(context.Background(), runID, "s", store.StatusRunning, nil, nil)
	assert.True(t, errors.IsCode(err, errors.CodeBadRequest))
}

func TestMarkRunTerminalNoOp(t *testing.T) {
	svc, st, runID := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.MarkRunRunning(ctx, runID))
	require.NoError(t, svc.MarkRunTerminal(ctx, runID, store.StatusSucceeded))
	require.NoError(t, svc.MarkRunTerminal(ctx, runID, store.StatusFailed))

	run, err := st.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSucceeded, run.Status)
}

// Concurrent finish(failed) and cancel: exactly one outcome wins and the
// loser is a no-op.
func TestConcurrentFinishAndCancel(t *testing.T) {
	svc, st, runID := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.EnsureStepRow(ctx, runID, "s", store.StepKindSandbox, "S", nil))
	require.NoError(t, svc.MarkRunRunning(ctx, runID))
	require.NoError(t, svc.BeginStep(ctx, runID, "s"))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = svc.FinishStep(ctx, runID, "s", store.StatusFailed, nil, map[string]any{"message": "boom"})
		_ = svc.MarkRunTerminal(ctx, runID, store.StatusFailed)
	}()
	go func() {
		defer wg.Done()
		_ = svc.CancelRunAndSteps(ctx, runID)
	}()
	wg.Wait()

	run, err := st.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Contains(t, []store.Status{store.StatusFailed, store.StatusCanceled}, run.Status)

	step, err := svc.GetStep(ctx, runID, "s")
	require.NoError(t, err)
	assert.True(t, step.Status.Terminal())

	// Whatever won, a second cancel changes nothing.
	before := run.Status
	require.NoError(t, svc.CancelRunAndSteps(ctx, runID))
	run, err = st.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, before, run.Status)
}
