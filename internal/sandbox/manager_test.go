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

package sandbox

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/maestro/internal/blob"
	"github.com/tombee/maestro/internal/log"
	"github.com/tombee/maestro/internal/store"
	"github.com/tombee/maestro/pkg/errors"
)

// fakeVM records executed commands and plays back canned output.
type fakeVM struct {
	created  int
	stopped  []string
	execs    []string
	output   string
	exitCode int
}

func (f *fakeVM) Create(ctx context.Context, projectID string, network NetworkPolicy) (string, error) {
	f.created++
	return "vm-1", nil
}

func (f *fakeVM) Exec(ctx context.Context, sandboxID string, cmd Command, onOutput OutputFunc) (int, error) {
	f.execs = append(f.execs, cmd.Line())
	if f.output != "" {
		onOutput("stdout", []byte(f.output))
	}
	return f.exitCode, nil
}

func (f *fakeVM) Stop(ctx context.Context, sandboxID string) error {
	f.stopped = append(f.stopped, sandboxID)
	return nil
}

// failingBlobStore always fails Put, to exercise best-effort persistence.
type failingBlobStore struct{}

func (failingBlobStore) Put(ctx context.Context, prefix string, data []byte) (string, error) {
	return "", errors.New(errors.CodeEnvInvalid, "disk full")
}

func (failingBlobStore) Get(ctx context.Context, ref string) ([]byte, error) {
	return nil, errors.NotFound("blob", ref)
}

func newSandboxFixture(t *testing.T, vm VM, blobs blob.Store) (*Manager, *store.Store, string) {
	t.Helper()
	st, err := store.New(store.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	runID, err := st.CreateRun(context.Background(), "p", store.RunKindCodeMode, nil)
	require.NoError(t, err)

	if blobs == nil {
		blobs = blob.NewMemoryStore()
	}
	logger := log.New(&log.Config{Level: "error", Output: io.Discard})
	return NewManager(st, blobs, vm, logger), st, runID
}

func devPolicy() Policy {
	return Policy{AllowedCommands: []string{"git", "go test", "ls"}}
}

func TestRunCommandEnforcesAllowlist(t *testing.T) {
	vm := &fakeVM{}
	m, _, runID := newSandboxFixture(t, vm, nil)
	ctx := context.Background()

	sess, err := m.StartSession(ctx, StartSpec{
		RunID: runID, ProjectID: "p", JobType: "verify", Policy: devPolicy(),
	})
	require.NoError(t, err)

	_, err = sess.RunCommand(ctx, Command{Cmd: "rm", Args: []string{"-rf", "/"}})
	assert.True(t, errors.IsCode(err, errors.CodeForbidden))

	// Prefix matching is token-aware: "gitx" is not "git".
	_, err = sess.RunCommand(ctx, Command{Cmd: "gitx"})
	assert.True(t, errors.IsCode(err, errors.CodeForbidden))

	_, err = sess.RunCommand(ctx, Command{Cmd: "git", Args: []string{"status"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"git status"}, vm.execs)
}

func TestFirstCommandMarksJobRunning(t *testing.T) {
	vm := &fakeVM{}
	m, st, runID := newSandboxFixture(t, vm, nil)
	ctx := context.Background()

	sess, err := m.StartSession(ctx, StartSpec{
		RunID: runID, ProjectID: "p", JobType: "verify", Policy: devPolicy(),
	})
	require.NoError(t, err)

	job, err := st.GetSandboxJob(ctx, sess.JobID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, job.Status)

	_, err = sess.RunCommand(ctx, Command{Cmd: "ls"})
	require.NoError(t, err)

	job, err = st.GetSandboxJob(ctx, sess.JobID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, job.Status)
	assert.NotNil(t, job.StartedAt)
}

func TestFinalizePersistsTranscriptOnce(t *testing.T) {
	vm := &fakeVM{output: "ok\n"}
	blobs := blob.NewMemoryStore()
	m, st, runID := newSandboxFixture(t, vm, blobs)
	ctx := context.Background()

	sess, err := m.StartSession(ctx, StartSpec{
		RunID: runID, ProjectID: "p", JobType: "verify", Policy: devPolicy(),
	})
	require.NoError(t, err)

	_, err = sess.RunCommand(ctx, Command{Cmd: "go", Args: []string{"test", "./..."}})
	require.NoError(t, err)

	require.NoError(t, sess.Finalize(ctx, 0, store.StatusSucceeded))

	job, err := st.GetSandboxJob(ctx, sess.JobID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSucceeded, job.Status)
	require.NotNil(t, job.ExitCode)
	assert.Equal(t, 0, *job.ExitCode)
	require.NotEmpty(t, job.TranscriptBlobRef)

	data, err := blobs.Get(ctx, job.TranscriptBlobRef)
	require.NoError(t, err)
	assert.Contains(t, string(data), "$ go test ./...")
	assert.Contains(t, string(data), "ok\n")

	// Finalize is idempotent: the ref and status do not change.
	require.NoError(t, sess.Finalize(ctx, 1, store.StatusFailed))
	again, err := st.GetSandboxJob(ctx, sess.JobID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSucceeded, again.Status)
	assert.Equal(t, job.TranscriptBlobRef, again.TranscriptBlobRef)
}

func TestFinalizeSurvivesBlobFailure(t *testing.T) {
	vm := &fakeVM{output: "out"}
	m, st, runID := newSandboxFixture(t, vm, failingBlobStore{})
	ctx := context.Background()

	sess, err := m.StartSession(ctx, StartSpec{
		RunID: runID, ProjectID: "p", JobType: "verify", Policy: devPolicy(),
	})
	require.NoError(t, err)
	_, err = sess.RunCommand(ctx, Command{Cmd: "ls"})
	require.NoError(t, err)

	// Transcript persistence fails but the status update still lands.
	require.NoError(t, sess.Finalize(ctx, 2, store.StatusFailed))

	job, err := st.GetSandboxJob(ctx, sess.JobID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, job.Status)
	require.NotNil(t, job.ExitCode)
	assert.Equal(t, 2, *job.ExitCode)
	assert.Empty(t, job.TranscriptBlobRef)
}

func TestRunCommandFailsAfterFinalize(t *testing.T) {
	vm := &fakeVM{}
	m, _, runID := newSandboxFixture(t, vm, nil)
	ctx := context.Background()

	sess, err := m.StartSession(ctx, StartSpec{
		RunID: runID, ProjectID: "p", JobType: "verify", Policy: devPolicy(),
	})
	require.NoError(t, err)
	require.NoError(t, sess.Finalize(ctx, 0, store.StatusSucceeded))

	_, err = sess.RunCommand(ctx, Command{Cmd: "ls"})
	assert.True(t, errors.IsCode(err, errors.CodeConflict))
}

func TestCancelSkipsTranscriptAndStopsOwnedVM(t *testing.T) {
	vm := &fakeVM{output: "partial"}
	blobs := blob.NewMemoryStore()
	m, st, runID := newSandboxFixture(t, vm, blobs)
	ctx := context.Background()

	sess, err := m.StartSession(ctx, StartSpec{
		RunID: runID, ProjectID: "p", JobType: "verify", Policy: devPolicy(),
		StopOnFinalize: true,
	})
	require.NoError(t, err)
	_, err = sess.RunCommand(ctx, Command{Cmd: "ls"})
	require.NoError(t, err)

	require.NoError(t, sess.Cancel(ctx))
	require.NoError(t, sess.Cancel(ctx))
	assert.Equal(t, []string{"vm-1"}, vm.stopped)

	job, err := st.GetSandboxJob(ctx, sess.JobID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCanceled, job.Status)
	assert.Empty(t, job.TranscriptBlobRef)
	assert.NotNil(t, job.EndedAt)
}

func TestTranscriptCapSetsTruncatedFlag(t *testing.T) {
	vm := &fakeVM{output: strings.Repeat("x", 100)}
	m, _, runID := newSandboxFixture(t, vm, nil)
	m.TranscriptCap = 64
	ctx := context.Background()

	sess, err := m.StartSession(ctx, StartSpec{
		RunID: runID, ProjectID: "p", JobType: "verify", Policy: devPolicy(),
	})
	require.NoError(t, err)
	_, err = sess.RunCommand(ctx, Command{Cmd: "ls"})
	require.NoError(t, err)

	text, truncated := sess.Transcript()
	assert.True(t, truncated)
	assert.Len(t, text, 64)
	// Oldest data dropped: the tail of the output survives.
	assert.True(t, strings.HasSuffix(text, "x"))
}

func TestAttachSessionRebindsSandbox(t *testing.T) {
	vm := &fakeVM{}
	m, st, runID := newSandboxFixture(t, vm, nil)
	ctx := context.Background()

	sess, err := m.AttachSession(ctx, StartSpec{
		RunID: runID, ProjectID: "p", JobType: "resume", Policy: devPolicy(),
	}, "vm-existing")
	require.NoError(t, err)
	assert.Equal(t, "vm-existing", sess.SandboxID)
	assert.Zero(t, vm.created)

	job, err := st.GetSandboxJob(ctx, sess.JobID)
	require.NoError(t, err)
	assert.Equal(t, "vm-existing", job.Metadata["sandbox_id"])
}
