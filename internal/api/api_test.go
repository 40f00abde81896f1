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

package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/tombee/maestro/internal/eventlog"
	"github.com/tombee/maestro/internal/log"
	"github.com/tombee/maestro/internal/store"
	"github.com/tombee/maestro/internal/stream"
	"github.com/tombee/maestro/pkg/errors"
)

// fakeRunner records submissions and cancels without executing anything.
type fakeRunner struct {
	store    *store.Store
	draining bool
	canceled []string
}

func (f *fakeRunner) Submit(ctx context.Context, projectID string, kind store.RunKind, metadata map[string]any) (*store.Run, error) {
	id, err := f.store.CreateRun(ctx, projectID, kind, metadata)
	if err != nil {
		return nil, err
	}
	if err := f.store.AttachWorkflowRun(ctx, id, "wf-"+id); err != nil {
		return nil, err
	}
	return f.store.GetRun(ctx, id)
}

func (f *fakeRunner) Cancel(ctx context.Context, runID string) error {
	if _, err := f.store.GetRun(ctx, runID); err != nil {
		return err
	}
	f.canceled = append(f.canceled, runID)
	return f.store.CancelRunAndSteps(ctx, runID)
}

func (f *fakeRunner) IsDraining() bool { return f.draining }

func newAPIFixture(t *testing.T) (*httptest.Server, *fakeRunner, *store.Store, *eventlog.Registry) {
	t.Helper()
	st, err := store.New(store.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := log.New(&log.Config{Level: "error", Output: io.Discard})
	reg := eventlog.NewRegistry(st)
	runner := &fakeRunner{store: st}
	h := NewHandler(st, stream.NewServer(st, reg, logger), reg, runner, logger)

	ts := httptest.NewServer(h.Router())
	t.Cleanup(ts.Close)
	return ts, runner, st, reg
}

func postJSON(t *testing.T, url string, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestCreateRun(t *testing.T) {
	ts, _, _, _ := newAPIFixture(t)

	resp := postJSON(t, ts.URL+"/runs", `{"project_id":"proj-1","kind":"research"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	body := decodeBody(t, resp)
	runID, _ := body["run_id"].(string)
	require.NotEmpty(t, runID)
	assert.Equal(t, "wf-"+runID, body["workflow_run_id"])

	// The full row stays available on GET.
	resp2, err := http.Get(ts.URL + "/runs/" + runID)
	require.NoError(t, err)
	got := decodeBody(t, resp2)
	assert.Equal(t, "proj-1", got["project_id"])
	assert.Equal(t, "pending", got["status"])
}

func TestCreateRunValidation(t *testing.T) {
	ts, _, _, _ := newAPIFixture(t)

	resp := postJSON(t, ts.URL+"/runs", `{"kind":"research"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "bad_request", decodeBody(t, resp)["code"])

	resp = postJSON(t, ts.URL+"/runs", `{"project_id":"p","kind":"bogus"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/runs", `{not json`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestCreateRunWhileDraining(t *testing.T) {
	ts, runner, _, _ := newAPIFixture(t)
	runner.draining = true

	resp := postJSON(t, ts.URL+"/runs", `{"project_id":"p","kind":"research"}`)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Equal(t, "draining", decodeBody(t, resp)["code"])
}

func TestCodeModeAliasForcesKind(t *testing.T) {
	ts, _, _, _ := newAPIFixture(t)

	resp := postJSON(t, ts.URL+"/code-mode", `{"project_id":"p","kind":"research"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	runID, _ := decodeBody(t, resp)["run_id"].(string)
	require.NotEmpty(t, runID)

	resp2, err := http.Get(ts.URL + "/runs/" + runID)
	require.NoError(t, err)
	assert.Equal(t, "code_mode", decodeBody(t, resp2)["kind"])
}

func TestListRuns(t *testing.T) {
	ts, _, st, _ := newAPIFixture(t)
	ctx := context.Background()

	_, err := st.CreateRun(ctx, "p", store.RunKindResearch, nil)
	require.NoError(t, err)
	id2, err := st.CreateRun(ctx, "p", store.RunKindCodeMode, nil)
	require.NoError(t, err)
	require.NoError(t, st.UpdateRunStatus(ctx, id2, store.StatusRunning, store.TerminalStatuses))

	resp, err := http.Get(ts.URL + "/runs")
	require.NoError(t, err)
	body := decodeBody(t, resp)
	assert.Len(t, body["runs"], 2)

	resp, err = http.Get(ts.URL + "/runs?status=running")
	require.NoError(t, err)
	body = decodeBody(t, resp)
	require.Len(t, body["runs"], 1)

	resp, err = http.Get(ts.URL + "/runs?limit=bad")
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestGetRun(t *testing.T) {
	ts, _, st, _ := newAPIFixture(t)

	id, err := st.CreateRun(context.Background(), "p", store.RunKindResearch, nil)
	require.NoError(t, err)

	resp, err := http.Get(ts.URL + "/runs/" + id)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, id, decodeBody(t, resp)["id"])

	resp, err = http.Get(ts.URL + "/runs/nope")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", decodeBody(t, resp)["code"])
}

func TestListSteps(t *testing.T) {
	ts, _, st, _ := newAPIFixture(t)
	ctx := context.Background()

	id, err := st.CreateRun(ctx, "p", store.RunKindResearch, nil)
	require.NoError(t, err)
	require.NoError(t, st.InsertStepIfAbsent(ctx, id, "gather", store.StepKindLLM, "Gather", nil))

	resp, err := http.Get(ts.URL + "/runs/" + id + "/steps")
	require.NoError(t, err)
	body := decodeBody(t, resp)
	require.Len(t, body["steps"], 1)

	resp, err = http.Get(ts.URL + "/runs/nope/steps")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestCancelRun(t *testing.T) {
	ts, runner, st, _ := newAPIFixture(t)

	id, err := st.CreateRun(context.Background(), "p", store.RunKindResearch, nil)
	require.NoError(t, err)

	resp := postJSON(t, ts.URL+"/runs/"+id+"/cancel", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "canceling", decodeBody(t, resp)["status"])
	assert.Equal(t, []string{id}, runner.canceled)

	// Cancel is idempotent.
	resp = postJSON(t, ts.URL+"/runs/"+id+"/cancel", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestCancelUnknownRun(t *testing.T) {
	ts, _, _, _ := newAPIFixture(t)

	resp := postJSON(t, ts.URL+"/runs/nope/cancel", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestStreamEndpoint(t *testing.T) {
	ts, _, st, reg := newAPIFixture(t)
	ctx := context.Background()

	id, err := st.CreateRun(ctx, "p", store.RunKindResearch, nil)
	require.NoError(t, err)

	w := reg.Writer(id)
	for _, msg := range []string{"one", "two", "three"} {
		_, err := w.Emit(ctx, eventlog.Status(msg))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close(ctx))

	resp, err := http.Get(ts.URL + "/runs/" + id + "/stream?startIndex=1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var lines []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if strings.HasPrefix(scanner.Text(), "data: ") {
			lines = append(lines, strings.TrimPrefix(scanner.Text(), "data: "))
		}
	}
	require.Len(t, lines, 3)
	assert.Equal(t, "two", gjson.Get(lines[0], "message").String())
	assert.Equal(t, eventlog.TerminalPayload, lines[2])
}

func TestStreamValidation(t *testing.T) {
	ts, _, st, _ := newAPIFixture(t)

	id, err := st.CreateRun(context.Background(), "p", store.RunKindResearch, nil)
	require.NoError(t, err)

	resp, err := http.Get(ts.URL + "/runs/" + id + "/stream?startIndex=-1")
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/runs/nope/stream")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestApprove(t *testing.T) {
	ts, _, st, _ := newAPIFixture(t)
	ctx := context.Background()

	id, err := st.CreateRun(ctx, "p", store.RunKindImplementation, nil)
	require.NoError(t, err)
	require.NoError(t, st.CreateApprovalIfAbsent(ctx, store.Approval{
		RunID: id, ProjectID: "p", Scope: "repo.merge",
	}))

	resp := postJSON(t, ts.URL+"/runs/"+id+"/approvals/repo.merge/approve", `{"approved_by":"alice"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "alice", body["approved_by"])
	assert.NotEmpty(t, body["approved_at"])

	resp = postJSON(t, ts.URL+"/runs/"+id+"/approvals/repo.merge/approve", `{}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/runs/"+id+"/approvals/other/approve", `{"approved_by":"bob"}`)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestHealthz(t *testing.T) {
	ts, _, _, _ := newAPIFixture(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decodeBody(t, resp)["status"])
}

func TestWriteErrorUnclassified(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, errors.NotFound("run", "x"))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	writeError(rec, io.ErrUnexpectedEOF)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal", gjson.Get(rec.Body.String(), "code").String())
}
