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
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/tombee/maestro/internal/store"
	"github.com/tombee/maestro/pkg/errors"
)

// createRunRequest is the POST /runs body.
type createRunRequest struct {
	ProjectID string         `json:"project_id"`
	Kind      store.RunKind  `json:"kind"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (h *Handler) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	h.createRun(w, r, "")
}

// handleCreateCodeMode accepts the code-mode alias; the kind is fixed.
func (h *Handler) handleCreateCodeMode(w http.ResponseWriter, r *http.Request) {
	h.createRun(w, r, store.RunKindCodeMode)
}

func (h *Handler) createRun(w http.ResponseWriter, r *http.Request, forceKind store.RunKind) {
	if h.runner.IsDraining() {
		w.Header().Set("Retry-After", "5")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "daemon is shutting down",
			"code":  "draining",
		})
		return
	}

	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}
	if forceKind != "" {
		req.Kind = forceKind
	}
	if req.ProjectID == "" {
		writeError(w, errors.BadRequest("project_id is required"))
		return
	}
	if !req.Kind.Valid() {
		writeError(w, errors.Newf(errors.CodeBadRequest, "unknown run kind %q", req.Kind))
		return
	}

	run, err := h.runner.Submit(r.Context(), req.ProjectID, req.Kind, req.Metadata)
	if err != nil {
		h.logger.Error("failed to submit run", "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"run_id":          run.ID,
		"workflow_run_id": run.WorkflowRunID,
	})
}

func (h *Handler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := store.RunFilter{
		Status: store.Status(r.URL.Query().Get("status")),
		Kind:   store.RunKind(r.URL.Query().Get("kind")),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, errors.BadRequest("limit must be a non-negative integer"))
			return
		}
		filter.Limit = n
	}

	runs, err := h.store.ListRuns(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (h *Handler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.store.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *Handler) handleListSteps(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if _, err := h.store.GetRun(r.Context(), runID); err != nil {
		writeError(w, err)
		return
	}
	steps, err := h.store.ListSteps(r.Context(), runID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"steps": steps})
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")

	startIndex := int64(0)
	if v := r.URL.Query().Get("startIndex"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, errors.BadRequest("startIndex must be a non-negative integer"))
			return
		}
		startIndex = n
	}

	// Existence check before committing to the SSE response; after the
	// stream starts the status code is already written.
	if _, err := h.store.GetRun(r.Context(), runID); err != nil {
		writeError(w, err)
		return
	}

	if err := h.streams.Stream(w, r, runID, startIndex); err != nil {
		if errors.CodeOf(err) == errors.CodeBadRequest {
			writeError(w, err)
			return
		}
		h.logger.Error("stream ended with error", "run_id", runID, "error", err)
	}
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if err := h.runner.Cancel(r.Context(), runID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"run_id": runID,
		"status": "canceling",
	})
}

type approveRequest struct {
	ApprovedBy string `json:"approved_by"`
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	scope := r.PathValue("scope")

	var req approveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}
	if req.ApprovedBy == "" {
		writeError(w, errors.BadRequest("approved_by is required"))
		return
	}

	if err := h.store.Approve(r.Context(), runID, scope, req.ApprovedBy); err != nil {
		writeError(w, err)
		return
	}
	approval, err := h.store.GetApproval(r.Context(), runID, scope)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, approval)
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
