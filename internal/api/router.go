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

// Package api exposes the daemon's HTTP surface: run lifecycle, SSE
// streams, approvals, and health/metrics endpoints.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/tombee/maestro/internal/eventlog"
	"github.com/tombee/maestro/internal/log"
	"github.com/tombee/maestro/internal/metrics"
	"github.com/tombee/maestro/internal/store"
	"github.com/tombee/maestro/internal/stream"
)

// Runner is the daemon-side capability the API drives: submitting runs
// for execution and canceling them.
type Runner interface {
	// Submit creates a run and schedules its execution. Fails with
	// rate_limited while the daemon is draining.
	Submit(ctx context.Context, projectID string, kind store.RunKind, metadata map[string]any) (*store.Run, error)

	// Cancel requests cooperative cancellation of a run. Idempotent;
	// not_found for unknown runs.
	Cancel(ctx context.Context, runID string) error

	// IsDraining reports whether the daemon is shutting down.
	IsDraining() bool
}

// Handler bundles the HTTP handlers and their dependencies.
type Handler struct {
	store   *store.Store
	streams *stream.Server
	events  *eventlog.Registry
	runner  Runner
	logger  *slog.Logger
}

// NewHandler creates the API handler set.
func NewHandler(st *store.Store, streams *stream.Server, events *eventlog.Registry,
	runner Runner, logger *slog.Logger) *Handler {
	return &Handler{
		store:   st,
		streams: streams,
		events:  events,
		runner:  runner,
		logger:  log.WithComponent(logger, "api"),
	}
}

// Router builds the daemon's request mux.
func (h *Handler) Router() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /runs", h.handleCreateRun)
	mux.HandleFunc("GET /runs", h.handleListRuns)
	mux.HandleFunc("GET /runs/{id}", h.handleGetRun)
	mux.HandleFunc("GET /runs/{id}/steps", h.handleListSteps)
	mux.HandleFunc("GET /runs/{id}/stream", h.handleStream)
	mux.HandleFunc("POST /runs/{id}/cancel", h.handleCancel)
	mux.HandleFunc("POST /runs/{id}/approvals/{scope}/approve", h.handleApprove)

	// code-mode aliases map onto the same run surface.
	mux.HandleFunc("POST /code-mode", h.handleCreateCodeMode)
	mux.HandleFunc("POST /code-mode/{id}/cancel", h.handleCancel)
	mux.HandleFunc("GET /code-mode/{id}/stream", h.handleStream)

	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.Handle("GET /metrics", metrics.Handler())

	return mux
}
