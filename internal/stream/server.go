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

// Package stream serves and consumes per-run SSE streams with cursor-based
// resumption over the persisted event log.
package stream

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/tombee/maestro/internal/eventlog"
	"github.com/tombee/maestro/internal/metrics"
	"github.com/tombee/maestro/internal/store"
	"github.com/tombee/maestro/pkg/errors"
)

// heartbeatInterval is how often a comment line keeps an idle connection alive.
const heartbeatInterval = 15 * time.Second

// flushInterval paces flushes on busy streams to avoid rendering churn.
const flushInterval = 16 * time.Millisecond

// Server tails the persisted event log for SSE subscribers.
type Server struct {
	store    *store.Store
	registry *eventlog.Registry
	logger   *slog.Logger
}

// NewServer creates an SSE stream server.
func NewServer(s *store.Store, reg *eventlog.Registry, logger *slog.Logger) *Server {
	return &Server{store: s, registry: reg, logger: logger}
}

// Stream writes the run's events with index strictly greater than startIndex
// to w as an SSE stream, ending with the [DONE] marker. If the log is still
// live it tails new emits until the writer closes or the client goes away.
//
// The caller is responsible for validating that the run exists before
// calling Stream; this method only serves the log.
func (s *Server) Stream(w http.ResponseWriter, r *http.Request, runID string, startIndex int64) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return errors.New(errors.CodeBadRequest, "streaming not supported by connection")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Subscribe before the first read so no emit between the read and the
	// wait can be missed.
	notify, cancel := s.registry.Subscribe(runID)
	defer cancel()

	metrics.StreamSubscriberConnected()
	defer metrics.StreamSubscriberDisconnected()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	// Flush pacing: busy streams batch writes into one flush per interval.
	pacer := rate.NewLimiter(rate.Every(flushInterval), 1)

	cursor := startIndex
	for {
		events, err := s.store.EventsAfter(r.Context(), runID, cursor)
		if err != nil {
			if r.Context().Err() != nil {
				return nil
			}
			return err
		}

		wrote := false
		for _, e := range events {
			if e.Type == eventlog.TypeTerminal {
				fmt.Fprintf(w, "data: %s\n\n", eventlog.TerminalPayload)
				flusher.Flush()
				return nil
			}
			fmt.Fprintf(w, "data: %s\n\n", e.Payload)
			cursor = e.Index
			wrote = true
			if pacer.Allow() {
				flusher.Flush()
			}
		}
		if wrote {
			flusher.Flush()
		}

		select {
		case <-r.Context().Done():
			return nil
		case <-notify:
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}
