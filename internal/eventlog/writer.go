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

// Package eventlog implements the per-run indexed event log.
//
// Each run has one logical writer that serializes emits, assigns gap-free
// 1-based indices, persists every entry, and notifies in-process
// subscribers. The persisted log is the source of truth: subscribers only
// receive a "new data" signal and read entries from storage, so slow
// consumers can never cause an event to be dropped.
package eventlog

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/tombee/maestro/internal/metrics"
	"github.com/tombee/maestro/internal/store"
	"github.com/tombee/maestro/pkg/errors"
)

// Registry manages the per-run writers and subscriber lists.
type Registry struct {
	store *store.Store

	mu      sync.Mutex
	writers map[string]*Writer
}

// NewRegistry creates an event writer registry backed by the given store.
func NewRegistry(s *store.Store) *Registry {
	return &Registry{
		store:   s,
		writers: make(map[string]*Writer),
	}
}

// Writer returns the writer for the run, creating it on first use.
func (r *Registry) Writer(runID string) *Writer {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.writers[runID]
	if !ok {
		w = &Writer{
			runID:    runID,
			store:    r.store,
			registry: r,
		}
		r.writers[runID] = w
	}
	return w
}

// Subscribe registers for new-entry notifications on a run. The returned
// channel carries coalesced wake-ups; subscribers read actual entries from
// the store. The cancel function must be called to release the subscription.
func (r *Registry) Subscribe(runID string) (<-chan struct{}, func()) {
	w := r.Writer(runID)

	ch := make(chan struct{}, 1)
	w.mu.Lock()
	w.subscribers = append(w.subscribers, ch)
	w.mu.Unlock()

	cancel := func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		for i, sub := range w.subscribers {
			if sub == ch {
				w.subscribers = append(w.subscribers[:i], w.subscribers[i+1:]...)
				break
			}
		}
	}
	return ch, cancel
}

// Closed reports whether the run's log has been closed with the terminal
// marker. It consults the in-memory writer first and falls back to the
// persisted log, so streams survive process restarts.
func (r *Registry) Closed(ctx context.Context, runID string) (bool, error) {
	w := r.Writer(runID)
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.refreshClosedLocked(ctx); err != nil {
		return false, err
	}
	return w.closed, nil
}

// Release drops the in-memory writer for a run. Safe to call after close;
// the persisted log remains readable.
func (r *Registry) Release(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.writers, runID)
}

// Writer owns a single run's logical stream position.
type Writer struct {
	runID    string
	store    *store.Store
	registry *Registry

	mu               sync.Mutex
	closed           bool
	checkedPersisted bool
	subscribers      []chan struct{}
}

// Emit appends one event atomically and returns the assigned index.
// Emits are totally ordered: concurrent callers are serialized here.
// Emitting on a closed writer fails with stream_closed.
func (w *Writer) Emit(ctx context.Context, ev Event) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.refreshClosedLocked(ctx); err != nil {
		return 0, err
	}
	if w.closed {
		return 0, errors.StreamClosed(w.runID)
	}

	payload, err := marshalPayload(ev)
	if err != nil {
		return 0, errors.WithCause(errors.CodeBadRequest, "event payload is not serializable", err)
	}

	idx, err := w.store.AppendEvent(ctx, w.runID, ev.Type, payload)
	if err != nil {
		metrics.RecordPersistenceError("AppendEvent", string(errors.CodeOf(err)))
		return 0, err
	}

	metrics.RecordEventEmitted(ev.Type)
	w.notifyLocked()
	return idx, nil
}

// Close appends the terminal marker. Idempotent: the marker is written at
// most once; later Emit calls fail with stream_closed.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.refreshClosedLocked(ctx); err != nil {
		return err
	}
	if w.closed {
		return nil
	}

	if _, err := w.store.AppendEvent(ctx, w.runID, TypeTerminal, []byte(TerminalPayload)); err != nil {
		return err
	}
	w.closed = true
	w.notifyLocked()
	return nil
}

// refreshClosedLocked settles the closed flag against the persisted log.
// A fresh writer may front a log that was closed by a previous process;
// the terminal marker is always the last entry, so only the tail is read.
// The result is cached either way, so the log is scanned at most once.
func (w *Writer) refreshClosedLocked(ctx context.Context) error {
	if w.closed || w.checkedPersisted {
		return nil
	}
	last, err := w.store.MaxEventIndex(ctx, w.runID)
	if err != nil {
		return err
	}
	if last == 0 {
		w.checkedPersisted = true
		return nil
	}
	events, err := w.store.EventsAfter(ctx, w.runID, last-1)
	if err != nil {
		return err
	}
	if len(events) > 0 && events[len(events)-1].Type == TypeTerminal {
		w.closed = true
	} else {
		w.checkedPersisted = true
	}
	return nil
}

// notifyLocked wakes all subscribers without blocking. The channel is a
// coalescing signal: a pending wake-up covers any number of new entries.
func (w *Writer) notifyLocked() {
	for _, sub := range w.subscribers {
		select {
		case sub <- struct{}{}:
		default:
		}
	}
}

// marshalPayload serializes an event for storage: the type tag is merged
// into the payload object so a stored row round-trips to a wire chunk.
func marshalPayload(ev Event) ([]byte, error) {
	merged := make(map[string]any, len(ev.Payload)+1)
	for k, v := range ev.Payload {
		merged[k] = v
	}
	merged["type"] = ev.Type
	return json.Marshal(merged)
}
