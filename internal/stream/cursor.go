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

package stream

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// CursorStore persists a client's startIndex keyed by run id, so a
// reconnecting client resumes where it left off.
type CursorStore interface {
	// Get returns the persisted cursor for the run, or 0 when absent.
	Get(runID string) int64

	// Set persists the cursor for the run.
	Set(runID string, index int64) error

	// Clear removes the cursor for the run.
	Clear(runID string) error
}

// MemoryCursorStore keeps cursors in memory. Suitable for tests and for
// callers that do not need resumption across process restarts.
type MemoryCursorStore struct {
	mu      sync.Mutex
	cursors map[string]int64
}

// NewMemoryCursorStore creates an empty in-memory cursor store.
func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{cursors: make(map[string]int64)}
}

func (m *MemoryCursorStore) Get(runID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursors[runID]
}

func (m *MemoryCursorStore) Set(runID string, index int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[runID] = index
	return nil
}

func (m *MemoryCursorStore) Clear(runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cursors, runID)
	return nil
}

// FileCursorStore persists cursors as a JSON file in a directory, one file
// per run. Writes happen before events are applied, so a crash never loses
// the position of an already-consumed event.
type FileCursorStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileCursorStore creates a cursor store rooted at dir.
func NewFileCursorStore(dir string) (*FileCursorStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &FileCursorStore{dir: dir}, nil
}

func (f *FileCursorStore) path(runID string) string {
	return filepath.Join(f.dir, runID+".cursor")
}

func (f *FileCursorStore) Get(runID string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path(runID))
	if err != nil {
		return 0
	}
	var cursor int64
	if err := json.Unmarshal(data, &cursor); err != nil {
		return 0
	}
	return cursor
}

func (f *FileCursorStore) Set(runID string, index int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.Marshal(index)
	if err != nil {
		return err
	}
	tmp := f.path(runID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path(runID))
}

func (f *FileCursorStore) Clear(runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	err := os.Remove(f.path(runID))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
