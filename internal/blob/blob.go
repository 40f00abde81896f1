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

// Package blob stores opaque artifacts (sandbox transcripts, summaries)
// behind a small content interface.
package blob

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/tombee/maestro/pkg/errors"
)

// refScheme prefixes every blob reference handed back to callers.
const refScheme = "blob://"

// Store persists named artifacts and returns opaque references to them.
type Store interface {
	// Put stores data under a caller-chosen key prefix and returns a
	// stable reference.
	Put(ctx context.Context, prefix string, data []byte) (string, error)

	// Get resolves a reference returned by Put.
	Get(ctx context.Context, ref string) ([]byte, error)
}

// FSStore keeps blobs as files under a base directory. References are
// blob://<prefix>/<uuid>.
type FSStore struct {
	dir string
}

// NewFSStore creates a filesystem blob store rooted at dir.
func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.WithCause(errors.CodeEnvInvalid, "blob directory is not writable", err)
	}
	return &FSStore{dir: dir}, nil
}

func (f *FSStore) Put(ctx context.Context, prefix string, data []byte) (string, error) {
	key, err := sanitizeKey(prefix)
	if err != nil {
		return "", err
	}
	key = filepath.Join(key, uuid.NewString())

	path := filepath.Join(f.dir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", errors.WithCause(errors.CodeEnvInvalid, "blob directory is not writable", err)
	}

	// Atomic write: no partially written blob is ever visible under its ref.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", errors.WithCause(errors.CodeEnvInvalid, "failed to write blob", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", errors.WithCause(errors.CodeEnvInvalid, "failed to write blob", err)
	}
	return refScheme + filepath.ToSlash(key), nil
}

func (f *FSStore) Get(ctx context.Context, ref string) ([]byte, error) {
	key, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(f.dir, filepath.FromSlash(key)))
	if os.IsNotExist(err) {
		return nil, errors.NotFound("blob", ref)
	}
	if err != nil {
		return nil, errors.WithCause(errors.CodeEnvInvalid, "failed to read blob", err)
	}
	return data, nil
}

// MemoryStore keeps blobs in memory, for tests.
type MemoryStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

// NewMemoryStore creates an empty in-memory blob store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (m *MemoryStore) Put(ctx context.Context, prefix string, data []byte) (string, error) {
	key, err := sanitizeKey(prefix)
	if err != nil {
		return "", err
	}
	ref := refScheme + key + "/" + uuid.NewString()

	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.blobs[ref] = cp
	return ref, nil
}

func (m *MemoryStore) Get(ctx context.Context, ref string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[ref]
	if !ok {
		return nil, errors.NotFound("blob", ref)
	}
	return data, nil
}

// sanitizeKey rejects prefixes that could escape the store root.
func sanitizeKey(prefix string) (string, error) {
	key := strings.Trim(prefix, "/")
	if key == "" || strings.Contains(key, "..") {
		return "", errors.BadRequest("invalid blob key prefix")
	}
	return key, nil
}

func parseRef(ref string) (string, error) {
	if !strings.HasPrefix(ref, refScheme) {
		return "", errors.BadRequest("invalid blob reference")
	}
	return sanitizeKey(strings.TrimPrefix(ref, refScheme))
}
