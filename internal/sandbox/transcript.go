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

import "sync"

// defaultTranscriptCap bounds the in-memory transcript of a session.
const defaultTranscriptCap = 256 * 1024

// transcript is an append-only text buffer with a character cap. When the
// cap is exceeded the oldest data is dropped and the truncated flag sticks.
type transcript struct {
	mu        sync.Mutex
	buf       []byte
	capChars  int
	truncated bool
}

func newTranscript(capChars int) *transcript {
	if capChars <= 0 {
		capChars = defaultTranscriptCap
	}
	return &transcript{capChars: capChars}
}

func (t *transcript) append(chunk []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, chunk...)
	if len(t.buf) > t.capChars {
		drop := len(t.buf) - t.capChars
		t.buf = append(t.buf[:0], t.buf[drop:]...)
		t.truncated = true
	}
}

// snapshot returns the current contents and whether older data was dropped.
func (t *transcript) snapshot() ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := make([]byte, len(t.buf))
	copy(cp, t.buf)
	return cp, t.truncated
}
