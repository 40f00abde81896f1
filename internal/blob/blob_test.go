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

package blob

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/maestro/pkg/errors"
)

func TestFSStoreRoundTrip(t *testing.T) {
	st, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	ref, err := st.Put(ctx, "transcripts/run-1", []byte("hello"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ref, "blob://transcripts/run-1/"))

	data, err := st.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestFSStoreRejectsTraversal(t *testing.T) {
	st, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	_, err = st.Put(context.Background(), "../escape", []byte("x"))
	assert.True(t, errors.IsCode(err, errors.CodeBadRequest))

	_, err = st.Get(context.Background(), "blob://../../etc/passwd")
	assert.True(t, errors.IsCode(err, errors.CodeBadRequest))
}

func TestFSStoreMissingBlob(t *testing.T) {
	st, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	_, err = st.Get(context.Background(), "blob://transcripts/run-1/missing")
	assert.True(t, errors.IsCode(err, errors.CodeNotFound))
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	ref, err := st.Put(ctx, "transcripts/run-2", []byte("abc"))
	require.NoError(t, err)

	data, err := st.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(data))

	_, err = st.Get(ctx, "blob://nope/x")
	assert.True(t, errors.IsCode(err, errors.CodeNotFound))
}
