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

package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/tombee/maestro/pkg/errors"
)

func TestHTTPCompleteStreams(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.True(t, gjson.GetBytes(body, "stream").Bool())
		assert.Equal(t, "hello model", gjson.GetBytes(body, "messages.0.content").String())

		w.Header().Set("Content-Type", "text/event-stream")
		for _, chunk := range []string{"Hel", "lo ", "there"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", chunk)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer ts.Close()

	g, err := NewHTTP(Config{BaseURL: ts.URL + "/v1", Model: "test-model", APIKey: "test-key"})
	require.NoError(t, err)

	var deltas []string
	out, err := g.Complete(context.Background(), "hello model", func(d string) {
		deltas = append(deltas, d)
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello there", out)
	assert.Equal(t, []string{"Hel", "lo ", "there"}, deltas)
}

func TestHTTPCompleteErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantCode errors.Code
	}{
		{"rate limited", http.StatusTooManyRequests, errors.CodeRateLimited},
		{"unauthorized", http.StatusUnauthorized, errors.CodeUnauthorized},
		{"server error", http.StatusInternalServerError, errors.CodeBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer ts.Close()

			g, err := NewHTTP(Config{BaseURL: ts.URL})
			require.NoError(t, err)

			_, err = g.Complete(context.Background(), "x", nil)
			assert.True(t, errors.IsCode(err, tt.wantCode), "got %v", err)
		})
	}
}

func TestNewHTTPRequiresBaseURL(t *testing.T) {
	_, err := NewHTTP(Config{})
	assert.True(t, errors.IsCode(err, errors.CodeEnvInvalid))
}

func TestStaticComplete(t *testing.T) {
	var delta string
	out, err := Static{}.Complete(context.Background(), "do the thing\nwith details", func(d string) { delta = d })
	require.NoError(t, err)
	assert.Contains(t, out, "do the thing")
	assert.NotContains(t, out, "details")
	assert.Equal(t, out, delta)
}
