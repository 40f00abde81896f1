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
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/tombee/maestro/internal/eventlog"
	"github.com/tombee/maestro/pkg/errors"
)

// defaultMaxAttempts bounds automatic reconnects after a broken connection.
const defaultMaxAttempts = 3

// defaultBackoff is the reconnect schedule between attempts.
var defaultBackoff = []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}

// Chunk is one parsed stream event as received by a client.
type Chunk struct {
	// Type is the event's type tag.
	Type string

	// Raw is the unparsed JSON payload.
	Raw []byte
}

// Message returns the payload's message field, if any.
func (c Chunk) Message() string { return gjson.GetBytes(c.Raw, "message").String() }

// StepID returns the payload's stepId field, if any.
func (c Chunk) StepID() string { return gjson.GetBytes(c.Raw, "stepId").String() }

// ToolName returns the payload's toolName field, if any.
func (c Chunk) ToolName() string { return gjson.GetBytes(c.Raw, "toolName").String() }

// Status returns the payload's status field, if any.
func (c Chunk) Status() string { return gjson.GetBytes(c.Raw, "status").String() }

// WatchResult is the outcome of tailing a run's stream to completion.
type WatchResult struct {
	// Done is true once the stream reached a terminal state for the client,
	// whether cleanly or after exhausting reconnect attempts.
	Done bool

	// Interrupted is true when the connection broke without a [DONE]
	// marker and reconnect attempts ran out. The cursor is retained so a
	// manual reconnect resumes in place.
	Interrupted bool
}

// WatchOptions carries the per-watch callbacks.
type WatchOptions struct {
	// OnChunk is invoked for every parsed chunk, after the cursor is
	// persisted. Optional.
	OnChunk func(Chunk)

	// OnText receives accumulated text from assistant-delta and log
	// chunks, flushed on a short interval and on terminal transitions.
	// Optional.
	OnText func(string)
}

// Client consumes a run's SSE stream with durable cursor resumption.
//
// The client persists its cursor before applying each event, reconnects
// with the persisted cursor after mid-stream disconnects, and observes
// each emitted event exactly once across any number of reconnects.
type Client struct {
	// BaseURL is the daemon's base URL, without a trailing slash.
	BaseURL string

	// HTTPClient is used for stream requests. Streaming connections need
	// no client-level timeout; cancellation flows through the context.
	HTTPClient *http.Client

	// Cursors persists startIndex per run.
	Cursors CursorStore

	// MaxAttempts bounds automatic reconnects (default 3).
	MaxAttempts int

	// Backoff is the sleep schedule between reconnects.
	Backoff []time.Duration
}

// NewClient creates a stream client with defaults.
func NewClient(baseURL string, cursors CursorStore) *Client {
	return &Client{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		HTTPClient:  &http.Client{},
		Cursors:     cursors,
		MaxAttempts: defaultMaxAttempts,
		Backoff:     defaultBackoff,
	}
}

// Watch tails the run's stream from the persisted cursor until [DONE],
// context cancellation, or reconnect exhaustion.
func (c *Client) Watch(ctx context.Context, runID string, opts WatchOptions) (*WatchResult, error) {
	maxAttempts := c.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	acc := newTextAccumulator(opts.OnText)
	defer acc.flush()

	for attempt := 0; ; attempt++ {
		done, err := c.consume(ctx, runID, opts, acc)
		if err != nil {
			return nil, err
		}
		if done {
			// Terminal marker received: clear the cursor.
			if err := c.Cursors.Clear(runID); err != nil {
				return nil, err
			}
			acc.flush()
			return &WatchResult{Done: true}, nil
		}

		// Connection broke without [DONE].
		if attempt+1 >= maxAttempts {
			acc.flush()
			return &WatchResult{Done: true, Interrupted: true}, nil
		}

		backoff := defaultBackoff
		if len(c.Backoff) > 0 {
			backoff = c.Backoff
		}
		delay := backoff[min(attempt, len(backoff)-1)]
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// consume opens one stream connection and reads it until [DONE] (true),
// a clean connection break (false), or a hard error.
func (c *Client) consume(ctx context.Context, runID string, opts WatchOptions, acc *textAccumulator) (bool, error) {
	startIndex := c.Cursors.Get(runID)
	url := fmt.Sprintf("%s/runs/%s/stream?startIndex=%d", c.BaseURL, runID, startIndex)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		// Network failure counts as a connection break.
		return false, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, errors.NotFound("run", runID)
	}
	if resp.StatusCode != http.StatusOK {
		return false, errors.Newf(errors.CodeBadGateway, "stream request failed with status %d", resp.StatusCode)
	}
	if resp.Body == nil {
		return false, errors.New(errors.CodeBadGateway, "stream response has no body")
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")

		// Heartbeat comments and blank separators are ignored.
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		if data == eventlog.TerminalPayload {
			return true, nil
		}

		// The server assigned this payload an index whether or not it
		// parses, so the cursor advances either way, and is persisted
		// before the event is applied.
		cursor := c.Cursors.Get(runID) + 1
		if err := c.Cursors.Set(runID, cursor); err != nil {
			return false, err
		}

		if !gjson.Valid(data) {
			continue
		}
		chunk := Chunk{
			Type: gjson.Get(data, "type").String(),
			Raw:  []byte(data),
		}

		switch chunk.Type {
		case eventlog.TypeAssistantDelta:
			acc.append(gjson.Get(data, "textDelta").String())
		case eventlog.TypeLog:
			acc.append(gjson.Get(data, "data").String())
		default:
			// Non-text chunks flush pending text first so ordering holds.
			acc.flush()
		}

		if opts.OnChunk != nil {
			opts.OnChunk(chunk)
		}
	}

	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	// EOF or read error without [DONE]: connection break.
	return false, nil
}

// textAccumulator batches streamed text and flushes it on a short interval
// to avoid rendering churn.
type textAccumulator struct {
	onText    func(string)
	buf       strings.Builder
	lastFlush time.Time
}

func newTextAccumulator(onText func(string)) *textAccumulator {
	return &textAccumulator{onText: onText, lastFlush: time.Now()}
}

func (a *textAccumulator) append(text string) {
	if a.onText == nil || text == "" {
		return
	}
	a.buf.WriteString(text)
	if time.Since(a.lastFlush) >= flushInterval {
		a.flush()
	}
}

func (a *textAccumulator) flush() {
	if a.onText == nil || a.buf.Len() == 0 {
		return
	}
	a.onText(a.buf.String())
	a.buf.Reset()
	a.lastFlush = time.Now()
}
