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

// Package gateway provides the LLM inference capability used by step
// bodies, speaking the OpenAI-compatible chat completions protocol with
// SSE streaming.
package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/tombee/maestro/pkg/errors"
	"github.com/tombee/maestro/pkg/httpclient"
)

// Config configures the HTTP gateway.
type Config struct {
	// BaseURL is the API root, e.g. https://api.openai.com/v1 or a local
	// proxy. Required.
	BaseURL string

	// Model is the model identifier sent with each request.
	Model string

	// APIKey authorizes requests. Comes from the environment only; it is
	// never persisted or logged.
	APIKey string

	// MaxTokens bounds each completion when > 0.
	MaxTokens int
}

// HTTP calls an OpenAI-compatible chat completions endpoint.
type HTTP struct {
	cfg    Config
	client *http.Client
}

// NewHTTP creates an HTTP gateway.
func NewHTTP(cfg Config) (*HTTP, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New(errors.CodeEnvInvalid, "gateway base URL is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}

	hc := httpclient.DefaultConfig()
	hc.Streaming = true
	hc.RetryAttempts = 0
	hc.UserAgent = "maestro-gateway/1.0"
	client, err := httpclient.New(hc)
	if err != nil {
		return nil, errors.WithCause(errors.CodeEnvInvalid, "invalid gateway client config", err)
	}

	return &HTTP{cfg: cfg, client: client}, nil
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	Stream    bool          `json:"stream"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Complete streams a completion for the prompt, invoking onDelta for each
// incremental text fragment, and returns the full text.
func (g *HTTP) Complete(ctx context.Context, prompt string, onDelta func(string)) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:     g.cfg.Model,
		Messages:  []chatMessage{{Role: "user", Content: prompt}},
		Stream:    true,
		MaxTokens: g.cfg.MaxTokens,
	})
	if err != nil {
		return "", errors.WithCause(errors.CodeBadRequest, "prompt is not serializable", err)
	}

	url := strings.TrimRight(g.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if g.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", errors.BadGateway("llm gateway", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", errors.New(errors.CodeRateLimited, "llm gateway rate limited")
	case resp.StatusCode == http.StatusUnauthorized:
		return "", errors.New(errors.CodeUnauthorized, "llm gateway rejected credentials")
	case resp.StatusCode != http.StatusOK:
		return "", errors.Newf(errors.CodeBadGateway, "llm gateway returned status %d", resp.StatusCode)
	}

	var full strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}
		delta := gjson.Get(data, "choices.0.delta.content").String()
		if delta == "" {
			continue
		}
		full.WriteString(delta)
		if onDelta != nil {
			onDelta(delta)
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", errors.BadGateway("llm gateway", err)
	}
	return full.String(), nil
}

// Static returns deterministic canned completions. It backs development
// and test deployments where no inference endpoint is configured.
type Static struct{}

// Complete echoes a short acknowledgement of the prompt.
func (Static) Complete(ctx context.Context, prompt string, onDelta func(string)) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	text := fmt.Sprintf("[static completion] %s", firstLine(prompt))
	if onDelta != nil {
		onDelta(text)
	}
	return text, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
