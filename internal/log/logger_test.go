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

package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	logger.Info("run started", RunIDKey, "r-1", KindKey, "research")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON output: %v", err)
	}
	if entry["run_id"] != "r-1" {
		t.Errorf("expected run_id field, got %v", entry["run_id"])
	}
	if entry["kind"] != "research" {
		t.Errorf("expected kind field, got %v", entry["kind"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "warn", Format: FormatText, Output: &buf})

	logger.Info("should be filtered")
	logger.Warn("should appear")

	out := buf.String()
	if strings.Contains(out, "should be filtered") {
		t.Error("info log should be filtered at warn level")
	}
	if !strings.Contains(out, "should appear") {
		t.Error("warn log should appear")
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("MAESTRO_DEBUG", "1")
	cfg := FromEnv()
	if cfg.Level != "debug" {
		t.Errorf("expected debug level, got %s", cfg.Level)
	}
	if !cfg.AddSource {
		t.Error("expected AddSource with MAESTRO_DEBUG")
	}

	t.Setenv("MAESTRO_DEBUG", "")
	t.Setenv("MAESTRO_LOG_LEVEL", "ERROR")
	cfg = FromEnv()
	if cfg.Level != "error" {
		t.Errorf("expected error level, got %s", cfg.Level)
	}
}

func TestSanitizeToken(t *testing.T) {
	if got := SanitizeToken("sk-abcdef1234"); got != "...1234" {
		t.Errorf("expected ...1234, got %s", got)
	}
	if got := SanitizeToken("ab"); got != "[REDACTED]" {
		t.Errorf("expected [REDACTED], got %s", got)
	}
	if got := SanitizeSecret("anything"); got != "[REDACTED]" {
		t.Errorf("expected [REDACTED], got %s", got)
	}
}
