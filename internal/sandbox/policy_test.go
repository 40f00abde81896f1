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

import "testing"

func TestPolicyCheck(t *testing.T) {
	policy := Policy{AllowedCommands: []string{"git", "go test", "npm run build"}}

	tests := []struct {
		name    string
		command string
		allowed bool
	}{
		{"exact match", "git", true},
		{"prefix with args", "git status --short", true},
		{"multi-word prefix", "go test ./...", true},
		{"multi-word exact", "npm run build", true},
		{"token boundary", "gitx push", false},
		{"partial multi-word", "go tests", false},
		{"denied command", "curl http://example.com", false},
		{"empty command", "", false},
		{"whitespace only", "   ", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := policy.Check(tt.command)
			if tt.allowed && err != nil {
				t.Errorf("Check(%q) = %v, want allowed", tt.command, err)
			}
			if !tt.allowed && err == nil {
				t.Errorf("Check(%q) allowed, want denied", tt.command)
			}
		})
	}
}

func TestPolicyEmptyAllowlistDeniesAll(t *testing.T) {
	if err := (Policy{}).Check("ls"); err == nil {
		t.Fatal("empty allowlist must deny every command")
	}
}
