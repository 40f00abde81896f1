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

import (
	"strings"

	"github.com/tombee/maestro/pkg/errors"
)

// NetworkPolicy controls outbound network access inside a sandbox.
type NetworkPolicy string

const (
	NetworkNone     NetworkPolicy = "none"
	NetworkEgress   NetworkPolicy = "egress"
	NetworkInternal NetworkPolicy = "internal"
)

// Policy is the command allowlist applied to a sandbox session.
// An empty AllowedCommands list denies everything; allowlisting is
// opt-in per command prefix.
type Policy struct {
	// AllowedCommands are command-line prefixes (e.g. "git", "go test")
	// permitted to execute.
	AllowedCommands []string

	// Network is the session's network posture. Informational to the VM
	// provider; the allowlist is the enforcement point here.
	Network NetworkPolicy
}

// Check reports whether a rendered command line is permitted. It runs on
// every command; there is no caching and no bypass path.
func (p Policy) Check(commandLine string) error {
	cmd := strings.TrimSpace(commandLine)
	if cmd == "" {
		return errors.BadRequest("empty command")
	}
	for _, prefix := range p.AllowedCommands {
		if prefix == "" {
			continue
		}
		if matchesPrefix(cmd, prefix) {
			return nil
		}
	}
	return errors.Newf(errors.CodeForbidden, "command not in allowlist: %s", firstToken(cmd))
}

// matchesPrefix matches on whole tokens so "git" does not admit "gitx".
func matchesPrefix(cmd, prefix string) bool {
	if !strings.HasPrefix(cmd, prefix) {
		return false
	}
	rest := cmd[len(prefix):]
	return rest == "" || rest[0] == ' '
}

func firstToken(cmd string) string {
	if i := strings.IndexByte(cmd, ' '); i > 0 {
		return cmd[:i]
	}
	return cmd
}
