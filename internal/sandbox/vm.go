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
	"context"
	"os/exec"
	"sync"

	"github.com/google/uuid"

	"github.com/tombee/maestro/pkg/errors"
)

// Command is one execution request inside a sandbox.
type Command struct {
	Cmd  string
	Args []string
	Cwd  string
}

// Line renders the command for allowlist checks and transcripts.
func (c Command) Line() string {
	line := c.Cmd
	for _, a := range c.Args {
		line += " " + a
	}
	return line
}

// OutputFunc receives incremental stdout/stderr chunks. stream is "stdout"
// or "stderr".
type OutputFunc func(stream string, chunk []byte)

// VM is the capability interface to an external sandbox provider.
type VM interface {
	// Create provisions a sandbox and returns its id.
	Create(ctx context.Context, projectID string, network NetworkPolicy) (string, error)

	// Exec runs a command inside the sandbox, streaming output through
	// onOutput, and returns the exit code.
	Exec(ctx context.Context, sandboxID string, cmd Command, onOutput OutputFunc) (int, error)

	// Stop tears the sandbox down. Stopping an unknown or already-stopped
	// sandbox is not an error.
	Stop(ctx context.Context, sandboxID string) error
}

// LocalVM executes commands as host subprocesses rooted in a working
// directory per sandbox. It is the default provider for development and
// for code_mode runs on trusted hosts; isolation comes from the command
// allowlist, not from the provider.
type LocalVM struct {
	// Root is the base directory for sandbox working directories.
	Root string

	mu      sync.Mutex
	stopped map[string]bool
}

// NewLocalVM creates a subprocess-backed provider rooted at dir.
func NewLocalVM(dir string) *LocalVM {
	return &LocalVM{Root: dir, stopped: make(map[string]bool)}
}

func (l *LocalVM) Create(ctx context.Context, projectID string, network NetworkPolicy) (string, error) {
	return "local-" + uuid.NewString(), nil
}

func (l *LocalVM) Exec(ctx context.Context, sandboxID string, cmd Command, onOutput OutputFunc) (int, error) {
	l.mu.Lock()
	stopped := l.stopped[sandboxID]
	l.mu.Unlock()
	if stopped {
		return 0, errors.Newf(errors.CodeConflict, "sandbox %s is stopped", sandboxID)
	}

	c := exec.CommandContext(ctx, cmd.Cmd, cmd.Args...)
	c.Dir = cmd.Cwd
	if c.Dir == "" {
		c.Dir = l.Root
	}
	c.Stdout = &streamWriter{stream: "stdout", out: onOutput}
	c.Stderr = &streamWriter{stream: "stderr", out: onOutput}

	err := c.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	return 0, errors.WithCause(errors.CodeBadGateway, "sandbox command failed to start", err)
}

func (l *LocalVM) Stop(ctx context.Context, sandboxID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped[sandboxID] = true
	return nil
}

// streamWriter adapts an io.Writer to the incremental output callback.
type streamWriter struct {
	stream string
	out    OutputFunc
}

func (w *streamWriter) Write(p []byte) (int, error) {
	if w.out != nil {
		w.out(w.stream, p)
	}
	return len(p), nil
}
