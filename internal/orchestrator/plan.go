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

package orchestrator

import (
	"context"

	"github.com/tombee/maestro/internal/eventlog"
	"github.com/tombee/maestro/internal/sandbox"
	"github.com/tombee/maestro/internal/steps"
	"github.com/tombee/maestro/internal/store"
)

// StepContext is the execution environment handed to step bodies.
type StepContext struct {
	Run     *store.Run
	Events  *eventlog.Writer
	Gateway Gateway
	Sandbox *sandbox.Manager
	Store   *store.Store
	Steps   *steps.Service

	// Outputs holds the outputs of completed steps, keyed by step id.
	Outputs map[string]map[string]any
}

// Emit writes a fine-grained event from inside a step body. Emission is
// best effort and never fails the step.
func (sc *StepContext) Emit(ctx context.Context, ev eventlog.Event) {
	_, _ = sc.Events.Emit(ctx, ev)
}

// MetaString reads a string value from the run's metadata.
func (sc *StepContext) MetaString(key, fallback string) string {
	if v, ok := sc.Run.Metadata[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// MetaStrings reads a string list from the run's metadata.
func (sc *StepContext) MetaStrings(key string) []string {
	raw, ok := sc.Run.Metadata[key].([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// StepDef is one entry of a plan: a stable id, display name, kind, and the
// body executed between begin and finish.
type StepDef struct {
	ID   string
	Name string
	Kind store.StepKind
	Body func(ctx context.Context, sc *StepContext) (map[string]any, error)
}

// Plan is the ordered step sequence for a workflow kind.
type Plan []StepDef
