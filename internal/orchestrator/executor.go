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

	"github.com/google/uuid"

	"github.com/tombee/maestro/pkg/errors"
)

// LocalExecutor runs workflows in-process. Workflow run ids are generated
// locally and cancellation is plain context cancellation.
type LocalExecutor struct{}

func (LocalExecutor) AssignWorkflowRunID(ctx context.Context, runID string) (string, error) {
	return "wf-" + uuid.NewString(), nil
}

func (LocalExecutor) IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}
