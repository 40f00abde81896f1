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

package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/maestro/pkg/errors"
)

// InsertStepIfAbsent inserts a step row with status pending if no row exists
// for (run_id, step_id). Existing rows are never overwritten by this call.
func (s *Store) InsertStepIfAbsent(ctx context.Context, runID, stepID string, kind StepKind, name string, inputs map[string]any) error {
	inputsJSON, err := marshalMap(inputs)
	if err != nil {
		return errors.WithCause(errors.CodeBadRequest, "step inputs are not serializable", err)
	}

	now := toUnixNano(time.Now())
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO run_steps
		 (id, run_id, step_id, step_kind, step_name, status, attempt, inputs, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		uuid.NewString(), runID, stepID, string(kind), name, string(StatusPending), inputsJSON, now, now)
	if err != nil {
		return errors.WithCause(errors.CodeDBInsertFailed, "failed to insert step", err)
	}
	return nil
}

// GetStep returns the step row for (run_id, step_id).
func (s *Store) GetStep(ctx context.Context, runID, stepID string) (*Step, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, step_id, step_kind, step_name, status, attempt,
		        inputs, outputs, error, started_at, ended_at, created_at, updated_at
		 FROM run_steps WHERE run_id = ? AND step_id = ?`, runID, stepID)
	step, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("step", runID+"/"+stepID)
	}
	if err != nil {
		return nil, errors.WithCause(errors.CodeDBUpdateFailed, "failed to read step", err)
	}
	return step, nil
}

// ListSteps returns all step rows for a run in creation order.
func (s *Store) ListSteps(ctx context.Context, runID string) ([]*Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, step_id, step_kind, step_name, status, attempt,
		        inputs, outputs, error, started_at, ended_at, created_at, updated_at
		 FROM run_steps WHERE run_id = ? ORDER BY created_at ASC, id ASC`, runID)
	if err != nil {
		return nil, errors.WithCause(errors.CodeDBUpdateFailed, "failed to list steps", err)
	}
	defer rows.Close()

	var steps []*Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, errors.WithCause(errors.CodeDBUpdateFailed, "failed to scan step", err)
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanStep(row scanner) (*Step, error) {
	var st Step
	var inputs, outputs, errMap sql.NullString
	var startedAt, endedAt sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(&st.ID, &st.RunID, &st.StepID, (*string)(&st.StepKind), &st.StepName,
		(*string)(&st.Status), &st.Attempt, &inputs, &outputs, &errMap,
		&startedAt, &endedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if st.Inputs, err = unmarshalMap(inputs); err != nil {
		return nil, err
	}
	if st.Outputs, err = unmarshalMap(outputs); err != nil {
		return nil, err
	}
	if st.Error, err = unmarshalMap(errMap); err != nil {
		return nil, err
	}
	st.StartedAt = timePtr(startedAt)
	st.EndedAt = timePtr(endedAt)
	st.CreatedAt = fromUnixNano(createdAt)
	st.UpdatedAt = fromUnixNano(updatedAt)
	return &st, nil
}

// UpdateStep applies a guarded partial update to a step row. The update
// silently no-ops when the current status is in notIn, which is how callers
// express at-most-one semantics under retry.
func (s *Store) UpdateStep(ctx context.Context, runID, stepID string, patch StepPatch, notIn []Status) error {
	var sets []string
	var args []any

	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.IncrementAttempt {
		sets = append(sets, "attempt = attempt + 1")
	}
	if patch.Outputs != nil {
		outputsJSON, err := marshalMap(patch.Outputs)
		if err != nil {
			return errors.WithCause(errors.CodeBadRequest, "step outputs are not serializable", err)
		}
		sets = append(sets, "outputs = ?")
		args = append(args, outputsJSON)
	} else if patch.ClearOutputs {
		sets = append(sets, "outputs = NULL")
	}
	if patch.Error != nil {
		errJSON, err := marshalMap(patch.Error)
		if err != nil {
			return errors.WithCause(errors.CodeBadRequest, "step error is not serializable", err)
		}
		sets = append(sets, "error = ?")
		args = append(args, errJSON)
	} else if patch.ClearError {
		sets = append(sets, "error = NULL")
	}
	if patch.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, toUnixNano(*patch.StartedAt))
	}
	if patch.EndedAt != nil {
		sets = append(sets, "ended_at = ?")
		args = append(args, toUnixNano(*patch.EndedAt))
	} else if patch.ClearEndedAt {
		sets = append(sets, "ended_at = NULL")
	}

	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, toUnixNano(time.Now()))

	query := "UPDATE run_steps SET " + strings.Join(sets, ", ") + " WHERE run_id = ? AND step_id = ?"
	args = append(args, runID, stepID)

	if clause, guardArgs := statusNotIn(notIn); clause != "" {
		query += " AND " + clause
		args = append(args, guardArgs...)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return errors.WithCause(errors.CodeDBUpdateFailed, "failed to update step", err)
	}
	return nil
}
