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
	"time"

	"github.com/google/uuid"

	"github.com/tombee/maestro/pkg/errors"
)

// CreateRun inserts a new run with status pending and returns its id.
func (s *Store) CreateRun(ctx context.Context, projectID string, kind RunKind, metadata map[string]any) (string, error) {
	if projectID == "" {
		return "", errors.BadRequest("project_id is required")
	}
	if !kind.Valid() {
		return "", errors.Newf(errors.CodeBadRequest, "unknown run kind: %s", kind)
	}

	metaJSON, err := marshalMap(metadata)
	if err != nil {
		return "", errors.WithCause(errors.CodeBadRequest, "metadata is not serializable", err)
	}

	id := uuid.NewString()
	now := toUnixNano(time.Now())

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, project_id, kind, status, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, projectID, string(kind), string(StatusPending), metaJSON, now, now)
	if err != nil {
		return "", errors.WithCause(errors.CodeDBInsertFailed, "failed to create run", err)
	}

	return id, nil
}

// GetRun returns the run with the given id.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, kind, status, metadata, workflow_run_id, created_at, updated_at
		 FROM runs WHERE id = ?`, runID)

	var r Run
	var meta sql.NullString
	var workflowRunID sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(&r.ID, &r.ProjectID, (*string)(&r.Kind), (*string)(&r.Status),
		&meta, &workflowRunID, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("run", runID)
	}
	if err != nil {
		return nil, errors.WithCause(errors.CodeDBUpdateFailed, "failed to read run", err)
	}

	if r.Metadata, err = unmarshalMap(meta); err != nil {
		return nil, errors.WithCause(errors.CodeDBUpdateFailed, "corrupt run metadata", err)
	}
	r.WorkflowRunID = workflowRunID.String
	r.CreatedAt = fromUnixNano(createdAt)
	r.UpdatedAt = fromUnixNano(updatedAt)

	return &r, nil
}

// ListRuns returns runs matching the filter, newest first.
func (s *Store) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	query := `SELECT id, project_id, kind, status, metadata, workflow_run_id, created_at, updated_at FROM runs`
	var clauses []string
	var args []any
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Kind != "" {
		clauses = append(clauses, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	for i, clause := range clauses {
		if i == 0 {
			query += " WHERE " + clause
		} else {
			query += " AND " + clause
		}
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.WithCause(errors.CodeDBUpdateFailed, "failed to list runs", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		var r Run
		var meta sql.NullString
		var workflowRunID sql.NullString
		var createdAt, updatedAt int64
		if err := rows.Scan(&r.ID, &r.ProjectID, (*string)(&r.Kind), (*string)(&r.Status),
			&meta, &workflowRunID, &createdAt, &updatedAt); err != nil {
			return nil, errors.WithCause(errors.CodeDBUpdateFailed, "failed to scan run", err)
		}
		if r.Metadata, err = unmarshalMap(meta); err != nil {
			return nil, errors.WithCause(errors.CodeDBUpdateFailed, "corrupt run metadata", err)
		}
		r.WorkflowRunID = workflowRunID.String
		r.CreatedAt = fromUnixNano(createdAt)
		r.UpdatedAt = fromUnixNano(updatedAt)
		runs = append(runs, &r)
	}
	return runs, rows.Err()
}

// AttachWorkflowRun sets the run's workflow_run_id. The id is set at most
// once: attaching the same value again is a no-op, attaching a different
// value fails with conflict.
func (s *Store) AttachWorkflowRun(ctx context.Context, runID, workflowRunID string) error {
	if workflowRunID == "" {
		return errors.BadRequest("workflow_run_id is required")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET workflow_run_id = ?, updated_at = ?
		 WHERE id = ? AND (workflow_run_id IS NULL OR workflow_run_id = ?)`,
		workflowRunID, toUnixNano(time.Now()), runID, workflowRunID)
	if err != nil {
		return errors.WithCause(errors.CodeDBUpdateFailed, "failed to attach workflow run", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return errors.WithCause(errors.CodeDBUpdateFailed, "failed to attach workflow run", err)
	}
	if affected == 0 {
		// Either the run is missing or it is already bound elsewhere.
		if _, err := s.GetRun(ctx, runID); err != nil {
			return err
		}
		return errors.Newf(errors.CodeConflict, "run %s already attached to a different workflow run", runID)
	}
	return nil
}

// UpdateRunStatus sets the run status, guarded by a status precondition.
// The update silently no-ops when the current status is in notIn.
func (s *Store) UpdateRunStatus(ctx context.Context, runID string, next Status, notIn []Status) error {
	query := `UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`
	args := []any{string(next), toUnixNano(time.Now()), runID}

	if clause, guardArgs := statusNotIn(notIn); clause != "" {
		query += " AND " + clause
		args = append(args, guardArgs...)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return errors.WithCause(errors.CodeDBUpdateFailed, "failed to update run status", err)
	}
	return nil
}

// CancelRunAndSteps cancels the run and all of its non-terminal steps and
// sandbox jobs inside a single transaction. Rows already terminal are left
// untouched, so a concurrent finish and cancel never oscillate: the first
// commit wins and the second is a no-op.
func (s *Store) CancelRunAndSteps(ctx context.Context, runID string) error {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WithCause(errors.CodeDBUpdateFailed, "failed to begin cancel transaction", err)
	}
	defer tx.Rollback()

	now := toUnixNano(time.Now())
	guard, guardArgs := statusNotIn(TerminalStatuses)

	runArgs := append([]any{string(StatusCanceled), now, runID}, guardArgs...)
	if _, err := tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ? WHERE id = ? AND `+guard, runArgs...); err != nil {
		return errors.WithCause(errors.CodeDBUpdateFailed, "failed to cancel run", err)
	}

	stepArgs := append([]any{string(StatusCanceled), now, now, runID}, guardArgs...)
	if _, err := tx.ExecContext(ctx,
		`UPDATE run_steps SET status = ?, ended_at = ?, updated_at = ? WHERE run_id = ? AND `+guard, stepArgs...); err != nil {
		return errors.WithCause(errors.CodeDBUpdateFailed, "failed to cancel steps", err)
	}

	jobArgs := append([]any{string(StatusCanceled), now, now, runID}, guardArgs...)
	if _, err := tx.ExecContext(ctx,
		`UPDATE sandbox_jobs SET status = ?, ended_at = ?, updated_at = ? WHERE run_id = ? AND `+guard, jobArgs...); err != nil {
		return errors.WithCause(errors.CodeDBUpdateFailed, "failed to cancel sandbox jobs", err)
	}

	if err := tx.Commit(); err != nil {
		return errors.WithCause(errors.CodeDBUpdateFailed, "failed to commit cancel transaction", err)
	}
	return nil
}
