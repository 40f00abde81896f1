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

// CreateApprovalIfAbsent inserts a pending approval for (run_id, scope).
// While a pending approval exists for the pair, the call is a no-op; the
// partial unique index enforces this.
func (s *Store) CreateApprovalIfAbsent(ctx context.Context, a Approval) error {
	if a.RunID == "" || a.Scope == "" {
		return errors.BadRequest("run_id and scope are required")
	}

	metaJSON, err := marshalMap(a.Metadata)
	if err != nil {
		return errors.WithCause(errors.CodeBadRequest, "approval metadata is not serializable", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO approvals
		 (id, run_id, project_id, step_id, scope, intent_summary, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), a.RunID, a.ProjectID, a.StepID, a.Scope, a.IntentSummary,
		metaJSON, toUnixNano(time.Now()))
	if err != nil {
		return errors.WithCause(errors.CodeDBInsertFailed, "failed to create approval", err)
	}
	return nil
}

// GetApproval returns the most recent approval for (run_id, scope).
func (s *Store) GetApproval(ctx context.Context, runID, scope string) (*Approval, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, project_id, step_id, scope, intent_summary,
		        approved_by, approved_at, metadata, created_at
		 FROM approvals WHERE run_id = ? AND scope = ?
		 ORDER BY created_at DESC LIMIT 1`, runID, scope)

	var a Approval
	var stepID, intent, approvedBy sql.NullString
	var approvedAt sql.NullInt64
	var meta sql.NullString
	var createdAt int64

	err := row.Scan(&a.ID, &a.RunID, &a.ProjectID, &stepID, &a.Scope, &intent,
		&approvedBy, &approvedAt, &meta, &createdAt)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("approval", runID+"/"+scope)
	}
	if err != nil {
		return nil, errors.WithCause(errors.CodeDBUpdateFailed, "failed to read approval", err)
	}

	a.StepID = stepID.String
	a.IntentSummary = intent.String
	a.ApprovedBy = approvedBy.String
	a.ApprovedAt = timePtr(approvedAt)
	if a.Metadata, err = unmarshalMap(meta); err != nil {
		return nil, errors.WithCause(errors.CodeDBUpdateFailed, "corrupt approval metadata", err)
	}
	a.CreatedAt = fromUnixNano(createdAt)
	return &a, nil
}

// Approve marks the pending approval for (run_id, scope) as approved.
// Approving an already-approved pair is a no-op; a missing pair fails
// with not_found.
func (s *Store) Approve(ctx context.Context, runID, scope, approvedBy string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET approved_by = ?, approved_at = ?
		 WHERE run_id = ? AND scope = ? AND approved_at IS NULL`,
		approvedBy, toUnixNano(time.Now()), runID, scope)
	if err != nil {
		return errors.WithCause(errors.CodeDBUpdateFailed, "failed to approve", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return errors.WithCause(errors.CodeDBUpdateFailed, "failed to approve", err)
	}
	if affected == 0 {
		if _, err := s.GetApproval(ctx, runID, scope); err != nil {
			return err
		}
		// Already approved: idempotent.
	}
	return nil
}
