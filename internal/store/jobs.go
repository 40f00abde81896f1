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

// JobPatch describes a guarded partial update to a sandbox job row.
type JobPatch struct {
	Status *Status
	// ExitCode is written as given when non-nil.
	ExitCode *int
	// TranscriptBlobRef is written at most once: the update keeps any
	// existing non-null value.
	TranscriptBlobRef string
	StartedAt         *time.Time
	EndedAt           *time.Time
}

// CreateSandboxJob inserts a sandbox job row in pending status and returns its id.
func (s *Store) CreateSandboxJob(ctx context.Context, job SandboxJob) (string, error) {
	if job.RunID == "" || job.JobType == "" {
		return "", errors.BadRequest("run_id and job_type are required")
	}

	metaJSON, err := marshalMap(job.Metadata)
	if err != nil {
		return "", errors.WithCause(errors.CodeBadRequest, "job metadata is not serializable", err)
	}

	id := uuid.NewString()
	now := toUnixNano(time.Now())
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sandbox_jobs
		 (id, run_id, project_id, step_id, job_type, status, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, job.RunID, job.ProjectID, job.StepID, job.JobType, string(StatusPending), metaJSON, now, now)
	if err != nil {
		return "", errors.WithCause(errors.CodeDBInsertFailed, "failed to create sandbox job", err)
	}
	return id, nil
}

// GetSandboxJob returns the sandbox job with the given id.
func (s *Store) GetSandboxJob(ctx context.Context, jobID string) (*SandboxJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, project_id, step_id, job_type, status, exit_code,
		        transcript_blob_ref, metadata, started_at, ended_at, created_at, updated_at
		 FROM sandbox_jobs WHERE id = ?`, jobID)

	var j SandboxJob
	var stepID, blobRef, meta sql.NullString
	var exitCode sql.NullInt64
	var startedAt, endedAt sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(&j.ID, &j.RunID, &j.ProjectID, &stepID, &j.JobType, (*string)(&j.Status),
		&exitCode, &blobRef, &meta, &startedAt, &endedAt, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("sandbox job", jobID)
	}
	if err != nil {
		return nil, errors.WithCause(errors.CodeDBUpdateFailed, "failed to read sandbox job", err)
	}

	j.StepID = stepID.String
	j.TranscriptBlobRef = blobRef.String
	if exitCode.Valid {
		code := int(exitCode.Int64)
		j.ExitCode = &code
	}
	if j.Metadata, err = unmarshalMap(meta); err != nil {
		return nil, errors.WithCause(errors.CodeDBUpdateFailed, "corrupt job metadata", err)
	}
	j.StartedAt = timePtr(startedAt)
	j.EndedAt = timePtr(endedAt)
	j.CreatedAt = fromUnixNano(createdAt)
	j.UpdatedAt = fromUnixNano(updatedAt)
	return &j, nil
}

// UpdateSandboxJob applies a guarded partial update to a sandbox job.
// The update silently no-ops when the current status is in notIn.
// transcript_blob_ref is written at most once; later writes keep the
// existing value.
func (s *Store) UpdateSandboxJob(ctx context.Context, jobID string, patch JobPatch, notIn []Status) error {
	var sets []string
	var args []any

	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.ExitCode != nil {
		sets = append(sets, "exit_code = ?")
		args = append(args, *patch.ExitCode)
	}
	if patch.TranscriptBlobRef != "" {
		sets = append(sets, "transcript_blob_ref = COALESCE(transcript_blob_ref, ?)")
		args = append(args, patch.TranscriptBlobRef)
	}
	if patch.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, toUnixNano(*patch.StartedAt))
	}
	if patch.EndedAt != nil {
		sets = append(sets, "ended_at = ?")
		args = append(args, toUnixNano(*patch.EndedAt))
	}

	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, toUnixNano(time.Now()))

	query := "UPDATE sandbox_jobs SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	args = append(args, jobID)

	if clause, guardArgs := statusNotIn(notIn); clause != "" {
		query += " AND " + clause
		args = append(args, guardArgs...)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return errors.WithCause(errors.CodeDBUpdateFailed, "failed to update sandbox job", err)
	}
	return nil
}
