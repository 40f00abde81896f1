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

	"github.com/tombee/maestro/pkg/errors"
)

// AppendEvent appends one entry to the run's event log and returns the
// assigned 1-based index. The index is computed inside a transaction so
// the sequence is gap-free; callers must still serialize appends per run
// (the event writer owns that).
func (s *Store) AppendEvent(ctx context.Context, runID, eventType string, payload []byte) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.WithCause(errors.CodeDBInsertFailed, "failed to begin event append", err)
	}
	defer tx.Rollback()

	var next int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(idx), 0) + 1 FROM run_events WHERE run_id = ?`, runID).Scan(&next)
	if err != nil {
		return 0, errors.WithCause(errors.CodeDBInsertFailed, "failed to assign event index", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO run_events (run_id, idx, type, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		runID, next, eventType, string(payload), toUnixNano(time.Now()))
	if err != nil {
		return 0, errors.WithCause(errors.CodeDBInsertFailed, "failed to append event", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.WithCause(errors.CodeDBInsertFailed, "failed to commit event append", err)
	}
	return next, nil
}

// EventsAfter returns the run's events with index strictly greater than
// after, in index order.
func (s *Store) EventsAfter(ctx context.Context, runID string, after int64) ([]EventRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, idx, type, payload, created_at
		 FROM run_events WHERE run_id = ? AND idx > ? ORDER BY idx ASC`, runID, after)
	if err != nil {
		return nil, errors.WithCause(errors.CodeDBUpdateFailed, "failed to read events", err)
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		var payload sql.NullString
		var createdAt int64
		if err := rows.Scan(&e.RunID, &e.Index, &e.Type, &payload, &createdAt); err != nil {
			return nil, errors.WithCause(errors.CodeDBUpdateFailed, "failed to scan event", err)
		}
		e.Payload = []byte(payload.String)
		e.CreatedAt = fromUnixNano(createdAt)
		events = append(events, e)
	}
	return events, rows.Err()
}

// MaxEventIndex returns the highest assigned index for the run, or 0 when
// the log is empty.
func (s *Store) MaxEventIndex(ctx context.Context, runID string) (int64, error) {
	var max int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(idx), 0) FROM run_events WHERE run_id = ?`, runID).Scan(&max)
	if err != nil {
		return 0, errors.WithCause(errors.CodeDBUpdateFailed, "failed to read event index", err)
	}
	return max, nil
}
