// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// nilCursorID sorts before every assignment id sharing the cursor timestamp
const nilCursorID = "00000000-0000-0000-0000-000000000000"

// ListAssignments returns assignments where userID is enumerator or supervisor, ordered
// by (updated_at, id) and strictly after the (after, afterID) keyset cursor. Rows sharing
// one updated_at (a bulk import flush) can span pages; clients continue from
// NextAfter and NextAfterID.
func (s *SyncService) ListAssignments(ctx context.Context, userID string, after time.Time, afterID string, limit int) (*AssignmentsResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = s.config.DownloadLimit
	}
	if afterID != "" {
		if _, err := uuid.Parse(afterID); err != nil {
			return nil, fmt.Errorf("%w: after_id must be a uuid", ErrInvalidCursor)
		}
	}
	resp := &AssignmentsResponse{Data: []AssignmentDownload{}, NextAfter: after, NextAfterID: afterID}
	if _, err := uuid.Parse(userID); err != nil {
		return resp, nil
	}
	if afterID == "" {
		afterID = nilCursorID
	}

	timer := s.startStage(MetricsOpDownload, MetricsStageFetch)
	rows, err := s.pool.Query(ctx, `
		SELECT a.id::text, tv.table_id::text, a.table_version_id::text, a.organization_id::text,
		       a.supervisor_id::text, a.enumerator_id::text, a.external_id, a.status,
		       a.prelist_data, a.created_at, a.updated_at
		FROM field.assignments a
		JOIN field.table_versions tv ON tv.id = a.table_version_id
		WHERE (a.enumerator_id = $1::uuid OR a.supervisor_id = $1::uuid)
		  AND a.deleted_at IS NULL
		  AND (a.updated_at, a.id) > ($2, $3::uuid)
		ORDER BY a.updated_at, a.id
		LIMIT $4`, userID, after, afterID, limit+1)
	if err != nil {
		timer.done(ctx, StageTiming{Error: true})
		return nil, fmt.Errorf("query assignments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var a AssignmentDownload
		var prelist []byte
		if err := rows.Scan(&a.ID, &a.TableID, &a.TableVersionID, &a.OrganizationID,
			&a.SupervisorID, &a.EnumeratorID, &a.ExternalID, &a.Status,
			&prelist, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		a.PrelistData = prelist
		resp.Data = append(resp.Data, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assignments: %w", err)
	}
	timer.done(ctx, StageTiming{Count: len(resp.Data)})

	if len(resp.Data) > limit {
		resp.Data = resp.Data[:limit]
		resp.HasMore = true
	}
	if n := len(resp.Data); n > 0 {
		resp.NextAfter = resp.Data[n-1].UpdatedAt
		resp.NextAfterID = resp.Data[n-1].ID
	}
	return resp, nil
}
