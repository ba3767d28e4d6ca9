// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// reconcileOutcome is what happened to one unit inside its transaction
type reconcileOutcome struct {
	responseID      string
	newAssignmentID string // non-empty only when this unit created the assignment
	inserted        bool
	updated         bool
	stale           bool
}

// validateUnit normalizes and checks the fields every unit must carry
func validateUnit(unit *SyncUnit) error {
	unit.LocalID = strings.TrimSpace(unit.LocalID)
	unit.AssignmentID = strings.TrimSpace(unit.AssignmentID)
	unit.TableID = strings.TrimSpace(unit.TableID)

	if unit.LocalID == "" {
		return fmt.Errorf("%w: local_id is required", ErrBadUnit)
	}
	if unit.AssignmentID == "" {
		return fmt.Errorf("%w: assignment_id is required", ErrBadUnit)
	}
	if unit.UpdatedAt.IsZero() {
		return fmt.Errorf("%w: updated_at is required", ErrBadUnit)
	}
	if unit.CreatedAt.IsZero() {
		unit.CreatedAt = unit.UpdatedAt
	}
	if len(unit.Data) == 0 || string(unit.Data) == "null" {
		unit.Data = json.RawMessage(`{}`)
	}
	var probe map[string]any
	if err := json.Unmarshal(unit.Data, &probe); err != nil {
		return fmt.Errorf("%w: data must be a JSON object: %v", ErrBadUnit, err)
	}
	return nil
}

// reconcileUnit applies one unit against the authoritative store inside tx.
// Any returned error rolls back this unit only.
func (s *SyncService) reconcileUnit(
	ctx context.Context,
	tx pgx.Tx,
	userID, deviceID string,
	unit SyncUnit,
	cache *LookupCache,
) (reconcileOutcome, error) {
	var out reconcileOutcome

	// 1. Resolve the assignment (primary key, then external id)
	ref, err := s.resolver.ResolveAssignment(ctx, tx, unit.TableID, unit.AssignmentID)
	if err != nil {
		return out, err
	}

	// 2. Unknown assignment: create it ad hoc with external_id = client assignment_id
	assignmentID := ""
	if ref != nil {
		assignmentID = ref.ID
	} else {
		id, created, err := s.createAdHocAssignment(ctx, tx, userID, unit, cache)
		if err != nil {
			return out, err
		}
		assignmentID = id
		if created {
			out.newAssignmentID = id
		}
	}

	// 3. Resolve the response by local_id
	existing, err := s.resolver.ResolveResponse(ctx, tx, unit.LocalID)
	if err != nil {
		return out, err
	}

	device := unit.DeviceID
	if device == "" {
		device = deviceID
	}

	// 4. First sync of this local_id
	if existing == nil {
		var responseID string
		err = tx.QueryRow(ctx, `
			INSERT INTO field.responses (local_id, assignment_id, data, device_id, created_at, updated_at, synced_at)
			VALUES ($1, $2::uuid, $3::jsonb, NULLIF($4, ''), $5, $6, now())
			RETURNING id::text`,
			unit.LocalID, assignmentID, []byte(unit.Data), device, unit.CreatedAt, unit.UpdatedAt,
		).Scan(&responseID)
		if err != nil {
			return out, fmt.Errorf("insert response %q: %w", unit.LocalID, err)
		}
		if err := s.markAssignment(ctx, tx, assignmentID, AssignmentCompleted); err != nil {
			return out, err
		}
		out.responseID = responseID
		out.inserted = true
		return out, nil
	}

	out.responseID = existing.ID

	// 5. Last write wins: apply only if strictly newer, otherwise succeed without mutation
	if !isNewer(unit.UpdatedAt, existing.UpdatedAt) {
		out.stale = true
		s.logger.Debug("Stale response ignored",
			"local_id", unit.LocalID, "incoming_updated_at", unit.UpdatedAt, "stored_updated_at", existing.UpdatedAt)
		return out, nil
	}

	_, err = tx.Exec(ctx, `
		UPDATE field.responses
		SET data = $2::jsonb,
		    assignment_id = $3::uuid,
		    device_id = COALESCE(NULLIF($4, ''), device_id),
		    updated_at = $5,
		    synced_at = now()
		WHERE id = $1::uuid`,
		existing.ID, []byte(unit.Data), assignmentID, device, unit.UpdatedAt)
	if err != nil {
		return out, fmt.Errorf("update response %q: %w", unit.LocalID, err)
	}
	if err := s.markAssignment(ctx, tx, assignmentID, AssignmentCompleted); err != nil {
		return out, err
	}
	out.updated = true
	return out, nil
}

// isNewer compares at microsecond precision, which is what timestamptz stores
func isNewer(incoming, stored time.Time) bool {
	return incoming.Truncate(time.Microsecond).After(stored.Truncate(time.Microsecond))
}

// createAdHocAssignment inserts an assignment for an identifier the server never issued.
// created is false when a concurrent request won the (table_version_id, external_id) race;
// the existing id is returned in that case.
func (s *SyncService) createAdHocAssignment(
	ctx context.Context,
	tx pgx.Tx,
	userID string,
	unit SyncUnit,
	cache *LookupCache,
) (id string, created bool, err error) {
	target, err := s.publishedVersion(ctx, tx, unit.TableID)
	if err != nil {
		return "", false, &AssignmentCreationError{TableID: unit.TableID, AssignmentID: unit.AssignmentID, Err: err}
	}

	member, err := s.hasMembership(ctx, tx, userID, target.AppID)
	if err != nil {
		return "", false, err
	}
	if !member {
		return "", false, &AssignmentCreationError{TableID: unit.TableID, AssignmentID: unit.AssignmentID, Err: ErrNoMembership}
	}

	organizationID := target.OrganizationID
	if unit.OrganizationCode != "" {
		orgID, err := cache.OrganizationID(ctx, unit.OrganizationCode)
		if err != nil {
			return "", false, err
		}
		// A hint may only narrow to the table's own organization
		if orgID != nil && *orgID != target.OrganizationID {
			return "", false, &AssignmentCreationError{TableID: unit.TableID, AssignmentID: unit.AssignmentID,
				Err: fmt.Errorf("%w: organization %q does not own this table", ErrNoMembership, unit.OrganizationCode)}
		}
	}

	var supervisorID *string
	if unit.SupervisorEmail != "" {
		if supervisorID, err = cache.UserID(ctx, unit.SupervisorEmail); err != nil {
			return "", false, err
		}
	}

	newID, err := uuid.NewV7()
	if err != nil {
		return "", false, fmt.Errorf("generate assignment id: %w", err)
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO field.assignments
			(id, table_version_id, organization_id, supervisor_id, enumerator_id, external_id, status, prelist_data)
		VALUES ($1::uuid, $2::uuid, $3::uuid, $4::uuid, $5::uuid, $6, $7, '{}'::jsonb)
		ON CONFLICT (table_version_id, external_id) DO NOTHING
		RETURNING id::text`,
		newID.String(), target.TableVersionID, organizationID, supervisorID, userID, unit.AssignmentID, AssignmentInProgress,
	).Scan(&id)
	if err == nil {
		s.logger.Info("Created ad hoc assignment",
			"assignment_id", id, "external_id", unit.AssignmentID, "table_id", unit.TableID, "user_id", userID)
		return id, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", false, fmt.Errorf("insert ad hoc assignment %q: %w", unit.AssignmentID, err)
	}

	// Lost the race: someone committed the same external id after our lookup
	ref, err := s.resolver.ResolveAssignment(ctx, tx, unit.TableID, unit.AssignmentID)
	if err != nil {
		return "", false, err
	}
	if ref == nil {
		return "", false, fmt.Errorf("assignment %q conflicted but could not be resolved", unit.AssignmentID)
	}
	return ref.ID, false, nil
}

// publishedVersion returns the newest published version of tableID
func (s *SyncService) publishedVersion(ctx context.Context, q Querier, tableID string) (publishedVersion, error) {
	var v publishedVersion
	if _, err := uuid.Parse(tableID); err != nil {
		return v, fmt.Errorf("%w: table %q", ErrNoPublishedVersion, tableID)
	}
	err := q.QueryRow(ctx, `
		SELECT tv.id::text, a.id::text, a.organization_id::text
		FROM field.table_versions tv
		JOIN field.tables t ON t.id = tv.table_id
		JOIN field.apps a ON a.id = t.app_id
		WHERE tv.table_id = $1::uuid AND tv.published_at IS NOT NULL
		ORDER BY tv.version DESC
		LIMIT 1`, tableID).Scan(&v.TableVersionID, &v.AppID, &v.OrganizationID)
	if errors.Is(err, pgx.ErrNoRows) {
		return v, fmt.Errorf("%w: table %q", ErrNoPublishedVersion, tableID)
	}
	if err != nil {
		return v, fmt.Errorf("lookup published version of %q: %w", tableID, err)
	}
	return v, nil
}

func (s *SyncService) hasMembership(ctx context.Context, q Querier, userID, appID string) (bool, error) {
	if _, err := uuid.Parse(userID); err != nil {
		return false, nil
	}
	var ok bool
	err := q.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM field.memberships
			WHERE user_id = $1::uuid AND app_id = $2::uuid
		)`, userID, appID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}
	return ok, nil
}

func (s *SyncService) markAssignment(ctx context.Context, tx pgx.Tx, assignmentID, status string) error {
	_, err := tx.Exec(ctx, `
		UPDATE field.assignments
		SET status = $2, updated_at = now()
		WHERE id = $1::uuid AND status <> $2`, assignmentID, status)
	if err != nil {
		return fmt.Errorf("mark assignment %s %s: %w", assignmentID, status, err)
	}
	return nil
}
