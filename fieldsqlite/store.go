// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mobiletoly/go-fieldsync/fieldsync"
)

// ErrAssignmentNotFound is returned when a local assignment id is unknown
var ErrAssignmentNotFound = errors.New("assignment not found")

// Assignment is a local assignment row
type Assignment struct {
	ID             string
	TableID        string
	OrganizationID *string
	SupervisorID   *string
	EnumeratorID   *string
	ExternalID     *string
	Status         string
	PrelistData    json.RawMessage
	SyncedAt       *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Response is a local response row
type Response struct {
	LocalID      string
	ServerID     *string
	AssignmentID string
	TableID      string // from the owning assignment
	Data         json.RawMessage
	DeviceID     string
	IsSynced     bool
	LastError    *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CreateLocalAssignment creates an ad hoc assignment the server does not know yet.
// Its id doubles as the external id the server will correlate retries on.
func (c *Client) CreateLocalAssignment(ctx context.Context, tableID string, prelist map[string]any) (string, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if prelist == nil {
		prelist = map[string]any{}
	}
	data, err := json.Marshal(prelist)
	if err != nil {
		return "", fmt.Errorf("encode prelist: %w", err)
	}
	id := uuid.New().String()
	now := formatTime(time.Now())
	_, err = c.DB.ExecContext(ctx, `
		INSERT INTO assignments (id, table_id, external_id, status, prelist_data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, tableID, id, fieldsync.AssignmentInProgress, string(data), now, now)
	if err != nil {
		return "", fmt.Errorf("insert local assignment: %w", err)
	}
	return id, nil
}

// SaveResponse inserts or updates the response identified by localID and queues it for
// upload. An empty localID creates a new response. The returned id is stable across
// retries and is the idempotency key on the server.
func (c *Client) SaveResponse(ctx context.Context, assignmentID, localID string, data map[string]any) (string, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if data == nil {
		data = map[string]any{}
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encode response data: %w", err)
	}
	if localID == "" {
		localID = uuid.New().String()
	}

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM assignments WHERE id = ?`, assignmentID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrAssignmentNotFound, assignmentID)
	}
	if err != nil {
		return "", fmt.Errorf("load assignment: %w", err)
	}

	now := formatTime(time.Now())
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO responses (local_id, assignment_id, data, device_id, is_synced, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(local_id) DO UPDATE SET
			data       = excluded.data,
			is_synced  = 0,
			last_error = NULL,
			updated_at = excluded.updated_at`,
		localID, assignmentID, string(payload), c.DeviceID, now, now); err != nil {
		return "", fmt.Errorf("save response: %w", err)
	}
	if status == fieldsync.AssignmentAssigned {
		if _, err := tx.ExecContext(ctx, `
			UPDATE assignments SET status = ?, updated_at = ? WHERE id = ?`,
			fieldsync.AssignmentInProgress, now, assignmentID); err != nil {
			return "", fmt.Errorf("start assignment: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return localID, nil
}

// CompleteAssignment marks the field work for an assignment finished locally
func (c *Client) CompleteAssignment(ctx context.Context, assignmentID string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	res, err := c.DB.ExecContext(ctx, `
		UPDATE assignments SET status = ?, updated_at = ? WHERE id = ? AND status <> ?`,
		fieldsync.AssignmentCompleted, formatTime(time.Now()), assignmentID, fieldsync.AssignmentSynced)
	if err != nil {
		return fmt.Errorf("complete assignment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := c.GetAssignment(ctx, assignmentID); err != nil {
			return err
		}
	}
	return nil
}

// PendingResponses returns unsynced responses oldest first. limit <= 0 means all.
func (c *Client) PendingResponses(ctx context.Context, limit int) ([]Response, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := c.DB.QueryContext(ctx, `
		SELECT r.local_id, r.server_id, r.assignment_id, a.table_id, r.data, COALESCE(r.device_id, ''),
		       r.is_synced, r.last_error, r.created_at, r.updated_at
		FROM responses r
		JOIN assignments a ON a.id = r.assignment_id
		WHERE r.is_synced = 0
		ORDER BY r.updated_at, r.local_id
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending responses: %w", err)
	}
	defer rows.Close()

	var out []Response
	for rows.Next() {
		r, err := scanResponse(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetResponse loads one response by local id
func (c *Client) GetResponse(ctx context.Context, localID string) (Response, error) {
	row := c.DB.QueryRowContext(ctx, `
		SELECT r.local_id, r.server_id, r.assignment_id, a.table_id, r.data, COALESCE(r.device_id, ''),
		       r.is_synced, r.last_error, r.created_at, r.updated_at
		FROM responses r
		JOIN assignments a ON a.id = r.assignment_id
		WHERE r.local_id = ?`, localID)
	return scanResponse(row)
}

// GetAssignment loads one assignment by id
func (c *Client) GetAssignment(ctx context.Context, id string) (Assignment, error) {
	var (
		a                    Assignment
		prelist              string
		syncedAt             sql.NullString
		createdAt, updatedAt string
	)
	err := c.DB.QueryRowContext(ctx, `
		SELECT id, table_id, organization_id, supervisor_id, enumerator_id, external_id,
		       status, prelist_data, synced_at, created_at, updated_at
		FROM assignments WHERE id = ?`, id).Scan(
		&a.ID, &a.TableID, &a.OrganizationID, &a.SupervisorID, &a.EnumeratorID, &a.ExternalID,
		&a.Status, &prelist, &syncedAt, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Assignment{}, fmt.Errorf("%w: %s", ErrAssignmentNotFound, id)
	}
	if err != nil {
		return Assignment{}, fmt.Errorf("load assignment: %w", err)
	}
	a.PrelistData = json.RawMessage(prelist)
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return Assignment{}, err
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Assignment{}, err
	}
	if syncedAt.Valid {
		t, err := parseTime(syncedAt.String)
		if err != nil {
			return Assignment{}, err
		}
		a.SyncedAt = &t
	}
	return a, nil
}

// UpsertAssignments stores assignments pulled from the server. The local status is kept
// while the assignment still has unsynced responses. A pulled row whose external_id names
// a local ad hoc assignment replaces it, which covers pushes whose new_assignment_id ack
// was lost.
func (c *Client) UpsertAssignments(ctx context.Context, list []fieldsync.AssignmentDownload) error {
	if len(list) == 0 {
		return nil
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO assignments
			(id, table_id, organization_id, supervisor_id, enumerator_id, external_id,
			 status, prelist_data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			table_id        = excluded.table_id,
			organization_id = excluded.organization_id,
			supervisor_id   = excluded.supervisor_id,
			enumerator_id   = excluded.enumerator_id,
			external_id     = excluded.external_id,
			prelist_data    = excluded.prelist_data,
			updated_at      = excluded.updated_at,
			status = CASE
				WHEN EXISTS (SELECT 1 FROM responses r WHERE r.assignment_id = assignments.id AND r.is_synced = 0)
				THEN assignments.status
				ELSE excluded.status
			END`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, a := range list {
		if a.ExternalID != nil && *a.ExternalID != a.ID {
			var adHoc int
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM assignments WHERE id = ? AND external_id = id`, *a.ExternalID).Scan(&adHoc); err != nil {
				return fmt.Errorf("check ad hoc assignment %s: %w", *a.ExternalID, err)
			}
			if adHoc > 0 {
				if err := remapAssignment(ctx, tx, *a.ExternalID, a.ID); err != nil {
					return err
				}
			}
		}
		prelist := string(a.PrelistData)
		if prelist == "" || prelist == "null" {
			prelist = "{}"
		}
		if _, err := stmt.ExecContext(ctx,
			a.ID, a.TableID, a.OrganizationID, a.SupervisorID, a.EnumeratorID, a.ExternalID,
			a.Status, prelist, formatTime(a.CreatedAt), formatTime(a.UpdatedAt)); err != nil {
			return fmt.Errorf("upsert assignment %s: %w", a.ID, err)
		}
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResponse(s rowScanner) (Response, error) {
	var (
		r                    Response
		data                 string
		synced               int
		createdAt, updatedAt string
	)
	err := s.Scan(&r.LocalID, &r.ServerID, &r.AssignmentID, &r.TableID, &data, &r.DeviceID,
		&synced, &r.LastError, &createdAt, &updatedAt)
	if err != nil {
		return Response{}, fmt.Errorf("scan response: %w", err)
	}
	r.Data = json.RawMessage(data)
	r.IsSynced = synced == 1
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return Response{}, err
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Response{}, err
	}
	return r, nil
}
