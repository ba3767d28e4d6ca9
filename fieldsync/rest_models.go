// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"encoding/json"
	"time"
)

// REST/JSON models for HTTP API requests and responses

// SyncUnit is one client-generated unit of work: a Response bound to an Assignment reference.
type SyncUnit struct {
	LocalID      string          `json:"local_id"`            // Client-generated UUID, idempotency key of the Response
	AssignmentID string          `json:"assignment_id"`       // Server id, or a client id for ad hoc assignments
	TableID      string          `json:"table_id"`            // Form table the assignment belongs to
	Data         json.RawMessage `json:"data"`                // Free-form collected payload
	DeviceID     string          `json:"device_id,omitempty"` // Optional; defaults to the JWT device
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`

	// Optional hints used only when an ad hoc assignment has to be created
	OrganizationCode string `json:"organization_code,omitempty"`
	SupervisorEmail  string `json:"supervisor_email,omitempty"`
}

// BatchSyncRequest is the body of POST /sync/responses
type BatchSyncRequest struct {
	Data []SyncUnit `json:"data"`
}

// UnitResult is the outcome of reconciling one SyncUnit.
// Results are positionally aligned with the request.
type UnitResult struct {
	Status          string  `json:"status"`            // "success" or "error"
	NewAssignmentID *string `json:"new_assignment_id"` // Set only when this unit created an ad hoc assignment
	ResponseID      string  `json:"response_id,omitempty"`
	Message         string  `json:"message,omitempty"`
}

// BatchSyncResponse is the body returned by POST /sync/responses
type BatchSyncResponse struct {
	Data []UnitResult `json:"data"`
}

// AssignmentDownload is one assignment returned by GET /sync/assignments
type AssignmentDownload struct {
	ID             string          `json:"id"`
	TableID        string          `json:"table_id"`
	TableVersionID string          `json:"table_version_id"`
	OrganizationID string          `json:"organization_id"`
	SupervisorID   *string         `json:"supervisor_id"`
	EnumeratorID   *string         `json:"enumerator_id"`
	ExternalID     *string         `json:"external_id"`
	Status         string          `json:"status"`
	PrelistData    json.RawMessage `json:"prelist_data"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// AssignmentsResponse is the body returned by GET /sync/assignments
type AssignmentsResponse struct {
	Data        []AssignmentDownload `json:"data"`
	HasMore     bool                 `json:"has_more"`
	NextAfter   time.Time            `json:"next_after"`
	NextAfterID string               `json:"next_after_id,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// HealthResponse represents service status response
type HealthResponse struct {
	Status  string `json:"status"`
	AppName string `json:"app_name"`
}
