// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

// Per-unit result statuses returned by the batch sync endpoint
const (
	StSuccess = "success"
	StError   = "error"
)

// Assignment lifecycle statuses
const (
	AssignmentAssigned   = "assigned"
	AssignmentInProgress = "in_progress"
	AssignmentCompleted  = "completed"
	AssignmentSynced     = "synced"
)

// Entity kinds understood by the idempotency key resolver
const (
	KindAssignment = "assignment"
	KindResponse   = "response"
)

// Error codes written into ErrorResponse.Error
const (
	CodeMethodNotAllowed = "method_not_allowed"
	CodeAuthFailed       = "authentication_failed"
	CodeInvalidRequest   = "invalid_request"
	CodeSyncFailed       = "sync_failed"
	CodeDownloadFailed   = "download_failed"
)
