// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

// resultSuccess creates a result for a unit that was inserted, updated or ignored as stale
func resultSuccess(responseID string) UnitResult {
	return UnitResult{
		Status:     StSuccess,
		ResponseID: responseID,
	}
}

// resultCreated creates a result for a unit that also created an ad hoc assignment
func resultCreated(responseID, assignmentID string) UnitResult {
	id := assignmentID
	return UnitResult{
		Status:          StSuccess,
		ResponseID:      responseID,
		NewAssignmentID: &id,
	}
}

// resultError creates a result for a unit that failed; the message is shown to the field worker verbatim
func resultError(err error) UnitResult {
	return UnitResult{
		Status:  StError,
		Message: err.Error(),
	}
}
