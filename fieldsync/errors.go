// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"errors"
	"fmt"
)

// Sentinels for reconciliation failures
var (
	ErrNoPublishedVersion = errors.New("no published schema version")
	ErrNoMembership       = errors.New("no organization membership")
	ErrBadUnit            = errors.New("bad sync unit")
	ErrServiceClosed      = errors.New("sync service has been closed")
	ErrInvalidCursor      = errors.New("invalid assignments cursor")
)

// AssignmentCreationError reports that an ad hoc assignment could not be created
// because a precondition on the referenced table was not met.
type AssignmentCreationError struct {
	TableID      string
	AssignmentID string
	Err          error
}

func (e *AssignmentCreationError) Error() string {
	return fmt.Sprintf("cannot create assignment %s for table %s: %v", e.AssignmentID, e.TableID, e.Err)
}

func (e *AssignmentCreationError) Unwrap() error {
	return e.Err
}
