// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"time"
)

// Identifiers are carried as canonical UUID strings.

// EntityRef identifies an existing row found by the idempotency key resolver
type EntityRef struct {
	Kind      string
	ID        string
	UpdatedAt time.Time
}

// publishedVersion is the target of an ad hoc assignment
type publishedVersion struct {
	TableVersionID string
	AppID          string
	OrganizationID string
}
