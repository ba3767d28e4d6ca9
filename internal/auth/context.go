// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
)

// Identity is the authenticated field worker and the device the request came from
type Identity struct {
	UserID   string
	DeviceID string
}

type identityKey struct{}

// WithIdentity stores id in ctx. An identity without a user is not stored.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	if id.UserID == "" {
		return ctx
	}
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the identity placed by the auth middleware
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// GetUserID retrieves the user ID from the context
func GetUserID(ctx context.Context) (string, bool) {
	id, ok := FromContext(ctx)
	return id.UserID, ok
}

// GetDeviceID retrieves the device ID from the context; it may be empty for console tokens
func GetDeviceID(ctx context.Context) (string, bool) {
	id, ok := FromContext(ctx)
	return id.DeviceID, ok && id.DeviceID != ""
}
