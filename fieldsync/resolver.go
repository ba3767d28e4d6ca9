// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Querier is the read side shared by pgx.Tx, *pgx.Conn and *pgxpool.Pool
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Resolver maps client-supplied identifiers to existing server rows.
// It never writes.
type Resolver struct{}

// Resolve dispatches on kind. tableID scopes assignment external ids and is ignored for responses.
func (r Resolver) Resolve(ctx context.Context, q Querier, kind, tableID, key string) (*EntityRef, error) {
	switch kind {
	case KindResponse:
		return r.ResolveResponse(ctx, q, key)
	case KindAssignment:
		return r.ResolveAssignment(ctx, q, tableID, key)
	default:
		return nil, fmt.Errorf("unknown entity kind %q", kind)
	}
}

// ResolveResponse looks a response up by its client local_id (exact, case-sensitive).
// The row is locked so a concurrent unit with the same local_id waits for this one.
func (Resolver) ResolveResponse(ctx context.Context, q Querier, localID string) (*EntityRef, error) {
	ref := &EntityRef{Kind: KindResponse}
	err := q.QueryRow(ctx, `
		SELECT id::text, updated_at
		FROM field.responses
		WHERE local_id = $1
		FOR UPDATE`, localID).Scan(&ref.ID, &ref.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve response %q: %w", localID, err)
	}
	return ref, nil
}

// ResolveAssignment tries key as a server primary key first, then as an external id
// scoped to any version of tableID. The primary key stage must come first: an ad hoc
// assignment synced earlier has been remapped on the client to its server id.
func (Resolver) ResolveAssignment(ctx context.Context, q Querier, tableID, key string) (*EntityRef, error) {
	ref := &EntityRef{Kind: KindAssignment}

	if pk, err := uuid.Parse(key); err == nil {
		err = q.QueryRow(ctx, `
			SELECT id::text, updated_at
			FROM field.assignments
			WHERE id = $1::uuid AND deleted_at IS NULL`, pk.String()).Scan(&ref.ID, &ref.UpdatedAt)
		if err == nil {
			return ref, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("resolve assignment by id %q: %w", key, err)
		}
	}

	if _, err := uuid.Parse(tableID); err != nil {
		return nil, nil
	}
	err := q.QueryRow(ctx, `
		SELECT a.id::text, a.updated_at
		FROM field.assignments a
		JOIN field.table_versions tv ON tv.id = a.table_version_id
		WHERE tv.table_id = $1::uuid
		  AND a.external_id = $2
		  AND a.deleted_at IS NULL
		ORDER BY a.created_at
		LIMIT 1`, tableID, key).Scan(&ref.ID, &ref.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve assignment by external id %q: %w", key, err)
	}
	return ref, nil
}

// LookupCache memoizes organization and user lookups by natural key.
// Construct one per batch or import job and drop it afterwards; it is not safe for
// concurrent use and must never outlive the operation that created it.
type LookupCache struct {
	q     Querier
	orgs  map[string]*string
	users map[string]*string

	// hits/misses are exposed for tests and debug logging
	hits   int
	misses int
}

// NewLookupCache creates an empty request-scoped cache reading through q
func NewLookupCache(q Querier) *LookupCache {
	return &LookupCache{
		q:     q,
		orgs:  make(map[string]*string),
		users: make(map[string]*string),
	}
}

// WithQuerier rebinds the cache to another querier (e.g. the current unit transaction),
// keeping what has been memoized so far.
func (c *LookupCache) WithQuerier(q Querier) *LookupCache {
	c.q = q
	return c
}

// OrganizationID resolves an organization by code. A nil result means "not found"
// and is memoized as well.
func (c *LookupCache) OrganizationID(ctx context.Context, code string) (*string, error) {
	if code == "" {
		return nil, nil
	}
	if id, ok := c.orgs[code]; ok {
		c.hits++
		return id, nil
	}
	c.misses++
	id, err := c.lookup(ctx, `SELECT id::text FROM field.organizations WHERE code = $1`, code)
	if err != nil {
		return nil, fmt.Errorf("lookup organization %q: %w", code, err)
	}
	c.orgs[code] = id
	return id, nil
}

// UserID resolves a user by email
func (c *LookupCache) UserID(ctx context.Context, email string) (*string, error) {
	if email == "" {
		return nil, nil
	}
	if id, ok := c.users[email]; ok {
		c.hits++
		return id, nil
	}
	c.misses++
	id, err := c.lookup(ctx, `SELECT id::text FROM field.users WHERE email = $1`, email)
	if err != nil {
		return nil, fmt.Errorf("lookup user %q: %w", email, err)
	}
	c.users[email] = id
	return id, nil
}

// Stats returns memoization hit and miss counts
func (c *LookupCache) Stats() (hits, misses int) {
	return c.hits, c.misses
}

func (c *LookupCache) lookup(ctx context.Context, query, key string) (*string, error) {
	var id string
	err := c.q.QueryRow(ctx, query, key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &id, nil
}
