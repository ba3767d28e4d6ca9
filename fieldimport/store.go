// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldimport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mobiletoly/go-fieldsync/fieldsync"
)

// Row is one mapped source row ready to be written as an app record plus its assignment.
// ID is a UUIDv7 shared by the app record id and the assignment external_id.
type Row struct {
	ID             string
	Fields         map[string]any
	OrganizationID *string
	SupervisorID   *string
	EnumeratorID   *string
	Line           int // 1-based line in the source file, for logs
}

// Target is where an import writes
type Target struct {
	TableID        string
	TableVersionID string
	OrganizationID string
}

// Lookups resolves natural keys found in source rows. One instance lives for one job.
type Lookups interface {
	OrganizationID(ctx context.Context, code string) (*string, error)
	UserID(ctx context.Context, email string) (*string, error)
}

// BatchStore is the write side of the import pipeline
type BatchStore interface {
	// ResolveTarget finds the schema version and owning organization for tableID
	ResolveTarget(ctx context.Context, tableID, appID string) (Target, error)
	// NewLookups returns a fresh job-scoped lookup cache
	NewLookups() Lookups
	// InsertBatch writes rows in one transaction. Re-inserting a committed row is a no-op.
	InsertBatch(ctx context.Context, target Target, rows []Row) error
	// Reconnect drops pooled connections so the next attempt dials fresh
	Reconnect(ctx context.Context) error
}

// PgBatchStore implements BatchStore on pgxpool
type PgBatchStore struct {
	pool *pgxpool.Pool
}

func NewPgBatchStore(pool *pgxpool.Pool) *PgBatchStore {
	return &PgBatchStore{pool: pool}
}

func (s *PgBatchStore) NewLookups() Lookups {
	return fieldsync.NewLookupCache(s.pool)
}

// ResolveTarget prefers the latest published version and falls back to the latest draft
func (s *PgBatchStore) ResolveTarget(ctx context.Context, tableID, appID string) (Target, error) {
	t := Target{TableID: tableID}
	var tableAppID string
	err := s.pool.QueryRow(ctx, `
		SELECT tv.id::text, a.organization_id::text, a.id::text
		FROM field.table_versions tv
		JOIN field.tables t ON t.id = tv.table_id
		JOIN field.apps a ON a.id = t.app_id
		WHERE tv.table_id = $1::uuid
		ORDER BY (tv.published_at IS NOT NULL) DESC, tv.version DESC
		LIMIT 1`, tableID).Scan(&t.TableVersionID, &t.OrganizationID, &tableAppID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Target{}, invalid(fmt.Errorf("%w: table %s", ErrNoTableVersion, tableID))
	}
	if err != nil {
		return Target{}, fmt.Errorf("resolve import target %s: %w", tableID, err)
	}
	if appID != "" && appID != tableAppID {
		return Target{}, invalid(fmt.Errorf("table %s does not belong to app %s", tableID, appID))
	}
	return t, nil
}

func (s *PgBatchStore) InsertBatch(ctx context.Context, target Target, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	ids := make([]string, len(rows))
	data := make([]string, len(rows))
	orgs := make([]*string, len(rows))
	sups := make([]*string, len(rows))
	enus := make([]*string, len(rows))
	for i, r := range rows {
		b, err := json.Marshal(r.Fields)
		if err != nil {
			return fmt.Errorf("encode row at line %d: %w", r.Line, err)
		}
		ids[i] = r.ID
		data[i] = string(b)
		orgs[i] = r.OrganizationID
		sups[i] = r.SupervisorID
		enus[i] = r.EnumeratorID
	}

	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO field.app_records (id, table_id, data)
			SELECT r.id::uuid, $1::uuid, r.data::jsonb
			FROM unnest($2::text[], $3::text[]) AS r(id, data)
			ON CONFLICT (id) DO NOTHING`,
			target.TableID, ids, data); err != nil {
			return fmt.Errorf("insert app records: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO field.assignments
				(table_version_id, organization_id, supervisor_id, enumerator_id, external_id, status, prelist_data)
			SELECT $1::uuid, COALESCE(a.org::uuid, $2::uuid), a.sup::uuid, a.enu::uuid, a.ext, $3, a.data::jsonb
			FROM unnest($4::text[], $5::text[], $6::text[], $7::text[], $8::text[]) AS a(ext, org, sup, enu, data)
			ON CONFLICT (table_version_id, external_id) DO NOTHING`,
			target.TableVersionID, target.OrganizationID, fieldsync.AssignmentAssigned,
			ids, orgs, sups, enus, data); err != nil {
			return fmt.Errorf("insert assignments: %w", err)
		}
		return nil
	})
}

// Reconnect closes idle pooled connections; in-use ones are closed on release
func (s *PgBatchStore) Reconnect(_ context.Context) error {
	s.pool.Reset()
	return nil
}
