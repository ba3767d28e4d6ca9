// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// InitializeSchema creates the field.* tables if they don't exist.
// The bulk import pipeline calls this too, so it works against a fresh database
// even when no sync service has been started.
func InitializeSchema(ctx context.Context, pool *pgxpool.Pool) error {
	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		// concurrent IF NOT EXISTS creates can still collide on pg_type
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('field.schema_init'))`); err != nil {
			return fmt.Errorf("lock schema init: %w", err)
		}
		return initializeSchemaInTx(ctx, tx)
	})
}

// initializeSchemaInTx creates the required tables within an existing transaction
func initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	migrations := []string{
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS field`,

		// Collaborator tables: owned by the editor, read here for lookups and preconditions
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS field.organizations (
			id   UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			code TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL DEFAULT ''
		)`,
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS field.users (
			id    UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			email TEXT NOT NULL UNIQUE,
			name  TEXT NOT NULL DEFAULT ''
		)`,
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS field.apps (
			id              UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			organization_id UUID NOT NULL REFERENCES field.organizations(id),
			name            TEXT NOT NULL DEFAULT ''
		)`,
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS field.memberships (
			organization_id UUID NOT NULL REFERENCES field.organizations(id),
			user_id         UUID NOT NULL REFERENCES field.users(id),
			app_id          UUID NOT NULL REFERENCES field.apps(id),
			role            TEXT NOT NULL DEFAULT 'enumerator',
			PRIMARY KEY (organization_id, user_id, app_id)
		)`,
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS field.tables (
			id     UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			app_id UUID NOT NULL REFERENCES field.apps(id),
			name   TEXT NOT NULL DEFAULT ''
		)`,
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS field.table_versions (
			id           UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			table_id     UUID NOT NULL REFERENCES field.tables(id),
			version      INTEGER NOT NULL,
			published_at TIMESTAMPTZ,
			UNIQUE (table_id, version)
		)`,

		// Units of field work. (table_version_id, external_id) is unique so that two
		// concurrent syncs of the same ad hoc assignment cannot both insert.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS field.assignments (
			id               UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			table_version_id UUID NOT NULL REFERENCES field.table_versions(id),
			organization_id  UUID NOT NULL REFERENCES field.organizations(id),
			supervisor_id    UUID REFERENCES field.users(id),
			enumerator_id    UUID REFERENCES field.users(id),
			external_id      TEXT,
			status           TEXT NOT NULL DEFAULT 'assigned'
				CHECK (status IN ('assigned','in_progress','completed','synced')),
			prelist_data     JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
			deleted_at       TIMESTAMPTZ,
			CONSTRAINT assignments_version_external_uniq UNIQUE (table_version_id, external_id)
		)`,
		`CREATE INDEX IF NOT EXISTS assignments_external_idx ON field.assignments(external_id) WHERE external_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS assignments_enumerator_upd_idx ON field.assignments(enumerator_id, updated_at)`,
		`CREATE INDEX IF NOT EXISTS assignments_supervisor_upd_idx ON field.assignments(supervisor_id, updated_at)`,

		// Collected payloads; local_id is the sync idempotency key
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS field.responses (
			id            UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			local_id      TEXT NOT NULL UNIQUE,
			assignment_id UUID NOT NULL REFERENCES field.assignments(id),
			data          JSONB NOT NULL DEFAULT '{}'::jsonb,
			device_id     TEXT,
			created_at    TIMESTAMPTZ NOT NULL,
			updated_at    TIMESTAMPTZ NOT NULL,
			synced_at     TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS responses_assignment_idx ON field.responses(assignment_id)`,

		// Bulk import target rows; ids are UUIDv7 so they sort in file order
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS field.app_records (
			id         UUID PRIMARY KEY,
			table_id   UUID NOT NULL REFERENCES field.tables(id),
			data       JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS app_records_table_idx ON field.app_records(table_id, id)`,
	}

	for i, migration := range migrations {
		if _, err := tx.Exec(ctx, migration); err != nil {
			return fmt.Errorf("failed to execute migration %d: %w", i+1, err)
		}
	}
	return nil
}
