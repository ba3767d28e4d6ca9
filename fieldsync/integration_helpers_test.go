// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	containerOnce sync.Once
	containerURL  string
	containerErr  error
	container     *postgres.PostgresContainer
)

func TestMain(m *testing.M) {
	code := m.Run()
	if container != nil {
		_ = container.Terminate(context.Background())
	}
	os.Exit(code)
}

// testDatabaseURL returns TEST_DATABASE_URL or starts one shared PostgreSQL container
func testDatabaseURL(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	if url := os.Getenv("TEST_DATABASE_URL"); url != "" {
		return url
	}
	containerOnce.Do(func() {
		ctx := context.Background()
		container, containerErr = postgres.Run(ctx, "postgres:15-alpine",
			postgres.WithDatabase("fieldsync_test"),
			postgres.WithUsername("postgres"),
			postgres.WithPassword("password"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second)),
		)
		if containerErr != nil {
			return
		}
		containerURL, containerErr = container.ConnectionString(ctx, "sslmode=disable")
	})
	if containerErr != nil {
		t.Skipf("No TEST_DATABASE_URL and no container runtime: %v", containerErr)
	}
	return containerURL
}

type testEnv struct {
	ctx     context.Context
	pool    *pgxpool.Pool
	service *SyncService

	orgID     string
	orgCode   string
	appID     string
	tableID   string
	versionID string
	userID    string // member of the app
	outsider  string // not a member
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, testDatabaseURL(t))
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
	svc, err := NewSyncService(pool, &ServiceConfig{AppName: "fieldsync-test"}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	env := &testEnv{ctx: ctx, pool: pool, service: svc}
	env.seed(t)
	return env
}

// seed creates an organization with one app, one table with a published version,
// a member user and a non-member user. All ids are fresh so tests do not interfere.
func (e *testEnv) seed(t *testing.T) {
	t.Helper()
	suffix := uuid.NewString()
	e.orgCode = "org-" + suffix

	require.NoError(t, e.pool.QueryRow(e.ctx,
		`INSERT INTO field.organizations (code, name) VALUES ($1, 'Test Org') RETURNING id::text`,
		e.orgCode).Scan(&e.orgID))
	require.NoError(t, e.pool.QueryRow(e.ctx,
		`INSERT INTO field.apps (organization_id, name) VALUES ($1::uuid, 'Survey') RETURNING id::text`,
		e.orgID).Scan(&e.appID))
	require.NoError(t, e.pool.QueryRow(e.ctx,
		`INSERT INTO field.tables (app_id, name) VALUES ($1::uuid, 'households') RETURNING id::text`,
		e.appID).Scan(&e.tableID))
	require.NoError(t, e.pool.QueryRow(e.ctx,
		`INSERT INTO field.table_versions (table_id, version, published_at) VALUES ($1::uuid, 1, now()) RETURNING id::text`,
		e.tableID).Scan(&e.versionID))
	e.userID = e.createUser(t, "enum-"+suffix+"@example.com")
	e.outsider = e.createUser(t, "outsider-"+suffix+"@example.com")

	_, err := e.pool.Exec(e.ctx,
		`INSERT INTO field.memberships (organization_id, user_id, app_id) VALUES ($1::uuid, $2::uuid, $3::uuid)`,
		e.orgID, e.userID, e.appID)
	require.NoError(t, err)
}

func (e *testEnv) createUser(t *testing.T, email string) string {
	t.Helper()
	var id string
	require.NoError(t, e.pool.QueryRow(e.ctx,
		`INSERT INTO field.users (email) VALUES ($1) RETURNING id::text`, email).Scan(&id))
	return id
}

// createUnpublishedTable returns a table of the same app whose only version is a draft
func (e *testEnv) createUnpublishedTable(t *testing.T) string {
	t.Helper()
	var tableID string
	require.NoError(t, e.pool.QueryRow(e.ctx,
		`INSERT INTO field.tables (app_id, name) VALUES ($1::uuid, 'draft') RETURNING id::text`,
		e.appID).Scan(&tableID))
	_, err := e.pool.Exec(e.ctx,
		`INSERT INTO field.table_versions (table_id, version) VALUES ($1::uuid, 1)`, tableID)
	require.NoError(t, err)
	return tableID
}

// createAssignment inserts a server-issued assignment for the member user
func (e *testEnv) createAssignment(t *testing.T, externalID *string) string {
	t.Helper()
	var id string
	require.NoError(t, e.pool.QueryRow(e.ctx, `
		INSERT INTO field.assignments (table_version_id, organization_id, enumerator_id, external_id)
		VALUES ($1::uuid, $2::uuid, $3::uuid, $4)
		RETURNING id::text`, e.versionID, e.orgID, e.userID, externalID).Scan(&id))
	return id
}

func (e *testEnv) unit(assignmentID, localID, data string, updatedAt time.Time) SyncUnit {
	return SyncUnit{
		LocalID:      localID,
		AssignmentID: assignmentID,
		TableID:      e.tableID,
		Data:         []byte(data),
		CreatedAt:    updatedAt,
		UpdatedAt:    updatedAt,
	}
}

func (e *testEnv) sync(t *testing.T, units ...SyncUnit) []UnitResult {
	t.Helper()
	resp, err := e.service.ProcessBatch(e.ctx, e.userID, "device-1", &BatchSyncRequest{Data: units})
	require.NoError(t, err)
	require.Len(t, resp.Data, len(units))
	return resp.Data
}

func (e *testEnv) countResponses(t *testing.T, localID string) int {
	t.Helper()
	var n int
	require.NoError(t, e.pool.QueryRow(e.ctx,
		`SELECT count(*) FROM field.responses WHERE local_id = $1`, localID).Scan(&n))
	return n
}

func (e *testEnv) responseData(t *testing.T, localID string) map[string]any {
	t.Helper()
	var data map[string]any
	require.NoError(t, e.pool.QueryRow(e.ctx,
		`SELECT data FROM field.responses WHERE local_id = $1`, localID).Scan(&data))
	return data
}

func (e *testEnv) countAssignmentsByExternalID(t *testing.T, externalID string) int {
	t.Helper()
	var n int
	require.NoError(t, e.pool.QueryRow(e.ctx,
		`SELECT count(*) FROM field.assignments WHERE external_id = $1`, externalID).Scan(&n))
	return n
}
