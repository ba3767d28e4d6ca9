// Package fieldsqlite is the client-side Local Store: an embedded SQLite database holding
// assignments and unsynced responses, and the logic that pushes them to the batch sync
// endpoint and applies the per-unit results.
//
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Client owns the local database and talks to the sync server
type Client struct {
	DB       *sql.DB
	BaseURL  string
	Token    func(context.Context) (string, error) // returns JWT
	DeviceID string
	HTTP     *http.Client
	config   *Config
	logger   *slog.Logger
	writeMu  sync.Mutex // Serialize write operations to prevent SQLite locking issues

	uploadPaused int32
}

// Config holds configuration for the local store client
type Config struct {
	UploadLimit   int           // Units per POST /sync/responses
	DownloadLimit int           // Page size for assignment pulls
	BackoffMin    time.Duration // 1s
	BackoffMax    time.Duration // 60s
}

// DefaultConfig returns the default client configuration
func DefaultConfig() *Config {
	return &Config{
		UploadLimit:   200,
		DownloadLimit: 500,
		BackoffMin:    1 * time.Second,
		BackoffMax:    60 * time.Second,
	}
}

// NewClient initializes the local schema and returns a client for it
func NewClient(db *sql.DB, baseURL, deviceID string, tok func(ctx context.Context) (string, error), config *Config) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.UploadLimit <= 0 {
		config.UploadLimit = 200
	}
	if config.DownloadLimit <= 0 {
		config.DownloadLimit = 500
	}
	if config.BackoffMin <= 0 {
		config.BackoffMin = time.Second
	}
	if config.BackoffMax < config.BackoffMin {
		config.BackoffMax = config.BackoffMin
	}

	if err := initializeDatabase(db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	if deviceID == "" {
		var err error
		if deviceID, err = EnsureDeviceID(db); err != nil {
			return nil, err
		}
	}

	return &Client{
		DB:       db,
		BaseURL:  baseURL,
		Token:    tok,
		DeviceID: deviceID,
		HTTP:     &http.Client{Timeout: 60 * time.Second},
		config:   config,
		logger:   slog.Default(),
	}, nil
}

// SetLogger replaces the client logger
func (c *Client) SetLogger(logger *slog.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// PauseUploads suspends PushOnce and the background loop
func (c *Client) PauseUploads() { atomic.StoreInt32(&c.uploadPaused, 1) }

// ResumeUploads resumes uploads
func (c *Client) ResumeUploads() { atomic.StoreInt32(&c.uploadPaused, 0) }

// EnsureDeviceID generates and persists the device id on first use
func EnsureDeviceID(db *sql.DB) (string, error) {
	var deviceID string
	err := db.QueryRow(`SELECT device_id FROM _client_info WHERE id = 1`).Scan(&deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		deviceID = uuid.New().String()
		if _, err := db.Exec(`INSERT INTO _client_info (id, device_id) VALUES (1, ?)`, deviceID); err != nil {
			return "", fmt.Errorf("failed to insert client info: %w", err)
		}
		return deviceID, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query client info: %w", err)
	}
	return deviceID, nil
}

func initializeDatabase(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		`CREATE TABLE IF NOT EXISTS _client_info (
			id                INTEGER PRIMARY KEY CHECK (id = 1),
			device_id         TEXT NOT NULL,
			assignments_after TEXT NOT NULL DEFAULT '', -- cursor for GET /sync/assignments
			assignments_after_id TEXT NOT NULL DEFAULT ''
		)`,

		// Server-issued and locally created (ad hoc) assignments. Ad hoc rows start with
		// id = external_id = a client UUID; the id is remapped once the server reports one.
		`CREATE TABLE IF NOT EXISTS assignments (
			id              TEXT PRIMARY KEY,
			table_id        TEXT NOT NULL,
			organization_id TEXT,
			supervisor_id   TEXT,
			enumerator_id   TEXT,
			external_id     TEXT,
			status          TEXT NOT NULL DEFAULT 'assigned'
				CHECK (status IN ('assigned','in_progress','completed','synced')),
			prelist_data    TEXT NOT NULL DEFAULT '{}',
			synced_at       TEXT,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS responses (
			local_id      TEXT PRIMARY KEY,
			server_id     TEXT,
			assignment_id TEXT NOT NULL REFERENCES assignments(id) ON UPDATE CASCADE,
			data          TEXT NOT NULL DEFAULT '{}',
			device_id     TEXT,
			is_synced     INTEGER NOT NULL DEFAULT 0,
			last_error    TEXT,
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS responses_pending_idx ON responses(is_synced, updated_at)`,
		`CREATE INDEX IF NOT EXISTS responses_assignment_idx ON responses(assignment_id)`,
	}
	for _, stmt := range tables {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create local table: %w", err)
		}
	}
	// databases created before the keyset cursor lack the id half
	return ensureColumn(db, "_client_info", "assignments_after_id", `TEXT NOT NULL DEFAULT ''`)
}

func ensureColumn(db *sql.DB, table, column, decl string) error {
	rows, err := db.Query(`SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return fmt.Errorf("failed to inspect %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("failed to inspect %s: %w", table, err)
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to inspect %s: %w", table, err)
	}
	if _, err := db.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, decl)); err != nil {
		return fmt.Errorf("failed to add %s.%s: %w", table, column, err)
	}
	return nil
}

const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

// formatTime stores timestamps as fixed-width UTC text so they sort lexically
func formatTime(t time.Time) string {
	return t.UTC().Truncate(time.Microsecond).Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}
