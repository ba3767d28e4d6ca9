// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsqlite

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/mobiletoly/go-fieldsync/fieldsync"
)

// PushResult summarizes one PushOnce call
type PushResult struct {
	Sent     int // units posted
	Synced   int // marked is_synced = 1
	Failed   int // error results, left pending
	Remapped int // ad hoc assignments that received a server id
}

// Start runs the background uploader until ctx is cancelled
func (c *Client) Start(ctx context.Context) {
	go c.uploaderLoop(ctx)
}

// uploaderLoop pushes pending responses with exponential backoff on failure
func (c *Client) uploaderLoop(ctx context.Context) {
	backoff := c.config.BackoffMin
	for {
		wait := c.config.BackoffMin
		if atomic.LoadInt32(&c.uploadPaused) == 0 {
			if _, err := c.PushOnce(ctx); err != nil {
				c.logger.Warn("Upload failed", "error", err, "retry_in", backoff)
				wait = backoff
				backoff *= 2
				if backoff > c.config.BackoffMax {
					backoff = c.config.BackoffMax
				}
			} else {
				backoff = c.config.BackoffMin
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// PushOnce uploads every pending response once, in chunks of UploadLimit, and applies
// the positional results. Units that fail on the server stay pending with last_error set.
// A transport failure stops the push; chunks already applied stay applied.
func (c *Client) PushOnce(ctx context.Context) (PushResult, error) {
	var total PushResult
	if atomic.LoadInt32(&c.uploadPaused) == 1 {
		return total, nil
	}

	pending, err := c.PendingResponses(ctx, 0)
	if err != nil {
		return total, err
	}

	for start := 0; start < len(pending); start += c.config.UploadLimit {
		end := min(start+c.config.UploadLimit, len(pending))
		chunk := pending[start:end]

		req := &fieldsync.BatchSyncRequest{Data: make([]fieldsync.SyncUnit, len(chunk))}
		for i, r := range chunk {
			req.Data[i] = fieldsync.SyncUnit{
				LocalID:      r.LocalID,
				AssignmentID: r.AssignmentID,
				TableID:      r.TableID,
				Data:         r.Data,
				DeviceID:     r.DeviceID,
				CreatedAt:    r.CreatedAt,
				UpdatedAt:    r.UpdatedAt,
			}
		}

		resp, err := c.sendBatch(ctx, req)
		if err != nil {
			return total, err
		}
		if len(resp.Data) != len(chunk) {
			return total, fmt.Errorf("server returned %d results for %d units", len(resp.Data), len(chunk))
		}
		total.Sent += len(chunk)

		res, err := c.applyResults(ctx, chunk, resp.Data)
		if err != nil {
			return total, err
		}
		total.Synced += res.Synced
		total.Failed += res.Failed
		total.Remapped += res.Remapped
	}

	if total.Sent > 0 {
		c.logger.Debug("Push complete",
			"sent", total.Sent, "synced", total.Synced, "failed", total.Failed, "remapped", total.Remapped)
	}
	return total, nil
}

// applyResults marks the outcome of one posted chunk inside one local transaction
func (c *Client) applyResults(ctx context.Context, sent []Response, results []fieldsync.UnitResult) (PushResult, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var out PushResult
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return out, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := formatTime(time.Now())
	remapped := make(map[string]string)
	for i, result := range results {
		r := sent[i]
		if result.Status != fieldsync.StSuccess {
			out.Failed++
			msg := result.Message
			if msg == "" {
				msg = "sync failed"
			}
			if _, err := tx.ExecContext(ctx, `UPDATE responses SET last_error = ? WHERE local_id = ?`, msg, r.LocalID); err != nil {
				return out, fmt.Errorf("record sync error for %s: %w", r.LocalID, err)
			}
			continue
		}

		assignmentID := r.AssignmentID
		if newID, ok := remapped[assignmentID]; ok {
			assignmentID = newID
		} else if result.NewAssignmentID != nil && *result.NewAssignmentID != assignmentID {
			if err := remapAssignment(ctx, tx, assignmentID, *result.NewAssignmentID); err != nil {
				return out, err
			}
			remapped[assignmentID] = *result.NewAssignmentID
			assignmentID = *result.NewAssignmentID
			out.Remapped++
		}

		// a response edited while the push was in flight stays pending
		var serverID *string
		if result.ResponseID != "" {
			serverID = &result.ResponseID
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE responses
			SET is_synced = 1, server_id = COALESCE(?, server_id), last_error = NULL
			WHERE local_id = ? AND updated_at = ?`,
			serverID, r.LocalID, formatTime(r.UpdatedAt))
		if err != nil {
			return out, fmt.Errorf("mark %s synced: %w", r.LocalID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			out.Synced++
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE assignments
			SET synced_at = ?,
			    status = CASE WHEN status = ? THEN ? ELSE status END
			WHERE id = ?`,
			now, fieldsync.AssignmentCompleted, fieldsync.AssignmentSynced, assignmentID); err != nil {
			return out, fmt.Errorf("mark assignment %s synced: %w", assignmentID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return out, fmt.Errorf("commit: %w", err)
	}
	return out, nil
}

// remapAssignment replaces a client-generated assignment id with the server id. If the
// server row was already pulled locally, the responses move to it and the ad hoc row is dropped.
func remapAssignment(ctx context.Context, tx *sql.Tx, oldID, newID string) error {
	var exists int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM assignments WHERE id = ?`, newID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check assignment %s: %w", newID, err)
	}
	if exists == 0 {
		if _, err := tx.ExecContext(ctx, `UPDATE assignments SET id = ? WHERE id = ?`, newID, oldID); err != nil {
			return fmt.Errorf("remap assignment %s: %w", oldID, err)
		}
	}
	// no-op when ON UPDATE CASCADE already moved them
	if _, err := tx.ExecContext(ctx, `UPDATE responses SET assignment_id = ? WHERE assignment_id = ?`, newID, oldID); err != nil {
		return fmt.Errorf("remap responses of %s: %w", oldID, err)
	}
	if exists > 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM assignments WHERE id = ?`, oldID); err != nil {
			return fmt.Errorf("drop ad hoc assignment %s: %w", oldID, err)
		}
	}
	return nil
}

// PullAssignments downloads assignments after the stored (updated_at, id) cursor and
// upserts them. It returns the number of assignments applied.
func (c *Client) PullAssignments(ctx context.Context) (int, error) {
	var after, afterID string
	if err := c.DB.QueryRowContext(ctx,
		`SELECT assignments_after, assignments_after_id FROM _client_info WHERE id = 1`).Scan(&after, &afterID); err != nil {
		return 0, fmt.Errorf("read assignment cursor: %w", err)
	}

	applied := 0
	for {
		page, err := c.fetchAssignments(ctx, after, afterID)
		if err != nil {
			return applied, err
		}
		if err := c.UpsertAssignments(ctx, page.Data); err != nil {
			return applied, err
		}
		applied += len(page.Data)
		if len(page.Data) > 0 {
			after = page.NextAfter.UTC().Format(time.RFC3339Nano)
			afterID = page.NextAfterID
			if _, err := c.DB.ExecContext(ctx,
				`UPDATE _client_info SET assignments_after = ?, assignments_after_id = ? WHERE id = 1`,
				after, afterID); err != nil {
				return applied, fmt.Errorf("store assignment cursor: %w", err)
			}
		}
		if !page.HasMore || len(page.Data) == 0 {
			return applied, nil
		}
	}
}

func (c *Client) sendBatch(ctx context.Context, req *fieldsync.BatchSyncRequest) (*fieldsync.BatchSyncResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal sync request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/sync/responses", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	var out fieldsync.BatchSyncResponse
	if err := c.do(ctx, httpReq, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) fetchAssignments(ctx context.Context, after, afterID string) (*fieldsync.AssignmentsResponse, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(c.config.DownloadLimit))
	if after != "" {
		q.Set("after", after)
	}
	if afterID != "" {
		q.Set("after_id", afterID)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/sync/assignments?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	var out fieldsync.AssignmentsResponse
	if err := c.do(ctx, httpReq, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, httpReq *http.Request, out any) error {
	token, err := c.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get JWT token: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
