// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsqlite

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/mobiletoly/go-fieldsync/fieldsync"
	"github.com/stretchr/testify/require"
)

// fakeServer answers /sync/responses through respond and serves a fixed assignment list
type fakeServer struct {
	mu          sync.Mutex
	batches     [][]fieldsync.SyncUnit
	respond     func(units []fieldsync.SyncUnit) []fieldsync.UnitResult
	assignments []fieldsync.AssignmentDownload
	pageSize    int
	afters      []string
	afterIDs    []string
}

func newFakeServer(t *testing.T) (*fakeServer, *httptest.Server) {
	t.Helper()
	fs := &fakeServer{pageSize: 2}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sync/responses", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req fieldsync.BatchSyncRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		fs.mu.Lock()
		fs.batches = append(fs.batches, req.Data)
		respond := fs.respond
		fs.mu.Unlock()

		var results []fieldsync.UnitResult
		if respond != nil {
			results = respond(req.Data)
		} else {
			for _, u := range req.Data {
				results = append(results, fieldsync.UnitResult{Status: fieldsync.StSuccess, ResponseID: "srv-" + u.LocalID})
			}
		}
		_ = json.NewEncoder(w).Encode(fieldsync.BatchSyncResponse{Data: results})
	})
	mux.HandleFunc("GET /sync/assignments", func(w http.ResponseWriter, r *http.Request) {
		after, afterID := r.URL.Query().Get("after"), r.URL.Query().Get("after_id")
		fs.mu.Lock()
		fs.afters = append(fs.afters, after)
		fs.afterIDs = append(fs.afterIDs, afterID)
		// assignments are kept in (updated_at, id) order, matching the server keyset
		var page []fieldsync.AssignmentDownload
		for _, a := range fs.assignments {
			if after != "" {
				cursor, _ := time.Parse(time.RFC3339Nano, after)
				if a.UpdatedAt.Before(cursor) || (a.UpdatedAt.Equal(cursor) && a.ID <= afterID) {
					continue
				}
			}
			page = append(page, a)
		}
		fs.mu.Unlock()

		resp := fieldsync.AssignmentsResponse{}
		if len(page) > fs.pageSize {
			resp.HasMore = true
			page = page[:fs.pageSize]
		}
		resp.Data = page
		if len(page) > 0 {
			resp.NextAfter = page[len(page)-1].UpdatedAt
			resp.NextAfterID = page[len(page)-1].ID
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return fs, srv
}

func TestPushOnce_MarksSyncedInChunks(t *testing.T) {
	ctx := context.Background()
	fs, srv := newFakeServer(t)
	c := newTestClient(t, srv.URL, &Config{UploadLimit: 2})

	aid, err := c.CreateLocalAssignment(ctx, "tbl", nil)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := c.SaveResponse(ctx, aid, "", map[string]any{"i": i})
		require.NoError(t, err)
	}
	require.NoError(t, c.CompleteAssignment(ctx, aid))

	res, err := c.PushOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, PushResult{Sent: 3, Synced: 3}, res)
	require.Len(t, fs.batches, 2)
	require.Len(t, fs.batches[0], 2)
	require.Equal(t, "tbl", fs.batches[0][0].TableID)
	require.Equal(t, c.DeviceID, fs.batches[0][0].DeviceID)

	pending, err := c.PendingResponses(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, pending)

	a, err := c.GetAssignment(ctx, aid)
	require.NoError(t, err)
	require.Equal(t, fieldsync.AssignmentSynced, a.Status)
	require.NotNil(t, a.SyncedAt)

	// nothing left to send
	res, err = c.PushOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, res.Sent)
	require.Len(t, fs.batches, 2)
}

func TestPushOnce_ErrorResultStaysPending(t *testing.T) {
	ctx := context.Background()
	fs, srv := newFakeServer(t)
	c := newTestClient(t, srv.URL, nil)
	fs.respond = func(units []fieldsync.SyncUnit) []fieldsync.UnitResult {
		out := make([]fieldsync.UnitResult, len(units))
		for i := range units {
			out[i] = fieldsync.UnitResult{Status: fieldsync.StSuccess}
		}
		out[0] = fieldsync.UnitResult{Status: fieldsync.StError, Message: "table has no published version"}
		return out
	}

	aid, err := c.CreateLocalAssignment(ctx, "tbl", nil)
	require.NoError(t, err)
	bad, err := c.SaveResponse(ctx, aid, "", map[string]any{"n": 1})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	good, err := c.SaveResponse(ctx, aid, "", map[string]any{"n": 2})
	require.NoError(t, err)

	res, err := c.PushOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, PushResult{Sent: 2, Synced: 1, Failed: 1}, res)

	r, err := c.GetResponse(ctx, bad)
	require.NoError(t, err)
	require.False(t, r.IsSynced)
	require.NotNil(t, r.LastError)
	require.Equal(t, "table has no published version", *r.LastError)

	r, err = c.GetResponse(ctx, good)
	require.NoError(t, err)
	require.True(t, r.IsSynced)
	require.Nil(t, r.LastError)

	// editing clears the error and re-queues
	_, err = c.SaveResponse(ctx, aid, bad, map[string]any{"n": 3})
	require.NoError(t, err)
	r, err = c.GetResponse(ctx, bad)
	require.NoError(t, err)
	require.Nil(t, r.LastError)
}

func TestPushOnce_RemapsAdHocAssignment(t *testing.T) {
	ctx := context.Background()
	fs, srv := newFakeServer(t)
	c := newTestClient(t, srv.URL, nil)
	serverID := "server-assignment-1"
	fs.respond = func(units []fieldsync.SyncUnit) []fieldsync.UnitResult {
		out := make([]fieldsync.UnitResult, len(units))
		for i := range units {
			out[i] = fieldsync.UnitResult{Status: fieldsync.StSuccess, NewAssignmentID: &serverID}
		}
		return out
	}

	adHoc, err := c.CreateLocalAssignment(ctx, "tbl", map[string]any{"name": "Kios"})
	require.NoError(t, err)
	r1, err := c.SaveResponse(ctx, adHoc, "", map[string]any{"a": 1})
	require.NoError(t, err)
	r2, err := c.SaveResponse(ctx, adHoc, "", map[string]any{"a": 2})
	require.NoError(t, err)

	res, err := c.PushOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, res.Synced)
	require.Equal(t, 1, res.Remapped, "one ad hoc assignment is remapped once")
	require.Equal(t, adHoc, fs.batches[0][0].AssignmentID)

	_, err = c.GetAssignment(ctx, adHoc)
	require.ErrorIs(t, err, ErrAssignmentNotFound)
	a, err := c.GetAssignment(ctx, serverID)
	require.NoError(t, err)
	require.Equal(t, adHoc, *a.ExternalID)
	for _, id := range []string{r1, r2} {
		r, err := c.GetResponse(ctx, id)
		require.NoError(t, err)
		require.Equal(t, serverID, r.AssignmentID)
		require.True(t, r.IsSynced)
	}
}

func TestPullAssignments_AdoptsServerIDAfterLostAck(t *testing.T) {
	ctx := context.Background()
	fs, srv := newFakeServer(t)
	c := newTestClient(t, srv.URL, nil)
	// a retried push: the server already created the assignment and reports no new id
	fs.respond = func(units []fieldsync.SyncUnit) []fieldsync.UnitResult {
		out := make([]fieldsync.UnitResult, len(units))
		for i, u := range units {
			out[i] = fieldsync.UnitResult{Status: fieldsync.StSuccess, ResponseID: "srv-" + u.LocalID}
		}
		return out
	}

	adHoc, err := c.CreateLocalAssignment(ctx, "tbl", nil)
	require.NoError(t, err)
	r1, err := c.SaveResponse(ctx, adHoc, "", map[string]any{"a": 1})
	require.NoError(t, err)
	res, err := c.PushOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, res.Remapped)

	// an edit made after the push is still pending when the server row arrives
	r2, err := c.SaveResponse(ctx, adHoc, "", map[string]any{"a": 2})
	require.NoError(t, err)

	serverID := "server-assignment-1"
	fs.assignments = []fieldsync.AssignmentDownload{{
		ID: serverID, TableID: "tbl", ExternalID: &adHoc, Status: fieldsync.AssignmentAssigned,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}}
	n, err := c.PullAssignments(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	var count int
	require.NoError(t, c.DB.QueryRow(
		`SELECT COUNT(*) FROM assignments WHERE id = ? OR external_id = ?`, adHoc, adHoc).Scan(&count))
	require.Equal(t, 1, count)
	_, err = c.GetAssignment(ctx, adHoc)
	require.ErrorIs(t, err, ErrAssignmentNotFound)

	a, err := c.GetAssignment(ctx, serverID)
	require.NoError(t, err)
	require.Equal(t, fieldsync.AssignmentInProgress, a.Status, "pending response keeps local status")
	for _, id := range []string{r1, r2} {
		r, err := c.GetResponse(ctx, id)
		require.NoError(t, err)
		require.Equal(t, serverID, r.AssignmentID)
	}

	// the pending edit now pushes against the server id
	_, err = c.PushOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, serverID, fs.batches[len(fs.batches)-1][0].AssignmentID)
}

func TestPushOnce_RemapMergesIntoPulledAssignment(t *testing.T) {
	ctx := context.Background()
	fs, srv := newFakeServer(t)
	c := newTestClient(t, srv.URL, nil)
	serverID := "server-assignment-2"
	fs.respond = func(units []fieldsync.SyncUnit) []fieldsync.UnitResult {
		return []fieldsync.UnitResult{{Status: fieldsync.StSuccess, NewAssignmentID: &serverID}}
	}

	adHoc, err := c.CreateLocalAssignment(ctx, "tbl", nil)
	require.NoError(t, err)
	rid, err := c.SaveResponse(ctx, adHoc, "", map[string]any{"a": 1})
	require.NoError(t, err)

	// a pull landed the server copy before the push result arrived
	now := time.Now()
	require.NoError(t, c.UpsertAssignments(ctx, []fieldsync.AssignmentDownload{{
		ID: serverID, TableID: "tbl", ExternalID: &adHoc, Status: fieldsync.AssignmentInProgress,
		CreatedAt: now, UpdatedAt: now,
	}}))

	res, err := c.PushOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Remapped)

	_, err = c.GetAssignment(ctx, adHoc)
	require.ErrorIs(t, err, ErrAssignmentNotFound)
	r, err := c.GetResponse(ctx, rid)
	require.NoError(t, err)
	require.Equal(t, serverID, r.AssignmentID)
}

func TestPushOnce_EditDuringPushStaysPending(t *testing.T) {
	ctx := context.Background()
	fs, srv := newFakeServer(t)
	c := newTestClient(t, srv.URL, nil)

	aid, err := c.CreateLocalAssignment(ctx, "tbl", nil)
	require.NoError(t, err)
	rid, err := c.SaveResponse(ctx, aid, "", map[string]any{"v": 1})
	require.NoError(t, err)

	fs.respond = func(units []fieldsync.SyncUnit) []fieldsync.UnitResult {
		time.Sleep(2 * time.Millisecond)
		if _, err := c.SaveResponse(ctx, aid, rid, map[string]any{"v": 2}); err != nil {
			t.Error(err)
		}
		return []fieldsync.UnitResult{{Status: fieldsync.StSuccess}}
	}
	res, err := c.PushOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, res.Synced)

	pending, err := c.PendingResponses(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.JSONEq(t, `{"v":2}`, string(pending[0].Data))
}

func TestPushOnce_TransportFailures(t *testing.T) {
	ctx := context.Background()
	fs, srv := newFakeServer(t)
	c := newTestClient(t, srv.URL, nil)
	aid, err := c.CreateLocalAssignment(ctx, "tbl", nil)
	require.NoError(t, err)
	_, err = c.SaveResponse(ctx, aid, "", nil)
	require.NoError(t, err)

	fs.respond = func([]fieldsync.SyncUnit) []fieldsync.UnitResult { return nil }
	_, err = c.PushOnce(ctx)
	require.ErrorContains(t, err, "0 results for 1 units")

	c.Token = func(context.Context) (string, error) { return "wrong", nil }
	_, err = c.PushOnce(ctx)
	require.ErrorContains(t, err, "status 401")

	pending, err := c.PendingResponses(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	c.PauseUploads()
	res, err := c.PushOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, res.Sent)
	c.ResumeUploads()
}

func TestPullAssignments_PagesAndStoresCursor(t *testing.T) {
	ctx := context.Background()
	fs, srv := newFakeServer(t)
	c := newTestClient(t, srv.URL, nil)

	base := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	for i, id := range []string{"a1", "a2", "a3"} {
		fs.assignments = append(fs.assignments, fieldsync.AssignmentDownload{
			ID: id, TableID: "tbl", Status: fieldsync.AssignmentAssigned,
			CreatedAt: base, UpdatedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}

	n, err := c.PullAssignments(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, []string{"", "2025-03-01T08:01:00Z"}, fs.afters)

	for _, id := range []string{"a1", "a2", "a3"} {
		_, err := c.GetAssignment(ctx, id)
		require.NoError(t, err)
	}

	// the stored cursor skips what was already pulled
	n, err = c.PullAssignments(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, "2025-03-01T08:02:00Z", fs.afters[len(fs.afters)-1])
	require.Equal(t, "a3", fs.afterIDs[len(fs.afterIDs)-1])
}

func TestPullAssignments_PagesThroughSharedTimestamp(t *testing.T) {
	ctx := context.Background()
	fs, srv := newFakeServer(t)
	c := newTestClient(t, srv.URL, nil)

	// one bulk import flush: every row carries the same updated_at
	ts := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	ids := []string{"b1", "b2", "b3", "b4", "b5"}
	for _, id := range ids {
		fs.assignments = append(fs.assignments, fieldsync.AssignmentDownload{
			ID: id, TableID: "tbl", Status: fieldsync.AssignmentAssigned, CreatedAt: ts, UpdatedAt: ts,
		})
	}

	n, err := c.PullAssignments(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, []string{"", "b2", "b4"}, fs.afterIDs)
	for _, id := range ids {
		_, err := c.GetAssignment(ctx, id)
		require.NoError(t, err)
	}

	var afterID string
	require.NoError(t, c.DB.QueryRow(`SELECT assignments_after_id FROM _client_info WHERE id = 1`).Scan(&afterID))
	require.Equal(t, "b5", afterID)
}

func TestStart_UploadsInBackground(t *testing.T) {
	fs, srv := newFakeServer(t)
	c := newTestClient(t, srv.URL, &Config{BackoffMin: 10 * time.Millisecond, BackoffMax: 20 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	aid, err := c.CreateLocalAssignment(ctx, "tbl", nil)
	require.NoError(t, err)
	_, err = c.SaveResponse(ctx, aid, "", map[string]any{"x": 1})
	require.NoError(t, err)

	c.Start(ctx)
	require.Eventually(t, func() bool {
		pending, err := c.PendingResponses(context.Background(), 0)
		return err == nil && len(pending) == 0
	}, 2*time.Second, 10*time.Millisecond)

	fs.mu.Lock()
	defer fs.mu.Unlock()
	require.NotEmpty(t, fs.batches)
}
