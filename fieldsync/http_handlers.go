// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// maxRequestBytes bounds the body of a batch sync request
const maxRequestBytes = 32 << 20

// HTTPSyncHandlers provides HTTP handlers for the batch sync API
type HTTPSyncHandlers struct {
	service       *SyncService
	authenticator ClientAuthenticator
	logger        *slog.Logger
}

// NewHTTPSyncHandlers creates a new instance of sync handlers
func NewHTTPSyncHandlers(service *SyncService, authenticator ClientAuthenticator, logger *slog.Logger) *HTTPSyncHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSyncHandlers{
		service:       service,
		authenticator: authenticator,
		logger:        logger,
	}
}

// RegisterRoutes mounts the sync endpoints on mux
func (h *HTTPSyncHandlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/sync/responses", h.HandleBatchSync)
	mux.HandleFunc("/sync/assignments", h.HandleAssignments)
	mux.HandleFunc("/health", h.HandleHealth)
}

// HandleBatchSync reconciles a batch of responses.
// Per-unit failures are reported inside a 200 response; only transport problems
// (method, auth, malformed body) produce a non-200 status.
func (h *HTTPSyncHandlers) HandleBatchSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "Only POST method is allowed")
		return
	}

	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, CodeAuthFailed, err.Error())
		return
	}
	deviceID, err := h.authenticator.GetDeviceID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, CodeAuthFailed, err.Error())
		return
	}

	var req BatchSyncRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "Failed to parse sync request")
		return
	}

	response, err := h.service.ProcessBatch(r.Context(), userID, deviceID, &req)
	if err != nil {
		h.logger.Error("Failed to process sync batch", "error", err, "user_id", userID, "device_id", deviceID)
		h.writeError(w, http.StatusInternalServerError, CodeSyncFailed, "Failed to process sync batch")
		return
	}

	h.writeJSON(w, http.StatusOK, response)
}

// HandleAssignments returns the caller's assignments after the ?after= (RFC3339) and
// ?after_id= cursor
func (h *HTTPSyncHandlers) HandleAssignments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "Only GET method is allowed")
		return
	}

	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, CodeAuthFailed, err.Error())
		return
	}

	var after time.Time
	if s := r.URL.Query().Get("after"); s != "" {
		after, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "after must be an RFC3339 timestamp")
			return
		}
	}

	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		limit, err = strconv.Atoi(s)
		if err != nil || limit < 1 || limit > 5000 {
			h.writeError(w, http.StatusBadRequest, CodeInvalidRequest, "limit must be between 1 and 5000")
			return
		}
	}

	response, err := h.service.ListAssignments(r.Context(), userID, after, r.URL.Query().Get("after_id"), limit)
	if errors.Is(err, ErrInvalidCursor) {
		h.writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	if err != nil {
		h.logger.Error("Failed to list assignments", "error", err, "user_id", userID)
		h.writeError(w, http.StatusInternalServerError, CodeDownloadFailed, "Failed to list assignments")
		return
	}
	h.writeJSON(w, http.StatusOK, response)
}

// HandleHealth reports liveness and database reachability
func (h *HTTPSyncHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "Only GET method is allowed")
		return
	}
	status := "healthy"
	code := http.StatusOK
	if err := h.service.checkClosed(); err != nil {
		status, code = "unhealthy", http.StatusServiceUnavailable
	} else if h.service.pool != nil {
		if err := h.service.pool.Ping(r.Context()); err != nil {
			status, code = "degraded", http.StatusServiceUnavailable
		}
	}
	h.writeJSON(w, code, HealthResponse{Status: status, AppName: h.service.AppName()})
}

func (h *HTTPSyncHandlers) writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// writeError writes a standardized error response
func (h *HTTPSyncHandlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	h.writeJSON(w, statusCode, ErrorResponse{Error: errorCode, Message: message})
	h.logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}
