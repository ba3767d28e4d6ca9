// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldimport

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/mobiletoly/go-fieldsync/fieldsync"
)

// maxUploadBytes bounds one uploaded source file
const maxUploadBytes = 512 << 20

// Error codes returned by the import endpoints
const (
	CodeImportInvalid = "import_invalid"
	CodeImportFailed  = "import_failed"
	CodeJobNotFound   = "job_not_found"
)

// HTTPImportHandlers accepts uploaded files and exposes the status channel
type HTTPImportHandlers struct {
	importer      *Importer
	authenticator fieldsync.ClientAuthenticator
	uploadDir     string
	logger        *slog.Logger
}

// NewHTTPImportHandlers creates import handlers storing uploads under uploadDir
func NewHTTPImportHandlers(importer *Importer, authenticator fieldsync.ClientAuthenticator, uploadDir string, logger *slog.Logger) *HTTPImportHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPImportHandlers{
		importer:      importer,
		authenticator: authenticator,
		uploadDir:     uploadDir,
		logger:        logger,
	}
}

// RegisterRoutes mounts the import endpoints on mux
func (h *HTTPImportHandlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /imports", h.HandleCreate)
	mux.HandleFunc("GET /imports/{job_id}", h.HandleStatus)
}

// HandleCreate takes a multipart upload (file, table_id, app_id, sheet_name, mapping)
// and starts the import in the background. It answers 202 with the job id.
func (h *HTTPImportHandlers) HandleCreate(w http.ResponseWriter, r *http.Request) {
	if _, err := h.authenticator.GetUserID(r); err != nil {
		h.writeError(w, http.StatusUnauthorized, fieldsync.CodeAuthFailed, err.Error())
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		h.writeError(w, http.StatusBadRequest, fieldsync.CodeInvalidRequest, "Expected a multipart upload")
		return
	}

	job := ImportJob{
		TableID:   r.FormValue("table_id"),
		AppID:     r.FormValue("app_id"),
		SheetName: r.FormValue("sheet_name"),
	}
	if _, err := uuid.Parse(job.TableID); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeImportInvalid, "table_id must be a UUID")
		return
	}
	if err := json.Unmarshal([]byte(r.FormValue("mapping")), &job.Mapping); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeImportInvalid, "mapping must be a JSON array")
		return
	}
	if _, err := validateMapping(job.Mapping); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeImportInvalid, err.Error())
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, CodeImportInvalid, "file is required")
		return
	}
	defer func() { _ = file.Close() }()
	if _, err := FormatForPath(header.Filename); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeImportInvalid, err.Error())
		return
	}

	job.JobID = uuid.NewString()
	path, err := h.saveUpload(job.JobID, header.Filename, file)
	if err != nil {
		h.logger.Error("Failed to store upload", "error", err)
		h.writeError(w, http.StatusInternalServerError, CodeImportFailed, "Failed to store upload")
		return
	}
	job.FilePath = path

	jobID := h.importer.Start(r.Context(), job)
	h.writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "status": JobProcessing})
}

// HandleStatus returns the latest published status of a job
func (h *HTTPImportHandlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if _, err := h.authenticator.GetUserID(r); err != nil {
		h.writeError(w, http.StatusUnauthorized, fieldsync.CodeAuthFailed, err.Error())
		return
	}
	jobID := r.PathValue("job_id")
	st, ok, err := h.importer.Status().Get(r.Context(), jobID)
	if err != nil {
		h.logger.Error("Failed to read job status", "job_id", jobID, "error", err)
		h.writeError(w, http.StatusInternalServerError, CodeImportFailed, "Failed to read job status")
		return
	}
	if !ok {
		h.writeError(w, http.StatusNotFound, CodeJobNotFound, "Unknown or expired job")
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}

// saveUpload writes the upload to uploadDir/<jobID><ext>; client file names never reach the path
func (h *HTTPImportHandlers) saveUpload(jobID, name string, src io.Reader) (string, error) {
	if err := os.MkdirAll(h.uploadDir, 0o750); err != nil {
		return "", err
	}
	path := filepath.Join(h.uploadDir, jobID+strings.ToLower(filepath.Ext(name)))
	dst, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("write upload: %w", err)
	}
	return path, dst.Close()
}

func (h *HTTPImportHandlers) writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

func (h *HTTPImportHandlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	h.writeJSON(w, statusCode, fieldsync.ErrorResponse{Error: errorCode, Message: message})
}
