// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldimport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ImportConfig holds configuration for the import pipeline
type ImportConfig struct {
	BatchSize      int           // Rows per flush (default 200)
	Timeout        time.Duration // Wall clock ceiling per job (default 1h)
	MemoryLimit    int64         // Soft memory limit in bytes while a job runs (0 = leave as is)
	KeepSourceFile bool          // Do not delete the source file after a successful import
}

// ImportJob describes one file to import
type ImportJob struct {
	JobID     string          `json:"job_id"`
	FilePath  string          `json:"file_path"`
	TableID   string          `json:"table_id"`
	AppID     string          `json:"app_id,omitempty"`
	SheetName string          `json:"sheet_name,omitempty"`
	Mapping   []ColumnMapping `json:"mapping"`
}

// ImportResult summarizes a finished (or failed) import
type ImportResult struct {
	JobID         string `json:"job_id"`
	Status        string `json:"status"`
	RowsProcessed int    `json:"rows_processed"`
	RowsSkipped   int    `json:"rows_skipped"`
	Batches       int    `json:"batches"`
	Splits        int    `json:"splits"`
	MaxSplitDepth int    `json:"max_split_depth"`
	Abandoned     int    `json:"abandoned"`
}

// memoryLimiter shares the process-wide soft memory limit between overlapping jobs.
// The first job in lowers it, later jobs may lower it further, and the value that was in
// place before the first job is restored when the last one leaves.
type memoryLimiter struct {
	mu      sync.Mutex
	active  int
	current int64
	prev    int64
	set     func(int64) int64
}

var jobMemoryLimit = &memoryLimiter{set: debug.SetMemoryLimit}

func (m *memoryLimiter) acquire(limit int64) (release func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == 0 {
		m.prev = m.set(limit)
		m.current = limit
	} else if limit < m.current {
		m.set(limit)
		m.current = limit
	}
	m.active++

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.active--
			if m.active == 0 {
				m.set(m.prev)
				m.current = 0
			}
		})
	}
}

// Importer streams tabular files into app records and assignments
type Importer struct {
	store  BatchStore
	status StatusStore
	logger *slog.Logger
	config ImportConfig

	wg sync.WaitGroup
}

// NewImporter creates an importer. A nil status store publishes to an in-memory store.
func NewImporter(store BatchStore, status StatusStore, config *ImportConfig, logger *slog.Logger) *Importer {
	cfg := ImportConfig{}
	if config != nil {
		cfg = *config
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Hour
	}
	if status == nil {
		status = NewMemoryStatusStore(DefaultStatusTTL)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{store: store, status: status, logger: logger, config: cfg}
}

// Status returns the status store the importer publishes to
func (im *Importer) Status() StatusStore {
	return im.status
}

// Start runs job in the background, detached from the caller's cancellation.
// The job id is assigned here when empty and returned.
func (im *Importer) Start(ctx context.Context, job ImportJob) string {
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	im.publish(ctx, job.JobID, JobProcessing, 0, "Queued")
	bg := context.WithoutCancel(ctx)
	im.wg.Add(1)
	go func() {
		defer im.wg.Done()
		if _, err := im.Import(bg, job); err != nil {
			im.logger.Error("Import failed", "job_id", job.JobID, "error", err)
		}
	}()
	return job.JobID
}

// Wait blocks until every job started with Start has finished
func (im *Importer) Wait() {
	im.wg.Wait()
}

// Import runs job to completion. On failure the status is set to failed with the error
// text, the source file is left in place and the error is returned.
func (im *Importer) Import(ctx context.Context, job ImportJob) (ImportResult, error) {
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	res := ImportResult{JobID: job.JobID, Status: JobProcessing}
	logger := im.logger.With("job_id", job.JobID, "file", job.FilePath, "table_id", job.TableID)

	ctx, cancel := context.WithTimeout(ctx, im.config.Timeout)
	defer cancel()
	if im.config.MemoryLimit > 0 {
		release := jobMemoryLimit.acquire(im.config.MemoryLimit)
		defer release()
	}

	start := time.Now()
	err := im.run(ctx, job, &res, logger)
	if err != nil {
		res.Status = JobFailed
		// the job context may be what failed; the terminal status must still be written
		im.publish(context.WithoutCancel(ctx), job.JobID, JobFailed, res.RowsProcessed, err.Error())
		logger.Error("Import failed", "rows", res.RowsProcessed, "abandoned", res.Abandoned, "error", err)
		return res, err
	}

	if !im.config.KeepSourceFile {
		if err := os.Remove(job.FilePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("Failed to delete import source", "error", err)
		}
	}
	res.Status = JobCompleted
	im.publish(ctx, job.JobID, JobCompleted, res.RowsProcessed,
		fmt.Sprintf("Imported %d rows (%d skipped)", res.RowsProcessed, res.RowsSkipped))
	logger.Info("Import completed",
		"rows", res.RowsProcessed, "skipped", res.RowsSkipped, "batches", res.Batches,
		"splits", res.Splits, "duration_ms", time.Since(start).Milliseconds())
	return res, nil
}

func (im *Importer) run(ctx context.Context, job ImportJob, res *ImportResult, logger *slog.Logger) error {
	mapping, err := validateMapping(job.Mapping)
	if err != nil {
		return err
	}
	im.publish(ctx, job.JobID, JobProcessing, 0, "Reading file")

	reader, err := OpenRows(job.FilePath, job.SheetName)
	if err != nil {
		return err
	}
	defer func() { _ = reader.Close() }()

	target, err := im.store.ResolveTarget(ctx, job.TableID, job.AppID)
	if err != nil {
		return err
	}
	lookups := im.store.NewLookups()

	// header
	if _, err := reader.Next(); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("read header: %w", err)
	}

	batch := make([]Row, 0, im.config.BatchSize)
	line := 1
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		cells, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read line %d: %w", line+1, err)
		}
		line++

		fields, blank := buildFields(cells, mapping)
		if blank {
			res.RowsSkipped++
			continue
		}
		row, err := newRow(ctx, fields, line, lookups)
		if err != nil {
			return err
		}
		batch = append(batch, row)
		if len(batch) < im.config.BatchSize {
			continue
		}
		if err := im.flushAndReport(ctx, job.JobID, target, batch, res); err != nil {
			return err
		}
		batch = make([]Row, 0, im.config.BatchSize)
	}

	if len(batch) > 0 {
		if err := im.flushAndReport(ctx, job.JobID, target, batch, res); err != nil {
			return err
		}
	}
	logger.Debug("Import source drained", "lines", line)
	return nil
}

func (im *Importer) flushAndReport(ctx context.Context, jobID string, target Target, batch []Row, res *ImportResult) error {
	st, err := im.flush(ctx, target, batch)
	res.Batches++
	res.RowsProcessed += st.Inserted
	res.Splits += st.Splits
	res.Abandoned += st.Abandoned
	if st.MaxDepth > res.MaxSplitDepth {
		res.MaxSplitDepth = st.MaxDepth
	}
	if err != nil {
		return err
	}
	im.publish(ctx, jobID, JobProcessing, res.RowsProcessed,
		fmt.Sprintf("Imported %d rows", res.RowsProcessed))
	runtime.GC()
	return nil
}

// newRow assigns the row its ordered id and resolves organization and user references
func newRow(ctx context.Context, fields map[string]any, line int, lookups Lookups) (Row, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Row{}, fmt.Errorf("generate row id: %w", err)
	}
	row := Row{ID: id.String(), Fields: fields, Line: line}

	if code := stringField(fields, FieldOrganizationCode); code != "" {
		if row.OrganizationID, err = lookups.OrganizationID(ctx, code); err != nil {
			return Row{}, err
		}
	}
	if email := stringField(fields, FieldSupervisorEmail); email != "" {
		if row.SupervisorID, err = lookups.UserID(ctx, email); err != nil {
			return Row{}, err
		}
	}
	if email := stringField(fields, FieldEnumeratorEmail); email != "" {
		if row.EnumeratorID, err = lookups.UserID(ctx, email); err != nil {
			return Row{}, err
		}
	}
	return row, nil
}

func (im *Importer) publish(ctx context.Context, jobID, status string, rows int, message string) {
	err := im.status.Put(ctx, jobID, JobStatus{
		Status:        status,
		RowsProcessed: rows,
		Message:       message,
		UpdatedAt:     time.Now().Unix(),
	})
	if err != nil {
		im.logger.Warn("Failed to publish import status", "job_id", jobID, "status", status, "error", err)
	}
}
