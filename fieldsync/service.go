// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SyncService reconciles batches of client responses against the authoritative store.
// This is the main component applications mount behind their HTTP router.
type SyncService struct {
	pool     *pgxpool.Pool
	logger   *slog.Logger
	config   *ServiceConfig
	resolver Resolver

	mu     sync.RWMutex
	closed bool
}

// ServiceConfig holds configuration for the sync service
type ServiceConfig struct {
	AppName        string // Application name reported by /health
	MaxBatchSize   int    // Maximum units in one batch (0 = unlimited)
	MaxDataBytes   int    // Maximum JSON size of one unit's data (0 = unlimited)
	DownloadLimit  int    // Default page size for assignment downloads
	SkipSchemaInit bool   // Do not create field.* tables on start

	UnitTxIsoLevel  pgx.TxIsoLevel // Defaults to READ COMMITTED
	UnitLockTimeout time.Duration  // SET LOCAL lock_timeout per unit (0 = server default)

	StageMetrics    StageMetricsRecorder // Optional stage timing sink
	LogStageTimings bool                 // Log stage timings at debug level
}

// NewSyncService creates a new sync service instance from an existing pool
func NewSyncService(pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*SyncService, error) {
	if config == nil {
		config = &ServiceConfig{AppName: "fieldsync-app"}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config.DownloadLimit <= 0 {
		config.DownloadLimit = 500
	}
	if config.UnitTxIsoLevel == "" {
		config.UnitTxIsoLevel = pgx.ReadCommitted
	}

	service := &SyncService{
		pool:   pool,
		logger: logger,
		config: config,
	}

	if !config.SkipSchemaInit {
		if err := InitializeSchema(context.Background(), pool); err != nil {
			logger.Error("Failed to initialize database schema", "error", err)
			return nil, fmt.Errorf("failed to initialize sync service: %w", err)
		}
		logger.Debug("Database schema initialized successfully")
	}

	return service, nil
}

// Close marks the service closed. It does NOT close the pool.
func (s *SyncService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.logger.Debug("Sync service shutdown complete")
	return nil
}

// Pool returns the underlying database connection pool
func (s *SyncService) Pool() *pgxpool.Pool {
	return s.pool
}

// AppName returns the configured application name
func (s *SyncService) AppName() string {
	return s.config.AppName
}

func (s *SyncService) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrServiceClosed
	}
	return nil
}

// ProcessBatch reconciles every unit of req and returns one result per unit, in request order.
//
// Each unit runs in its own transaction: a failing unit rolls back only its own writes and
// is reported as an error result. Units are applied sequentially in array order, so two
// units carrying the same local_id see each other's effects.
// The returned error is reserved for problems that prevent processing altogether.
func (s *SyncService) ProcessBatch(ctx context.Context, userID, deviceID string, req *BatchSyncRequest) (*BatchSyncResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if req == nil || len(req.Data) == 0 {
		return &BatchSyncResponse{Data: []UnitResult{}}, nil
	}

	results := make([]UnitResult, len(req.Data))

	if s.config.MaxBatchSize > 0 && len(req.Data) > s.config.MaxBatchSize {
		msg := fmt.Errorf("batch too large: units=%d limit=%d", len(req.Data), s.config.MaxBatchSize)
		for i := range results {
			results[i] = resultError(msg)
		}
		return &BatchSyncResponse{Data: results}, nil
	}

	timer := s.startStage(MetricsOpBatch, MetricsStageTotal)
	cache := NewLookupCache(s.pool)
	var failed, created, stale int

	for i := range req.Data {
		unit := req.Data[i]
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if err := validateUnit(&unit); err != nil {
			results[i] = resultError(err)
			failed++
			continue
		}
		if s.config.MaxDataBytes > 0 && len(unit.Data) > s.config.MaxDataBytes {
			results[i] = resultError(fmt.Errorf("%w: data is %d bytes, limit %d", ErrBadUnit, len(unit.Data), s.config.MaxDataBytes))
			failed++
			continue
		}

		out, err := s.applyUnit(ctx, userID, deviceID, unit, cache)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.logUnitFailure(userID, deviceID, unit, err)
			results[i] = resultError(err)
			failed++
			continue
		}

		if out.newAssignmentID != "" {
			results[i] = resultCreated(out.responseID, out.newAssignmentID)
			created++
		} else {
			results[i] = resultSuccess(out.responseID)
		}
		if out.stale {
			stale++
		}
	}

	hits, misses := cache.Stats()
	s.logger.Info("Processed sync batch",
		"user_id", userID, "device_id", deviceID, "units", len(req.Data),
		"failed", failed, "created_assignments", created, "stale", stale,
		"lookup_hits", hits, "lookup_misses", misses)
	timer.done(ctx, StageTiming{Count: len(req.Data), Error: failed > 0, LookupHits: hits, LookupMisses: misses})

	return &BatchSyncResponse{Data: results}, nil
}

// applyUnit runs reconcileUnit in a fresh transaction, retrying transient conflicts.
func (s *SyncService) applyUnit(ctx context.Context, userID, deviceID string, unit SyncUnit, cache *LookupCache) (reconcileOutcome, error) {
	var (
		out     reconcileOutcome
		lastErr error
	)
	for attempt := 1; attempt <= maxUnitAttempts; attempt++ {
		timer := s.startStage(MetricsOpBatch, MetricsStageUnit)
		err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: s.config.UnitTxIsoLevel, AccessMode: pgx.ReadWrite}, func(tx pgx.Tx) error {
			if s.config.UnitLockTimeout > 0 {
				if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.config.UnitLockTimeout.Milliseconds())); err != nil {
					return fmt.Errorf("failed to set lock_timeout: %w", err)
				}
			}
			var err error
			out, err = s.reconcileUnit(ctx, tx, userID, deviceID, unit, cache.WithQuerier(tx))
			return err
		})
		cache.WithQuerier(s.pool)
		timer.done(ctx, StageTiming{Count: 1, Attempt: attempt, Error: err != nil})
		if err == nil {
			return out, nil
		}
		lastErr = err

		var creationErr *AssignmentCreationError
		if errors.As(err, &creationErr) || errors.Is(err, ErrBadUnit) || !isRetryablePGTxError(err) {
			return out, err
		}
		s.logger.Warn("Retrying sync unit after transient conflict",
			"local_id", unit.LocalID, "attempt", attempt, "error", err)
		if err := sleepWithContext(ctx, time.Duration(attempt)*unitRetryBackoff); err != nil {
			return out, err
		}
	}
	return out, lastErr
}

func (s *SyncService) logUnitFailure(userID, deviceID string, unit SyncUnit, err error) {
	var creationErr *AssignmentCreationError
	if errors.As(err, &creationErr) || errors.Is(err, ErrBadUnit) {
		s.logger.Warn("Sync unit rejected",
			"user_id", userID, "device_id", deviceID, "local_id", unit.LocalID,
			"assignment_id", unit.AssignmentID, "table_id", unit.TableID, "error", err)
		return
	}
	s.logger.Error("Sync unit failed",
		"user_id", userID, "device_id", deviceID, "local_id", unit.LocalID,
		"assignment_id", unit.AssignmentID, "table_id", unit.TableID, "error", err)
}
