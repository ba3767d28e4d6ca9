// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mobiletoly/go-fieldsync/fieldimport"
	"github.com/mobiletoly/go-fieldsync/fieldsync"
	"github.com/mobiletoly/go-fieldsync/internal/config"
	"github.com/redis/go-redis/v9"
)

// Components holds everything the serve and import commands need
type Components struct {
	Pool     *pgxpool.Pool
	Service  *fieldsync.SyncService
	Importer *fieldimport.Importer
	Status   fieldimport.StatusStore
	JWTAuth  *fieldsync.JWTAuth
	Handler  http.Handler
	Logger   *slog.Logger

	redis *redis.Client
}

// Close waits for background imports, then releases connections
func (c *Components) Close() {
	if c.Importer != nil {
		c.Importer.Wait()
	}
	if c.Service != nil {
		_ = c.Service.Close()
	}
	if c.redis != nil {
		_ = c.redis.Close()
	}
	if c.Pool != nil {
		c.Pool.Close()
	}
}

// NewPool opens and pings the authoritative store
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// NewStatusStore returns a redis-backed status channel when redis is configured,
// otherwise an in-process one. The redis client, if any, is returned for closing.
func NewStatusStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (fieldimport.StatusStore, *redis.Client, error) {
	if cfg.Redis.Addr == "" {
		logger.Info("Import status kept in process (redis.addr not set)")
		return fieldimport.NewMemoryStatusStore(cfg.Import.StatusTTL), nil, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("ping redis %s: %w", cfg.Redis.Addr, err)
	}
	return fieldimport.NewRedisStatusStore(rdb, cfg.Redis.KeyPrefix, cfg.Import.StatusTTL), rdb, nil
}

// Setup builds the sync service, the importer and the HTTP handler tree
func Setup(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Components, error) {
	pool, err := NewPool(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	c := &Components{Pool: pool, Logger: logger}

	c.Service, err = fieldsync.NewSyncService(pool, SyncServiceConfig(cfg), logger)
	if err != nil {
		c.Close()
		return nil, err
	}

	c.Status, c.redis, err = NewStatusStore(ctx, cfg, logger)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Importer = fieldimport.NewImporter(fieldimport.NewPgBatchStore(pool), c.Status, ImportConfig(cfg), logger)

	c.JWTAuth = fieldsync.NewJWTAuth(cfg.Auth.JWTSecret)
	syncHandlers := fieldsync.NewHTTPSyncHandlers(c.Service, c.JWTAuth, logger)
	importHandlers := fieldimport.NewHTTPImportHandlers(c.Importer, c.JWTAuth, cfg.Import.UploadDir, logger)

	api := http.NewServeMux()
	syncHandlers.RegisterRoutes(api)
	importHandlers.RegisterRoutes(api)
	protected := c.JWTAuth.Middleware(api)

	root := http.NewServeMux()
	root.HandleFunc("/health", syncHandlers.HandleHealth)
	root.Handle("/sync/", protected)
	root.Handle("/imports", protected)
	root.Handle("/imports/", protected)
	c.Handler = root

	return c, nil
}

// SyncServiceConfig maps configuration onto the sync service's. Stage timings go to the
// debug log when sync.log_stage_timings is set.
func SyncServiceConfig(cfg *config.Config) *fieldsync.ServiceConfig {
	return &fieldsync.ServiceConfig{
		AppName:         cfg.Sync.AppName,
		MaxBatchSize:    cfg.Sync.MaxBatchSize,
		MaxDataBytes:    cfg.Sync.MaxDataBytes,
		DownloadLimit:   cfg.Sync.DownloadLimit,
		UnitLockTimeout: cfg.Sync.LockTimeout,
		LogStageTimings: cfg.Sync.LogStageTimings,
	}
}

// ImportConfig maps CLI configuration onto the importer's
func ImportConfig(cfg *config.Config) *fieldimport.ImportConfig {
	return &fieldimport.ImportConfig{
		BatchSize:      cfg.Import.BatchSize,
		Timeout:        cfg.Import.Timeout,
		MemoryLimit:    cfg.Import.MemoryLimitMB << 20,
		KeepSourceFile: cfg.Import.KeepSourceFile,
	}
}
