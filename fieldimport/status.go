// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldimport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// Job statuses published on the status channel
const (
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

// DefaultStatusTTL is how long a job status survives after its last write
const DefaultStatusTTL = time.Hour

// JobStatus is one entry of the status channel, keyed by job id
type JobStatus struct {
	Status        string `json:"status"`
	RowsProcessed int    `json:"rows_processed"`
	Message       string `json:"message"`
	UpdatedAt     int64  `json:"updated_at"` // unix seconds
}

// Terminal reports whether the job will not be updated again
func (s JobStatus) Terminal() bool {
	return s.Status == JobCompleted || s.Status == JobFailed
}

// StatusStore publishes import progress out of band for polling clients.
// Every Put restarts the entry's expiry.
type StatusStore interface {
	Put(ctx context.Context, jobID string, status JobStatus) error
	Get(ctx context.Context, jobID string) (JobStatus, bool, error)
}

// MemoryStatusStore keeps statuses in process; suitable for a single server instance
type MemoryStatusStore struct {
	c   *cache.Cache
	ttl time.Duration
}

// NewMemoryStatusStore creates an in-process status store
func NewMemoryStatusStore(ttl time.Duration) *MemoryStatusStore {
	if ttl <= 0 {
		ttl = DefaultStatusTTL
	}
	return &MemoryStatusStore{c: cache.New(ttl, ttl/2), ttl: ttl}
}

func (m *MemoryStatusStore) Put(_ context.Context, jobID string, status JobStatus) error {
	m.c.Set(jobID, status, m.ttl)
	return nil
}

func (m *MemoryStatusStore) Get(_ context.Context, jobID string) (JobStatus, bool, error) {
	v, ok := m.c.Get(jobID)
	if !ok {
		return JobStatus{}, false, nil
	}
	return v.(JobStatus), true, nil
}

// RedisStatusStore shares statuses between server instances and background workers
type RedisStatusStore struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStatusStore creates a status store writing `<prefix><jobID>` keys
func NewRedisStatusStore(rdb *redis.Client, prefix string, ttl time.Duration) *RedisStatusStore {
	if prefix == "" {
		prefix = "fieldsync:import:"
	}
	if ttl <= 0 {
		ttl = DefaultStatusTTL
	}
	return &RedisStatusStore{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (r *RedisStatusStore) Put(ctx context.Context, jobID string, status JobStatus) error {
	b, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("encode job status: %w", err)
	}
	if err := r.rdb.Set(ctx, r.prefix+jobID, b, r.ttl).Err(); err != nil {
		return fmt.Errorf("write job status %s: %w", jobID, err)
	}
	return nil
}

func (r *RedisStatusStore) Get(ctx context.Context, jobID string) (JobStatus, bool, error) {
	b, err := r.rdb.Get(ctx, r.prefix+jobID).Bytes()
	if errors.Is(err, redis.Nil) {
		return JobStatus{}, false, nil
	}
	if err != nil {
		return JobStatus{}, false, fmt.Errorf("read job status %s: %w", jobID, err)
	}
	var st JobStatus
	if err := json.Unmarshal(b, &st); err != nil {
		return JobStatus{}, false, fmt.Errorf("decode job status %s: %w", jobID, err)
	}
	return st, true, nil
}
