// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mobiletoly/go-fieldsync/fieldimport"
	"github.com/mobiletoly/go-fieldsync/internal/config"
	"github.com/stretchr/testify/require"
)

func TestImportConfig(t *testing.T) {
	cfg := &config.Config{Import: config.ImportConfig{
		BatchSize: 50, Timeout: time.Minute, MemoryLimitMB: 256, KeepSourceFile: true,
	}}
	ic := ImportConfig(cfg)
	require.Equal(t, 50, ic.BatchSize)
	require.Equal(t, time.Minute, ic.Timeout)
	require.Equal(t, int64(256<<20), ic.MemoryLimit)
	require.True(t, ic.KeepSourceFile)
}

func TestSyncServiceConfig(t *testing.T) {
	cfg := &config.Config{Sync: config.SyncConfig{
		AppName: "field", MaxBatchSize: 100, DownloadLimit: 250, LockTimeout: 2 * time.Second, LogStageTimings: true,
	}}
	sc := SyncServiceConfig(cfg)
	require.Equal(t, "field", sc.AppName)
	require.Equal(t, 100, sc.MaxBatchSize)
	require.Equal(t, 250, sc.DownloadLimit)
	require.Equal(t, 2*time.Second, sc.UnitLockTimeout)
	require.True(t, sc.LogStageTimings)
	require.Nil(t, sc.StageMetrics)
}

func TestNewStatusStore_InProcessWithoutRedis(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, rdb, err := NewStatusStore(context.Background(), &config.Config{}, logger)
	require.NoError(t, err)
	require.Nil(t, rdb)
	require.IsType(t, &fieldimport.MemoryStatusStore{}, store)
}
