// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"time"
)

// Operations and stages reported through StageMetricsRecorder
const (
	MetricsOpBatch    = "batch"
	MetricsOpDownload = "download"

	MetricsStageTotal = "total"   // whole ProcessBatch call
	MetricsStageUnit  = "unit_tx" // one unit transaction attempt
	MetricsStageFetch = "fetch"   // assignment page query
)

// StageTiming is one observed stage. Count is units for batch stages and rows for
// download. Lookup counters are only set on batch/total.
type StageTiming struct {
	Operation    string
	Stage        string
	Duration     time.Duration
	Count        int
	Attempt      int
	Error        bool
	LookupHits   int
	LookupMisses int
}

// StageMetricsRecorder receives stage timings, e.g. to feed a histogram
type StageMetricsRecorder interface {
	ObserveStage(ctx context.Context, timing StageTiming)
}

type StageMetricsRecorderFunc func(ctx context.Context, timing StageTiming)

func (f StageMetricsRecorderFunc) ObserveStage(ctx context.Context, timing StageTiming) {
	f(ctx, timing)
}

// stageTimer is returned by startStage. The zero value records nothing.
type stageTimer struct {
	s         *SyncService
	operation string
	stage     string
	start     time.Time
}

func (s *SyncService) startStage(operation, stage string) stageTimer {
	if s == nil || s.config == nil || (s.config.StageMetrics == nil && !s.config.LogStageTimings) {
		return stageTimer{}
	}
	return stageTimer{s: s, operation: operation, stage: stage, start: time.Now()}
}

// done fills in operation, stage and duration and hands the timing to the sinks
func (t stageTimer) done(ctx context.Context, timing StageTiming) {
	if t.s == nil {
		return
	}
	timing.Operation = t.operation
	timing.Stage = t.stage
	timing.Duration = time.Since(t.start)
	if timing.Attempt == 0 {
		timing.Attempt = 1
	}

	cfg := t.s.config
	if cfg.StageMetrics != nil {
		cfg.StageMetrics.ObserveStage(ctx, timing)
	}
	if cfg.LogStageTimings && t.s.logger != nil {
		t.s.logger.Debug("Stage timing",
			"op", timing.Operation, "stage", timing.Stage, "duration", timing.Duration,
			"count", timing.Count, "attempt", timing.Attempt, "error", timing.Error,
			"lookup_hits", timing.LookupHits, "lookup_misses", timing.LookupMisses)
	}
}
