// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldimport

import (
	"context"
	"fmt"
)

// flushItem is one pending batch on the halving worklist. depth counts how many
// times its rows have been split; depth > 0 means this is a retry.
type flushItem struct {
	rows  []Row
	depth int
}

// flushStats describes what one flush did
type flushStats struct {
	Inserted  int
	Splits    int
	MaxDepth  int
	Abandoned int
}

// flush writes rows, halving on transient connection errors. A batch that fails
// transiently is split into ceil(n/2) and the remainder, each retried on a fresh
// connection. A single row that still fails is abandoned; the remaining worklist is
// drained and ErrRowAbandoned is returned. Any other error aborts immediately.
func (im *Importer) flush(ctx context.Context, target Target, rows []Row) (flushStats, error) {
	var st flushStats
	var lastConnErr error
	stack := []flushItem{{rows: rows}}

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		item := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if item.depth > 0 {
			if err := im.store.Reconnect(ctx); err != nil {
				im.logger.Warn("Reconnect before retry failed", "error", err)
			}
		}

		err := im.store.InsertBatch(ctx, target, item.rows)
		if err == nil {
			st.Inserted += len(item.rows)
			continue
		}
		if !IsTransientConnError(err) {
			return st, err
		}

		if len(item.rows) == 1 {
			st.Abandoned++
			lastConnErr = err
			im.logger.Error("Import row abandoned after connection failure",
				"line", item.rows[0].Line, "row_id", item.rows[0].ID, "error", err)
			continue
		}

		mid := (len(item.rows) + 1) / 2
		next := item.depth + 1
		st.Splits++
		if next > st.MaxDepth {
			st.MaxDepth = next
		}
		im.logger.Warn("Transient error on flush, splitting batch",
			"size", len(item.rows), "left", mid, "right", len(item.rows)-mid, "depth", next, "error", err)
		// right half first so the left half is retried first and file order is kept
		stack = append(stack,
			flushItem{rows: item.rows[mid:], depth: next},
			flushItem{rows: item.rows[:mid], depth: next},
		)
	}

	if st.Abandoned > 0 {
		return st, fmt.Errorf("%w: %d row(s), last error: %v", ErrRowAbandoned, st.Abandoned, lastConnErr)
	}
	return st, nil
}
