// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldimport

import (
	"errors"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported file format")
	ErrSheetNotFound     = errors.New("sheet not found")
	ErrEmptyMapping      = errors.New("column mapping is empty")
	ErrNoTableVersion    = errors.New("table has no schema version")
	ErrRowAbandoned      = errors.New("row abandoned after connection failure")
)

// ValidationError aborts an import before any row is written
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return "invalid import: " + e.Err.Error()
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func invalid(err error) error {
	return &ValidationError{Err: err}
}
