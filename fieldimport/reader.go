// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldimport

import (
	"fmt"
	"path/filepath"
	"strings"
)

// RowReader yields the rows of one sheet lazily. Next returns io.EOF after the last row.
type RowReader interface {
	Next() ([]string, error)
	Close() error
}

// Format is one of the supported source container formats
type Format int

const (
	FormatCSV Format = iota + 1
	FormatSpreadsheet
	FormatOpenDocument
)

func (f Format) String() string {
	switch f {
	case FormatCSV:
		return "csv"
	case FormatSpreadsheet:
		return "xlsx"
	case FormatOpenDocument:
		return "ods"
	default:
		return "unknown"
	}
}

var formatsByExt = map[string]Format{
	".csv":  FormatCSV,
	".xlsx": FormatSpreadsheet,
	".xlsm": FormatSpreadsheet,
	".ods":  FormatOpenDocument,
}

// FormatForPath selects the reader variant from the file extension
func FormatForPath(path string) (Format, error) {
	ext := strings.ToLower(filepath.Ext(path))
	f, ok := formatsByExt[ext]
	if !ok {
		return 0, invalid(fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext))
	}
	return f, nil
}

// OpenRows opens path and returns a lazy row sequence for sheet.
// An empty sheet selects the first one; CSV files have exactly one implicit sheet.
func OpenRows(path, sheet string) (RowReader, error) {
	format, err := FormatForPath(path)
	if err != nil {
		return nil, err
	}
	switch format {
	case FormatCSV:
		return openCSV(path)
	case FormatSpreadsheet:
		return openXLSX(path, sheet)
	case FormatOpenDocument:
		return openODS(path, sheet)
	default:
		return nil, invalid(fmt.Errorf("%w: %s", ErrUnsupportedFormat, format))
	}
}
