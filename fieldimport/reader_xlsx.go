// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldimport

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

type xlsxReader struct {
	f    *excelize.File
	rows *excelize.Rows
}

func openXLSX(path, sheet string) (RowReader, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open spreadsheet: %w", err)
	}

	if sheet == "" {
		sheet = f.GetSheetName(0)
	}
	if idx, err := f.GetSheetIndex(sheet); err != nil || idx < 0 {
		_ = f.Close()
		return nil, invalid(fmt.Errorf("%w: %q", ErrSheetNotFound, sheet))
	}

	rows, err := f.Rows(sheet)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("read sheet %q: %w", sheet, err)
	}
	return &xlsxReader{f: f, rows: rows}, nil
}

func (x *xlsxReader) Next() ([]string, error) {
	if !x.rows.Next() {
		if err := x.rows.Error(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	return x.rows.Columns()
}

func (x *xlsxReader) Close() error {
	rowsErr := x.rows.Close()
	if err := x.f.Close(); err != nil {
		return err
	}
	return rowsErr
}
