// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldimport

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"os"
	"strings"
)

type csvReader struct {
	f     *os.File
	r     *csv.Reader
	first bool
}

func openCSV(path string) (RowReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open csv: %w", err)
	}
	r := csv.NewReader(bufio.NewReaderSize(f, 64<<10))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.ReuseRecord = true
	return &csvReader{f: f, r: r, first: true}, nil
}

func (c *csvReader) Next() ([]string, error) {
	rec, err := c.r.Read()
	if err != nil {
		return nil, err
	}
	if c.first {
		c.first = false
		if len(rec) > 0 {
			rec[0] = strings.TrimPrefix(rec[0], "\ufeff")
		}
	}
	return rec, nil
}

func (c *csvReader) Close() error {
	return c.f.Close()
}
