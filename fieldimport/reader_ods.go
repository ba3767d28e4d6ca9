// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldimport

import (
	"archive/zip"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	nsOffice = "urn:oasis:names:tc:opendocument:xmlns:office:1.0"
	nsTable  = "urn:oasis:names:tc:opendocument:xmlns:table:1.0"
	nsText   = "urn:oasis:names:tc:opendocument:xmlns:text:1.0"

	// Spreadsheets pad sheets with huge repeat counts; anything beyond this is padding.
	maxColumnRepeat = 16384
)

// odsReader walks content.xml token by token so only the current row is held in memory.
type odsReader struct {
	zr      *zip.ReadCloser
	content io.ReadCloser
	dec     *xml.Decoder
	sheet   string

	inTable bool
	found   bool
	done    bool

	// rows with table:number-rows-repeated are replayed from last
	repeat int
	last   []string
}

func openODS(path, sheet string) (RowReader, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open open-document file: %w", err)
	}
	var content *zip.File
	for _, f := range zr.File {
		if f.Name == "content.xml" {
			content = f
			break
		}
	}
	if content == nil {
		_ = zr.Close()
		return nil, invalid(fmt.Errorf("%w: content.xml missing", ErrUnsupportedFormat))
	}
	rc, err := content.Open()
	if err != nil {
		_ = zr.Close()
		return nil, fmt.Errorf("open content.xml: %w", err)
	}
	return &odsReader{
		zr:      zr,
		content: rc,
		dec:     xml.NewDecoder(rc),
		sheet:   sheet,
	}, nil
}

func (o *odsReader) Next() ([]string, error) {
	if o.repeat > 0 {
		o.repeat--
		return append([]string(nil), o.last...), nil
	}
	if o.done {
		return nil, io.EOF
	}

	for {
		tok, err := o.dec.Token()
		if err == io.EOF {
			o.done = true
			if !o.found {
				return nil, invalid(fmt.Errorf("%w: %q", ErrSheetNotFound, o.sheet))
			}
			return nil, io.EOF
		}
		if err != nil {
			return nil, fmt.Errorf("parse content.xml: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch {
			case !o.inTable && t.Name.Space == nsTable && t.Name.Local == "table":
				if o.sheet != "" && xmlAttr(t, nsTable, "name") != o.sheet {
					if err := o.dec.Skip(); err != nil {
						return nil, fmt.Errorf("skip sheet: %w", err)
					}
					continue
				}
				o.inTable, o.found = true, true

			case o.inTable && t.Name.Space == nsTable && t.Name.Local == "table-row":
				row, err := o.readRow()
				if err != nil {
					return nil, err
				}
				n := repeatCount(xmlAttr(t, nsTable, "number-rows-repeated"))
				if isBlankRow(row) {
					n = 1
				}
				o.last = row
				o.repeat = n - 1
				return row, nil
			}

		case xml.EndElement:
			if o.inTable && t.Name.Space == nsTable && t.Name.Local == "table" {
				o.inTable = false
				o.done = true
				return nil, io.EOF
			}
		}
	}
}

// readRow consumes tokens up to the end of the current table:table-row.
// Trailing empty cells are dropped.
func (o *odsReader) readRow() ([]string, error) {
	var (
		row          []string
		pendingEmpty int
	)
	for {
		tok, err := o.dec.Token()
		if err != nil {
			return nil, fmt.Errorf("parse row: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Space != nsTable || (t.Name.Local != "table-cell" && t.Name.Local != "covered-table-cell") {
				if err := o.dec.Skip(); err != nil {
					return nil, err
				}
				continue
			}
			text, err := o.readCellText()
			if err != nil {
				return nil, err
			}
			value := cellValue(t, text)
			n := repeatCount(xmlAttr(t, nsTable, "number-columns-repeated"))
			if value == "" {
				pendingEmpty += n
				continue
			}
			if len(row)+pendingEmpty+n > maxColumnRepeat {
				n = max(0, maxColumnRepeat-len(row)-pendingEmpty)
			}
			for ; pendingEmpty > 0; pendingEmpty-- {
				row = append(row, "")
			}
			for i := 0; i < n; i++ {
				row = append(row, value)
			}
		case xml.EndElement:
			if t.Name.Space == nsTable && t.Name.Local == "table-row" {
				return row, nil
			}
		}
	}
}

// readCellText collects the paragraphs of the current cell, joined by newlines
func (o *odsReader) readCellText() (string, error) {
	var (
		sb    strings.Builder
		depth = 1
		paras int
	)
	for {
		tok, err := o.dec.Token()
		if err != nil {
			return "", fmt.Errorf("parse cell: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Space == nsOffice && t.Name.Local == "annotation" {
				if err := o.dec.Skip(); err != nil {
					return "", err
				}
				continue
			}
			depth++
			if t.Name.Space != nsText {
				continue
			}
			switch t.Name.Local {
			case "p":
				if paras > 0 {
					sb.WriteByte('\n')
				}
				paras++
			case "s":
				sb.WriteString(strings.Repeat(" ", repeatCount(xmlAttr(t, nsText, "c"))))
			case "tab":
				sb.WriteByte('\t')
			case "line-break":
				sb.WriteByte('\n')
			}
		case xml.CharData:
			if depth >= 2 {
				sb.Write(t)
			}
		case xml.EndElement:
			depth--
			if depth == 0 {
				return sb.String(), nil
			}
		}
	}
}

// cellValue prefers the typed office:* attribute over the display text
func cellValue(cell xml.StartElement, text string) string {
	var v string
	switch xmlAttr(cell, nsOffice, "value-type") {
	case "float", "percentage", "currency":
		v = xmlAttr(cell, nsOffice, "value")
	case "date":
		v = xmlAttr(cell, nsOffice, "date-value")
	case "time":
		v = xmlAttr(cell, nsOffice, "time-value")
	case "boolean":
		v = xmlAttr(cell, nsOffice, "boolean-value")
	}
	if v == "" {
		v = text
	}
	return v
}

func xmlAttr(el xml.StartElement, space, local string) string {
	for _, a := range el.Attr {
		if a.Name.Space == space && a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

func repeatCount(s string) int {
	if s == "" {
		return 1
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 1
	}
	return n
}

func isBlankRow(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func (o *odsReader) Close() error {
	cerr := o.content.Close()
	if err := o.zr.Close(); err != nil {
		return err
	}
	return cerr
}
