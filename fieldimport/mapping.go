// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldimport

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Cell types accepted in ColumnMapping.Type
const (
	TypeText    = "text"
	TypeNumber  = "number"
	TypeInteger = "integer"
	TypeBoolean = "boolean"
	TypeDate    = "date"
)

// Well-known field names
const (
	FieldName             = "name"
	FieldAddress          = "address"
	FieldOrganizationCode = "organization_code"
	FieldSupervisorEmail  = "supervisor_email"
	FieldEnumeratorEmail  = "enumerator_email"
)

// ColumnMapping maps one source column to a target field
type ColumnMapping struct {
	Name        string `json:"name"`
	SourceIndex int    `json:"source_index"`
	Type        string `json:"type,omitempty"`
}

// Header synonyms used to derive a display label when no explicit name/address
// column is mapped. Order is priority.
var (
	nameAliases = []string{
		"nama", "nama_lengkap", "nama_responden", "nama_pelanggan", "nama_usaha", "nama_toko",
		"title", "judul", "full_name", "fullname", "customer_name", "respondent_name",
		"business_name", "store_name", "label",
	}
	addressAliases = []string{
		"alamat", "alamat_lengkap", "address_line", "full_address", "street",
		"location", "lokasi", "desa", "kelurahan", "kecamatan", "kota", "kabupaten", "city",
	}
)

// validateMapping normalizes field names and rejects unusable mappings
func validateMapping(mapping []ColumnMapping) ([]ColumnMapping, error) {
	if len(mapping) == 0 {
		return nil, invalid(ErrEmptyMapping)
	}
	out := make([]ColumnMapping, 0, len(mapping))
	seen := make(map[string]bool, len(mapping))
	for _, m := range mapping {
		m.Name = normalizeFieldName(m.Name)
		m.Type = strings.ToLower(strings.TrimSpace(m.Type))
		if m.Name == "" {
			return nil, invalid(fmt.Errorf("mapping for column %d has no name", m.SourceIndex))
		}
		if m.SourceIndex < 0 {
			return nil, invalid(fmt.Errorf("mapping %q has negative source_index", m.Name))
		}
		if seen[m.Name] {
			return nil, invalid(fmt.Errorf("field %q is mapped twice", m.Name))
		}
		seen[m.Name] = true
		out = append(out, m)
	}
	return out, nil
}

func normalizeFieldName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Join(strings.Fields(s), "_")
}

// buildFields turns one source row into a field map. blank is true when every mapped
// cell is empty; such rows produce no records.
func buildFields(row []string, mapping []ColumnMapping) (fields map[string]any, blank bool) {
	fields = make(map[string]any, len(mapping)+2)
	blank = true
	for _, m := range mapping {
		var cell string
		if m.SourceIndex < len(row) {
			cell = strings.TrimSpace(row[m.SourceIndex])
		}
		if cell == "" {
			fields[m.Name] = nil
			continue
		}
		blank = false
		fields[m.Name] = convertCell(cell, m.Type)
	}
	if blank {
		return nil, true
	}
	applyAliases(fields)
	return fields, false
}

// applyAliases fills name/address from a synonym column when those fields are not mapped.
// A mapped name/address is never overwritten, even when its cell is empty.
func applyAliases(fields map[string]any) {
	fillAlias(fields, FieldName, nameAliases)
	fillAlias(fields, FieldAddress, addressAliases)
}

func fillAlias(fields map[string]any, target string, aliases []string) {
	if _, mapped := fields[target]; mapped {
		return
	}
	for _, alias := range aliases {
		v, ok := fields[alias]
		if !ok || v == nil {
			continue
		}
		fields[target] = fmt.Sprint(v)
		return
	}
}

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02 15:04:05",
	"02/01/2006",
	"2/1/2006",
	"02-01-2006",
	"01-02-06",
	"2006/01/02",
}

// convertCell applies the mapped type; values that do not parse are kept as text
func convertCell(cell, typ string) any {
	switch typ {
	case TypeNumber, "decimal", "float":
		if f, err := strconv.ParseFloat(cell, 64); err == nil {
			return f
		}
	case TypeInteger, "int":
		if n, err := strconv.ParseInt(cell, 10, 64); err == nil {
			return n
		}
		if f, err := strconv.ParseFloat(cell, 64); err == nil && f == float64(int64(f)) {
			return int64(f)
		}
	case TypeBoolean, "bool":
		switch strings.ToLower(cell) {
		case "1", "true", "yes", "y", "ya":
			return true
		case "0", "false", "no", "n", "tidak":
			return false
		}
	case TypeDate:
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, cell); err == nil {
				return t.Format("2006-01-02")
			}
		}
		// spreadsheet serial date
		if f, err := strconv.ParseFloat(cell, 64); err == nil && f > 0 && f < 2958466 {
			base := time.Date(1899, 12, 30, 0, 0, 0, 0, time.UTC)
			// fractional part is time of day
			return base.AddDate(0, 0, int(f)).Format("2006-01-02")
		}
	}
	return cell
}

func stringField(fields map[string]any, key string) string {
	v, ok := fields[key]
	if !ok || v == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

// ParseColumnSpec parses a mapping given either as a JSON array of ColumnMapping or in the
// compact form "name=0,visits=3:integer,opened=4:date".
func ParseColumnSpec(spec string) ([]ColumnMapping, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, invalid(ErrEmptyMapping)
	}
	if strings.HasPrefix(spec, "[") {
		var out []ColumnMapping
		if err := json.Unmarshal([]byte(spec), &out); err != nil {
			return nil, invalid(fmt.Errorf("mapping JSON: %w", err))
		}
		return validateMapping(out)
	}

	var out []ColumnMapping
	for _, part := range strings.Split(spec, ",") {
		name, rest, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return nil, invalid(fmt.Errorf("mapping entry %q: expected name=index[:type]", part))
		}
		idx, typ, _ := strings.Cut(rest, ":")
		n, err := strconv.Atoi(strings.TrimSpace(idx))
		if err != nil {
			return nil, invalid(fmt.Errorf("mapping entry %q: bad column index", part))
		}
		out = append(out, ColumnMapping{Name: name, SourceIndex: n, Type: typ})
	}
	return validateMapping(out)
}
