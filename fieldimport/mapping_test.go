// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldimport

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateMapping(t *testing.T) {
	out, err := validateMapping([]ColumnMapping{{Name: " Full  Name ", SourceIndex: 0, Type: " TEXT "}})
	require.NoError(t, err)
	require.Equal(t, "full_name", out[0].Name)
	require.Equal(t, TypeText, out[0].Type)

	_, err = validateMapping(nil)
	require.ErrorIs(t, err, ErrEmptyMapping)
	var vErr *ValidationError
	require.True(t, errors.As(err, &vErr))

	_, err = validateMapping([]ColumnMapping{{Name: "a", SourceIndex: 0}, {Name: "A", SourceIndex: 1}})
	require.Error(t, err)

	_, err = validateMapping([]ColumnMapping{{Name: "a", SourceIndex: -1}})
	require.Error(t, err)
}

func TestBuildFields_BlankRowsAreSkipped(t *testing.T) {
	mapping := []ColumnMapping{{Name: "name", SourceIndex: 0}, {Name: "age", SourceIndex: 1, Type: TypeInteger}}

	_, blank := buildFields([]string{"", "  "}, mapping)
	require.True(t, blank)

	_, blank = buildFields(nil, mapping)
	require.True(t, blank)

	// unmapped columns with content do not make a row non-blank
	_, blank = buildFields([]string{"", "", "ignored"}, mapping)
	require.True(t, blank)

	fields, blank := buildFields([]string{" Siti ", "42"}, mapping)
	require.False(t, blank)
	require.Equal(t, "Siti", fields["name"])
	require.Equal(t, int64(42), fields["age"])
}

func TestBuildFields_ShortRowYieldsNulls(t *testing.T) {
	mapping := []ColumnMapping{{Name: "name", SourceIndex: 0}, {Name: "phone", SourceIndex: 5}}
	fields, blank := buildFields([]string{"Budi"}, mapping)
	require.False(t, blank)
	require.Contains(t, fields, "phone")
	require.Nil(t, fields["phone"])
}

func TestApplyAliases(t *testing.T) {
	t.Run("fills name and address from synonyms", func(t *testing.T) {
		mapping := []ColumnMapping{{Name: "nama", SourceIndex: 0}, {Name: "alamat", SourceIndex: 1}}
		fields, _ := buildFields([]string{"Toko Maju", "Jl. Merdeka 1"}, mapping)
		require.Equal(t, "Toko Maju", fields[FieldName])
		require.Equal(t, "Jl. Merdeka 1", fields[FieldAddress])
		require.Equal(t, "Toko Maju", fields["nama"])
	})

	t.Run("explicit field is never overwritten", func(t *testing.T) {
		mapping := []ColumnMapping{{Name: "name", SourceIndex: 0}, {Name: "nama", SourceIndex: 1}}
		fields, _ := buildFields([]string{"Explicit", "Alias"}, mapping)
		require.Equal(t, "Explicit", fields[FieldName])
	})

	t.Run("explicit empty field stays empty", func(t *testing.T) {
		mapping := []ColumnMapping{{Name: "name", SourceIndex: 0}, {Name: "nama", SourceIndex: 1}}
		fields, _ := buildFields([]string{"", "Alias"}, mapping)
		require.Nil(t, fields[FieldName])
	})

	t.Run("first alias in priority order wins", func(t *testing.T) {
		mapping := []ColumnMapping{{Name: "label", SourceIndex: 0}, {Name: "nama", SourceIndex: 1}}
		fields, _ := buildFields([]string{"Label", "Nama"}, mapping)
		require.Equal(t, "Nama", fields[FieldName])
	})
}

func TestConvertCell(t *testing.T) {
	cases := []struct {
		cell, typ string
		want      any
	}{
		{"3.5", TypeNumber, 3.5},
		{"1,5", TypeNumber, "1,5"},
		{"12", TypeInteger, int64(12)},
		{"12.0", TypeInteger, int64(12)},
		{"12.5", TypeInteger, "12.5"},
		{"Ya", TypeBoolean, true},
		{"no", TypeBoolean, false},
		{"maybe", TypeBoolean, "maybe"},
		{"2024-02-29", TypeDate, "2024-02-29"},
		{"31/12/2023", TypeDate, "2023-12-31"},
		{"45292", TypeDate, "2024-01-01"},
		{"45292.75", TypeDate, "2024-01-01"},
		{"200000", TypeDate, "2447-07-30"},
		{"2958465", TypeDate, "9999-12-31"},
		{"hello", "", "hello"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, convertCell(tc.cell, tc.typ), "%s as %s", tc.cell, tc.typ)
	}
}

func TestParseColumnSpec(t *testing.T) {
	m, err := ParseColumnSpec("name=0, visits=3:integer,opened=4:date")
	require.NoError(t, err)
	require.Equal(t, []ColumnMapping{
		{Name: "name", SourceIndex: 0},
		{Name: "visits", SourceIndex: 3, Type: TypeInteger},
		{Name: "opened", SourceIndex: 4, Type: TypeDate},
	}, m)

	m, err = ParseColumnSpec(`[{"name":"Name","source_index":2,"type":"text"}]`)
	require.NoError(t, err)
	require.Equal(t, "name", m[0].Name)
	require.Equal(t, 2, m[0].SourceIndex)

	for _, bad := range []string{"", "name", "name=x", "[{", "a=0,a=1"} {
		_, err := ParseColumnSpec(bad)
		require.Error(t, err, bad)
	}
}
