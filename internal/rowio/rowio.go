// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package rowio reads and writes tables as CSV, JSON lines or Parquet
// files.
package rowio

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cardinalhq/lakesort/internal/table"
)

type Format string

const (
	CSV       Format = "csv"
	JSONLines Format = "jsonl"
	Parquet   Format = "parquet"
)

// ParseFormat accepts a format name; "" guesses it from path.
func ParseFormat(name, path string) (Format, error) {
	switch strings.ToLower(name) {
	case "csv":
		return CSV, nil
	case "jsonl", "ndjson", "json":
		return JSONLines, nil
	case "parquet":
		return Parquet, nil
	case "":
		switch strings.ToLower(filepath.Ext(path)) {
		case ".csv":
			return CSV, nil
		case ".jsonl", ".ndjson", ".json":
			return JSONLines, nil
		case ".parquet":
			return Parquet, nil
		}
		return "", fmt.Errorf("cannot tell the format of %q, use --format", path)
	}
	return "", fmt.Errorf("unknown format %q", name)
}

type options struct {
	keyColumn string
}

type Option func(*options)

// WithKeyColumn takes row keys from the named column instead of numbering
// rows. The column is not part of the table schema.
func WithKeyColumn(name string) Option {
	return func(o *options) { o.keyColumn = name }
}

// Open opens path as a table in the given format.
func Open(path string, format Format, opts ...Option) (table.Table, error) {
	switch format {
	case CSV:
		return OpenCSV(path, opts...)
	case JSONLines:
		return OpenJSONLines(path, opts...)
	case Parquet:
		return OpenParquet(path, opts...)
	}
	return nil, fmt.Errorf("unknown format %q", format)
}

// Writer writes the rows of a table to a file.
type Writer interface {
	WriteRow(row table.Row) error
	Close() error
}

// NewWriter creates a writer for format on w. When keyColumn is set the
// row key is written as an extra leading column of that name.
func NewWriter(w io.Writer, format Format, schema table.Schema, keyColumn string) (Writer, error) {
	switch format {
	case CSV:
		return NewCSVWriter(w, schema, keyColumn), nil
	case JSONLines:
		return NewJSONLinesWriter(w, schema, keyColumn), nil
	case Parquet:
		return NewParquetWriter(w, schema, keyColumn)
	}
	return nil, fmt.Errorf("unknown format %q", format)
}

// rowKey names row n when no key column is used.
func rowKey(n int64) string {
	return "Row" + strconv.FormatInt(n, 10)
}

// keyString renders a key column value.
func keyString(v any, n int64) string {
	switch k := v.(type) {
	case nil:
		return rowKey(n)
	case string:
		return k
	case []byte:
		return string(k)
	}
	return fmt.Sprint(v)
}

// fileTable is a re-scannable table backed by a file. Every cursor
// reopens the file.
type fileTable struct {
	path    string
	schema  table.Schema
	rows    int64
	newScan func(ctx context.Context) (table.Cursor, error)
}

func (t *fileTable) Schema() table.Schema { return t.schema }
func (t *fileTable) NumRows() int64       { return t.rows }

func (t *fileTable) Cursor(ctx context.Context) (table.Cursor, error) {
	return t.newScan(ctx)
}

// inference tracks the narrowest type that fits every value seen in a
// column: int64, then float64, then string. Bools only stay bools.
type inference struct {
	seen bool
	typ  table.ColumnType
}

func (in *inference) observe(t table.ColumnType) {
	if !in.seen {
		in.seen = true
		in.typ = t
		return
	}
	if in.typ == t {
		return
	}
	switch {
	case in.typ == table.Int64 && t == table.Float64, in.typ == table.Float64 && t == table.Int64:
		in.typ = table.Float64
	default:
		in.typ = table.String
	}
}

// result returns the inferred type; columns with no values are strings.
func (in *inference) result() table.ColumnType {
	if !in.seen {
		return table.String
	}
	return in.typ
}

// classify returns the narrowest type a textual cell parses as.
func classify(s string) table.ColumnType {
	if _, err := strconv.ParseInt(s, 10, 64); err == nil {
		return table.Int64
	}
	if _, err := strconv.ParseFloat(s, 64); err == nil {
		return table.Float64
	}
	if _, err := strconv.ParseBool(s); err == nil {
		return table.Bool
	}
	return table.String
}

// parseText converts a textual cell to t. An empty string is missing.
func parseText(t table.ColumnType, s string) (any, error) {
	if s == "" {
		return nil, nil
	}
	switch t {
	case table.Int64:
		return strconv.ParseInt(s, 10, 64)
	case table.Float64:
		return strconv.ParseFloat(s, 64)
	case table.Bool:
		return strconv.ParseBool(s)
	}
	return s, nil
}

// coerce converts a decoded value to the Go type used for t cells.
func coerce(t table.ColumnType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case table.Int64:
		switch n := v.(type) {
		case int64:
			return n, nil
		case int:
			return int64(n), nil
		case int32:
			return int64(n), nil
		case uint64:
			if n > math.MaxInt64 {
				return nil, fmt.Errorf("value %d overflows int64", n)
			}
			return int64(n), nil
		case json.Number:
			return n.Int64()
		case float64:
			if n == math.Trunc(n) {
				return int64(n), nil
			}
		}
	case table.Float64:
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case int32:
			return float64(n), nil
		case uint64:
			return float64(n), nil
		case json.Number:
			return n.Float64()
		}
	case table.Bool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case table.String:
		switch s := v.(type) {
		case string:
			return s, nil
		case []byte:
			return string(s), nil
		case json.Number:
			return s.String(), nil
		}
		return fmt.Sprint(v), nil
	}
	return nil, fmt.Errorf("cannot use %T value %v as %s", v, v, t)
}
