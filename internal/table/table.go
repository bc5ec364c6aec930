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

// Package table defines the row data model and the storage boundary the
// sorting engine talks to: tables, cursors, containers and backends.
package table

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrClosed is returned by cursors and containers used after Close.
var ErrClosed = errors.New("table: closed")

// ErrDisposed is returned when a disposed table is read.
var ErrDisposed = errors.New("table: disposed")

// ColumnType identifies the value type stored in a column.
type ColumnType int

const (
	Int64 ColumnType = iota
	Float64
	String
	Bool
)

func (t ColumnType) String() string {
	switch t {
	case Int64:
		return "int64"
	case Float64:
		return "float64"
	case String:
		return "string"
	case Bool:
		return "bool"
	default:
		return fmt.Sprintf("ColumnType(%d)", int(t))
	}
}

// ParseColumnType is the inverse of ColumnType.String.
func ParseColumnType(s string) (ColumnType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "int64", "int", "long":
		return Int64, nil
	case "float64", "float", "double":
		return Float64, nil
	case "string":
		return String, nil
	case "bool", "boolean":
		return Bool, nil
	}
	return 0, fmt.Errorf("unknown column type %q", s)
}

// Column is a named, typed column.
type Column struct {
	Name string
	Type ColumnType
}

// Schema is the ordered list of columns of a table.
type Schema struct {
	Columns []Column
}

func NewSchema(cols ...Column) Schema {
	return Schema{Columns: cols}
}

func (s Schema) Len() int {
	return len(s.Columns)
}

// Index returns the position of the named column, or -1.
func (s Schema) Index(name string) int {
	for i, c := range s.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Names returns the column names in order.
func (s Schema) Names() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// Project builds the schema made of the given column positions, in order.
func (s Schema) Project(indices []int) (Schema, error) {
	cols := make([]Column, 0, len(indices))
	for _, idx := range indices {
		if idx < 0 || idx >= len(s.Columns) {
			return Schema{}, fmt.Errorf("column index %d out of range [0,%d)", idx, len(s.Columns))
		}
		cols = append(cols, s.Columns[idx])
	}
	return Schema{Columns: cols}, nil
}

// Concat appends the columns of other to a copy of s.
func (s Schema) Concat(other Schema) Schema {
	cols := make([]Column, 0, len(s.Columns)+len(other.Columns))
	cols = append(cols, s.Columns...)
	cols = append(cols, other.Columns...)
	return Schema{Columns: cols}
}

// Row is one record: a row key plus one cell per schema column.
// A nil cell is a missing value. Rows are not modified once produced.
type Row struct {
	Key   string
	Cells []any
}

// Project returns a row holding only the given cell positions.
func (r Row) Project(indices []int) Row {
	cells := make([]any, len(indices))
	for i, idx := range indices {
		cells[i] = r.Cells[idx]
	}
	return Row{Key: r.Key, Cells: cells}
}

// Cursor is a single forward pass over rows. Next returns io.EOF once
// the rows are exhausted.
type Cursor interface {
	Next(ctx context.Context) (Row, error)
	Close() error
}

// Table is a finite, re-scannable collection of rows.
type Table interface {
	Schema() Schema
	// NumRows returns the row count, or -1 when it is not known up front.
	NumRows() int64
	Cursor(ctx context.Context) (Cursor, error)
}

// Container accumulates rows and turns them into a Table on Close.
type Container interface {
	AddRow(row Row) error
	Close() (Table, error)
}

// Backend creates containers and releases the tables they produce.
type Backend interface {
	Name() string
	// CreateContainer opens a container for the schema. When forceOnDisk is
	// set the resulting table must not be held in memory.
	CreateContainer(schema Schema, forceOnDisk bool) (Container, error)
	DisposeTable(t Table) error
}
