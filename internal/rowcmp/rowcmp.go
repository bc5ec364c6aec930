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

// Package rowcmp builds total orders over rows from a list of sort keys.
package rowcmp

import (
	"fmt"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/cardinalhq/lakesort/internal/sorterr"
	"github.com/cardinalhq/lakesort/internal/table"
)

// RowKeyColumn selects the row key instead of a cell.
const RowKeyColumn = -1

// RowKeyName is the column name that selects the row key in FromColumns.
const RowKeyName = "-ROWKEY -"

// SortKey is one element of a lexicographic ordering.
type SortKey struct {
	Column      int
	Descending  bool
	MissingLast bool
}

// Comparator compares rows by a fixed list of sort keys.
type Comparator struct {
	keys []SortKey
	cmps []ValueComparator
}

// Keys returns a copy of the sort keys.
func (c *Comparator) Keys() []SortKey {
	return append([]SortKey(nil), c.keys...)
}

// Compare returns -1, 0 or 1. Both rows must have the same number of
// cells; anything else is a programming error and panics.
func (c *Comparator) Compare(a, b table.Row) int {
	if len(a.Cells) != len(b.Cells) {
		panic(fmt.Sprintf("rowcmp: cannot compare rows %q and %q with %d and %d cells", a.Key, b.Key, len(a.Cells), len(b.Cells)))
	}
	for i, k := range c.keys {
		var r int
		if k.Column == RowKeyColumn {
			r = strings.Compare(a.Key, b.Key)
		} else {
			av, bv := a.Cells[k.Column], b.Cells[k.Column]
			switch {
			case av == nil && bv == nil:
				continue
			case av == nil:
				if k.MissingLast {
					return 1
				}
				r = -1
			case bv == nil:
				if k.MissingLast {
					return -1
				}
				r = 1
			default:
				r = c.cmps[i](av, bv)
			}
		}
		if r == 0 {
			continue
		}
		if r > 0 {
			r = 1
		} else {
			r = -1
		}
		if k.Descending {
			return -r
		}
		return r
	}
	return 0
}

// Builder collects sort keys for a schema and validates them in Build.
type Builder struct {
	schema   table.Schema
	registry *Registry
	keys     []SortKey
}

func NewBuilder(schema table.Schema) *Builder {
	return &Builder{schema: schema}
}

// WithRegistry replaces the default value comparators.
func (b *Builder) WithRegistry(r *Registry) *Builder {
	b.registry = r
	return b
}

func (b *Builder) Add(k SortKey) *Builder {
	b.keys = append(b.keys, k)
	return b
}

func (b *Builder) AddColumn(column int, descending bool) *Builder {
	return b.Add(SortKey{Column: column, Descending: descending})
}

func (b *Builder) AddRowKey(descending bool) *Builder {
	return b.Add(SortKey{Column: RowKeyColumn, Descending: descending})
}

func (b *Builder) Build() (*Comparator, error) {
	if len(b.keys) == 0 {
		return nil, sorterr.New("keys", nil, "at least one sort key is required")
	}
	reg := b.registry
	if reg == nil {
		reg = DefaultRegistry()
	}

	seen := mapset.NewThreadUnsafeSet[int]()
	c := &Comparator{
		keys: make([]SortKey, len(b.keys)),
		cmps: make([]ValueComparator, len(b.keys)),
	}
	for i, k := range b.keys {
		if !seen.Add(k.Column) {
			return nil, sorterr.New("keys", b.describe(k.Column), "column is used more than once")
		}
		c.keys[i] = k
		if k.Column == RowKeyColumn {
			continue
		}
		if k.Column < 0 || k.Column >= b.schema.Len() {
			return nil, sorterr.New("keys", k.Column, fmt.Sprintf("column index out of range [0,%d)", b.schema.Len()))
		}
		ct := b.schema.Columns[k.Column].Type
		vc, ok := reg.Lookup(ct)
		if !ok {
			return nil, sorterr.New("keys", b.describe(k.Column), fmt.Sprintf("no comparator registered for %s", ct))
		}
		c.cmps[i] = vc
	}
	return c, nil
}

func (b *Builder) describe(column int) string {
	if column == RowKeyColumn {
		return RowKeyName
	}
	if column >= 0 && column < b.schema.Len() {
		return b.schema.Columns[column].Name
	}
	return fmt.Sprint(column)
}

// FromColumns builds a comparator from column names and matching sort
// directions. RowKeyName selects the row key. missingLast applies to all
// keys.
func FromColumns(schema table.Schema, names []string, ascending []bool, missingLast bool) (*Comparator, error) {
	if len(names) != len(ascending) {
		return nil, sorterr.New("ascending", len(ascending), fmt.Sprintf("expected one direction per column (%d)", len(names)))
	}
	if len(names) == 0 {
		return nil, sorterr.New("keys", nil, "at least one sort key is required")
	}
	b := NewBuilder(schema)
	for i, name := range names {
		col := RowKeyColumn
		if name != RowKeyName {
			col = schema.Index(name)
			if col < 0 {
				return nil, sorterr.New("keys", name, "column not in table")
			}
		}
		b.Add(SortKey{Column: col, Descending: !ascending[i], MissingLast: missingLast})
	}
	return b.Build()
}
