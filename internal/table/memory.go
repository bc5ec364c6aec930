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

package table

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
)

// SliceTable is a Table held entirely in memory.
type SliceTable struct {
	schema   Schema
	rows     []Row
	disposed atomic.Bool
}

var _ Table = (*SliceTable)(nil)

// NewSliceTable wraps rows in a table. The slice is not copied.
func NewSliceTable(schema Schema, rows []Row) *SliceTable {
	return &SliceTable{schema: schema, rows: rows}
}

func (t *SliceTable) Schema() Schema { return t.schema }

func (t *SliceTable) NumRows() int64 { return int64(len(t.rows)) }

// Rows exposes the backing slice.
func (t *SliceTable) Rows() []Row { return t.rows }

func (t *SliceTable) Cursor(_ context.Context) (Cursor, error) {
	if t.disposed.Load() {
		return nil, ErrDisposed
	}
	return NewSliceCursor(t.rows), nil
}

func (t *SliceTable) dispose() {
	t.disposed.Store(true)
	t.rows = nil
}

type sliceCursor struct {
	rows   []Row
	pos    int
	closed bool
}

// NewSliceCursor returns a cursor over rows.
func NewSliceCursor(rows []Row) Cursor {
	return &sliceCursor{rows: rows}
}

func (c *sliceCursor) Next(_ context.Context) (Row, error) {
	if c.closed {
		return Row{}, ErrClosed
	}
	if c.pos >= len(c.rows) {
		return Row{}, io.EOF
	}
	r := c.rows[c.pos]
	c.pos++
	return r, nil
}

func (c *sliceCursor) Close() error {
	c.closed = true
	c.rows = nil
	return nil
}

type memoryContainer struct {
	schema Schema
	rows   []Row
	closed bool
}

func (c *memoryContainer) AddRow(row Row) error {
	if c.closed {
		return ErrClosed
	}
	if len(row.Cells) != len(c.schema.Columns) {
		return fmt.Errorf("row %q has %d cells, schema has %d columns", row.Key, len(row.Cells), len(c.schema.Columns))
	}
	c.rows = append(c.rows, row)
	return nil
}

func (c *memoryContainer) Close() (Table, error) {
	if c.closed {
		return nil, ErrClosed
	}
	c.closed = true
	t := NewSliceTable(c.schema, c.rows)
	c.rows = nil
	return t, nil
}

// MemoryBackend keeps every table in memory, ignoring forceOnDisk.
type MemoryBackend struct{}

var _ Backend = MemoryBackend{}

func NewMemoryBackend() MemoryBackend { return MemoryBackend{} }

func (MemoryBackend) Name() string { return "memory" }

func (MemoryBackend) CreateContainer(schema Schema, _ bool) (Container, error) {
	return &memoryContainer{schema: schema}, nil
}

func (MemoryBackend) DisposeTable(t Table) error {
	st, ok := t.(*SliceTable)
	if !ok {
		return fmt.Errorf("memory backend cannot dispose %T", t)
	}
	st.dispose()
	return nil
}

type projectCursor struct {
	in      Cursor
	indices []int
}

// ProjectCursor wraps in so that every row holds only the given cells.
func ProjectCursor(in Cursor, indices []int) Cursor {
	return &projectCursor{in: in, indices: indices}
}

func (p *projectCursor) Next(ctx context.Context) (Row, error) {
	r, err := p.in.Next(ctx)
	if err != nil {
		return Row{}, err
	}
	return r.Project(p.indices), nil
}

func (p *projectCursor) Close() error { return p.in.Close() }

// ReadAll drains c and closes it.
func ReadAll(ctx context.Context, c Cursor) ([]Row, error) {
	var rows []Row
	for {
		r, err := c.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return rows, errors.Join(err, c.Close())
		}
		rows = append(rows, r)
	}
	return rows, c.Close()
}

// Write copies rows into a new container of b and closes it.
func Write(b Backend, schema Schema, forceOnDisk bool, rows []Row) (Table, error) {
	c, err := b.CreateContainer(schema, forceOnDisk)
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		if err := c.AddRow(r); err != nil {
			if t, cerr := c.Close(); cerr == nil {
				_ = b.DisposeTable(t)
			}
			return nil, err
		}
	}
	return c.Close()
}
