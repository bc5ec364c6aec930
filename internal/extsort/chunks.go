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

package extsort

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/hashicorp/go-multierror"

	"github.com/cardinalhq/lakesort/internal/table"
)

// Run is a sorted table owned by exactly one holder until it is consumed
// or disposed.
type Run struct {
	table    table.Table
	backend  table.Backend
	released bool
}

func (r *Run) Rows() int64 { return r.table.NumRows() }

// Dispose returns the table to its backend. It is safe to call more than
// once and after the run was handed out with release.
func (r *Run) Dispose() error {
	if r.released {
		return nil
	}
	r.released = true
	runsDisposedCounter.Add(context.Background(), 1, backendAttr(r.backend.Name()))
	if err := r.backend.DisposeTable(r.table); err != nil {
		return fmt.Errorf("dispose run: %w", err)
	}
	return nil
}

// release hands the table to a new owner; Dispose becomes a no-op.
func (r *Run) release() table.Table {
	r.released = true
	return r.table
}

// consume opens a cursor that disposes the run once it is drained or
// closed. If the cursor cannot be opened the run is disposed.
func (r *Run) consume(ctx context.Context) (table.Cursor, error) {
	c, err := r.table.Cursor(ctx)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("open run: %w", err), r.Dispose())
	}
	return &disposingCursor{run: r, in: c}, nil
}

type disposingCursor struct {
	run  *Run
	in   table.Cursor
	done bool
}

func (c *disposingCursor) Next(ctx context.Context) (table.Row, error) {
	if c.done {
		return table.Row{}, io.EOF
	}
	row, err := c.in.Next(ctx)
	if errors.Is(err, io.EOF) {
		if cerr := c.Close(); cerr != nil {
			return table.Row{}, cerr
		}
		return table.Row{}, io.EOF
	}
	return row, err
}

func (c *disposingCursor) Close() error {
	if c.done {
		return nil
	}
	c.done = true
	return errors.Join(c.in.Close(), c.run.Dispose())
}

// chunkWriter writes runs one chunk at a time and owns every completed run
// until finish hands them on.
type chunkWriter struct {
	schema  table.Schema
	backend table.Backend
	runs    []*Run
	open    *chunk
}

func newChunkWriter(schema table.Schema, backend table.Backend) *chunkWriter {
	return &chunkWriter{schema: schema, backend: backend}
}

func (w *chunkWriter) openChunk(forceOnDisk bool) (*chunk, error) {
	if w.open != nil {
		return nil, errors.New("chunk writer: previous chunk is still open")
	}
	c, err := w.backend.CreateContainer(w.schema, forceOnDisk)
	if err != nil {
		return nil, fmt.Errorf("create run container: %w", err)
	}
	w.open = &chunk{w: w, c: c}
	return w.open, nil
}

// finish passes ownership of all completed runs to consumer.
func (w *chunkWriter) finish(consumer func([]*Run)) {
	runs := w.runs
	w.runs = nil
	consumer(runs)
}

// close disposes the open chunk and every run not handed on by finish.
func (w *chunkWriter) close() error {
	var result error
	if w.open != nil {
		if err := w.open.abort(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for _, r := range w.runs {
		if err := r.Dispose(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	w.runs = nil
	return result
}

type chunk struct {
	w    *chunkWriter
	c    table.Container
	done bool
}

func (c *chunk) addRow(row table.Row) error {
	return c.c.AddRow(row)
}

// close completes the chunk. A chunk without rows is discarded and
// close returns a nil run.
func (c *chunk) close() (*Run, error) {
	if c.done {
		return nil, errors.New("chunk already closed")
	}
	c.done = true
	c.w.open = nil

	t, err := c.c.Close()
	if err != nil {
		return nil, fmt.Errorf("close run container: %w", err)
	}
	if t.NumRows() == 0 {
		return nil, c.w.backend.DisposeTable(t)
	}
	run := &Run{table: t, backend: c.w.backend}
	runsCreatedCounter.Add(context.Background(), 1, backendAttr(c.w.backend.Name()))
	c.w.runs = append(c.w.runs, run)
	return run, nil
}

// abort closes the container and throws its table away.
func (c *chunk) abort() error {
	if c.done {
		return nil
	}
	c.done = true
	c.w.open = nil
	return discard(c.w.backend, c.c)
}
