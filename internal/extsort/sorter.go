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

// Package extsort sorts tables that may not fit in memory.
//
// Input rows are buffered until the low-memory indicator fires (or a row
// limit is hit), then the buffer is stably sorted and written to the
// backend as a run. Runs are merged with a loser tree, at most FanIn at a
// time, over as many rounds as needed.
package extsort

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"runtime"
	"slices"

	"github.com/cardinalhq/lakesort/internal/memwatch"
	"github.com/cardinalhq/lakesort/internal/progress"
	"github.com/cardinalhq/lakesort/internal/rowcmp"
	"github.com/cardinalhq/lakesort/internal/sorterr"
	"github.com/cardinalhq/lakesort/internal/table"
)

const (
	// DefaultFanIn is the number of runs merged at once.
	DefaultFanIn = 40
	// DefaultMinRunSize is the smallest buffer flushed on low memory.
	DefaultMinRunSize = 40
)

// Sorter holds the sort configuration. A Sorter may be used by several
// goroutines at once as long as its backend and indicator allow that.
type Sorter struct {
	fanIn         int
	minRunSize    int
	maxRowsPerRun int
	parallelism   int
	inMemory      bool
	backend       table.Backend
	lowMemory     memwatch.Indicator
	registry      *rowcmp.Registry
}

type Option func(*Sorter)

// WithFanIn sets the maximum number of runs merged at once. It must be
// greater than 1.
func WithFanIn(n int) Option {
	return func(s *Sorter) { s.fanIn = n }
}

// WithMinRunSize sets the number of buffered rows required before a
// low-memory signal flushes the buffer.
func WithMinRunSize(n int) Option {
	return func(s *Sorter) { s.minRunSize = n }
}

// WithMaxRowsPerRun caps the rows per run; 0 means unlimited.
func WithMaxRowsPerRun(n int) Option {
	return func(s *Sorter) { s.maxRowsPerRun = n }
}

// WithBackend sets where runs and results are stored.
func WithBackend(b table.Backend) Option {
	return func(s *Sorter) { s.backend = b }
}

// WithLowMemoryIndicator sets the signal that flushes the buffer.
func WithLowMemoryIndicator(ind memwatch.Indicator) Option {
	return func(s *Sorter) { s.lowMemory = ind }
}

// WithParallelism bounds the column groups sorted at the same time.
func WithParallelism(n int) Option {
	return func(s *Sorter) { s.parallelism = n }
}

// WithSortInMemory reads the whole input into memory and sorts it there
// when the input row count allows it.
func WithSortInMemory(v bool) Option {
	return func(s *Sorter) { s.inMemory = v }
}

// WithRegistry sets the value comparators used for column group keys.
func WithRegistry(r *rowcmp.Registry) Option {
	return func(s *Sorter) { s.registry = r }
}

func New(opts ...Option) (*Sorter, error) {
	s := &Sorter{
		fanIn:       DefaultFanIn,
		minRunSize:  DefaultMinRunSize,
		parallelism: runtime.GOMAXPROCS(0),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.fanIn <= 1 {
		return nil, sorterr.New("fanIn", s.fanIn, "must be greater than 1")
	}
	if s.minRunSize < 1 {
		return nil, sorterr.New("minRunSize", s.minRunSize, "must be at least 1")
	}
	if s.maxRowsPerRun < 0 {
		return nil, sorterr.New("maxRowsPerRun", s.maxRowsPerRun, "must not be negative")
	}
	if s.parallelism < 1 {
		return nil, sorterr.New("parallelism", s.parallelism, "must be at least 1")
	}
	if s.backend == nil {
		b, err := defaultBackend()
		if err != nil {
			return nil, err
		}
		s.backend = b
	}
	if s.lowMemory == nil {
		s.lowMemory = memwatch.NewHeapIndicator(0.7, 1024)
	}
	if s.registry == nil {
		s.registry = rowcmp.DefaultRegistry()
	}
	return s, nil
}

func defaultBackend() (table.Backend, error) {
	codec, err := table.NewCBORCodec()
	if err != nil {
		return nil, err
	}
	return table.NewFileBackend("", codec)
}

func (s *Sorter) FanIn() int              { return s.fanIn }
func (s *Sorter) Backend() table.Backend { return s.backend }

// SortedTable sorts in into a new table owned by the caller. It returns
// false, and no table, when in has fewer than two rows and can be used
// unchanged.
func (s *Sorter) SortedTable(ctx context.Context, rep progress.Reporter, in table.Table, cmp *rowcmp.Comparator) (table.Table, bool, error) {
	if n := in.NumRows(); n >= 0 && n < 2 {
		return nil, false, nil
	}
	scope := progress.New(ctx, rep)
	defer scope.Close()

	cur, err := in.Cursor(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("open input: %w", err)
	}
	defer cur.Close()

	out, err := s.sortToTable(ctx, scope, in.Schema(), cur, in.NumRows(), cmp)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// SortedCursor sorts in and returns a cursor over the result. Closing the
// cursor releases every run still in use. It returns false, and no cursor,
// when in has fewer than two rows.
func (s *Sorter) SortedCursor(ctx context.Context, rep progress.Reporter, in table.Table, cmp *rowcmp.Comparator) (table.Cursor, bool, error) {
	if n := in.NumRows(); n >= 0 && n < 2 {
		return nil, false, nil
	}
	scope := progress.New(ctx, rep)
	defer scope.Close()

	cur, err := in.Cursor(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("open input: %w", err)
	}
	defer cur.Close()

	out, err := s.sortToCursor(ctx, scope, in.Schema(), cur, in.NumRows(), cmp)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// SortedTableFromCursor sorts a single-pass input. numRows is the expected
// row count, or -1 when unknown; it only drives progress. The input cursor
// is not closed.
func (s *Sorter) SortedTableFromCursor(ctx context.Context, rep progress.Reporter, schema table.Schema, in table.Cursor, numRows int64, cmp *rowcmp.Comparator) (table.Table, error) {
	scope := progress.New(ctx, rep)
	defer scope.Close()
	return s.sortToTable(ctx, scope, schema, in, numRows, cmp)
}

// SortedCursorFromCursor is SortedTableFromCursor returning a lazily merged
// cursor instead of a materialized table.
func (s *Sorter) SortedCursorFromCursor(ctx context.Context, rep progress.Reporter, schema table.Schema, in table.Cursor, numRows int64, cmp *rowcmp.Comparator) (table.Cursor, error) {
	scope := progress.New(ctx, rep)
	defer scope.Close()
	return s.sortToCursor(ctx, scope, schema, in, numRows, cmp)
}

func (s *Sorter) useMemory(numRows int64) bool {
	return s.inMemory && numRows <= math.MaxInt32
}

func (s *Sorter) sortToTable(ctx context.Context, scope *progress.Scope, schema table.Schema, in table.Cursor, numRows int64, cmp *rowcmp.Comparator) (table.Table, error) {
	if cmp == nil {
		return nil, sorterr.New("comparator", nil, "must not be nil")
	}
	if s.useMemory(numRows) {
		rows, err := s.sortInMemory(ctx, scope.Sub(0.5), in, numRows, cmp)
		if err != nil {
			return nil, err
		}
		return s.writeTable(ctx, scope.Sub(0.5), schema, rows)
	}

	read := scope.Sub(0.5)
	rs, err := s.createRuns(ctx, read, schema, in, numRows, cmp)
	read.Close()
	if err != nil {
		return nil, err
	}
	if rs.runs == nil {
		// nothing to sort, keep it off the backend
		return table.NewSliceTable(schema, rs.small), nil
	}

	mp := newMergePhase(s, schema, cmp, rs.runs, rs.rows)
	defer mp.close()
	merge := scope.Sub(0.5)
	defer merge.Close()
	return mp.mergeIntoTable(ctx, merge)
}

func (s *Sorter) sortToCursor(ctx context.Context, scope *progress.Scope, schema table.Schema, in table.Cursor, numRows int64, cmp *rowcmp.Comparator) (table.Cursor, error) {
	if cmp == nil {
		return nil, sorterr.New("comparator", nil, "must not be nil")
	}
	if s.useMemory(numRows) {
		rows, err := s.sortInMemory(ctx, scope.Sub(1), in, numRows, cmp)
		if err != nil {
			return nil, err
		}
		return table.NewSliceCursor(rows), nil
	}

	read := scope.Sub(0.5)
	rs, err := s.createRuns(ctx, read, schema, in, numRows, cmp)
	read.Close()
	if err != nil {
		return nil, err
	}
	if rs.runs == nil {
		return table.NewSliceCursor(rs.small), nil
	}

	mp := newMergePhase(s, schema, cmp, rs.runs, rs.rows)
	defer mp.close()
	merge := scope.Sub(0.5)
	defer merge.Close()
	return mp.mergeIntoCursor(ctx, merge)
}

func (s *Sorter) sortInMemory(ctx context.Context, scope *progress.Scope, in table.Cursor, numRows int64, cmp *rowcmp.Comparator) ([]table.Row, error) {
	defer scope.Close()
	var rows []table.Row
	if numRows > 0 {
		rows = make([]table.Row, 0, numRows)
	}
	for {
		if err := progress.Check(ctx); err != nil {
			return nil, err
		}
		row, err := in.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read input: %w", err)
		}
		rows = append(rows, row)
		n := int64(len(rows))
		if numRows > 0 {
			scope.Update(float64(n)/float64(numRows), readingMessage(n, numRows))
		}
	}
	rowsReadCounter.Add(ctx, int64(len(rows)), backendAttr("memory"))
	scope.Message(func() string { return "Sorting in-memory buffer" })
	slices.SortStableFunc(rows, cmp.Compare)
	return rows, nil
}

// writeTable stores already sorted rows in a caller-owned table.
func (s *Sorter) writeTable(ctx context.Context, scope *progress.Scope, schema table.Schema, rows []table.Row) (table.Table, error) {
	defer scope.Close()
	c, err := s.backend.CreateContainer(schema, false)
	if err != nil {
		return nil, fmt.Errorf("create result container: %w", err)
	}
	total := int64(len(rows))
	for i, row := range rows {
		if err := progress.Check(ctx); err != nil {
			return nil, errors.Join(err, discard(s.backend, c))
		}
		if err := c.AddRow(row); err != nil {
			return nil, errors.Join(fmt.Errorf("write result: %w", err), discard(s.backend, c))
		}
		scope.Update(float64(i+1)/float64(total), writingMessage)
	}
	t, err := c.Close()
	if err != nil {
		return nil, fmt.Errorf("close result: %w", err)
	}
	return t, nil
}

// discard closes c and disposes whatever it produced.
func discard(b table.Backend, c table.Container) error {
	t, err := c.Close()
	if err != nil {
		return err
	}
	return b.DisposeTable(t)
}

func readingMessage(n, total int64) func() string {
	return func() string {
		if total > 0 {
			return "Reading data (row " + progress.RowFraction(n, total) + ")"
		}
		return "Filling in-memory buffer"
	}
}

func writingMessage() string { return "Writing result table" }
