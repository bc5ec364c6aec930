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
	"log/slog"
	"strconv"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/cardinalhq/lakesort/internal/logctx"
	"github.com/cardinalhq/lakesort/internal/progress"
	"github.com/cardinalhq/lakesort/internal/rowcmp"
	"github.com/cardinalhq/lakesort/internal/sorterr"
	"github.com/cardinalhq/lakesort/internal/table"
)

// ColumnGroup is a set of input columns sorted together, independently of
// every other group. Key columns index into the group, not the input.
type ColumnGroup struct {
	Columns []int
	Keys    []rowcmp.SortKey
}

// SortColumnsIndependently sorts every column group on its own and zips
// the results back together by position: output row i holds the i-th
// smallest value of each group. Rows of the output do not correspond to
// rows of the input and carry synthetic keys.
func (s *Sorter) SortColumnsIndependently(ctx context.Context, rep progress.Reporter, in table.Table, groups []ColumnGroup) (*ZipCursor, error) {
	schema := in.Schema()
	comparators, schemas, err := s.validateGroups(schema, groups)
	if err != nil {
		return nil, err
	}

	scope := progress.New(ctx, rep)
	defer scope.Close()

	results := make([]table.Table, len(groups))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for i, grp := range groups {
		sub := scope.Sub(1 / float64(len(groups)))
		g.Go(func() error {
			defer sub.Close()
			cur, err := in.Cursor(gctx)
			if err != nil {
				return fmt.Errorf("open input for column group %d: %w", i, err)
			}
			defer cur.Close()

			lctx, glog := logctx.With(gctx, slog.Int("columnGroup", i))
			t, err := s.sortToTable(lctx, sub, schemas[i], table.ProjectCursor(cur, grp.Columns), in.NumRows(), comparators[i])
			if err != nil {
				return fmt.Errorf("sort column group %d: %w", i, err)
			}
			results[i] = t
			glog.Debug("Sorted column group", slog.Int64("rows", t.NumRows()))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, t := range results {
			if t != nil {
				err = errors.Join(err, s.backend.DisposeTable(t))
			}
		}
		// a sibling's failure shows up as cancellation in the others;
		// report the caller's cancellation only if it really happened
		if cerr := progress.Check(ctx); cerr != nil {
			return nil, errors.Join(cerr, err)
		}
		return nil, err
	}

	return newZipCursor(ctx, s.backend, results)
}

func (s *Sorter) validateGroups(schema table.Schema, groups []ColumnGroup) ([]*rowcmp.Comparator, []table.Schema, error) {
	if len(groups) == 0 {
		return nil, nil, sorterr.New("groups", nil, "at least one column group is required")
	}
	used := mapset.NewThreadUnsafeSet[int]()
	comparators := make([]*rowcmp.Comparator, len(groups))
	schemas := make([]table.Schema, len(groups))
	for i, grp := range groups {
		if len(grp.Columns) == 0 {
			return nil, nil, sorterr.New("groups", i, "column group has no columns")
		}
		if len(grp.Keys) == 0 {
			return nil, nil, sorterr.New("groups", i, "column group has no sort keys")
		}
		for _, col := range grp.Columns {
			if !used.Add(col) {
				return nil, nil, sorterr.New("groups", col, "column appears in more than one group")
			}
		}
		proj, err := schema.Project(grp.Columns)
		if err != nil {
			return nil, nil, sorterr.New("groups", i, err.Error())
		}
		b := rowcmp.NewBuilder(proj).WithRegistry(s.registry)
		for _, k := range grp.Keys {
			b.Add(k)
		}
		cmp, err := b.Build()
		if err != nil {
			return nil, nil, err
		}
		comparators[i] = cmp
		schemas[i] = proj
	}
	return comparators, schemas, nil
}

// ZipCursor pairs the rows of several equally long tables by position.
// It owns the tables and disposes them on Close.
type ZipCursor struct {
	backend table.Backend
	schema  table.Schema
	tables  []table.Table
	cursors []table.Cursor
	row     int64
	closed  bool
}

var _ table.Cursor = (*ZipCursor)(nil)

func newZipCursor(ctx context.Context, backend table.Backend, tables []table.Table) (*ZipCursor, error) {
	z := &ZipCursor{backend: backend, tables: tables}
	for _, t := range tables {
		z.schema = z.schema.Concat(t.Schema())
	}
	for _, t := range tables {
		c, err := t.Cursor(ctx)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("open sorted column group: %w", err), z.Close())
		}
		z.cursors = append(z.cursors, c)
	}
	return z, nil
}

// Schema returns the group columns in group order.
func (z *ZipCursor) Schema() table.Schema { return z.schema }

func (z *ZipCursor) Next(ctx context.Context) (table.Row, error) {
	if z.closed {
		return table.Row{}, table.ErrClosed
	}
	if err := progress.Check(ctx); err != nil {
		return table.Row{}, err
	}
	cells := make([]any, 0, z.schema.Len())
	eof := 0
	for i, c := range z.cursors {
		r, err := c.Next(ctx)
		if errors.Is(err, io.EOF) {
			eof++
			continue
		}
		if err != nil {
			return table.Row{}, fmt.Errorf("read column group %d: %w", i, err)
		}
		cells = append(cells, r.Cells...)
	}
	if eof == len(z.cursors) {
		return table.Row{}, io.EOF
	}
	if eof > 0 {
		return table.Row{}, fmt.Errorf("column groups differ in length at row %d", z.row)
	}
	key := "Row" + strconv.FormatInt(z.row, 10)
	z.row++
	return table.Row{Key: key, Cells: cells}, nil
}

// Close closes the cursors and disposes the group tables.
func (z *ZipCursor) Close() error {
	if z.closed {
		return nil
	}
	z.closed = true
	var result error
	for _, c := range z.cursors {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for _, t := range z.tables {
		if err := z.backend.DisposeTable(t); err != nil {
			result = multierror.Append(result, err)
		}
	}
	z.cursors = nil
	z.tables = nil
	return result
}
