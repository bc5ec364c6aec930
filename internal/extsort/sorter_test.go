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
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/lakesort/internal/memwatch"
	"github.com/cardinalhq/lakesort/internal/progress"
	"github.com/cardinalhq/lakesort/internal/rowcmp"
	"github.com/cardinalhq/lakesort/internal/sorterr"
	"github.com/cardinalhq/lakesort/internal/table"
)

func newTracked(t *testing.T, inner table.Backend, opts ...Option) (*Sorter, *table.TrackingBackend) {
	t.Helper()
	tb := table.NewTrackingBackend(inner)
	opts = append([]Option{WithBackend(tb), WithLowMemoryIndicator(memwatch.Never)}, opts...)
	s, err := New(opts...)
	require.NoError(t, err)
	return s, tb
}

func fileBackend(t *testing.T, codec string) *table.FileBackend {
	t.Helper()
	c, err := table.ParseCodec(codec)
	require.NoError(t, err)
	b, err := table.NewFileBackend(t.TempDir(), c)
	require.NoError(t, err)
	return b
}

func TestSortSmallExample(t *testing.T) {
	schema := intSchema()
	in := table.NewSliceTable(schema, []table.Row{
		{Key: "r0", Cells: []any{int64(3)}},
		{Key: "r1", Cells: []any{int64(1)}},
		{Key: "r2", Cells: []any{int64(2)}},
		{Key: "r3", Cells: []any{int64(1)}},
	})
	s, tb := newTracked(t, table.NewMemoryBackend(), WithMaxRowsPerRun(2), WithFanIn(2))

	out, ok, err := s.SortedTable(context.Background(), nil, in, ascending(t, schema))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"r1", "r3", "r2", "r0"}, keys(readTable(t, out)))

	// two runs plus the merged result
	assert.Equal(t, int64(3), tb.Stats().Containers)
	assert.Equal(t, 1, tb.Outstanding())
	require.NoError(t, tb.DisposeTable(out))
	assert.Equal(t, 0, tb.Outstanding())
}

func TestSortMatchesStableSort(t *testing.T) {
	backends := map[string]func(t *testing.T) table.Backend{
		"memory": func(*testing.T) table.Backend { return table.NewMemoryBackend() },
		"gob":    func(t *testing.T) table.Backend { return fileBackend(t, "gob") },
		"cbor":   func(t *testing.T) table.Backend { return fileBackend(t, "cbor") },
	}
	for name, mk := range backends {
		for _, fanIn := range []int{2, 3, 1000} {
			for _, maxRows := range []int{1, 7, 0} {
				t.Run(fmt.Sprintf("%s/fanIn=%d/maxRows=%d", name, fanIn, maxRows), func(t *testing.T) {
					schema := intSchema()
					rows := randomRows(uint64(fanIn*31+maxRows), 257, 20)
					cmp := ascending(t, schema)
					want := keys(stableSorted(rows, cmp))

					s, tb := newTracked(t, mk(t), WithFanIn(fanIn), WithMaxRowsPerRun(maxRows))

					out, ok, err := s.SortedTable(context.Background(), nil, table.NewSliceTable(schema, rows), cmp)
					require.NoError(t, err)
					require.True(t, ok)
					assert.Equal(t, int64(len(rows)), out.NumRows())
					assert.Equal(t, want, keys(readTable(t, out)))
					require.NoError(t, tb.DisposeTable(out))

					cur, ok, err := s.SortedCursor(context.Background(), nil, table.NewSliceTable(schema, rows), cmp)
					require.NoError(t, err)
					require.True(t, ok)
					assert.Equal(t, want, keys(readCursor(t, cur)))

					assert.Equal(t, 0, tb.Outstanding())
				})
			}
		}
	}
}

func TestSortIsIdempotent(t *testing.T) {
	schema := intSchema()
	rows := randomRows(7, 100, 5)
	cmp := ascending(t, schema)
	s, tb := newTracked(t, table.NewMemoryBackend(), WithFanIn(3), WithMaxRowsPerRun(9))

	once, _, err := s.SortedTable(context.Background(), nil, table.NewSliceTable(schema, rows), cmp)
	require.NoError(t, err)
	twice, _, err := s.SortedTable(context.Background(), nil, once, cmp)
	require.NoError(t, err)

	assert.Equal(t, keys(readTable(t, once)), keys(readTable(t, twice)))
	require.NoError(t, tb.DisposeTable(once))
	require.NoError(t, tb.DisposeTable(twice))
	assert.Equal(t, 0, tb.Outstanding())
}

func TestSortDescendingAndMultiKey(t *testing.T) {
	schema := table.NewSchema(
		table.Column{Name: "group", Type: table.String},
		table.Column{Name: "v", Type: table.Int64},
	)
	var rows []table.Row
	for i := range 60 {
		rows = append(rows, table.Row{
			Key:   fmt.Sprintf("r%02d", i),
			Cells: []any{string(rune('a' + i%3)), int64(i % 7)},
		})
	}
	cmp, err := rowcmp.NewBuilder(schema).AddColumn(0, false).AddColumn(1, true).Build()
	require.NoError(t, err)

	s, _ := newTracked(t, table.NewMemoryBackend(), WithFanIn(2), WithMaxRowsPerRun(4))
	cur, ok, err := s.SortedCursor(context.Background(), nil, table.NewSliceTable(schema, rows), cmp)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, keys(stableSorted(rows, cmp)), keys(readCursor(t, cur)))
}

func TestLowMemoryFlushesAtMinRunSize(t *testing.T) {
	schema := intSchema()
	rows := randomRows(3, 23, 10)
	cmp := ascending(t, schema)
	tb := table.NewTrackingBackend(table.NewMemoryBackend())
	s, err := New(WithBackend(tb), WithLowMemoryIndicator(memwatch.Always), WithMinRunSize(5))
	require.NoError(t, err)

	out, ok, err := s.SortedTable(context.Background(), nil, table.NewSliceTable(schema, rows), cmp)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, keys(stableSorted(rows, cmp)), keys(readTable(t, out)))

	stats := tb.Stats()
	// runs of 5, 5, 5, 5 and 3 rows, then one merge into the result
	assert.Equal(t, int64(6), stats.Containers)
	assert.Equal(t, int64(5), stats.OnDisk)
	require.NoError(t, tb.DisposeTable(out))
	assert.Equal(t, 0, tb.Outstanding())
}

func TestTrivialInputsStayOffBackend(t *testing.T) {
	schema := intSchema()
	cmp := ascending(t, schema)
	s, tb := newTracked(t, table.NewMemoryBackend(), WithMaxRowsPerRun(1))

	for _, n := range []int{0, 1} {
		rows := randomRows(1, n, 3)

		out, ok, err := s.SortedTable(context.Background(), nil, table.NewSliceTable(schema, rows), cmp)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, out)

		cur, ok, err := s.SortedCursor(context.Background(), nil, table.NewSliceTable(schema, rows), cmp)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, cur)

		// row count unknown up front
		out, ok, err = s.SortedTable(context.Background(), nil, unknownSizeTable{table.NewSliceTable(schema, rows)}, cmp)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, keys(rows), keys(readTable(t, out)))

		got, err := s.SortedTableFromCursor(context.Background(), nil, schema, table.NewSliceCursor(rows), -1, cmp)
		require.NoError(t, err)
		assert.Equal(t, int64(n), got.NumRows())

		gc, err := s.SortedCursorFromCursor(context.Background(), nil, schema, table.NewSliceCursor(rows), int64(n), cmp)
		require.NoError(t, err)
		assert.Equal(t, keys(rows), keys(readCursor(t, gc)))
	}
	assert.Equal(t, int64(0), tb.Stats().Containers)
}

func TestSortInMemory(t *testing.T) {
	schema := intSchema()
	rows := randomRows(11, 50, 4)
	cmp := ascending(t, schema)
	s, tb := newTracked(t, table.NewMemoryBackend(), WithSortInMemory(true), WithMaxRowsPerRun(2))

	out, ok, err := s.SortedTable(context.Background(), nil, table.NewSliceTable(schema, rows), cmp)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, keys(stableSorted(rows, cmp)), keys(readTable(t, out)))
	// only the result container, no runs
	assert.Equal(t, int64(1), tb.Stats().Containers)
	require.NoError(t, tb.DisposeTable(out))

	cur, _, err := s.SortedCursor(context.Background(), nil, table.NewSliceTable(schema, rows), cmp)
	require.NoError(t, err)
	assert.Equal(t, keys(stableSorted(rows, cmp)), keys(readCursor(t, cur)))
	assert.Equal(t, int64(1), tb.Stats().Containers)
}

func TestNewRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name  string
		opt   Option
		param string
	}{
		{"fanIn one", WithFanIn(1), "fanIn"},
		{"fanIn zero", WithFanIn(0), "fanIn"},
		{"minRunSize", WithMinRunSize(0), "minRunSize"},
		{"maxRowsPerRun", WithMaxRowsPerRun(-1), "maxRowsPerRun"},
		{"parallelism", WithParallelism(0), "parallelism"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(WithBackend(table.NewMemoryBackend()), tt.opt)
			require.Error(t, err)
			assert.True(t, sorterr.IsConfig(err))
			assert.Contains(t, err.Error(), tt.param)
		})
	}
}

func TestNilComparatorIsConfigError(t *testing.T) {
	s, _ := newTracked(t, table.NewMemoryBackend())
	_, err := s.SortedTableFromCursor(context.Background(), nil, intSchema(), table.NewSliceCursor(intRows(2, 1)), 2, nil)
	require.Error(t, err)
	assert.True(t, sorterr.IsConfig(err))
}

func TestCancelWhileReading(t *testing.T) {
	schema := intSchema()
	rows := randomRows(5, 200, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, tb := newTracked(t, table.NewMemoryBackend(), WithMaxRowsPerRun(10))
	in := &callbackCursor{rows: rows, fn: func(n int) {
		if n == 55 {
			cancel()
		}
	}}
	_, err := s.SortedTableFromCursor(ctx, nil, schema, in, int64(len(rows)), ascending(t, schema))
	require.Error(t, err)
	assert.True(t, progress.IsCanceled(err))
	assert.Less(t, in.pos, len(rows))
	assert.Equal(t, 0, tb.Outstanding())
}

func TestCancelWhileMerging(t *testing.T) {
	schema := intSchema()
	rows := randomRows(6, 1000, 50)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &progressRecorder{onReport: func(f float64) {
		if f > 0.6 {
			cancel()
		}
	}}
	dir := t.TempDir()
	codec, err := table.ParseCodec("cbor")
	require.NoError(t, err)
	fb, err := table.NewFileBackend(dir, codec)
	require.NoError(t, err)
	s, tb := newTracked(t, fb, WithMaxRowsPerRun(10), WithFanIn(3))

	_, _, err = s.SortedTable(ctx, rec, table.NewSliceTable(schema, rows), ascending(t, schema))
	require.Error(t, err)
	assert.True(t, progress.IsCanceled(err))
	assert.Equal(t, 0, tb.Outstanding())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCursorReleasesRunsOnClose(t *testing.T) {
	schema := intSchema()
	rows := randomRows(8, 300, 30)
	dir := t.TempDir()
	codec, err := table.ParseCodec("gob")
	require.NoError(t, err)
	fb, err := table.NewFileBackend(dir, codec)
	require.NoError(t, err)
	s, tb := newTracked(t, fb, WithMaxRowsPerRun(10), WithFanIn(4))

	cur, ok, err := s.SortedCursor(context.Background(), nil, table.NewSliceTable(schema, rows), ascending(t, schema))
	require.NoError(t, err)
	require.True(t, ok)
	for range 17 {
		_, err := cur.Next(context.Background())
		require.NoError(t, err)
	}
	assert.Positive(t, tb.Outstanding())
	require.NoError(t, cur.Close())
	assert.Equal(t, 0, tb.Outstanding())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCursorCanceledMidway(t *testing.T) {
	schema := intSchema()
	rows := randomRows(9, 120, 30)
	s, tb := newTracked(t, table.NewMemoryBackend(), WithMaxRowsPerRun(10), WithFanIn(3))

	ctx, cancel := context.WithCancel(context.Background())
	cur, _, err := s.SortedCursor(ctx, nil, table.NewSliceTable(schema, rows), ascending(t, schema))
	require.NoError(t, err)
	_, err = cur.Next(ctx)
	require.NoError(t, err)

	cancel()
	_, err = cur.Next(ctx)
	require.Error(t, err)
	assert.True(t, progress.IsCanceled(err))
	require.NoError(t, cur.Close())
	assert.Equal(t, 0, tb.Outstanding())
}

func TestProgressIsMonotonic(t *testing.T) {
	schema := intSchema()
	rows := randomRows(10, 400, 40)
	rec := &progressRecorder{}
	s, _ := newTracked(t, table.NewMemoryBackend(), WithMaxRowsPerRun(10), WithFanIn(3))

	out, _, err := s.SortedTable(context.Background(), rec, table.NewSliceTable(schema, rows), ascending(t, schema))
	require.NoError(t, err)
	require.NotNil(t, out)

	require.NotEmpty(t, rec.values)
	for i := 1; i < len(rec.values); i++ {
		assert.GreaterOrEqual(t, rec.values[i], rec.values[i-1], "progress went back at report %d", i)
	}
	assert.InDelta(t, 1.0, rec.values[len(rec.values)-1], 1e-9)

	var reading, merging, writing bool
	for _, m := range rec.messages {
		reading = reading || strings.HasPrefix(m, "Reading data (row ")
		merging = merging || strings.HasPrefix(m, "Merging level 1/")
		writing = writing || strings.HasPrefix(m, "Writing result table")
	}
	assert.True(t, reading)
	assert.True(t, merging)
	assert.True(t, writing)
}

func TestPlanRound(t *testing.T) {
	assert.Equal(t, []int{27, 27, 27}, planRound(81, 40))
	assert.Equal(t, []int{40}, planRound(40, 40))
	assert.Equal(t, []int{21, 20}, planRound(41, 40))
	assert.Equal(t, []int{2, 2}, planRound(5, 2))
	assert.Nil(t, planRound(1, 40))
	assert.Nil(t, planRound(0, 40))

	for runs := 2; runs < 200; runs++ {
		for _, fanIn := range []int{2, 3, 40} {
			total := 0
			for _, g := range planRound(runs, fanIn) {
				assert.LessOrEqual(t, g, fanIn)
				assert.GreaterOrEqual(t, g, 2)
				total += g
			}
			assert.GreaterOrEqual(t, total, runs-1)
		}
	}
}

func TestComputeNumLevels(t *testing.T) {
	assert.Equal(t, 0, computeNumLevels(1, 40, 1))
	assert.Equal(t, 1, computeNumLevels(40, 40, 1))
	assert.Equal(t, 2, computeNumLevels(41, 40, 1))
	assert.Equal(t, 2, computeNumLevels(81, 40, 1))
	assert.Equal(t, 0, computeNumLevels(40, 40, 40))
	assert.Equal(t, 1, computeNumLevels(81, 40, 40))
	assert.Equal(t, 3, computeNumLevels(8, 2, 1))
}
