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
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchema() Schema {
	return NewSchema(
		Column{Name: "id", Type: Int64},
		Column{Name: "score", Type: Float64},
		Column{Name: "name", Type: String},
		Column{Name: "ok", Type: Bool},
	)
}

func testRows() []Row {
	return []Row{
		{Key: "r0", Cells: []any{int64(1), 1.5, "alpha", true}},
		{Key: "r1", Cells: []any{int64(-7), nil, "beta", false}},
		{Key: "r2", Cells: []any{nil, 3.0, nil, nil}},
	}
}

func TestSchema(t *testing.T) {
	s := testSchema()
	assert.Equal(t, 4, s.Len())
	assert.Equal(t, 2, s.Index("name"))
	assert.Equal(t, -1, s.Index("missing"))
	assert.Equal(t, []string{"id", "score", "name", "ok"}, s.Names())

	p, err := s.Project([]int{2, 0})
	require.NoError(t, err)
	assert.Equal(t, []string{"name", "id"}, p.Names())

	_, err = s.Project([]int{4})
	assert.Error(t, err)

	assert.Equal(t, 6, s.Concat(p).Len())
}

func TestParseColumnType(t *testing.T) {
	for _, ct := range []ColumnType{Int64, Float64, String, Bool} {
		got, err := ParseColumnType(ct.String())
		require.NoError(t, err)
		assert.Equal(t, ct, got)
	}
	_, err := ParseColumnType("decimal")
	assert.Error(t, err)
}

func TestRowProject(t *testing.T) {
	r := testRows()[0]
	p := r.Project([]int{3, 1})
	assert.Equal(t, "r0", p.Key)
	assert.Equal(t, []any{true, 1.5}, p.Cells)
}

func TestMemoryBackend(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()

	tbl, err := Write(b, testSchema(), true, testRows())
	require.NoError(t, err)
	assert.Equal(t, int64(3), tbl.NumRows())

	// tables are re-scannable
	for range 2 {
		c, err := tbl.Cursor(ctx)
		require.NoError(t, err)
		rows, err := ReadAll(ctx, c)
		require.NoError(t, err)
		assert.Equal(t, testRows(), rows)
	}

	require.NoError(t, b.DisposeTable(tbl))
	_, err = tbl.Cursor(ctx)
	assert.ErrorIs(t, err, ErrDisposed)
}

func TestMemoryContainerRejectsWrongArity(t *testing.T) {
	c, err := NewMemoryBackend().CreateContainer(testSchema(), false)
	require.NoError(t, err)
	assert.Error(t, c.AddRow(Row{Key: "x", Cells: []any{int64(1)}}))
}

func TestSliceCursorAfterClose(t *testing.T) {
	c := NewSliceCursor(testRows())
	require.NoError(t, c.Close())
	_, err := c.Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestFileBackendRoundTrip(t *testing.T) {
	cborCodec, err := NewCBORCodec()
	require.NoError(t, err)

	for _, codec := range []Codec{cborCodec, GobCodec{}} {
		t.Run(codec.Name(), func(t *testing.T) {
			ctx := context.Background()
			dir := t.TempDir()
			b, err := NewFileBackend(dir, codec)
			require.NoError(t, err)

			tbl, err := Write(b, testSchema(), true, testRows())
			require.NoError(t, err)
			ft, ok := tbl.(*FileTable)
			require.True(t, ok, "forced tables must be file backed")
			assert.True(t, strings.HasPrefix(filepath.Base(ft.Path()), RunFilePrefix))
			assert.True(t, strings.HasSuffix(ft.Path(), "."+codec.Ext()))

			c, err := tbl.Cursor(ctx)
			require.NoError(t, err)
			rows, err := ReadAll(ctx, c)
			require.NoError(t, err)
			assert.Equal(t, testRows(), rows)

			require.NoError(t, b.DisposeTable(tbl))
			_, err = os.Stat(ft.Path())
			assert.True(t, errors.Is(err, os.ErrNotExist))
			// disposing twice is harmless
			require.NoError(t, b.DisposeTable(tbl))
		})
	}
}

func TestFileBackendMemoryThreshold(t *testing.T) {
	dir := t.TempDir()
	b, err := NewFileBackend(dir, GobCodec{}, WithMemoryThreshold(2))
	require.NoError(t, err)

	small, err := Write(b, testSchema(), false, testRows()[:2])
	require.NoError(t, err)
	_, isSlice := small.(*SliceTable)
	assert.True(t, isSlice)

	large, err := Write(b, testSchema(), false, testRows())
	require.NoError(t, err)
	_, isFile := large.(*FileTable)
	assert.True(t, isFile)

	c, err := large.Cursor(context.Background())
	require.NoError(t, err)
	rows, err := ReadAll(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, testRows(), rows)

	require.NoError(t, b.DisposeTable(small))
	require.NoError(t, b.DisposeTable(large))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFileBackendEmptyForcedTable(t *testing.T) {
	b, err := NewFileBackend(t.TempDir(), GobCodec{})
	require.NoError(t, err)

	c, err := b.CreateContainer(testSchema(), true)
	require.NoError(t, err)
	tbl, err := c.Close()
	require.NoError(t, err)
	assert.Equal(t, int64(0), tbl.NumRows())

	cur, err := tbl.Cursor(context.Background())
	require.NoError(t, err)
	_, err = cur.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
	require.NoError(t, cur.Close())
	require.NoError(t, b.DisposeTable(tbl))
}

func TestParseCodec(t *testing.T) {
	c, err := ParseCodec("")
	require.NoError(t, err)
	assert.Equal(t, "cbor", c.Name())

	c, err = ParseCodec("GOB")
	require.NoError(t, err)
	assert.Equal(t, "gob", c.Name())

	_, err = ParseCodec("json")
	assert.Error(t, err)
}

func TestTrackingBackend(t *testing.T) {
	b := NewTrackingBackend(NewMemoryBackend())

	t1, err := Write(b, testSchema(), true, testRows())
	require.NoError(t, err)
	t2, err := Write(b, testSchema(), false, testRows()[:1])
	require.NoError(t, err)

	assert.Equal(t, 2, b.Outstanding())
	require.NoError(t, b.DisposeTable(t1))
	assert.Equal(t, 1, b.Outstanding())

	b.Forget(t2)
	assert.Equal(t, 0, b.Outstanding())

	st := b.Stats()
	assert.Equal(t, int64(2), st.Containers)
	assert.Equal(t, int64(1), st.OnDisk)
	assert.Equal(t, int64(2), st.Created)
	assert.Equal(t, int64(1), st.Disposed)
}

func TestProjectCursor(t *testing.T) {
	ctx := context.Background()
	c := ProjectCursor(NewSliceCursor(testRows()), []int{2})
	rows, err := ReadAll(ctx, c)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []any{"alpha"}, rows[0].Cells)
	assert.Equal(t, []any{nil}, rows[2].Cells)
}
