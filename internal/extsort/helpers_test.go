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
	"io"
	"math/rand/v2"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/lakesort/internal/rowcmp"
	"github.com/cardinalhq/lakesort/internal/table"
)

func intSchema() table.Schema {
	return table.NewSchema(table.Column{Name: "v", Type: table.Int64})
}

// intRows builds one row per value with keys r00000, r00001, ... so that
// key order equals input order.
func intRows(values ...int64) []table.Row {
	rows := make([]table.Row, len(values))
	for i, v := range values {
		rows[i] = table.Row{Key: fmt.Sprintf("r%05d", i), Cells: []any{v}}
	}
	return rows
}

func randomRows(seed uint64, n, distinct int) []table.Row {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	values := make([]int64, n)
	for i := range values {
		values[i] = int64(rng.IntN(distinct))
	}
	return intRows(values...)
}

func ascending(t *testing.T, schema table.Schema) *rowcmp.Comparator {
	t.Helper()
	cmp, err := rowcmp.NewBuilder(schema).AddColumn(0, false).Build()
	require.NoError(t, err)
	return cmp
}

// stableSorted is the reference result.
func stableSorted(rows []table.Row, cmp *rowcmp.Comparator) []table.Row {
	out := slices.Clone(rows)
	slices.SortStableFunc(out, cmp.Compare)
	return out
}

func keys(rows []table.Row) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.Key
	}
	return out
}

func readTable(t *testing.T, tbl table.Table) []table.Row {
	t.Helper()
	c, err := tbl.Cursor(context.Background())
	require.NoError(t, err)
	rows, err := table.ReadAll(context.Background(), c)
	require.NoError(t, err)
	return rows
}

func readCursor(t *testing.T, c table.Cursor) []table.Row {
	t.Helper()
	rows, err := table.ReadAll(context.Background(), c)
	require.NoError(t, err)
	return rows
}

// unknownSizeTable hides the row count of a slice table.
type unknownSizeTable struct {
	*table.SliceTable
}

func (unknownSizeTable) NumRows() int64 { return -1 }

// callbackCursor calls fn before handing out row n (0-based).
type callbackCursor struct {
	rows []table.Row
	pos  int
	fn   func(n int)
}

func (c *callbackCursor) Next(_ context.Context) (table.Row, error) {
	if c.pos >= len(c.rows) {
		return table.Row{}, io.EOF
	}
	if c.fn != nil {
		c.fn(c.pos)
	}
	r := c.rows[c.pos]
	c.pos++
	return r, nil
}

func (c *callbackCursor) Close() error { return nil }

type progressRecorder struct {
	mu       sync.Mutex
	values   []float64
	messages []string
	onReport func(f float64)
}

func (p *progressRecorder) Report(f float64, msg func() string) {
	p.mu.Lock()
	p.values = append(p.values, f)
	if msg != nil {
		p.messages = append(p.messages, msg())
	}
	cb := p.onReport
	p.mu.Unlock()
	if cb != nil {
		cb(f)
	}
}
