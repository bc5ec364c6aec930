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

package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/lakesort/config"
	"github.com/cardinalhq/lakesort/internal/memwatch"
	"github.com/cardinalhq/lakesort/internal/rowcmp"
	"github.com/cardinalhq/lakesort/internal/sorterr"
	"github.com/cardinalhq/lakesort/internal/table"
)

func testSchema() table.Schema {
	return table.NewSchema(
		table.Column{Name: "name", Type: table.String},
		table.Column{Name: "n", Type: table.Int64},
		table.Column{Name: "score", Type: table.Float64},
	)
}

func TestParseSortKey(t *testing.T) {
	tests := []struct {
		spec     string
		name     string
		desc     bool
		hasError bool
	}{
		{"a", "a", false, false},
		{"a:asc", "a", false, false},
		{"a:DESC", "a", true, false},
		{" b : desc ", "b", true, false},
		{"a:", "a", false, false},
		{"@key:desc", "@key", true, false},
		{":desc", "", false, true},
		{"a:up", "", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			name, desc, err := parseSortKey(tt.spec)
			if tt.hasError {
				assert.True(t, sorterr.IsConfig(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.name, name)
			assert.Equal(t, tt.desc, desc)
		})
	}
}

func TestBuildComparator(t *testing.T) {
	schema := testSchema()

	cmp, err := buildComparator(schema, []string{"n:desc", "@key"}, true)
	require.NoError(t, err)
	assert.Equal(t, []rowcmp.SortKey{
		{Column: 1, Descending: true, MissingLast: true},
		{Column: rowcmp.RowKeyColumn, MissingLast: true},
	}, cmp.Keys())

	_, err = buildComparator(schema, []string{"missing"}, false)
	assert.True(t, sorterr.IsConfig(err))

	_, err = buildComparator(schema, nil, false)
	assert.True(t, sorterr.IsConfig(err))

	_, err = buildComparator(schema, []string{"n", "n:desc"}, false)
	assert.True(t, sorterr.IsConfig(err))
}

func TestParseGroup(t *testing.T) {
	schema := testSchema()

	g, err := parseGroup(schema, "score:desc,name", false)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 0}, g.Columns)
	assert.Equal(t, []rowcmp.SortKey{{Column: 0, Descending: true}}, g.Keys)

	g, err = parseGroup(schema, "name,n", true)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, g.Columns)
	assert.Equal(t, []rowcmp.SortKey{
		{Column: 0, MissingLast: true},
		{Column: 1, MissingLast: true},
	}, g.Keys)

	_, err = parseGroup(schema, "name,bogus", false)
	assert.True(t, sorterr.IsConfig(err))

	_, err = parseGroup(schema, "name,", false)
	assert.True(t, sorterr.IsConfig(err))
}

func TestSortFlagsOverrideOnlyWhenSet(t *testing.T) {
	var f sortFlags
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	f.register(fs)
	require.NoError(t, fs.Parse([]string{"--fan-in=7", "--backend=memory", "--progress-interval=2s"}))

	cfg := config.DefaultSortConfig()
	f.apply(fs, &cfg)
	assert.Equal(t, 7, cfg.FanIn)
	assert.Equal(t, "memory", cfg.Backend)
	assert.Equal(t, 2*time.Second, cfg.ProgressInterval)
	assert.Equal(t, config.DefaultSortConfig().MinRunSize, cfg.MinRunSize)
	assert.Equal(t, config.DefaultSortConfig().Codec, cfg.Codec)
}

func TestNewSorterRejectsBadCodec(t *testing.T) {
	cfg := config.DefaultSortConfig()
	cfg.TmpDir = t.TempDir()
	cfg.Codec = "xml"
	_, _, err := newSorter(cfg)
	assert.True(t, sorterr.IsConfig(err))
}

func TestLowMemoryIndicator(t *testing.T) {
	cfg := config.DefaultSortConfig()
	assert.IsType(t, &memwatch.HeapIndicator{}, lowMemoryIndicator(cfg))

	cfg.MinFreeMemory = 0.05
	assert.IsType(t, memwatch.Func(nil), lowMemoryIndicator(cfg))
}

// sortFlagSet registers the sort flags and parses args, as cobra would.
func sortFlagSet(t *testing.T, f *sortFlags, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	f.register(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func writeInput(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const sortInput = `name,n
a,3
b,1
c,2
d,1
e,5
f,
`

func TestSortCommandExternal(t *testing.T) {
	tmp := t.TempDir()
	o := &sortOptions{
		io: ioFlags{input: writeInput(t, "in.csv", sortInput), output: "-"},
		by: []string{"n"},
	}
	fs := sortFlagSet(t, &o.sort,
		"--backend=file", "--codec=gob", "--tmpdir="+tmp,
		"--fan-in=2", "--max-rows-per-run=2", "--memory-threshold=0")

	var out bytes.Buffer
	require.NoError(t, o.run(context.Background(), fs, &out))
	assert.Equal(t, "name,n\nf,\nb,1\nd,1\nc,2\na,3\ne,5\n", out.String())

	entries, err := os.ReadDir(tmp)
	require.NoError(t, err)
	assert.Empty(t, entries, "run files must be removed")
}

func TestSortCommandDescendingToJSONLines(t *testing.T) {
	o := &sortOptions{
		io: ioFlags{
			input:     writeInput(t, "in.csv", sortInput),
			output:    filepath.Join(t.TempDir(), "out.jsonl"),
			keyColumn: "name",
		},
		by:          []string{"n:desc", "@key:desc"},
		missingLast: true,
	}
	fs := sortFlagSet(t, &o.sort, "--backend=memory")

	require.NoError(t, o.run(context.Background(), fs, &bytes.Buffer{}))
	got, err := os.ReadFile(o.io.output)
	require.NoError(t, err)
	assert.Equal(t, `{"name":"e","n":5}
{"name":"a","n":3}
{"name":"c","n":2}
{"name":"d","n":1}
{"name":"b","n":1}
{"name":"f"}
`, string(got))
}

func TestSortCommandSingleRow(t *testing.T) {
	o := &sortOptions{
		io: ioFlags{input: writeInput(t, "in.csv", "name,n\nonly,1\n"), output: "-"},
		by: []string{"n"},
	}
	fs := sortFlagSet(t, &o.sort, "--backend=memory")

	var out bytes.Buffer
	require.NoError(t, o.run(context.Background(), fs, &out))
	assert.Equal(t, "name,n\nonly,1\n", out.String())
}

func TestSortCommandErrors(t *testing.T) {
	input := writeInput(t, "in.csv", sortInput)

	o := &sortOptions{io: ioFlags{input: input, output: "-"}, by: []string{"nope"}}
	err := o.run(context.Background(), sortFlagSet(t, &o.sort), &bytes.Buffer{})
	assert.True(t, sorterr.IsConfig(err))

	o = &sortOptions{io: ioFlags{input: input, output: "-"}, by: []string{"n"}}
	err = o.run(context.Background(), sortFlagSet(t, &o.sort, "--fan-in=1"), &bytes.Buffer{})
	assert.True(t, sorterr.IsConfig(err))

	o = &sortOptions{io: ioFlags{output: "-"}, by: []string{"n"}}
	err = o.run(context.Background(), sortFlagSet(t, &o.sort), &bytes.Buffer{})
	assert.True(t, sorterr.IsConfig(err))
}

func TestSortCommandCanceled(t *testing.T) {
	tmp := t.TempDir()
	o := &sortOptions{
		io: ioFlags{input: writeInput(t, "in.csv", sortInput), output: "-"},
		by: []string{"n"},
	}
	fs := sortFlagSet(t, &o.sort, "--tmpdir="+tmp, "--max-rows-per-run=2")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := o.run(ctx, fs, &bytes.Buffer{})
	require.Error(t, err)

	entries, err := os.ReadDir(tmp)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestColsortCommand(t *testing.T) {
	input := writeInput(t, "in.csv", `a,b,c
3,x,0.5
1,z,0.25
2,y,0.75
`)
	o := &colsortOptions{
		io:     ioFlags{input: input, output: "-", outputFormat: "csv"},
		groups: []string{"a:desc", "c,b"},
	}
	fs := sortFlagSet(t, &o.sort, "--backend=memory")

	var out bytes.Buffer
	require.NoError(t, o.run(context.Background(), fs, &out))
	assert.Equal(t, `a,c,b
3,0.25,z
2,0.5,x
1,0.75,y
`, out.String())
}
