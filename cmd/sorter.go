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
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/pflag"

	"github.com/cardinalhq/lakesort/config"
	"github.com/cardinalhq/lakesort/internal/extsort"
	"github.com/cardinalhq/lakesort/internal/helpers"
	"github.com/cardinalhq/lakesort/internal/logctx"
	"github.com/cardinalhq/lakesort/internal/memwatch"
	"github.com/cardinalhq/lakesort/internal/rowcmp"
	"github.com/cardinalhq/lakesort/internal/rowio"
	"github.com/cardinalhq/lakesort/internal/sorterr"
	"github.com/cardinalhq/lakesort/internal/table"
)

// rowKeyName selects the row key in --by and --group.
const rowKeyName = "@key"

// ioFlags are the input and output flags shared by the sort commands.
type ioFlags struct {
	input        string
	format       string
	output       string
	outputFormat string
	keyColumn    string
}

func (f *ioFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&f.input, "input", "i", "", "input file")
	fs.StringVar(&f.format, "format", "", "input format: csv, jsonl or parquet (default from the file extension)")
	fs.StringVarP(&f.output, "output", "o", "-", "output file, - for stdout")
	fs.StringVar(&f.outputFormat, "output-format", "", "output format (default from the output extension, else the input format)")
	fs.StringVar(&f.keyColumn, "key-column", "", "column holding row keys; it is excluded from sorting and written first")
}

// sortFlags override the loaded configuration when set.
type sortFlags struct {
	fanIn           int
	minRunSize      int
	maxRowsPerRun   int
	parallelism     int
	inMemory        bool
	backend         string
	codec           string
	tmpDir          string
	memoryThreshold int
	progress        time.Duration
}

func (f *sortFlags) register(fs *pflag.FlagSet) {
	fs.IntVar(&f.fanIn, "fan-in", 0, "maximum runs merged at once")
	fs.IntVar(&f.minRunSize, "min-run-size", 0, "rows buffered before low memory may flush a run")
	fs.IntVar(&f.maxRowsPerRun, "max-rows-per-run", 0, "rows per run, 0 for no limit")
	fs.IntVar(&f.parallelism, "parallelism", 0, "column groups sorted at once")
	fs.BoolVar(&f.inMemory, "in-memory", false, "sort the whole input in memory")
	fs.StringVar(&f.backend, "backend", "", "run storage: file or memory")
	fs.StringVar(&f.codec, "codec", "", "run file encoding: cbor or gob")
	fs.StringVar(&f.tmpDir, "tmpdir", "", "directory for run files")
	fs.IntVar(&f.memoryThreshold, "memory-threshold", 0, "rows of a final result kept in memory instead of a file")
	fs.DurationVar(&f.progress, "progress-interval", 0, "how often progress is logged")
}

func (f *sortFlags) apply(fs *pflag.FlagSet, cfg *config.SortConfig) {
	if fs.Changed("fan-in") {
		cfg.FanIn = f.fanIn
	}
	if fs.Changed("min-run-size") {
		cfg.MinRunSize = f.minRunSize
	}
	if fs.Changed("max-rows-per-run") {
		cfg.MaxRowsPerRun = f.maxRowsPerRun
	}
	if fs.Changed("parallelism") {
		cfg.Parallelism = f.parallelism
	}
	if fs.Changed("in-memory") {
		cfg.InMemory = f.inMemory
	}
	if fs.Changed("backend") {
		cfg.Backend = f.backend
	}
	if fs.Changed("codec") {
		cfg.Codec = f.codec
	}
	if fs.Changed("tmpdir") {
		cfg.TmpDir = f.tmpDir
	}
	if fs.Changed("memory-threshold") {
		cfg.MemoryThreshold = f.memoryThreshold
	}
	if fs.Changed("progress-interval") {
		cfg.ProgressInterval = f.progress
	}
}

// loadSortConfig loads the configuration and applies the command's flags.
func loadSortConfig(fs *pflag.FlagSet, f *sortFlags) (config.SortConfig, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.SortConfig{}, fmt.Errorf("load config: %w", err)
	}
	sc := cfg.Sort
	f.apply(fs, &sc)
	if err := sc.Validate(); err != nil {
		return config.SortConfig{}, err
	}
	return sc, nil
}

// newSorter builds a sorter from cfg. The backend is wrapped so that the
// caller can report what was created and whether anything leaked.
func newSorter(cfg config.SortConfig) (*extsort.Sorter, *table.TrackingBackend, error) {
	var inner table.Backend
	switch cfg.Backend {
	case "memory":
		inner = table.NewMemoryBackend()
	default:
		codec, err := table.ParseCodec(cfg.Codec)
		if err != nil {
			return nil, nil, sorterr.New("sort.codec", cfg.Codec, err.Error())
		}
		fb, err := table.NewFileBackend(cfg.TmpDir, codec, table.WithMemoryThreshold(cfg.MemoryThreshold))
		if err != nil {
			return nil, nil, err
		}
		inner = fb
	}
	tb := table.NewTrackingBackend(inner)

	opts := []extsort.Option{
		extsort.WithBackend(tb),
		extsort.WithFanIn(cfg.FanIn),
		extsort.WithMinRunSize(cfg.MinRunSize),
		extsort.WithMaxRowsPerRun(cfg.MaxRowsPerRun),
		extsort.WithSortInMemory(cfg.InMemory),
		extsort.WithLowMemoryIndicator(lowMemoryIndicator(cfg)),
	}
	if cfg.Parallelism > 0 {
		opts = append(opts, extsort.WithParallelism(cfg.Parallelism))
	}
	s, err := extsort.New(opts...)
	if err != nil {
		return nil, nil, err
	}
	return s, tb, nil
}

func lowMemoryIndicator(cfg config.SortConfig) memwatch.Indicator {
	heap := memwatch.NewHeapIndicator(cfg.LowMemoryThreshold, 1024)
	if cfg.MinFreeMemory <= 0 {
		return heap
	}
	host := memwatch.NewSystemIndicator(cfg.MinFreeMemory)
	// free memory is a syscall away, so only every 1024th call looks
	var (
		calls   atomic.Int64
		hostLow atomic.Bool
	)
	return memwatch.Func(func() bool {
		if calls.Add(1)%1024 == 1 {
			hostLow.Store(host.LowMemory())
		}
		return hostLow.Load() || heap.LowMemory()
	})
}

// logBackend reports what the sort stored and the space left for runs.
func logBackend(ctx context.Context, cfg config.SortConfig, tb *table.TrackingBackend) {
	stats := tb.Stats()
	attrs := []any{
		slog.Int64("containers", stats.Containers),
		slog.Int64("onDisk", stats.OnDisk),
		slog.Int64("disposed", stats.Disposed),
	}
	if cfg.Backend != "memory" {
		dir := cfg.TmpDir
		if dir == "" {
			dir = os.TempDir()
		}
		if usage, err := helpers.DiskUsage(dir); err == nil {
			attrs = append(attrs, slog.String("tmpdir", dir), slog.Any("disk", usage))
		}
	}
	ll := logctx.FromContext(ctx)
	ll.InfoContext(ctx, "Sort storage", attrs...)
	if n := tb.Outstanding(); n > 0 {
		ll.WarnContext(ctx, "Sort left tables behind", slog.Int("tables", n))
	}
}

// parseSortKey parses "name", "name:asc" or "name:desc".
func parseSortKey(arg string) (string, bool, error) {
	name, dir, found := strings.Cut(arg, ":")
	name = strings.TrimSpace(name)
	if name == "" {
		return "", false, sorterr.New("by", arg, "missing column name")
	}
	if !found {
		return name, false, nil
	}
	switch strings.ToLower(strings.TrimSpace(dir)) {
	case "asc", "":
		return name, false, nil
	case "desc":
		return name, true, nil
	}
	return "", false, sorterr.New("by", arg, `direction must be "asc" or "desc"`)
}

// keyColumnIndex resolves a sort key name against schema.
func keyColumnIndex(schema table.Schema, name string) (int, error) {
	if name == rowKeyName {
		return rowcmp.RowKeyColumn, nil
	}
	idx := schema.Index(name)
	if idx < 0 {
		return 0, sorterr.New("by", name, "column not in table")
	}
	return idx, nil
}

func buildComparator(schema table.Schema, by []string, missingLast bool) (*rowcmp.Comparator, error) {
	b := rowcmp.NewBuilder(schema)
	for _, arg := range by {
		name, desc, err := parseSortKey(arg)
		if err != nil {
			return nil, err
		}
		col, err := keyColumnIndex(schema, name)
		if err != nil {
			return nil, err
		}
		b.Add(rowcmp.SortKey{Column: col, Descending: desc, MissingLast: missingLast})
	}
	return b.Build()
}

func openInput(f *ioFlags) (table.Table, rowio.Format, error) {
	if f.input == "" {
		return nil, "", sorterr.New("input", nil, "an input file is required")
	}
	format, err := rowio.ParseFormat(f.format, f.input)
	if err != nil {
		return nil, "", err
	}
	var opts []rowio.Option
	if f.keyColumn != "" {
		opts = append(opts, rowio.WithKeyColumn(f.keyColumn))
	}
	in, err := rowio.Open(f.input, format, opts...)
	if err != nil {
		return nil, "", err
	}
	return in, format, nil
}

// writeOutput copies every row of c to the output. The cursor is closed.
func writeOutput(ctx context.Context, f *ioFlags, inFormat rowio.Format, schema table.Schema, c table.Cursor, stdout io.Writer) (n int64, err error) {
	defer func() {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}()

	format := inFormat
	if f.outputFormat != "" || (f.output != "-" && f.output != "") {
		name := f.output
		if name == "-" {
			name = ""
		}
		if format, err = rowio.ParseFormat(f.outputFormat, name); err != nil {
			return 0, err
		}
	}

	out := stdout
	if f.output != "-" && f.output != "" {
		file, err := os.Create(f.output)
		if err != nil {
			return 0, err
		}
		defer func() {
			if cerr := file.Close(); err == nil {
				err = cerr
			}
		}()
		out = file
	}

	w, err := rowio.NewWriter(out, format, schema, f.keyColumn)
	if err != nil {
		return 0, err
	}
	for {
		row, err := c.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return n, err
		}
		if err := w.WriteRow(row); err != nil {
			return n, err
		}
		n++
	}
	return n, w.Close()
}
