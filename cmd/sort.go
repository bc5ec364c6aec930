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
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/cardinalhq/lakesort/internal/logctx"
	"github.com/cardinalhq/lakesort/internal/progress"
)

type sortOptions struct {
	io          ioFlags
	sort        sortFlags
	by          []string
	missingLast bool
}

func init() {
	rootCmd.AddCommand(newSortCmd())
}

func newSortCmd() *cobra.Command {
	o := &sortOptions{}
	cmd := &cobra.Command{
		Use:   "sort",
		Short: "Sort the rows of a table by one or more columns",
		Example: `  lakesort sort -i events.csv --by service --by timestamp:desc -o sorted.parquet
  lakesort sort -i rows.jsonl --key-column id --by @key`,
		RunE: func(c *cobra.Command, _ []string) error {
			return runCommand("sort", func(ctx context.Context) error {
				return o.run(ctx, c.Flags(), c.OutOrStdout())
			})
		},
	}
	o.io.register(cmd.Flags())
	o.sort.register(cmd.Flags())
	cmd.Flags().StringArrayVar(&o.by, "by", nil, `sort key as column[:asc|desc], repeatable; "`+rowKeyName+`" is the row key`)
	cmd.Flags().BoolVar(&o.missingLast, "missing-last", false, "sort missing values after all others")
	_ = cmd.MarkFlagRequired("input")
	_ = cmd.MarkFlagRequired("by")
	return cmd
}

func (o *sortOptions) run(ctx context.Context, fs *pflag.FlagSet, stdout io.Writer) error {
	cfg, err := loadSortConfig(fs, &o.sort)
	if err != nil {
		return err
	}
	in, format, err := openInput(&o.io)
	if err != nil {
		return err
	}
	cmp, err := buildComparator(in.Schema(), o.by, o.missingLast)
	if err != nil {
		return err
	}
	sorter, tb, err := newSorter(cfg)
	if err != nil {
		return err
	}

	ctx, ll := logctx.With(ctx, slog.String("input", o.io.input), slog.String("backend", tb.Name()))
	ll.InfoContext(ctx, "Sorting table",
		slog.Int64("rows", in.NumRows()),
		slog.Any("by", o.by))

	start := time.Now()
	rep := progress.NewLogReporter(ll, cfg.ProgressInterval)
	c, sorted, err := sorter.SortedCursor(ctx, rep, in, cmp)
	if err != nil {
		logBackend(ctx, cfg, tb)
		return err
	}
	if !sorted {
		if c, err = in.Cursor(ctx); err != nil {
			return err
		}
	}

	n, err := writeOutput(ctx, &o.io, format, in.Schema(), c, stdout)
	logBackend(ctx, cfg, tb)
	if err != nil {
		return err
	}
	ll.InfoContext(ctx, "Sorted table",
		slog.Int64("rows", n),
		slog.Duration("elapsed", time.Since(start)))
	return nil
}
