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
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/cardinalhq/lakesort/internal/extsort"
	"github.com/cardinalhq/lakesort/internal/logctx"
	"github.com/cardinalhq/lakesort/internal/progress"
	"github.com/cardinalhq/lakesort/internal/rowcmp"
	"github.com/cardinalhq/lakesort/internal/sorterr"
	"github.com/cardinalhq/lakesort/internal/table"
)

type colsortOptions struct {
	io          ioFlags
	sort        sortFlags
	groups      []string
	missingLast bool
}

func init() {
	rootCmd.AddCommand(newColsortCmd())
}

func newColsortCmd() *cobra.Command {
	o := &colsortOptions{}
	cmd := &cobra.Command{
		Use:   "colsort",
		Short: "Sort groups of columns independently of each other",
		Long: `Each --group lists columns that stay together and are sorted as a unit.
Columns given a direction (name:asc or name:desc) are the group's sort keys,
in the order listed. A group without any direction sorts ascending by all
of its columns. Output row i holds the i-th row of every sorted group, so
rows no longer correspond to input rows and are keyed Row0, Row1 and so on.`,
		Example: `  lakesort colsort -i wide.csv --group latency:asc --group host:asc,region`,
		RunE: func(c *cobra.Command, _ []string) error {
			return runCommand("colsort", func(ctx context.Context) error {
				return o.run(ctx, c.Flags(), c.OutOrStdout())
			})
		},
	}
	o.io.register(cmd.Flags())
	o.sort.register(cmd.Flags())
	cmd.Flags().StringArrayVar(&o.groups, "group", nil, "comma separated column group, repeatable")
	cmd.Flags().BoolVar(&o.missingLast, "missing-last", false, "sort missing values after all others")
	_ = cmd.MarkFlagRequired("input")
	_ = cmd.MarkFlagRequired("group")
	return cmd
}

// parseGroup turns "a:desc,b" into a column group of schema.
func parseGroup(schema table.Schema, arg string, missingLast bool) (extsort.ColumnGroup, error) {
	var g extsort.ColumnGroup
	var plain []int
	for part := range strings.SplitSeq(arg, ",") {
		name, desc, err := parseSortKey(part)
		if err != nil {
			return extsort.ColumnGroup{}, sorterr.New("group", arg, err.Error())
		}
		idx := schema.Index(name)
		if idx < 0 {
			return extsort.ColumnGroup{}, sorterr.New("group", name, "column not in table")
		}
		pos := len(g.Columns)
		g.Columns = append(g.Columns, idx)
		if strings.Contains(part, ":") {
			g.Keys = append(g.Keys, rowcmp.SortKey{Column: pos, Descending: desc, MissingLast: missingLast})
		} else {
			plain = append(plain, pos)
		}
	}
	if len(g.Keys) == 0 {
		for _, pos := range plain {
			g.Keys = append(g.Keys, rowcmp.SortKey{Column: pos, MissingLast: missingLast})
		}
	}
	return g, nil
}

func (o *colsortOptions) run(ctx context.Context, fs *pflag.FlagSet, stdout io.Writer) error {
	cfg, err := loadSortConfig(fs, &o.sort)
	if err != nil {
		return err
	}
	in, format, err := openInput(&o.io)
	if err != nil {
		return err
	}
	groups := make([]extsort.ColumnGroup, 0, len(o.groups))
	for _, arg := range o.groups {
		g, err := parseGroup(in.Schema(), arg, o.missingLast)
		if err != nil {
			return err
		}
		groups = append(groups, g)
	}
	sorter, tb, err := newSorter(cfg)
	if err != nil {
		return err
	}

	ctx, ll := logctx.With(ctx, slog.String("input", o.io.input), slog.String("backend", tb.Name()))
	ll.InfoContext(ctx, "Sorting column groups",
		slog.Int64("rows", in.NumRows()),
		slog.Any("groups", o.groups))

	start := time.Now()
	rep := progress.NewLogReporter(ll, cfg.ProgressInterval)
	z, err := sorter.SortColumnsIndependently(ctx, rep, in, groups)
	if err != nil {
		logBackend(ctx, cfg, tb)
		return err
	}

	n, err := writeOutput(ctx, &o.io, format, z.Schema(), z, stdout)
	logBackend(ctx, cfg, tb)
	if err != nil {
		return err
	}
	ll.InfoContext(ctx, "Sorted column groups",
		slog.Int64("rows", n),
		slog.Duration("elapsed", time.Since(start)))
	return nil
}
