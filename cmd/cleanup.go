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
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/cardinalhq/lakesort/config"
	"github.com/cardinalhq/lakesort/internal/helpers"
)

func init() {
	var (
		tmpDir    string
		olderThan time.Duration
	)
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove run files left behind by interrupted sorts",
		RunE: func(c *cobra.Command, _ []string) error {
			return runCommand("cleanup", func(ctx context.Context) error {
				dir := tmpDir
				if !c.Flags().Changed("tmpdir") {
					cfg, err := config.Load()
					if err != nil {
						return fmt.Errorf("load config: %w", err)
					}
					dir = cfg.Sort.TmpDir
				}
				res, err := helpers.CleanRunFiles(ctx, dir, olderThan)
				slog.InfoContext(ctx, "Run file cleanup finished",
					slog.Int("removed", res.Removed),
					slog.String("freed", humanize.IBytes(uint64(res.Bytes))),
					slog.Int("kept", res.Kept))
				return err
			})
		},
	}
	cmd.Flags().StringVar(&tmpDir, "tmpdir", "", "directory holding run files (default from config)")
	cmd.Flags().DurationVar(&olderThan, "older-than", time.Hour, "only remove files not modified for this long")

	rootCmd.AddCommand(cmd)
}
