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

package helpers

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cardinalhq/lakesort/internal/logctx"
	"github.com/cardinalhq/lakesort/internal/table"
)

// CleanResult counts what CleanRunFiles did.
type CleanResult struct {
	Removed int
	Bytes   int64
	Kept    int
}

// CleanRunFiles removes run files left behind in dir by sorts that did not
// finish, e.g. after a crash. Files modified within olderThan are kept
// since a running sort may still own them.
func CleanRunFiles(ctx context.Context, dir string, olderThan time.Duration) (CleanResult, error) {
	logger := logctx.FromContext(ctx)
	if dir == "" {
		dir = os.TempDir()
	}
	logger.Info("Cleaning run files", slog.String("path", dir), slog.Duration("olderThan", olderThan))

	entries, err := os.ReadDir(dir)
	if err != nil {
		return CleanResult{}, err
	}

	var (
		res    CleanResult
		errs   error
		cutoff = time.Now().Add(-olderThan)
	)
	for _, entry := range entries {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), table.RunFilePrefix) {
			continue
		}
		info, err := entry.Info()
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		if info.ModTime().After(cutoff) {
			res.Kept++
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = errors.Join(errs, err)
			continue
		}
		logger.Debug("Removed run file", slog.String("path", path), slog.Int64("bytes", info.Size()))
		res.Removed++
		res.Bytes += info.Size()
	}
	return res, errs
}
