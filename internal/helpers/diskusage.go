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
	"log/slog"

	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"
)

// FSUsage holds the on-disk usage stats for the filesystem run files are
// written to.
type FSUsage struct {
	TotalBytes uint64
	FreeBytes  uint64 // available to non-root users
	UsedBytes  uint64

	TotalInodes uint64
	FreeInodes  uint64
}

// DiskUsage returns FSUsage for the filesystem that contains path.
func DiskUsage(path string) (FSUsage, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return FSUsage{}, err
	}

	total := st.Blocks * uint64(st.Bsize)
	free := st.Bavail * uint64(st.Bsize)
	return FSUsage{
		TotalBytes:  total,
		FreeBytes:   free,
		UsedBytes:   total - free,
		TotalInodes: st.Files,
		FreeInodes:  st.Ffree,
	}, nil
}

// LogValue renders the usage in human units.
func (u FSUsage) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("total", humanize.IBytes(u.TotalBytes)),
		slog.String("free", humanize.IBytes(u.FreeBytes)),
		slog.Uint64("freeInodes", u.FreeInodes),
	)
}
