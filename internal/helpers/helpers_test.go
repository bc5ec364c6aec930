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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/lakesort/internal/table"
)

func TestGetBoolEnv(t *testing.T) {
	const name = "LAKESORT_TEST_BOOL"
	tests := []struct {
		value    string
		def      bool
		expected bool
	}{
		{"true", false, true},
		{"TRUE", false, true},
		{"1", false, true},
		{" yes ", false, true},
		{"enabled", false, true},
		{"false", true, false},
		{"Off", true, false},
		{"\tdisabled\t", true, false},
		{"0", true, false},
		{"", true, true},
		{"", false, false},
		{"maybe", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv(name, tt.value)
			assert.Equal(t, tt.expected, GetBoolEnv(name, tt.def))
		})
	}
}

func TestDebugEnabled(t *testing.T) {
	t.Setenv("DEBUG", "")
	t.Setenv("LAKESORT_DEBUG", "")
	assert.False(t, DebugEnabled())
	t.Setenv("LAKESORT_DEBUG", "1")
	assert.True(t, DebugEnabled())
}

func TestCleanRunFiles(t *testing.T) {
	dir := t.TempDir()
	old := time.Now().Add(-2 * time.Hour)

	write := func(name string, mtime time.Time) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte("data"), 0o600))
		require.NoError(t, os.Chtimes(path, mtime, mtime))
		return path
	}
	stale := write(table.RunFilePrefix+"01abc.cbor", old)
	fresh := write(table.RunFilePrefix+"01def.gob", time.Now())
	other := write("unrelated.txt", old)
	require.NoError(t, os.Mkdir(filepath.Join(dir, table.RunFilePrefix+"dir"), 0o755))

	res, err := CleanRunFiles(context.Background(), dir, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, CleanResult{Removed: 1, Bytes: 4, Kept: 1}, res)

	assert.NoFileExists(t, stale)
	assert.FileExists(t, fresh)
	assert.FileExists(t, other)
}

func TestCleanRunFilesMissingDir(t *testing.T) {
	_, err := CleanRunFiles(context.Background(), filepath.Join(t.TempDir(), "nope"), 0)
	assert.Error(t, err)
}

func TestDiskUsage(t *testing.T) {
	u, err := DiskUsage(t.TempDir())
	require.NoError(t, err)
	assert.Positive(t, u.TotalBytes)
	assert.LessOrEqual(t, u.FreeBytes, u.TotalBytes)
	assert.Equal(t, u.TotalBytes-u.FreeBytes, u.UsedBytes)
	assert.NotEmpty(t, u.LogValue().Group())

	_, err = DiskUsage(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
