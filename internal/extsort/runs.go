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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/cardinalhq/lakesort/internal/logctx"
	"github.com/cardinalhq/lakesort/internal/memwatch"
	"github.com/cardinalhq/lakesort/internal/progress"
	"github.com/cardinalhq/lakesort/internal/rowcmp"
	"github.com/cardinalhq/lakesort/internal/table"
)

// runSet is the outcome of run creation. With fewer than two input rows
// no run is written and the rows are returned in small instead.
type runSet struct {
	runs  []*Run
	rows  int64
	small []table.Row
}

// createRuns reads in to exhaustion and writes it as sorted runs. The
// buffer is flushed when the low-memory indicator fires and it holds at
// least minRunSize rows, or when it reached maxRowsPerRun. On error every
// run written so far is disposed.
func (s *Sorter) createRuns(ctx context.Context, scope *progress.Scope, schema table.Schema, in table.Cursor, numRows int64, cmp *rowcmp.Comparator) (runSet, error) {
	logger := logctx.FromContext(ctx)
	w := newChunkWriter(schema, s.backend)
	defer w.close()

	var (
		buf        []table.Row
		rowNo      int64
		flushedRun int64
	)
	flush := func() error {
		start := rowNo - int64(len(buf))
		if err := s.flushBuffer(ctx, scope, w, buf, cmp); err != nil {
			return err
		}
		flushedRun++
		logger.Debug("Flushed sort run",
			slog.Int64("firstRow", start),
			slog.Int64("lastRow", rowNo-1),
			slog.Int64("runs", flushedRun),
			slog.Uint64("heapBytes", memwatch.HeapBytes()))
		clear(buf)
		buf = buf[:0]
		return nil
	}

	for {
		if err := progress.Check(ctx); err != nil {
			return runSet{}, err
		}
		row, err := in.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return runSet{}, fmt.Errorf("read input: %w", err)
		}

		// Flush before buffering the next row, so that the last row of
		// the input always finds a non-empty buffer to join and trivial
		// inputs never reach the backend.
		if len(buf) > 0 && s.shouldFlush(len(buf)) {
			if err := flush(); err != nil {
				return runSet{}, err
			}
		}

		buf = append(buf, row)
		rowNo++
		scope.Update(fraction(rowNo, numRows), readingMessage(rowNo, numRows))
	}
	rowsReadCounter.Add(ctx, rowNo, backendAttr(s.backend.Name()))

	if flushedRun == 0 && len(buf) < 2 {
		return runSet{rows: rowNo, small: buf}, nil
	}
	if len(buf) > 0 {
		if err := flush(); err != nil {
			return runSet{}, err
		}
	}

	var rs runSet
	w.finish(func(runs []*Run) {
		rs = runSet{runs: runs, rows: rowNo}
	})
	return rs, nil
}

func (s *Sorter) shouldFlush(buffered int) bool {
	if s.maxRowsPerRun > 0 && buffered >= s.maxRowsPerRun {
		return true
	}
	return buffered >= s.minRunSize && s.lowMemory.LowMemory()
}

func fraction(n, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(n) / float64(total)
}

// flushBuffer stably sorts buf and writes it as one run.
func (s *Sorter) flushBuffer(ctx context.Context, scope *progress.Scope, w *chunkWriter, buf []table.Row, cmp *rowcmp.Comparator) error {
	scope.Message(func() string { return "Sorting in-memory buffer" })
	slices.SortStableFunc(buf, cmp.Compare)
	_, err := writeRun(ctx, w, true, buf)
	return err
}

// writeRun writes rows as a single chunk of w.
func writeRun(ctx context.Context, w *chunkWriter, forceOnDisk bool, rows []table.Row) (*Run, error) {
	c, err := w.openChunk(forceOnDisk)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if err := progress.Check(ctx); err != nil {
			return nil, errors.Join(err, c.abort())
		}
		if err := c.addRow(row); err != nil {
			return nil, errors.Join(fmt.Errorf("write run: %w", err), c.abort())
		}
	}
	return c.close()
}
