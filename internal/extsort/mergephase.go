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

	"github.com/hashicorp/go-multierror"

	"github.com/cardinalhq/lakesort/internal/logctx"
	"github.com/cardinalhq/lakesort/internal/progress"
	"github.com/cardinalhq/lakesort/internal/rowcmp"
	"github.com/cardinalhq/lakesort/internal/table"
)

// mergePhase owns a queue of runs and merges them down, at most fanIn at
// a time. Whatever is still queued when close is called gets disposed.
type mergePhase struct {
	s      *Sorter
	schema table.Schema
	cmp    *rowcmp.Comparator
	queue  []*Run
	rows   int64
}

func newMergePhase(s *Sorter, schema table.Schema, cmp *rowcmp.Comparator, runs []*Run, rows int64) *mergePhase {
	return &mergePhase{s: s, schema: schema, cmp: cmp, queue: runs, rows: rows}
}

func (m *mergePhase) close() error {
	var result error
	for _, r := range m.queue {
		if err := r.Dispose(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	m.queue = nil
	return result
}

// numLevels returns how many rounds bring the queue down to at most
// maxRemaining runs.
func (m *mergePhase) numLevels(maxRemaining int) int {
	return computeNumLevels(len(m.queue), m.s.fanIn, maxRemaining)
}

func computeNumLevels(runs, fanIn, maxRemaining int) int {
	levels := 0
	for runs > maxRemaining {
		runs = ceilDiv(runs, fanIn)
		levels++
	}
	return levels
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// mergeIntoTable merges until a single run is left and hands its table to
// the caller. The last round writes with forceOnDisk unset.
func (m *mergePhase) mergeIntoTable(ctx context.Context, scope *progress.Scope) (table.Table, error) {
	levels := m.numLevels(1)
	for level := 1; level <= levels; level++ {
		last := level == levels
		round := scope.Sub(1 / float64(levels))
		err := m.mergeRound(ctx, round, level, levels, !last)
		round.Close()
		if err != nil {
			return nil, err
		}
	}
	if len(m.queue) != 1 {
		return nil, fmt.Errorf("merge left %d runs, expected 1", len(m.queue))
	}
	out := m.queue[0]
	m.queue = nil
	return out.release(), nil
}

// mergeIntoCursor merges until at most fanIn runs are left and returns a
// lazy merge over them. The cursor owns the remaining runs.
func (m *mergePhase) mergeIntoCursor(ctx context.Context, scope *progress.Scope) (table.Cursor, error) {
	levels := m.numLevels(m.s.fanIn)
	for level := 1; level <= levels; level++ {
		round := scope.Sub(1 / float64(levels))
		err := m.mergeRound(ctx, round, level, levels, true)
		round.Close()
		if err != nil {
			return nil, err
		}
	}

	runs := m.queue
	m.queue = nil
	merger, err := openMerge(ctx, runs, m.cmp)
	if err != nil {
		return nil, err
	}
	return &checkedCursor{in: merger}, nil
}

// checkedCursor checks for cancellation before every row.
type checkedCursor struct {
	in table.Cursor
}

func (c *checkedCursor) Next(ctx context.Context) (table.Row, error) {
	if err := progress.Check(ctx); err != nil {
		return table.Row{}, err
	}
	return c.in.Next(ctx)
}

func (c *checkedCursor) Close() error { return c.in.Close() }

// openMerge builds a row merger consuming runs. On error all runs are
// disposed.
func openMerge(ctx context.Context, runs []*Run, cmp *rowcmp.Comparator) (*Merger[table.Row], error) {
	sources := make([]Source[table.Row], 0, len(runs))
	for i, r := range runs {
		c, err := r.consume(ctx)
		if err != nil {
			for _, src := range sources {
				err = errors.Join(err, src.Close())
			}
			for _, rest := range runs[i+1:] {
				err = errors.Join(err, rest.Dispose())
			}
			return nil, err
		}
		sources = append(sources, c)
	}
	return NewMerger(ctx, sources, cmp.Compare)
}

// mergeRound merges the runs present at the start of the round in
// balanced groups of at most fanIn and appends each result to the back of
// the queue. A single leftover run is rotated to the back unchanged so the
// queue keeps input order.
func (m *mergePhase) mergeRound(ctx context.Context, scope *progress.Scope, level, levels int, forceOnDisk bool) error {
	logger := logctx.FromContext(ctx)
	remaining := len(m.queue)

	var roundRows int64
	for _, r := range m.queue {
		roundRows += r.Rows()
	}
	mergeRoundsCounter.Add(ctx, 1, backendAttr(m.s.backend.Name()))
	logger.Debug("Starting merge round",
		slog.Int("level", level),
		slog.Int("levels", levels),
		slog.Int("runs", remaining),
		slog.Int64("rows", roundRows))

	var done int64
	for _, take := range planRound(remaining, m.s.fanIn) {
		group := make([]*Run, take)
		copy(group, m.queue[:take])
		m.queue = m.queue[take:]
		remaining -= take

		var groupRows int64
		for _, r := range group {
			groupRows += r.Rows()
		}
		sub := scope.Sub(float64(groupRows) / float64(roundRows))
		run, err := m.mergeGroup(ctx, sub, group, forceOnDisk, level, levels, done, roundRows)
		sub.Close()
		if err != nil {
			for _, r := range group {
				err = errors.Join(err, r.Dispose())
			}
			return err
		}
		done += groupRows
		m.queue = append(m.queue, run)
	}
	if remaining == 1 {
		m.queue = append(m.queue[1:], m.queue[0])
	}
	return nil
}

// planRound splits runs into merge groups of at most fanIn, spreading them
// evenly: 2*fanIn+1 runs become three groups of similar size rather than
// two full groups and a single run. A run left over is not part of any
// group.
func planRound(runs, fanIn int) []int {
	var groups []int
	for runs > 1 {
		merges := ceilDiv(runs, fanIn)
		take := ceilDiv(runs, merges)
		groups = append(groups, take)
		runs -= take
	}
	return groups
}

// mergeGroup merges group into one new run. The group's runs are disposed
// as soon as they are drained.
func (m *mergePhase) mergeGroup(ctx context.Context, scope *progress.Scope, group []*Run, forceOnDisk bool, level, levels int, offset, total int64) (*Run, error) {
	merger, err := openMerge(ctx, group, m.cmp)
	if err != nil {
		return nil, err
	}

	w := newChunkWriter(m.schema, m.s.backend)
	defer w.close()
	c, err := w.openChunk(forceOnDisk)
	if err != nil {
		return nil, errors.Join(err, merger.Close())
	}

	var groupRows int64
	for _, r := range group {
		groupRows += r.Rows()
	}

	var n int64
	for {
		if err := progress.Check(ctx); err != nil {
			return nil, errors.Join(err, merger.Close())
		}
		row, err := merger.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errors.Join(err, merger.Close())
		}
		if err := c.addRow(row); err != nil {
			return nil, errors.Join(fmt.Errorf("write merged run: %w", err), merger.Close())
		}
		n++
		scope.Update(fraction(n, groupRows), mergingMessage(level, levels, offset+n, total, forceOnDisk))
	}
	if err := merger.Close(); err != nil {
		return nil, err
	}
	rowsMergedCounter.Add(ctx, n, backendAttr(m.s.backend.Name()))

	run, err := c.close()
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, errors.New("merge produced an empty run")
	}
	var out *Run
	w.finish(func(runs []*Run) { out = runs[0] })
	return out, nil
}

func mergingMessage(level, levels int, row, total int64, intermediate bool) func() string {
	return func() string {
		if !intermediate {
			return writingMessage() + " (row " + progress.RowFraction(row, total) + ")"
		}
		return fmt.Sprintf("Merging level %d/%d (row %s)", level, levels, progress.RowFraction(row, total))
	}
}
