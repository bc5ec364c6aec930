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

	"github.com/hashicorp/go-multierror"
)

// Source is one sorted input of a Merger. Next returns io.EOF when the
// source is drained.
type Source[T any] interface {
	Next(ctx context.Context) (T, error)
	Close() error
}

// Merger merges k sorted sources with a loser tree. Equal elements are
// emitted in source order, so merging adjacent runs of a stable sort keeps
// the sort stable.
//
// Leaves live at positions [k, 2k) of an implicit tree; nodes[1:k] hold the
// loser of the match played at that node and nodes[0] the overall winner.
// A drained leaf loses every match.
type Merger[T any] struct {
	sources []Source[T]
	heads   []T
	dead    []bool
	shut    []bool
	nodes   []int
	live    int
	cmp     func(a, b T) int

	closeErr error
	closed   bool
}

// NewMerger reads the first element of every source and builds the tree.
// Sources that are empty are closed right away. On error every source is
// closed.
func NewMerger[T any](ctx context.Context, sources []Source[T], cmp func(a, b T) int) (*Merger[T], error) {
	k := len(sources)
	m := &Merger[T]{
		sources: sources,
		heads:   make([]T, k),
		dead:    make([]bool, k),
		shut:    make([]bool, k),
		nodes:   make([]int, k),
		cmp:     cmp,
	}

	for i, src := range sources {
		v, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			m.dead[i] = true
			m.closeSource(i)
			continue
		}
		if err != nil {
			err = fmt.Errorf("read merge source %d: %w", i, err)
			return nil, errors.Join(err, m.Close())
		}
		m.heads[i] = v
		m.live++
	}

	if k > 1 {
		m.nodes[0] = m.build(1)
	}
	return m, nil
}

func (m *Merger[T]) build(node int) int {
	k := len(m.sources)
	left, right := 2*node, 2*node+1

	var lw, rw int
	if left >= k {
		lw = left - k
	} else {
		lw = m.build(left)
	}
	if right >= k {
		rw = right - k
	} else {
		rw = m.build(right)
	}

	if m.beats(lw, rw) {
		m.nodes[node] = rw
		return lw
	}
	m.nodes[node] = lw
	return rw
}

// beats orders leaves by value, then by source index.
func (m *Merger[T]) beats(a, b int) bool {
	if m.dead[b] {
		return !m.dead[a] || a < b
	}
	if m.dead[a] {
		return false
	}
	c := m.cmp(m.heads[a], m.heads[b])
	return c < 0 || (c == 0 && a < b)
}

func (m *Merger[T]) replay(leaf int) {
	k := len(m.sources)
	winner := leaf
	for pos := (leaf + k) / 2; pos > 0; pos /= 2 {
		stored := m.nodes[pos]
		if m.beats(stored, winner) {
			m.nodes[pos] = winner
			winner = stored
		}
	}
	m.nodes[0] = winner
}

// Len returns the number of sources that are not drained.
func (m *Merger[T]) Len() int {
	return m.live
}

// Next returns the smallest remaining element, or io.EOF.
func (m *Merger[T]) Next(ctx context.Context) (T, error) {
	var zero T
	if m.closed {
		return zero, errors.New("merger is closed")
	}
	if m.live == 0 {
		return zero, io.EOF
	}

	w := m.nodes[0]
	out := m.heads[w]

	v, err := m.sources[w].Next(ctx)
	switch {
	case errors.Is(err, io.EOF):
		m.heads[w] = zero
		m.dead[w] = true
		m.live--
		m.closeSource(w)
	case err != nil:
		return zero, fmt.Errorf("read merge source %d: %w", w, err)
	default:
		m.heads[w] = v
	}

	if m.live > 0 {
		m.replay(w)
	}
	return out, nil
}

func (m *Merger[T]) closeSource(i int) {
	if m.shut[i] {
		return
	}
	m.shut[i] = true
	if err := m.sources[i].Close(); err != nil {
		m.closeErr = multierror.Append(m.closeErr, fmt.Errorf("close merge source %d: %w", i, err))
	}
}

// Close closes every source that is still open. It also returns errors
// from sources that were closed earlier because they were drained.
func (m *Merger[T]) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	for i := range m.sources {
		m.closeSource(i)
	}
	clear(m.heads)
	return m.closeErr
}
