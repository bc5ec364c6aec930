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

// Package progress provides hierarchical progress scopes with cooperative
// cancellation.
//
// A Scope owns a budget of 1.0. Sub carves a fraction of that budget out
// for a child; whatever the child reports is scaled into its parent, all
// the way up to the root, which forwards the overall value to a Reporter.
// Closing a scope pins it to 1.0 so that skipped work still adds up.
package progress

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrCanceled is wrapped by every error returned because the caller's
// context was canceled.
var ErrCanceled = errors.New("canceled")

// IsCanceled reports whether err stems from cancellation.
func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled)
}

// Check returns a cancellation error once ctx is done.
func Check(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrCanceled, context.Cause(ctx))
}

type root struct {
	mu       sync.Mutex
	ctx      context.Context
	reporter Reporter
}

// Scope is one node of the progress tree. It is safe for concurrent use.
type Scope struct {
	root   *root
	parent *Scope
	weight float64

	value     float64
	allocated float64
	closed    bool
}

// New creates a root scope reporting to r. A nil reporter discards updates.
func New(ctx context.Context, r Reporter) *Scope {
	if r == nil {
		r = Nop
	}
	return &Scope{root: &root{ctx: ctx, reporter: r}, weight: 1}
}

// Context returns the context whose cancellation the scope observes.
func (s *Scope) Context() context.Context {
	return s.root.ctx
}

// CheckCanceled returns a cancellation error once the scope's context is done.
func (s *Scope) CheckCanceled() error {
	return Check(s.root.ctx)
}

// Sub creates a child owning fraction of this scope. The fraction is
// clamped to what has not been handed to other children yet.
func (s *Scope) Sub(fraction float64) *Scope {
	s.root.mu.Lock()
	defer s.root.mu.Unlock()

	free := 1 - s.allocated
	if free < 0 {
		free = 0
	}
	fraction = clamp(fraction, 0, free)
	s.allocated += fraction
	return &Scope{root: s.root, parent: s, weight: fraction}
}

// Update sets this scope's own progress to value in [0,1]. Progress never
// goes backwards; smaller values only refresh the message.
func (s *Scope) Update(value float64, msg func() string) {
	s.root.mu.Lock()
	defer s.root.mu.Unlock()
	if s.closed {
		return
	}
	s.advance(clamp(value, 0, 1))
	s.report(msg)
}

// Message reports msg without changing the value.
func (s *Scope) Message(msg func() string) {
	s.root.mu.Lock()
	defer s.root.mu.Unlock()
	if s.closed {
		return
	}
	s.report(msg)
}

// Value returns the scope's current progress.
func (s *Scope) Value() float64 {
	s.root.mu.Lock()
	defer s.root.mu.Unlock()
	return s.value
}

// Close pins the scope to 1.0. Further updates are ignored.
func (s *Scope) Close() {
	s.root.mu.Lock()
	defer s.root.mu.Unlock()
	if s.closed {
		return
	}
	s.advance(1)
	s.closed = true
	s.report(nil)
}

// advance must be called with the root lock held.
func (s *Scope) advance(value float64) {
	delta := value - s.value
	if delta <= 0 {
		return
	}
	for n := s; n != nil; n = n.parent {
		n.value = clamp(n.value+delta, 0, 1)
		if n.parent == nil {
			break
		}
		delta *= n.weight
	}
}

func (s *Scope) report(msg func() string) {
	top := s
	for top.parent != nil {
		top = top.parent
	}
	top.root.reporter.Report(top.value, msg)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
