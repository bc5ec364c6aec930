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

package table

import (
	"sync"
)

// BackendStats counts the tables a TrackingBackend has seen.
type BackendStats struct {
	Containers int64
	Created    int64
	OnDisk     int64
	Disposed   int64
}

// TrackingBackend wraps a Backend and keeps track of the tables it
// produced that have not been disposed yet.
type TrackingBackend struct {
	inner Backend

	mu    sync.Mutex
	stats BackendStats
	live  map[Table]struct{}
}

var _ Backend = (*TrackingBackend)(nil)

func NewTrackingBackend(inner Backend) *TrackingBackend {
	return &TrackingBackend{inner: inner, live: map[Table]struct{}{}}
}

func (b *TrackingBackend) Name() string { return b.inner.Name() }

func (b *TrackingBackend) CreateContainer(schema Schema, forceOnDisk bool) (Container, error) {
	c, err := b.inner.CreateContainer(schema, forceOnDisk)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.stats.Containers++
	if forceOnDisk {
		b.stats.OnDisk++
	}
	b.mu.Unlock()
	return &trackingContainer{Container: c, b: b}, nil
}

func (b *TrackingBackend) DisposeTable(t Table) error {
	b.mu.Lock()
	if _, ok := b.live[t]; ok {
		delete(b.live, t)
		b.stats.Disposed++
	}
	b.mu.Unlock()
	return b.inner.DisposeTable(t)
}

// Stats returns a snapshot of the counters.
func (b *TrackingBackend) Stats() BackendStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Outstanding is the number of produced tables not yet disposed.
func (b *TrackingBackend) Outstanding() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.live)
}

// Forget stops tracking t, e.g. once ownership passed to a caller that
// releases it some other way.
func (b *TrackingBackend) Forget(t Table) {
	b.mu.Lock()
	delete(b.live, t)
	b.mu.Unlock()
}

type trackingContainer struct {
	Container
	b *TrackingBackend
}

func (c *trackingContainer) Close() (Table, error) {
	t, err := c.Container.Close()
	if err != nil {
		return nil, err
	}
	c.b.mu.Lock()
	c.b.live[t] = struct{}{}
	c.b.stats.Created++
	c.b.mu.Unlock()
	return t, nil
}
