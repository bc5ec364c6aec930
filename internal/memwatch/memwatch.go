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

// Package memwatch decides when an in-memory buffer should be flushed.
package memwatch

import (
	"math"
	"runtime/debug"
	"runtime/metrics"
	"sync/atomic"
)

// Indicator tells a buffering component that memory is getting tight.
// Implementations must be safe for concurrent use.
type Indicator interface {
	LowMemory() bool
}

// Func adapts a function to Indicator.
type Func func() bool

func (f Func) LowMemory() bool { return f() }

var (
	// Never reports memory as plentiful.
	Never Indicator = Func(func() bool { return false })
	// Always reports memory as tight.
	Always Indicator = Func(func() bool { return true })
)

const heapObjectsMetric = "/memory/classes/heap/objects:bytes"

// HeapBytes returns the bytes currently held by live and unswept heap
// objects.
func HeapBytes() uint64 {
	s := []metrics.Sample{{Name: heapObjectsMetric}}
	metrics.Read(s)
	if s[0].Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return s[0].Value.Uint64()
}

// MemoryLimit returns the Go memory limit, or the physical memory of the
// host when no limit is set. Zero means unknown.
func MemoryLimit() uint64 {
	if l := debug.SetMemoryLimit(-1); l > 0 && l != math.MaxInt64 {
		return uint64(l)
	}
	total, _, ok := systemMemory()
	if !ok {
		return 0
	}
	return total
}

// HeapIndicator reports low memory when the heap exceeds a fraction of
// the memory limit. The heap is sampled every sampleEvery calls; calls in
// between return the last answer.
type HeapIndicator struct {
	threshold   float64
	sampleEvery uint64
	limit       uint64
	heap        func() uint64

	calls atomic.Uint64
	low   atomic.Bool
}

var _ Indicator = (*HeapIndicator)(nil)

func NewHeapIndicator(threshold float64, sampleEvery int) *HeapIndicator {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.7
	}
	if sampleEvery < 1 {
		sampleEvery = 1
	}
	return &HeapIndicator{
		threshold:   threshold,
		sampleEvery: uint64(sampleEvery),
		limit:       MemoryLimit(),
		heap:        HeapBytes,
	}
}

func (h *HeapIndicator) LowMemory() bool {
	n := h.calls.Add(1)
	if (n-1)%h.sampleEvery != 0 {
		return h.low.Load()
	}
	low := h.limit > 0 && float64(h.heap()) > h.threshold*float64(h.limit)
	h.low.Store(low)
	return low
}

// SystemIndicator reports low memory when the host's free memory drops
// below a fraction of its total. Hosts where free memory cannot be read
// never report low memory.
type SystemIndicator struct {
	minFree float64
	read    func() (total, free uint64, ok bool)
}

var _ Indicator = (*SystemIndicator)(nil)

func NewSystemIndicator(minFreeFraction float64) *SystemIndicator {
	return &SystemIndicator{minFree: minFreeFraction, read: systemMemory}
}

func (s *SystemIndicator) LowMemory() bool {
	total, free, ok := s.read()
	if !ok || total == 0 {
		return false
	}
	return float64(free) < s.minFree*float64(total)
}
