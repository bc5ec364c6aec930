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

package rowcmp

import (
	"cmp"
	"fmt"
	"strings"
	"sync"

	"github.com/cardinalhq/lakesort/internal/table"
)

// ValueComparator orders two non-missing cells of one column type and
// returns a negative, zero or positive number.
type ValueComparator func(a, b any) int

// Registry maps column types to their value comparators.
type Registry struct {
	mu sync.RWMutex
	m  map[table.ColumnType]ValueComparator
}

func NewRegistry() *Registry {
	return &Registry{m: map[table.ColumnType]ValueComparator{}}
}

// DefaultRegistry returns a registry with comparators for every built-in
// column type.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(table.Int64, compareInt64)
	r.Register(table.Float64, compareFloat64)
	r.Register(table.String, compareString)
	r.Register(table.Bool, compareBool)
	return r
}

func (r *Registry) Register(t table.ColumnType, c ValueComparator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[t] = c
}

func (r *Registry) Lookup(t table.ColumnType) (ValueComparator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.m[t]
	return c, ok
}

func compareInt64(a, b any) int {
	return cmp.Compare(asInt64(a), asInt64(b))
}

// compareFloat64 uses cmp.Compare, so NaN sorts before every number.
func compareFloat64(a, b any) int {
	return cmp.Compare(asFloat64(a), asFloat64(b))
}

func compareString(a, b any) int {
	return strings.Compare(asString(a), asString(b))
}

func compareBool(a, b any) int {
	x, y := asBool(a), asBool(b)
	switch {
	case x == y:
		return 0
	case !x:
		return -1
	default:
		return 1
	}
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int16:
		return int64(n)
	case int8:
		return int64(n)
	case uint32:
		return int64(n)
	case uint16:
		return int64(n)
	case uint8:
		return int64(n)
	case uint64:
		return int64(n)
	}
	panic(fmt.Sprintf("rowcmp: %T is not an int64 cell", v))
}

func asFloat64(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int64:
		return float64(n)
	case int:
		return float64(n)
	}
	panic(fmt.Sprintf("rowcmp: %T is not a float64 cell", v))
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	}
	panic(fmt.Sprintf("rowcmp: %T is not a string cell", v))
}

func asBool(v any) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	panic(fmt.Sprintf("rowcmp: %T is not a bool cell", v))
}
