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
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	rowsReadCounter     otelmetric.Int64Counter
	rowsMergedCounter   otelmetric.Int64Counter
	runsCreatedCounter  otelmetric.Int64Counter
	runsDisposedCounter otelmetric.Int64Counter
	mergeRoundsCounter  otelmetric.Int64Counter
)

func init() {
	meter := otel.Meter("github.com/cardinalhq/lakesort/internal/extsort")

	var err error
	rowsReadCounter, err = meter.Int64Counter(
		"lakesort.sort.rows.read",
		otelmetric.WithDescription("Number of input rows buffered by run creation"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create rows.read counter: %w", err))
	}

	rowsMergedCounter, err = meter.Int64Counter(
		"lakesort.sort.rows.merged",
		otelmetric.WithDescription("Number of rows written by intermediate and final merges"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create rows.merged counter: %w", err))
	}

	runsCreatedCounter, err = meter.Int64Counter(
		"lakesort.sort.runs.created",
		otelmetric.WithDescription("Number of sorted runs written to the backend"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create runs.created counter: %w", err))
	}

	runsDisposedCounter, err = meter.Int64Counter(
		"lakesort.sort.runs.disposed",
		otelmetric.WithDescription("Number of sorted runs released back to the backend"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create runs.disposed counter: %w", err))
	}

	mergeRoundsCounter, err = meter.Int64Counter(
		"lakesort.sort.merge.rounds",
		otelmetric.WithDescription("Number of bounded fan-in merge rounds performed"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create merge.rounds counter: %w", err))
	}
}

func backendAttr(name string) otelmetric.MeasurementOption {
	return otelmetric.WithAttributes(attribute.String("backend", name))
}
