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

package progress

import (
	"log/slog"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Reporter receives overall progress in [0,1]. The message is built lazily;
// it may be nil when only the value changed. Report is called with the
// scope tree locked and must not call back into it.
type Reporter interface {
	Report(fraction float64, message func() string)
}

// Func adapts a function to Reporter.
type Func func(fraction float64, message func() string)

func (f Func) Report(fraction float64, message func() string) { f(fraction, message) }

type nopReporter struct{}

func (nopReporter) Report(float64, func() string) {}

// Nop discards all progress.
var Nop Reporter = nopReporter{}

// LogReporter writes progress to a slog.Logger at most once per interval,
// plus once on completion.
type LogReporter struct {
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	last        time.Time
	lastMessage string
	done        bool
}

func NewLogReporter(logger *slog.Logger, interval time.Duration) *LogReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogReporter{logger: logger, interval: interval, now: time.Now}
}

func (r *LogReporter) Report(fraction float64, message func() string) {
	if message != nil {
		r.lastMessage = message()
	}
	finished := fraction >= 1
	if finished && r.done {
		return
	}
	now := r.now()
	if !finished && now.Sub(r.last) < r.interval {
		return
	}
	r.last = now
	r.done = finished
	r.logger.Info("Sort progress",
		slog.String("percent", humanize.FtoaWithDigits(fraction*100, 1)),
		slog.String("status", r.lastMessage))
}

const figureSpace = "\u2007"

// RowFraction formats "current/total" with digit grouping, padding current
// to the width of total so that successive messages line up.
func RowFraction(current, total int64) string {
	c := humanize.Comma(current)
	t := humanize.Comma(total)
	if pad := len(t) - len(c); pad > 0 {
		c = strings.Repeat(figureSpace, pad) + c
	}
	return c + "/" + t
}
