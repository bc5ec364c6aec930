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

package rowio

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/cardinalhq/lakesort/internal/table"
)

// OpenCSV opens a CSV file with a header line. The file is scanned once
// to infer column types and count rows.
func OpenCSV(path string, opts ...Option) (table.Table, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	header, types, rows, err := scanCSV(path)
	if err != nil {
		return nil, err
	}

	keyIdx := -1
	var cols []table.Column
	var fields []int
	for i, name := range header {
		if o.keyColumn != "" && name == o.keyColumn {
			keyIdx = i
			continue
		}
		cols = append(cols, table.Column{Name: name, Type: types[i].result()})
		fields = append(fields, i)
	}
	if o.keyColumn != "" && keyIdx < 0 {
		return nil, fmt.Errorf("%s: key column %q not found", path, o.keyColumn)
	}

	t := &fileTable{path: path, schema: table.NewSchema(cols...), rows: rows}
	t.newScan = func(context.Context) (table.Cursor, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		r := newCSVReader(f)
		if _, err := r.Read(); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("%s: read header: %w", path, err)
		}
		return &csvCursor{f: f, r: r, schema: t.schema, fields: fields, keyIdx: keyIdx}, nil
	}
	return t, nil
}

func newCSVReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(bufio.NewReader(r))
	cr.ReuseRecord = true
	return cr
}

func scanCSV(path string) ([]string, []inference, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, 0, err
	}
	defer f.Close()

	r := newCSVReader(f)
	rec, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil, 0, fmt.Errorf("%s: missing header line", path)
		}
		return nil, nil, 0, fmt.Errorf("%s: read header: %w", path, err)
	}
	header := append([]string(nil), rec...)
	types := make([]inference, len(header))

	var rows int64
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, 0, fmt.Errorf("%s: %w", path, err)
		}
		for i, v := range rec {
			if v != "" {
				types[i].observe(classify(v))
			}
		}
		rows++
	}
	return header, types, rows, nil
}

type csvCursor struct {
	f      *os.File
	r      *csv.Reader
	schema table.Schema
	fields []int
	keyIdx int
	n      int64
}

func (c *csvCursor) Next(_ context.Context) (table.Row, error) {
	if c.r == nil {
		return table.Row{}, table.ErrClosed
	}
	rec, err := c.r.Read()
	if err != nil {
		return table.Row{}, err
	}
	cells := make([]any, len(c.fields))
	for i, field := range c.fields {
		v, err := parseText(c.schema.Columns[i].Type, rec[field])
		if err != nil {
			return table.Row{}, fmt.Errorf("%s row %d column %s: %w", c.f.Name(), c.n, c.schema.Columns[i].Name, err)
		}
		cells[i] = v
	}
	key := rowKey(c.n)
	if c.keyIdx >= 0 && rec[c.keyIdx] != "" {
		key = rec[c.keyIdx]
	}
	c.n++
	return table.Row{Key: key, Cells: cells}, nil
}

func (c *csvCursor) Close() error {
	if c.r == nil {
		return nil
	}
	c.r = nil
	return c.f.Close()
}

type csvWriter struct {
	w      *csv.Writer
	schema table.Schema
	key    bool
	header bool
	rec    []string
}

// NewCSVWriter writes rows as CSV with a header line.
func NewCSVWriter(w io.Writer, schema table.Schema, keyColumn string) Writer {
	cw := &csvWriter{w: csv.NewWriter(w), schema: schema, key: keyColumn != ""}
	if cw.key {
		cw.rec = append(cw.rec, keyColumn)
	}
	cw.rec = append(cw.rec, schema.Names()...)
	return cw
}

func (w *csvWriter) writeHeader() error {
	w.header = true
	return w.w.Write(w.rec)
}

func (w *csvWriter) WriteRow(row table.Row) error {
	if !w.header {
		if err := w.writeHeader(); err != nil {
			return err
		}
	}
	w.rec = w.rec[:0]
	if w.key {
		w.rec = append(w.rec, row.Key)
	}
	for i, v := range row.Cells {
		s, err := formatText(w.schema.Columns[i].Type, v)
		if err != nil {
			return fmt.Errorf("row %q column %s: %w", row.Key, w.schema.Columns[i].Name, err)
		}
		w.rec = append(w.rec, s)
	}
	return w.w.Write(w.rec)
}

func (w *csvWriter) Close() error {
	if !w.header {
		if err := w.writeHeader(); err != nil {
			return err
		}
	}
	w.w.Flush()
	return w.w.Error()
}

func formatText(t table.ColumnType, v any) (string, error) {
	v, err := coerce(t, v)
	if err != nil || v == nil {
		return "", err
	}
	switch x := v.(type) {
	case int64:
		return strconv.FormatInt(x, 10), nil
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64), nil
	case bool:
		return strconv.FormatBool(x), nil
	case string:
		return x, nil
	}
	return fmt.Sprint(v), nil
}
