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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/cardinalhq/lakesort/internal/table"
)

const maxJSONLine = 16 << 20

// OpenJSONLines opens a file holding one JSON object per line. Columns are
// the union of all object keys in order of first appearance.
func OpenJSONLines(path string, opts ...Option) (table.Table, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	names, types, rows, err := scanJSONLines(path)
	if err != nil {
		return nil, err
	}

	var cols []table.Column
	foundKey := false
	for i, name := range names {
		if o.keyColumn != "" && name == o.keyColumn {
			foundKey = true
			continue
		}
		cols = append(cols, table.Column{Name: name, Type: types[i].result()})
	}
	if o.keyColumn != "" && !foundKey {
		return nil, fmt.Errorf("%s: key column %q not found", path, o.keyColumn)
	}

	t := &fileTable{path: path, schema: table.NewSchema(cols...), rows: rows}
	t.newScan = func(context.Context) (table.Cursor, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		return &jsonCursor{f: f, s: newLineScanner(f), schema: t.schema, keyColumn: o.keyColumn}, nil
	}
	return t, nil
}

func newLineScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), maxJSONLine)
	return s
}

func decodeObject(line []byte) (map[string]any, error) {
	d := json.NewDecoder(bytes.NewReader(line))
	d.UseNumber()
	var obj map[string]any
	if err := d.Decode(&obj); err != nil {
		return nil, err
	}
	return obj, nil
}

func jsonType(v any) (table.ColumnType, error) {
	switch x := v.(type) {
	case json.Number:
		if _, err := x.Int64(); err == nil {
			return table.Int64, nil
		}
		return table.Float64, nil
	case string:
		return table.String, nil
	case bool:
		return table.Bool, nil
	}
	return 0, fmt.Errorf("unsupported JSON value %T", v)
}

func scanJSONLines(path string) ([]string, []inference, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, 0, err
	}
	defer f.Close()

	var (
		names []string
		types []inference
		index = map[string]int{}
		rows  int64
	)
	s := newLineScanner(f)
	for s.Scan() {
		line := bytes.TrimSpace(s.Bytes())
		if len(line) == 0 {
			continue
		}
		obj, err := decodeObject(line)
		if err != nil {
			return nil, nil, 0, fmt.Errorf("%s line %d: %w", path, rows+1, err)
		}
		// map order is random, take the keys in line order
		for _, k := range orderedKeys(line, obj) {
			i, ok := index[k]
			if !ok {
				i = len(names)
				index[k] = i
				names = append(names, k)
				types = append(types, inference{})
			}
			if v := obj[k]; v != nil {
				ct, err := jsonType(v)
				if err != nil {
					return nil, nil, 0, fmt.Errorf("%s line %d key %s: %w", path, rows+1, k, err)
				}
				types[i].observe(ct)
			}
		}
		rows++
	}
	if err := s.Err(); err != nil {
		return nil, nil, 0, fmt.Errorf("%s: %w", path, err)
	}
	return names, types, rows, nil
}

// orderedKeys returns the top-level keys of a JSON object in the order
// they appear in line.
func orderedKeys(line []byte, obj map[string]any) []string {
	d := json.NewDecoder(bytes.NewReader(line))
	keys := make([]string, 0, len(obj))
	if _, err := d.Token(); err != nil {
		return keys
	}
	for d.More() {
		tok, err := d.Token()
		if err != nil {
			break
		}
		k, ok := tok.(string)
		if !ok {
			break
		}
		keys = append(keys, k)
		var skip json.RawMessage
		if err := d.Decode(&skip); err != nil {
			break
		}
	}
	return keys
}

type jsonCursor struct {
	f         *os.File
	s         *bufio.Scanner
	schema    table.Schema
	keyColumn string
	n         int64
	closed    bool
}

func (c *jsonCursor) Next(_ context.Context) (table.Row, error) {
	if c.closed {
		return table.Row{}, table.ErrClosed
	}
	for c.s.Scan() {
		line := bytes.TrimSpace(c.s.Bytes())
		if len(line) == 0 {
			continue
		}
		obj, err := decodeObject(line)
		if err != nil {
			return table.Row{}, fmt.Errorf("%s row %d: %w", c.f.Name(), c.n, err)
		}
		cells := make([]any, c.schema.Len())
		for i, col := range c.schema.Columns {
			v, err := coerce(col.Type, obj[col.Name])
			if err != nil {
				return table.Row{}, fmt.Errorf("%s row %d column %s: %w", c.f.Name(), c.n, col.Name, err)
			}
			cells[i] = v
		}
		key := rowKey(c.n)
		if c.keyColumn != "" {
			key = keyString(obj[c.keyColumn], c.n)
		}
		c.n++
		return table.Row{Key: key, Cells: cells}, nil
	}
	if err := c.s.Err(); err != nil {
		return table.Row{}, err
	}
	return table.Row{}, io.EOF
}

func (c *jsonCursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.f.Close()
}

type jsonWriter struct {
	bw        *bufio.Writer
	enc       *json.Encoder
	schema    table.Schema
	keyColumn string
}

// NewJSONLinesWriter writes one JSON object per row. Missing cells are
// left out of the object.
func NewJSONLinesWriter(w io.Writer, schema table.Schema, keyColumn string) Writer {
	bw := bufio.NewWriter(w)
	return &jsonWriter{bw: bw, enc: json.NewEncoder(bw), schema: schema, keyColumn: keyColumn}
}

func (w *jsonWriter) WriteRow(row table.Row) error {
	// an ordered object keeps the column order of the schema
	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	field := func(name string, v any) error {
		k, err := json.Marshal(name)
		if err != nil {
			return err
		}
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(b)
		return nil
	}
	if w.keyColumn != "" {
		if err := field(w.keyColumn, row.Key); err != nil {
			return err
		}
	}
	for i, v := range row.Cells {
		col := w.schema.Columns[i]
		cv, err := coerce(col.Type, v)
		if err != nil {
			return fmt.Errorf("row %q column %s: %w", row.Key, col.Name, err)
		}
		if cv == nil {
			continue
		}
		if err := field(col.Name, cv); err != nil {
			return fmt.Errorf("row %q column %s: %w", row.Key, col.Name, err)
		}
	}
	buf.WriteByte('}')
	return w.enc.Encode(json.RawMessage(buf.Bytes()))
}

func (w *jsonWriter) Close() error {
	return w.bw.Flush()
}
