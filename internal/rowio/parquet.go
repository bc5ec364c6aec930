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
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/parquet-go/parquet-go"

	"github.com/cardinalhq/lakesort/internal/table"
)

const parquetBatchSize = 1000

func openParquetFile(path string) (*os.File, *parquet.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	stat, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	pf, err := parquet.OpenFile(f, stat.Size())
	if err != nil {
		_ = f.Close()
		return nil, nil, fmt.Errorf("open parquet %s: %w", path, err)
	}
	return f, pf, nil
}

func columnType(field parquet.Field) (table.ColumnType, error) {
	if !field.Leaf() || field.Repeated() {
		return 0, fmt.Errorf("column %s: nested and repeated columns are not supported", field.Name())
	}
	switch field.Type().Kind() {
	case parquet.Boolean:
		return table.Bool, nil
	case parquet.Int32, parquet.Int64:
		return table.Int64, nil
	case parquet.Float, parquet.Double:
		return table.Float64, nil
	case parquet.ByteArray:
		return table.String, nil
	}
	return 0, fmt.Errorf("column %s: unsupported parquet type %s", field.Name(), field.Type())
}

// OpenParquet opens a Parquet file with flat, primitive columns.
func OpenParquet(path string, opts ...Option) (table.Table, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	f, pf, err := openParquetFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cols []table.Column
	foundKey := false
	for _, field := range pf.Schema().Fields() {
		if o.keyColumn != "" && field.Name() == o.keyColumn {
			foundKey = true
			continue
		}
		ct, err := columnType(field)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		cols = append(cols, table.Column{Name: field.Name(), Type: ct})
	}
	if o.keyColumn != "" && !foundKey {
		return nil, fmt.Errorf("%s: key column %q not found", path, o.keyColumn)
	}

	t := &fileTable{path: path, schema: table.NewSchema(cols...), rows: pf.NumRows()}
	t.newScan = func(context.Context) (table.Cursor, error) {
		f, pf, err := openParquetFile(path)
		if err != nil {
			return nil, err
		}
		return &parquetCursor{
			f:         f,
			reader:    parquet.NewGenericReader[map[string]any](pf, pf.Schema()),
			schema:    t.schema,
			keyColumn: o.keyColumn,
		}, nil
	}
	return t, nil
}

type parquetCursor struct {
	f         *os.File
	reader    *parquet.GenericReader[map[string]any]
	schema    table.Schema
	keyColumn string

	buf    []map[string]any
	pos    int
	eof    bool
	n      int64
	closed bool
}

func (c *parquetCursor) fill() error {
	if c.buf == nil {
		c.buf = make([]map[string]any, parquetBatchSize)
	}
	for i := range c.buf {
		c.buf[i] = map[string]any{}
	}
	n, err := c.reader.Read(c.buf)
	c.buf = c.buf[:n]
	c.pos = 0
	if errors.Is(err, io.EOF) {
		c.eof = true
		return nil
	}
	if err == nil && n == 0 {
		c.eof = true
	}
	return err
}

func (c *parquetCursor) Next(_ context.Context) (table.Row, error) {
	if c.closed {
		return table.Row{}, table.ErrClosed
	}
	for c.pos >= len(c.buf) {
		if c.eof {
			return table.Row{}, io.EOF
		}
		c.buf = c.buf[:cap(c.buf)]
		if err := c.fill(); err != nil {
			return table.Row{}, fmt.Errorf("%s: %w", c.f.Name(), err)
		}
	}
	rec := c.buf[c.pos]
	c.pos++

	cells := make([]any, c.schema.Len())
	for i, col := range c.schema.Columns {
		v, err := coerce(col.Type, rec[col.Name])
		if err != nil {
			return table.Row{}, fmt.Errorf("%s row %d column %s: %w", c.f.Name(), c.n, col.Name, err)
		}
		cells[i] = v
	}
	key := rowKey(c.n)
	if c.keyColumn != "" {
		key = keyString(rec[c.keyColumn], c.n)
	}
	c.n++
	return table.Row{Key: key, Cells: cells}, nil
}

func (c *parquetCursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return errors.Join(c.reader.Close(), c.f.Close())
}

// ParquetNode returns the optional Parquet node storing t.
func ParquetNode(t table.ColumnType) (parquet.Node, error) {
	switch t {
	case table.Int64:
		return parquet.Optional(parquet.Int(64)), nil
	case table.Float64:
		return parquet.Optional(parquet.Leaf(parquet.DoubleType)), nil
	case table.String:
		return parquet.Optional(parquet.Encoded(parquet.String(), &parquet.RLEDictionary)), nil
	case table.Bool:
		return parquet.Optional(parquet.Leaf(parquet.BooleanType)), nil
	}
	return nil, fmt.Errorf("unsupported column type %s", t)
}

type parquetWriter struct {
	pw        *parquet.GenericWriter[map[string]any]
	schema    table.Schema
	keyColumn string
	batch     []map[string]any
}

// NewParquetWriter writes rows as a Zstd compressed Parquet file. Column
// order in the file follows the Parquet group, which sorts by name.
func NewParquetWriter(w io.Writer, schema table.Schema, keyColumn string) (Writer, error) {
	nodes := make(map[string]parquet.Node, schema.Len()+1)
	for _, col := range schema.Columns {
		node, err := ParquetNode(col.Type)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", col.Name, err)
		}
		nodes[col.Name] = node
	}
	if keyColumn != "" {
		if _, ok := nodes[keyColumn]; ok {
			return nil, fmt.Errorf("key column %q clashes with a table column", keyColumn)
		}
		nodes[keyColumn] = parquet.String()
	}

	wc, err := parquet.NewWriterConfig(
		parquet.NewSchema("lakesort", parquet.Group(nodes)),
		parquet.Compression(&parquet.Zstd),
		parquet.PageBufferSize(32*1024),
		parquet.MaxRowsPerRowGroup(80_000),
	)
	if err != nil {
		return nil, err
	}
	return &parquetWriter{
		pw:        parquet.NewGenericWriter[map[string]any](w, wc),
		schema:    schema,
		keyColumn: keyColumn,
		batch:     make([]map[string]any, 0, parquetBatchSize),
	}, nil
}

func (w *parquetWriter) WriteRow(row table.Row) error {
	rec := make(map[string]any, len(row.Cells)+1)
	if w.keyColumn != "" {
		rec[w.keyColumn] = row.Key
	}
	for i, v := range row.Cells {
		col := w.schema.Columns[i]
		cv, err := coerce(col.Type, v)
		if err != nil {
			return fmt.Errorf("row %q column %s: %w", row.Key, col.Name, err)
		}
		if cv != nil {
			rec[col.Name] = cv
		}
	}
	w.batch = append(w.batch, rec)
	if len(w.batch) == cap(w.batch) {
		return w.flush()
	}
	return nil
}

func (w *parquetWriter) flush() error {
	if len(w.batch) == 0 {
		return nil
	}
	n, err := w.pw.Write(w.batch)
	if err != nil {
		return err
	}
	if n != len(w.batch) {
		return fmt.Errorf("parquet writer took %d of %d rows", n, len(w.batch))
	}
	clear(w.batch)
	w.batch = w.batch[:0]
	return nil
}

func (w *parquetWriter) Close() error {
	if err := w.flush(); err != nil {
		return errors.Join(err, w.pw.Close())
	}
	return w.pw.Close()
}
