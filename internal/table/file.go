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
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/cardinalhq/lakesort/internal/idgen"
)

// RunFilePrefix starts the name of every file a FileBackend creates.
const RunFilePrefix = "lakesort-run-"

// FileBackend writes tables as codec-encoded temp files under a directory.
type FileBackend struct {
	dir          string
	codec        Codec
	memThreshold int
	ids          *idgen.ULIDGenerator
}

var _ Backend = (*FileBackend)(nil)

type FileOption func(*FileBackend)

// WithMemoryThreshold lets containers that are not forced to disk keep up
// to rows rows in memory. Larger tables are spilled to a file.
func WithMemoryThreshold(rows int) FileOption {
	return func(b *FileBackend) {
		b.memThreshold = rows
	}
}

func NewFileBackend(dir string, codec Codec, opts ...FileOption) (*FileBackend, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if codec == nil {
		return nil, errors.New("file backend requires a codec")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create run directory %s: %w", dir, err)
	}
	b := &FileBackend{
		dir:   dir,
		codec: codec,
		ids:   idgen.NewULIDGenerator(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func (b *FileBackend) Name() string { return "file/" + b.codec.Name() }

func (b *FileBackend) CreateContainer(schema Schema, forceOnDisk bool) (Container, error) {
	return &fileContainer{b: b, schema: schema, forceOnDisk: forceOnDisk}, nil
}

func (b *FileBackend) DisposeTable(t Table) error {
	switch tt := t.(type) {
	case *FileTable:
		tt.disposed.Store(true)
		if err := os.Remove(tt.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove run file %s: %w", tt.path, err)
		}
		return nil
	case *SliceTable:
		tt.dispose()
		return nil
	}
	return fmt.Errorf("file backend cannot dispose %T", t)
}

func (b *FileBackend) createFile() (*os.File, error) {
	name := RunFilePrefix + strings.ToLower(b.ids.Next()) + "." + b.codec.Ext()
	f, err := os.OpenFile(filepath.Join(b.dir, name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create run file: %w", err)
	}
	return f, nil
}

type fileContainer struct {
	b           *FileBackend
	schema      Schema
	forceOnDisk bool

	pending []Row
	f       *os.File
	bw      *bufio.Writer
	enc     RowEncoder
	rows    int64
	closed  bool
}

func (c *fileContainer) AddRow(row Row) error {
	if c.closed {
		return ErrClosed
	}
	if len(row.Cells) != len(c.schema.Columns) {
		return fmt.Errorf("row %q has %d cells, schema has %d columns", row.Key, len(row.Cells), len(c.schema.Columns))
	}
	if c.f == nil && !c.forceOnDisk && len(c.pending) < c.b.memThreshold {
		c.pending = append(c.pending, row)
		return nil
	}
	if c.f == nil {
		if err := c.open(); err != nil {
			return err
		}
	}
	return c.encode(row)
}

func (c *fileContainer) open() error {
	f, err := c.b.createFile()
	if err != nil {
		return err
	}
	c.f = f
	c.bw = bufio.NewWriterSize(f, 64*1024)
	c.enc = c.b.codec.NewEncoder(c.bw)
	pending := c.pending
	c.pending = nil
	for _, r := range pending {
		if err := c.encode(r); err != nil {
			return err
		}
	}
	return nil
}

func (c *fileContainer) encode(row Row) error {
	if err := c.enc.Encode(row); err != nil {
		return fmt.Errorf("encode row to %s: %w", c.f.Name(), err)
	}
	c.rows++
	return nil
}

func (c *fileContainer) Close() (Table, error) {
	if c.closed {
		return nil, ErrClosed
	}
	c.closed = true

	if c.f == nil && !c.forceOnDisk {
		t := NewSliceTable(c.schema, c.pending)
		c.pending = nil
		return t, nil
	}
	if c.f == nil {
		if err := c.open(); err != nil {
			return nil, err
		}
	}

	path := c.f.Name()
	err := c.bw.Flush()
	if cerr := c.f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("finish run file %s: %w", path, err)
	}
	return &FileTable{path: path, schema: c.schema, rows: c.rows, codec: c.b.codec}, nil
}

// FileTable is a table stored in a single codec-encoded file.
type FileTable struct {
	path     string
	schema   Schema
	rows     int64
	codec    Codec
	disposed atomic.Bool
}

var _ Table = (*FileTable)(nil)

func (t *FileTable) Schema() Schema { return t.schema }
func (t *FileTable) NumRows() int64 { return t.rows }
func (t *FileTable) Path() string   { return t.path }

func (t *FileTable) Cursor(_ context.Context) (Cursor, error) {
	if t.disposed.Load() {
		return nil, ErrDisposed
	}
	f, err := os.Open(t.path)
	if err != nil {
		return nil, fmt.Errorf("open run file %s: %w", t.path, err)
	}
	return &fileCursor{f: f, dec: t.codec.NewDecoder(bufio.NewReaderSize(f, 64*1024)), remaining: t.rows}, nil
}

type fileCursor struct {
	f         *os.File
	dec       RowDecoder
	remaining int64
	closed    bool
}

func (c *fileCursor) Next(_ context.Context) (Row, error) {
	if c.closed {
		return Row{}, ErrClosed
	}
	if c.remaining <= 0 {
		return Row{}, io.EOF
	}
	r, err := c.dec.Decode()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Row{}, fmt.Errorf("run file %s truncated: %w", c.f.Name(), io.ErrUnexpectedEOF)
		}
		return Row{}, fmt.Errorf("decode row from %s: %w", c.f.Name(), err)
	}
	c.remaining--
	return r, nil
}

func (c *fileCursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.f.Close()
}
