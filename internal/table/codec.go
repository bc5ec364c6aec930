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
	"encoding/gob"
	"fmt"
	"io"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// RowEncoder writes rows to a stream.
type RowEncoder interface {
	Encode(row Row) error
}

// RowDecoder reads rows back; it returns io.EOF at the end of the stream.
type RowDecoder interface {
	Decode() (Row, error)
}

// Codec is the on-disk row format used by FileBackend.
type Codec interface {
	Name() string
	Ext() string
	NewEncoder(w io.Writer) RowEncoder
	NewDecoder(r io.Reader) RowDecoder
}

// ParseCodec maps a codec name ("cbor" or "gob") to a Codec.
func ParseCodec(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", "cbor":
		return NewCBORCodec()
	case "gob":
		return GobCodec{}, nil
	}
	return nil, fmt.Errorf("unknown row codec %q", name)
}

type wireRow struct {
	Key   string `cbor:"k"`
	Cells []any  `cbor:"c"`
}

// CBORCodec stores each row as one CBOR item.
//
// Type behavior on the way back:
//   - all integers decode as int64
//   - float64 stays float64 (no shortest-float narrowing)
//   - string, bool and nil round-trip unchanged
type CBORCodec struct {
	encMode cbor.EncMode
	decMode cbor.DecMode
}

var _ Codec = (*CBORCodec)(nil)

func NewCBORCodec() (*CBORCodec, error) {
	encMode, err := cbor.EncOptions{
		Sort:          cbor.SortNone,
		ShortestFloat: cbor.ShortestFloatNone,
		BigIntConvert: cbor.BigIntConvertNone,
		Time:          cbor.TimeUnixMicro,
		TimeTag:       cbor.EncTagNone,
	}.EncMode()
	if err != nil {
		return nil, fmt.Errorf("failed to create CBOR encoder: %w", err)
	}

	decMode, err := cbor.DecOptions{
		BigIntDec: cbor.BigIntDecodeValue,
		IntDec:    cbor.IntDecConvertSigned,
		UTF8:      cbor.UTF8DecodeInvalid,
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("failed to create CBOR decoder: %w", err)
	}

	return &CBORCodec{encMode: encMode, decMode: decMode}, nil
}

func (c *CBORCodec) Name() string { return "cbor" }
func (c *CBORCodec) Ext() string  { return "cbor" }

func (c *CBORCodec) NewEncoder(w io.Writer) RowEncoder {
	return &cborEncoder{enc: c.encMode.NewEncoder(w)}
}

func (c *CBORCodec) NewDecoder(r io.Reader) RowDecoder {
	return &cborDecoder{dec: c.decMode.NewDecoder(r)}
}

type cborEncoder struct {
	enc *cbor.Encoder
}

func (e *cborEncoder) Encode(row Row) error {
	return e.enc.Encode(wireRow{Key: row.Key, Cells: row.Cells})
}

type cborDecoder struct {
	dec *cbor.Decoder
}

func (d *cborDecoder) Decode() (Row, error) {
	var w wireRow
	if err := d.dec.Decode(&w); err != nil {
		return Row{}, err
	}
	return Row{Key: w.Key, Cells: w.Cells}, nil
}

func init() {
	gob.Register(int64(0))
	gob.Register(float64(0))
	gob.Register(string(""))
	gob.Register(bool(false))
}

// GobCodec stores rows as a gob stream.
type GobCodec struct{}

var _ Codec = GobCodec{}

func (GobCodec) Name() string { return "gob" }
func (GobCodec) Ext() string  { return "gob" }

func (GobCodec) NewEncoder(w io.Writer) RowEncoder {
	return &gobEncoder{enc: gob.NewEncoder(w)}
}

func (GobCodec) NewDecoder(r io.Reader) RowDecoder {
	return &gobDecoder{dec: gob.NewDecoder(r)}
}

type gobEncoder struct {
	enc *gob.Encoder
}

func (e *gobEncoder) Encode(row Row) error {
	return e.enc.Encode(wireRow{Key: row.Key, Cells: row.Cells})
}

type gobDecoder struct {
	dec *gob.Decoder
}

func (d *gobDecoder) Decode() (Row, error) {
	var w wireRow
	if err := d.dec.Decode(&w); err != nil {
		return Row{}, err
	}
	return Row{Key: w.Key, Cells: w.Cells}, nil
}
