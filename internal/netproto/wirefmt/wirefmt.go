// Package wirefmt holds the field-level helpers shared by the hand-written
// protobuf-compatible message codecs.
package wirefmt

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrNoField is recorded when a value is read before Next.
var ErrNoField = errors.New("no current field")

// Decoder walks the fields of one encoded message. Fields the caller does
// not read are skipped by the following Next.
type Decoder struct {
	b       []byte
	num     protowire.Number
	typ     protowire.Type
	pending bool
	err     error
}

// NewDecoder returns a Decoder over b.
func NewDecoder(b []byte) *Decoder {
	return &Decoder{b: b}
}

// Next advances to the next field. It returns false at the end of the
// message or after an error.
func (d *Decoder) Next() bool {
	if d.err != nil {
		return false
	}
	if d.pending {
		d.Skip()
		if d.err != nil {
			return false
		}
	}
	if len(d.b) == 0 {
		return false
	}
	num, typ, n := protowire.ConsumeTag(d.b)
	if n < 0 {
		d.fail(fmt.Errorf("field tag: %w", protowire.ParseError(n)))
		return false
	}
	d.b = d.b[n:]
	d.num, d.typ, d.pending = num, typ, true
	return true
}

// Field returns the current field number.
func (d *Decoder) Field() protowire.Number { return d.num }

// Err returns the first decoding error.
func (d *Decoder) Err() error { return d.err }

// Skip discards the current field's value.
func (d *Decoder) Skip() {
	if !d.pending {
		return
	}
	d.consumed(protowire.ConsumeFieldValue(d.num, d.typ, d.b))
}

// Uint64 reads a varint field.
func (d *Decoder) Uint64() uint64 {
	if !d.expect(protowire.VarintType) {
		return 0
	}
	v, n := protowire.ConsumeVarint(d.b)
	if !d.consumed(n) {
		return 0
	}
	return v
}

// Int64 reads a varint field as a signed integer.
func (d *Decoder) Int64() int64 { return int64(d.Uint64()) }

// Int32 reads a varint field as an int32.
func (d *Decoder) Int32() int32 { return int32(d.Uint64()) }

// Bool reads a varint field as a bool.
func (d *Decoder) Bool() bool { return protowire.DecodeBool(d.Uint64()) }

// Double reads a fixed64 field as a float64.
func (d *Decoder) Double() float64 {
	if !d.expect(protowire.Fixed64Type) {
		return 0
	}
	v, n := protowire.ConsumeFixed64(d.b)
	if !d.consumed(n) {
		return 0
	}
	return math.Float64frombits(v)
}

// Bytes reads a length-delimited field. The result aliases the input.
func (d *Decoder) Bytes() []byte {
	if !d.expect(protowire.BytesType) {
		return nil
	}
	v, n := protowire.ConsumeBytes(d.b)
	if !d.consumed(n) {
		return nil
	}
	return v
}

// Text reads a length-delimited field as a string.
func (d *Decoder) Text() string { return string(d.Bytes()) }

func (d *Decoder) expect(t protowire.Type) bool {
	if d.err != nil {
		return false
	}
	if !d.pending {
		d.fail(ErrNoField)
		return false
	}
	if d.typ != t {
		d.fail(fmt.Errorf("field %d: wire type %d, want %d", d.num, d.typ, t))
		return false
	}
	return true
}

func (d *Decoder) consumed(n int) bool {
	d.pending = false
	if n < 0 {
		d.fail(fmt.Errorf("field %d: %w", d.num, protowire.ParseError(n)))
		return false
	}
	d.b = d.b[n:]
	return true
}

func (d *Decoder) fail(err error) {
	d.err = err
	d.b = nil
	d.pending = false
}

// AppendUint64 appends a varint field, omitting zero.
func AppendUint64(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// AppendInt64 appends a signed varint field, omitting zero.
func AppendInt64(b []byte, num protowire.Number, v int64) []byte {
	return AppendUint64(b, num, uint64(v))
}

// AppendBool appends a bool field, omitting false.
func AppendBool(b []byte, num protowire.Number, v bool) []byte {
	return AppendUint64(b, num, protowire.EncodeBool(v))
}

// AppendDouble appends a fixed64 field, omitting zero.
func AppendDouble(b []byte, num protowire.Number, v float64) []byte {
	if v == 0 && !math.Signbit(v) {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

// AppendString appends a string field, omitting the empty string.
func AppendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	return AppendRepeatedString(b, num, s)
}

// AppendRepeatedString appends one element of a repeated string field. Empty
// elements are kept.
func AppendRepeatedString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// AppendBytes appends a length-delimited field, omitting empty values.
func AppendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// AppendMessage appends an embedded message produced by fn. The field is
// written even when the message is empty.
func AppendMessage(b []byte, num protowire.Number, fn func([]byte) []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, fn(nil))
}
