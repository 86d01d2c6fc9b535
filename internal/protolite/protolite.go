// Package protolite is a minimal protobuf wire-format reader: just enough
// varint and wire-type handling to walk a DeltaArchiveManifest without
// pulling in a full protobuf runtime and generated code.
package protolite

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// WireType is one of the protobuf wire-format tags.
type WireType uint8

const (
	Varint          WireType = 0
	Fixed64         WireType = 1
	LengthDelimited WireType = 2
	StartGroup      WireType = 3 // deprecated, unsupported
	EndGroup        WireType = 4 // deprecated, unsupported
	Fixed32         WireType = 5
)

var (
	// ErrVarintOverflow guards against a malformed/hostile varint encoding
	// with no terminating byte.
	ErrVarintOverflow  = errors.New("protolite: varint exceeds 64 bits")
	ErrUnsupportedWire = errors.New("protolite: unsupported wire type")
)

// Field is one decoded (tag, value) pair. Exactly one of Varint, Fixed64,
// Bytes, Fixed32 is meaningful, selected by Wire.
type Field struct {
	Number int
	Wire    WireType
	Varint  uint64
	Fixed64 uint64
	Fixed32 uint32
	Bytes   []byte
}

// Reader walks a length-delimited protobuf message one field at a time.
type Reader struct {
	br *bufio.Reader
}

// NewReader wraps r for field-at-a-time decoding.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r)}
}

// Next decodes the next field, or returns io.EOF when the underlying
// reader is exhausted exactly on a tag boundary (the only valid end of a
// well-formed message).
func (d *Reader) Next() (Field, error) {
	tag, err := DecodeVarint(d.br)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Field{}, io.EOF
		}
		return Field{}, err
	}

	f := Field{
		Number: int(tag >> 3),
		Wire:   WireType(tag & 0x7),
	}

	switch f.Wire {
	case Varint:
		v, err := DecodeVarint(d.br)
		if err != nil {
			return Field{}, fmt.Errorf("protolite: field %d varint: %w", f.Number, err)
		}
		f.Varint = v
	case Fixed64:
		var buf [8]byte
		if _, err := io.ReadFull(d.br, buf[:]); err != nil {
			return Field{}, fmt.Errorf("protolite: field %d fixed64: %w", f.Number, err)
		}
		f.Fixed64 = binary.LittleEndian.Uint64(buf[:])
	case LengthDelimited:
		n, err := DecodeVarint(d.br)
		if err != nil {
			return Field{}, fmt.Errorf("protolite: field %d length: %w", f.Number, err)
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(d.br, buf); err != nil {
			return Field{}, fmt.Errorf("protolite: field %d bytes: %w", f.Number, err)
		}
		f.Bytes = buf
	case Fixed32:
		var buf [4]byte
		if _, err := io.ReadFull(d.br, buf[:]); err != nil {
			return Field{}, fmt.Errorf("protolite: field %d fixed32: %w", f.Number, err)
		}
		f.Fixed32 = binary.LittleEndian.Uint32(buf[:])
	default:
		return Field{}, fmt.Errorf("%w: %d (field %d)", ErrUnsupportedWire, f.Wire, f.Number)
	}
	return f, nil
}

// DecodeVarint reads a base-128 varint from r. An io.EOF on the very first
// byte propagates as io.EOF (clean end of message); any other truncation
// becomes io.ErrUnexpectedEOF.
func DecodeVarint(r io.ByteReader) (uint64, error) {
	var result uint64
	for shift := uint(0); shift < 64; shift += 7 {
		b, err := r.ReadByte()
		if err != nil {
			if shift == 0 && errors.Is(err, io.EOF) {
				return 0, io.EOF
			}
			return 0, io.ErrUnexpectedEOF
		}
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, nil
		}
	}
	return 0, ErrVarintOverflow
}

// Walk decodes every top-level field of a message and invokes fn for each.
// fn returning a non-nil error stops the walk and is returned verbatim.
func Walk(r io.Reader, fn func(Field) error) error {
	d := NewReader(r)
	for {
		f, err := d.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(f); err != nil {
			return err
		}
	}
}
