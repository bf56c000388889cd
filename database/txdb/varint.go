// Copyright (c) 2025-2026 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package txdb

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/btcsuite/btcd/wire"

	"github.com/hemilabs/txdb/database"
)

// VARINT is the MSB base-128 encoding used by bitcoind for on-disk records.
// Every continuation byte adds one before shifting which makes the encoding
// unique per value:
//
//	0:         [0x00]  256:        [0x81 0x00]
//	1:         [0x01]  16383:      [0xFE 0x7F]
//	127:       [0x7F]  16384:      [0xFF 0x00]
//	128:  [0x80 0x00]  16511:      [0xFF 0x7F]
//	255:  [0x80 0x7F]  65535: [0x82 0xFE 0x7F]
//	2^32:           [0x8E 0xFE 0xFE 0xFF 0x00]
//
// This is not the CompactSize encoding the wire protocol uses, see
// wire.WriteVarInt for that one.

const maxVarIntSize = 10 // (64 + 6) / 7

var (
	ErrVarIntOverflow = errors.New("varint overflow")
	ErrTrailingBytes  = errors.New("trailing bytes")
)

// VarIntSize returns the number of bytes required to encode n.
func VarIntSize(n uint64) int {
	size := 0
	for {
		size++
		if n <= 0x7f {
			break
		}
		n = (n >> 7) - 1
	}
	return size
}

// AppendVarInt appends the VARINT encoding of n to b.
func AppendVarInt(b []byte, n uint64) []byte {
	var tmp [maxVarIntSize]byte
	l := 0
	for {
		mark := byte(0)
		if l != 0 {
			mark = 0x80
		}
		tmp[l] = byte(n&0x7f) | mark
		if n <= 0x7f {
			break
		}
		n = (n >> 7) - 1
		l++
	}
	for ; l >= 0; l-- {
		b = append(b, tmp[l])
	}
	return b
}

// ReadVarInt decodes a VARINT from r. A short read returns
// io.ErrUnexpectedEOF.
func ReadVarInt(r io.ByteReader) (uint64, error) {
	var n uint64
	for {
		ch, err := r.ReadByte()
		if err != nil {
			return 0, io.ErrUnexpectedEOF
		}
		if n > math.MaxUint64>>7 {
			return 0, ErrVarIntOverflow
		}
		n = (n << 7) | uint64(ch&0x7f)
		if ch&0x80 == 0 {
			return n, nil
		}
		if n == math.MaxUint64 {
			return 0, ErrVarIntOverflow
		}
		n++
	}
}

// readVarUint32 decodes a VARINT that must fit a uint32.
func readVarUint32(r io.ByteReader) (uint32, error) {
	n, err := ReadVarInt(r)
	if err != nil {
		return 0, err
	}
	if n > math.MaxUint32 {
		return 0, fmt.Errorf("%w: %v exceeds uint32", ErrVarIntOverflow, n)
	}
	return uint32(n), nil
}

// AppendCompactSize appends the wire CompactSize encoding of n.
func AppendCompactSize(b []byte, n uint64) []byte {
	var buf bytes.Buffer
	if err := wire.WriteVarInt(&buf, 0, n); err != nil {
		panic(err) // bytes.Buffer does not fail
	}
	return append(b, buf.Bytes()...)
}

// reader decodes a single record. The first error sticks and all subsequent
// reads return zero values, callers check err once at the end.
type reader struct {
	r   *bytes.Reader
	err error
}

func newReader(b []byte) *reader {
	return &reader{r: bytes.NewReader(b)}
}

func (r *reader) varint() uint64 {
	if r.err != nil {
		return 0
	}
	var n uint64
	n, r.err = ReadVarInt(r.r)
	return n
}

func (r *reader) varint32() uint32 {
	if r.err != nil {
		return 0
	}
	var n uint32
	n, r.err = readVarUint32(r.r)
	return n
}

// compactSize reads a wire CompactSize and rejects counts that cannot
// possibly be backed by the remaining bytes.
func (r *reader) compactSize(elemSize int) uint64 {
	if r.err != nil {
		return 0
	}
	n, err := wire.ReadVarInt(r.r, 0)
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		r.err = err
		return 0
	}
	if elemSize > 0 && n > uint64(r.r.Len()/elemSize) {
		r.err = fmt.Errorf("count %v exceeds remaining %v bytes: %w", n,
			r.r.Len(), io.ErrUnexpectedEOF)
		return 0
	}
	return n
}

func (r *reader) byte() byte {
	if r.err != nil {
		return 0
	}
	var b byte
	b, r.err = r.r.ReadByte()
	if r.err != nil {
		r.err = io.ErrUnexpectedEOF
	}
	return b
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > r.r.Len() {
		r.err = io.ErrUnexpectedEOF
		return nil
	}
	b := make([]byte, n)
	_, _ = r.r.Read(b)
	return b
}

func (r *reader) remaining() int {
	return r.r.Len()
}

// done returns the sticky error as a keyless corrupt record error, or
// ErrTrailingBytes when input was left over.
func (r *reader) done() error {
	if r.err == nil && r.r.Len() != 0 {
		r.err = fmt.Errorf("%w: %v", ErrTrailingBytes, r.r.Len())
	}
	if r.err != nil {
		return database.Corrupt(nil, r.err)
	}
	return nil
}

// DecodeVarInt decodes a record that consists of exactly one VARINT.
func DecodeVarInt(b []byte) (uint64, error) {
	r := newReader(b)
	n := r.varint()
	if err := r.done(); err != nil {
		return 0, err
	}
	return n, nil
}
