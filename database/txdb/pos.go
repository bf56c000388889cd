// Copyright (c) 2025-2026 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package txdb

import (
	"cmp"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/hemilabs/txdb/database"
)

// Positions are stored in two forms. Values use VARINT fields. Keys use the
// fixed width big endian sort key so that byte order matches Compare.

const (
	DiskTxPosSortKeySize    = 12 // file, pos, tx offset
	ExtDiskTxPosSortKeySize = 16 // height, file, pos, tx offset
)

// DiskBlockPos is a byte location inside a numbered block file.
type DiskBlockPos struct {
	File uint32
	Pos  uint32
}

// NullDiskBlockPos returns the unset position.
func NullDiskBlockPos() DiskBlockPos {
	return DiskBlockPos{File: math.MaxUint32}
}

func (p DiskBlockPos) IsNull() bool {
	return p.File == math.MaxUint32
}

func (p *DiskBlockPos) SetNull() {
	*p = NullDiskBlockPos()
}

func (p DiskBlockPos) Compare(o DiskBlockPos) int {
	if c := cmp.Compare(p.File, o.File); c != 0 {
		return c
	}
	return cmp.Compare(p.Pos, o.Pos)
}

func (p DiskBlockPos) String() string {
	if p.IsNull() {
		return "DiskBlockPos(null)"
	}
	return fmt.Sprintf("DiskBlockPos(file=%d, pos=%d)", p.File, p.Pos)
}

func (p DiskBlockPos) appendValue(b []byte) []byte {
	b = AppendVarInt(b, uint64(p.File))
	return AppendVarInt(b, uint64(p.Pos))
}

func (r *reader) diskBlockPos() DiskBlockPos {
	return DiskBlockPos{
		File: r.varint32(),
		Pos:  r.varint32(),
	}
}

// DiskTxPos locates a transaction: the block that contains it and the offset
// of the transaction past the block header.
type DiskTxPos struct {
	BlockPos DiskBlockPos
	TxOffset uint32
}

// NullDiskTxPos returns the unset position.
func NullDiskTxPos() DiskTxPos {
	return DiskTxPos{BlockPos: NullDiskBlockPos()}
}

func (p DiskTxPos) IsNull() bool {
	return p.BlockPos.IsNull()
}

func (p *DiskTxPos) SetNull() {
	*p = NullDiskTxPos()
}

// Compare orders by file, block position and then transaction offset.
func (p DiskTxPos) Compare(o DiskTxPos) int {
	if c := p.BlockPos.Compare(o.BlockPos); c != 0 {
		return c
	}
	return cmp.Compare(p.TxOffset, o.TxOffset)
}

func (p DiskTxPos) Less(o DiskTxPos) bool {
	return p.Compare(o) < 0
}

func (p DiskTxPos) String() string {
	return fmt.Sprintf("DiskTxPos(file=%d, pos=%d, offset=%d)",
		p.BlockPos.File, p.BlockPos.Pos, p.TxOffset)
}

func (p DiskTxPos) appendValue(b []byte) []byte {
	b = p.BlockPos.appendValue(b)
	return AppendVarInt(b, uint64(p.TxOffset))
}

func (r *reader) diskTxPos() DiskTxPos {
	return DiskTxPos{
		BlockPos: r.diskBlockPos(),
		TxOffset: r.varint32(),
	}
}

// Value returns the VARINT encoding.
func (p DiskTxPos) Value() []byte {
	return p.appendValue(make([]byte, 0, 3*maxVarIntSize))
}

// DecodeDiskTxPos decodes the VARINT encoding produced by Value.
func DecodeDiskTxPos(b []byte) (DiskTxPos, error) {
	r := newReader(b)
	p := r.diskTxPos()
	if err := r.done(); err != nil {
		return DiskTxPos{}, err
	}
	return p, nil
}

func (p DiskTxPos) putSortKey(b []byte) {
	binary.BigEndian.PutUint32(b[0:4], p.BlockPos.File)
	binary.BigEndian.PutUint32(b[4:8], p.BlockPos.Pos)
	binary.BigEndian.PutUint32(b[8:12], p.TxOffset)
}

// SortKey returns a fixed width encoding whose byte order matches Compare.
func (p DiskTxPos) SortKey() []byte {
	b := make([]byte, DiskTxPosSortKeySize)
	p.putSortKey(b)
	return b
}

func diskTxPosFromSortKey(b []byte) DiskTxPos {
	return DiskTxPos{
		BlockPos: DiskBlockPos{
			File: binary.BigEndian.Uint32(b[0:4]),
			Pos:  binary.BigEndian.Uint32(b[4:8]),
		},
		TxOffset: binary.BigEndian.Uint32(b[8:12]),
	}
}

func DecodeDiskTxPosSortKey(b []byte) (DiskTxPos, error) {
	if len(b) != DiskTxPosSortKeySize {
		return DiskTxPos{}, database.Corrupt(nil,
			fmt.Errorf("invalid tx position sort key length: %v", len(b)))
	}
	return diskTxPosFromSortKey(b), nil
}

// ExtDiskTxPos is a DiskTxPos extended with the height of the containing
// block.
type ExtDiskTxPos struct {
	TxPos  DiskTxPos
	Height uint32
}

func NullExtDiskTxPos() ExtDiskTxPos {
	return ExtDiskTxPos{TxPos: NullDiskTxPos()}
}

func (p ExtDiskTxPos) IsNull() bool {
	return p.TxPos.IsNull()
}

func (p *ExtDiskTxPos) SetNull() {
	*p = NullExtDiskTxPos()
}

// Compare orders by height first and then by transaction position.
func (p ExtDiskTxPos) Compare(o ExtDiskTxPos) int {
	if c := cmp.Compare(p.Height, o.Height); c != 0 {
		return c
	}
	return p.TxPos.Compare(o.TxPos)
}

func (p ExtDiskTxPos) Less(o ExtDiskTxPos) bool {
	return p.Compare(o) < 0
}

func (p ExtDiskTxPos) Equal(o ExtDiskTxPos) bool {
	return p == o
}

func (p ExtDiskTxPos) String() string {
	return fmt.Sprintf("ExtDiskTxPos(height=%d, file=%d, pos=%d, offset=%d)",
		p.Height, p.TxPos.BlockPos.File, p.TxPos.BlockPos.Pos,
		p.TxPos.TxOffset)
}

func (p ExtDiskTxPos) appendValue(b []byte) []byte {
	b = p.TxPos.appendValue(b)
	return AppendVarInt(b, uint64(p.Height))
}

func (r *reader) extDiskTxPos() ExtDiskTxPos {
	return ExtDiskTxPos{
		TxPos:  r.diskTxPos(),
		Height: r.varint32(),
	}
}

// Value returns the VARINT encoding.
func (p ExtDiskTxPos) Value() []byte {
	return p.appendValue(make([]byte, 0, 4*maxVarIntSize))
}

// DecodeExtDiskTxPos decodes the VARINT encoding produced by Value.
func DecodeExtDiskTxPos(b []byte) (ExtDiskTxPos, error) {
	r := newReader(b)
	p := r.extDiskTxPos()
	if err := r.done(); err != nil {
		return ExtDiskTxPos{}, err
	}
	return p, nil
}

// SortKey returns a fixed width encoding whose byte order matches Compare.
func (p ExtDiskTxPos) SortKey() []byte {
	b := make([]byte, ExtDiskTxPosSortKeySize)
	binary.BigEndian.PutUint32(b[0:4], p.Height)
	p.TxPos.putSortKey(b[4:])
	return b
}

func DecodeExtDiskTxPosSortKey(b []byte) (ExtDiskTxPos, error) {
	if len(b) != ExtDiskTxPosSortKeySize {
		return ExtDiskTxPos{}, database.Corrupt(nil,
			fmt.Errorf("invalid ext tx position sort key length: %v", len(b)))
	}
	return ExtDiskTxPos{
		Height: binary.BigEndian.Uint32(b[0:4]),
		TxPos:  diskTxPosFromSortKey(b[4:]),
	}, nil
}

// EncodeAddrIndex encodes a list of positions the way bitcoind serializes a
// vector: CompactSize count followed by every element.
func EncodeAddrIndex(list []ExtDiskTxPos) []byte {
	b := AppendCompactSize(make([]byte, 0, 9+len(list)*4*3), uint64(len(list)))
	for k := range list {
		b = list[k].appendValue(b)
	}
	return b
}

// DecodeAddrIndex decodes the output of EncodeAddrIndex.
func DecodeAddrIndex(b []byte) ([]ExtDiskTxPos, error) {
	r := newReader(b)
	// every element takes at least four bytes
	n := r.compactSize(4)
	list := make([]ExtDiskTxPos, 0, n)
	for range n {
		p := r.extDiskTxPos()
		if r.err != nil {
			break
		}
		list = append(list, p)
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return list, nil
}
