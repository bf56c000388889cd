// Copyright (c) 2025-2026 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package txdb

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/hemilabs/txdb/database"
)

// DiskBlockIndexVersion is written in front of every block index record.
// Decoders accept any version, later fields must be gated on it.
const DiskBlockIndexVersion = 100000

const blockHeaderSize = 80

// DiskBlockIndex is the stored form of a block index entry. The block hash is
// not stored, it is the hash of Header.
//
// Encoding, all integers VARINT:
//
//	version
//	height
//	status
//	transaction count
//	file        only when status has data or undo
//	data pos    only when status has data
//	undo pos    only when status has undo
//	header      80 bytes
type DiskBlockIndex struct {
	Height  uint32
	Status  BlockStatus
	TxCount uint32
	File    uint32
	DataPos uint32
	UndoPos uint32
	Header  wire.BlockHeader
}

// Hash returns the block hash.
func (bi *DiskBlockIndex) Hash() chainhash.Hash {
	return bi.Header.BlockHash()
}

// DataPosition returns the location of the block data or the null position
// when the block data is not available.
func (bi *DiskBlockIndex) DataPosition() DiskBlockPos {
	if !bi.Status.HaveData() {
		return NullDiskBlockPos()
	}
	return DiskBlockPos{File: bi.File, Pos: bi.DataPos}
}

// UndoPosition returns the location of the undo data or the null position.
func (bi *DiskBlockIndex) UndoPosition() DiskBlockPos {
	if !bi.Status.HaveUndo() {
		return NullDiskBlockPos()
	}
	return DiskBlockPos{File: bi.File, Pos: bi.UndoPos}
}

func (bi *DiskBlockIndex) String() string {
	return fmt.Sprintf("DiskBlockIndex(hash=%v, prev=%v, height=%d, status=%v, txs=%d)",
		bi.Hash(), bi.Header.PrevBlock, bi.Height, bi.Status, bi.TxCount)
}

// EncodeDiskBlockIndex returns the on-disk encoding of bi.
func EncodeDiskBlockIndex(bi *DiskBlockIndex) []byte {
	b := make([]byte, 0, 7*maxVarIntSize+blockHeaderSize)
	b = AppendVarInt(b, DiskBlockIndexVersion)
	b = AppendVarInt(b, uint64(bi.Height))
	b = AppendVarInt(b, uint64(bi.Status))
	b = AppendVarInt(b, uint64(bi.TxCount))
	if bi.Status&BlockHaveMask != 0 {
		b = AppendVarInt(b, uint64(bi.File))
	}
	if bi.Status.HaveData() {
		b = AppendVarInt(b, uint64(bi.DataPos))
	}
	if bi.Status.HaveUndo() {
		b = AppendVarInt(b, uint64(bi.UndoPos))
	}
	buf := bytes.NewBuffer(b)
	if err := bi.Header.Serialize(buf); err != nil {
		panic(err) // bytes.Buffer does not fail
	}
	return buf.Bytes()
}

// DecodeDiskBlockIndex decodes the output of EncodeDiskBlockIndex.
func DecodeDiskBlockIndex(b []byte) (*DiskBlockIndex, error) {
	r := newReader(b)
	_ = r.varint() // version
	bi := &DiskBlockIndex{
		Height:  r.varint32(),
		Status:  BlockStatus(r.varint32()),
		TxCount: r.varint32(),
	}
	if bi.Status&BlockHaveMask != 0 {
		bi.File = r.varint32()
	}
	if bi.Status.HaveData() {
		bi.DataPos = r.varint32()
	}
	if bi.Status.HaveUndo() {
		bi.UndoPos = r.varint32()
	}
	if r.err == nil {
		if r.remaining() < blockHeaderSize {
			r.err = fmt.Errorf("block header: %w", io.ErrUnexpectedEOF)
		} else if err := bi.Header.Deserialize(r.r); err != nil {
			r.err = fmt.Errorf("block header: %w", err)
		}
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return bi, nil
}

// BlockFileInfo holds statistics about a single block file.
//
// Encoding, all integers VARINT: blocks, size, undo size, first height, last
// height, first time, last time and the transaction count. The transaction
// count was appended later and is zero when absent.
type BlockFileInfo struct {
	Blocks      uint32 // number of blocks stored in file
	Size        uint32 // number of used bytes of block file
	UndoSize    uint32 // number of used bytes in the undo file
	HeightFirst uint32 // lowest height of block in file
	HeightLast  uint32 // highest height of block in file
	TimeFirst   uint64 // earliest time of block in file
	TimeLast    uint64 // latest time of block in file
	Txs         uint64 // number of transactions in file
}

// AddBlock updates the statistics for a block stored in the file.
func (bfi *BlockFileInfo) AddBlock(height uint32, time uint64, txs uint64) {
	if bfi.Blocks == 0 || bfi.HeightFirst > height {
		bfi.HeightFirst = height
	}
	if bfi.Blocks == 0 || bfi.TimeFirst > time {
		bfi.TimeFirst = time
	}
	bfi.Blocks++
	if height > bfi.HeightLast {
		bfi.HeightLast = height
	}
	if time > bfi.TimeLast {
		bfi.TimeLast = time
	}
	bfi.Txs += txs
}

func (bfi *BlockFileInfo) String() string {
	return fmt.Sprintf("BlockFileInfo(blocks=%d, size=%d, heights=%d...%d, time=%d...%d, txs=%d)",
		bfi.Blocks, bfi.Size, bfi.HeightFirst, bfi.HeightLast,
		bfi.TimeFirst, bfi.TimeLast, bfi.Txs)
}

func EncodeBlockFileInfo(bfi *BlockFileInfo) []byte {
	b := make([]byte, 0, 8*maxVarIntSize)
	b = AppendVarInt(b, uint64(bfi.Blocks))
	b = AppendVarInt(b, uint64(bfi.Size))
	b = AppendVarInt(b, uint64(bfi.UndoSize))
	b = AppendVarInt(b, uint64(bfi.HeightFirst))
	b = AppendVarInt(b, uint64(bfi.HeightLast))
	b = AppendVarInt(b, bfi.TimeFirst)
	b = AppendVarInt(b, bfi.TimeLast)
	return AppendVarInt(b, bfi.Txs)
}

// DecodeBlockFileInfo decodes the output of EncodeBlockFileInfo and records
// written before the transaction count existed.
func DecodeBlockFileInfo(b []byte) (*BlockFileInfo, error) {
	r := newReader(b)
	bfi := &BlockFileInfo{
		Blocks:      r.varint32(),
		Size:        r.varint32(),
		UndoSize:    r.varint32(),
		HeightFirst: r.varint32(),
		HeightLast:  r.varint32(),
		TimeFirst:   r.varint(),
		TimeLast:    r.varint(),
	}
	if r.err == nil && r.remaining() > 0 {
		bfi.Txs = r.varint()
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return bfi, nil
}

// BlockNode is a block index record linked into the block tree.
type BlockNode struct {
	Hash     chainhash.Hash
	Record   *DiskBlockIndex
	Parent   *BlockNode // nil for roots
	Children []*BlockNode
	Work     *big.Int // cumulative chain work including this block
}

func (n *BlockNode) Height() uint32 {
	return n.Record.Height
}

// Ancestor returns the ancestor of n at height, or nil when the tree does
// not reach down that far.
func (n *BlockNode) Ancestor(height uint32) *BlockNode {
	if height > n.Height() {
		return nil
	}
	for n != nil && n.Height() > height {
		n = n.Parent
	}
	return n
}

// BlockIndex is the block tree rebuilt from stored block index records. It
// is a forest: every record whose predecessor is unknown is a root.
type BlockIndex struct {
	nodes map[chainhash.Hash]*BlockNode
	roots []*BlockNode
	tip   *BlockNode
}

// NewBlockIndex links records by predecessor hash. Duplicate hashes, height
// discontinuities and cycles are reported as corrupt records, all of them
// joined into the returned error.
func NewBlockIndex(records []*DiskBlockIndex) (*BlockIndex, error) {
	log.Tracef("NewBlockIndex")
	defer log.Tracef("NewBlockIndex exit")

	var errs []error
	bi := &BlockIndex{
		nodes: make(map[chainhash.Hash]*BlockNode, len(records)),
	}
	order := make([]*BlockNode, 0, len(records))
	for _, r := range records {
		hash := r.Hash()
		if _, ok := bi.nodes[hash]; ok {
			errs = append(errs, database.Corrupt(hash[:],
				fmt.Errorf("duplicate block %v", hash)))
			continue
		}
		n := &BlockNode{Hash: hash, Record: r}
		bi.nodes[hash] = n
		order = append(order, n)
	}
	for _, n := range order {
		parent, ok := bi.nodes[n.Record.Header.PrevBlock]
		if !ok {
			bi.roots = append(bi.roots, n)
			continue
		}
		n.Parent = parent
		parent.Children = append(parent.Children, n)
	}

	// Walk down from the roots, anything not reached sits on a cycle.
	visited := 0
	queue := make([]*BlockNode, 0, len(order))
	queue = append(queue, bi.roots...)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		visited++

		work := blockchain.CalcWork(n.Record.Header.Bits)
		if n.Parent != nil {
			if n.Height() != n.Parent.Height()+1 {
				errs = append(errs, database.Corrupt(n.Hash[:],
					fmt.Errorf("height %v does not follow parent %v height %v",
						n.Height(), n.Parent.Hash, n.Parent.Height())))
			}
			work.Add(work, n.Parent.Work)
		}
		n.Work = work
		if !n.Record.Status.Failed() &&
			(bi.tip == nil || n.Work.Cmp(bi.tip.Work) > 0) {
			bi.tip = n
		}
		queue = append(queue, n.Children...)
	}
	if visited != len(order) {
		for _, n := range order {
			if n.Work == nil {
				errs = append(errs, database.Corrupt(n.Hash[:],
					fmt.Errorf("block %v is part of a cycle", n.Hash)))
			}
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return bi, nil
}

// Len returns the number of blocks in the index.
func (bi *BlockIndex) Len() int {
	return len(bi.nodes)
}

// Lookup returns the node for hash or nil.
func (bi *BlockIndex) Lookup(hash chainhash.Hash) *BlockNode {
	return bi.nodes[hash]
}

// Roots returns all blocks without a known predecessor in record order.
func (bi *BlockIndex) Roots() []*BlockNode {
	return bi.roots
}

// Tip returns the block with the most cumulative work that is not marked
// failed. Ties go to the block seen first. Tip is nil for an empty index.
func (bi *BlockIndex) Tip() *BlockNode {
	return bi.tip
}
