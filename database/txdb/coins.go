// Copyright (c) 2025-2026 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package txdb

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"math"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/hemilabs/txdb/database"
)

var ErrPrunedCoins = errors.New("pruned coins cannot be encoded")

// Coins is the unspent remainder of a single transaction. A nil output has
// been spent.
//
// Encoding, all integers VARINT:
//
//	version
//	code: coinbase in bit 0, outputs 0 and 1 unspent in bits 1 and 2, the
//	      remaining bits count non-zero mask bytes (minus one when neither
//	      output 0 nor 1 is unspent)
//	mask: availability bitmap for outputs 2 and up, trailing zero bytes
//	      omitted
//	outputs: every unspent output, compressed
//	height
type Coins struct {
	Version  int32
	Coinbase bool
	Height   uint32
	Outputs  []*wire.TxOut
}

// NewCoinsFromTx returns the coins created by tx at height.
func NewCoinsFromTx(tx *wire.MsgTx, height uint32) *Coins {
	c := &Coins{
		Version:  tx.Version,
		Coinbase: isCoinbase(tx),
		Height:   height,
		Outputs:  make([]*wire.TxOut, len(tx.TxOut)),
	}
	for k := range tx.TxOut {
		to := *tx.TxOut[k]
		c.Outputs[k] = &to
	}
	c.Cleanup()
	return c
}

func isCoinbase(tx *wire.MsgTx) bool {
	if len(tx.TxIn) != 1 {
		return false
	}
	prev := tx.TxIn[0].PreviousOutPoint
	return prev.Index == math.MaxUint32 && prev.Hash == (chainhash.Hash{})
}

// IsAvailable returns true when output i exists and is unspent.
func (c *Coins) IsAvailable(i uint32) bool {
	return uint64(i) < uint64(len(c.Outputs)) && c.Outputs[i] != nil
}

// Spend marks output i spent. It returns false when the output was not
// available.
func (c *Coins) Spend(i uint32) bool {
	if !c.IsAvailable(i) {
		return false
	}
	c.Outputs[i] = nil
	c.Cleanup()
	return true
}

// Cleanup drops trailing spent outputs.
func (c *Coins) Cleanup() {
	n := len(c.Outputs)
	for n > 0 && c.Outputs[n-1] == nil {
		n--
	}
	if n == 0 {
		c.Outputs = nil
		return
	}
	c.Outputs = c.Outputs[:n]
}

// IsPruned returns true when no unspent outputs remain.
func (c *Coins) IsPruned() bool {
	for k := range c.Outputs {
		if c.Outputs[k] != nil {
			return false
		}
	}
	return true
}

// Unspent returns the number of unspent outputs.
func (c *Coins) Unspent() int {
	n := 0
	for k := range c.Outputs {
		if c.Outputs[k] != nil {
			n++
		}
	}
	return n
}

// maskSize returns the number of mask bytes to encode and how many of them
// are non-zero.
func (c *Coins) maskSize() (size, nonzero int) {
	for b := 0; 2+b*8 < len(c.Outputs); b++ {
		zero := true
		for i := 0; i < 8 && 2+b*8+i < len(c.Outputs); i++ {
			if c.Outputs[2+b*8+i] != nil {
				zero = false
				break
			}
		}
		if !zero {
			size = b + 1
			nonzero++
		}
	}
	return size, nonzero
}

// EncodeCoins returns the on-disk encoding of c. Pruned coins are deleted
// rather than stored and cannot be encoded.
func EncodeCoins(c *Coins) ([]byte, error) {
	if c == nil || c.IsPruned() {
		return nil, ErrPrunedCoins
	}
	maskSize, maskCode := c.maskSize()
	first := len(c.Outputs) > 0 && c.Outputs[0] != nil
	second := len(c.Outputs) > 1 && c.Outputs[1] != nil
	code := uint64(maskCode)
	if !first && !second {
		code--
	}
	code *= 8
	if c.Coinbase {
		code |= 1
	}
	if first {
		code |= 2
	}
	if second {
		code |= 4
	}

	b := make([]byte, 0, 64)
	b = AppendVarInt(b, uint64(uint32(c.Version)))
	b = AppendVarInt(b, code)
	for mb := 0; mb < maskSize; mb++ {
		var avail byte
		for i := 0; i < 8 && 2+mb*8+i < len(c.Outputs); i++ {
			if c.Outputs[2+mb*8+i] != nil {
				avail |= 1 << i
			}
		}
		b = append(b, avail)
	}
	for k := range c.Outputs {
		if c.Outputs[k] != nil {
			b = appendCompressedTxOut(b, c.Outputs[k])
		}
	}
	return AppendVarInt(b, uint64(c.Height)), nil
}

// DecodeCoins decodes the output of EncodeCoins.
func DecodeCoins(b []byte) (*Coins, error) {
	r := newReader(b)
	version := r.varint32()
	code := r.varint()
	if err := r.err; err != nil {
		return nil, database.Corrupt(nil, err)
	}

	avail := []bool{code&2 != 0, code&4 != 0}
	maskCode := code / 8
	if code&6 == 0 {
		maskCode++
	}
	for maskCode > 0 && r.err == nil {
		mask := r.byte()
		for p := range 8 {
			avail = append(avail, mask&(1<<p) != 0)
		}
		if mask != 0 {
			maskCode--
		}
	}
	c := &Coins{
		Version:  int32(version),
		Coinbase: code&1 != 0,
		Outputs:  make([]*wire.TxOut, len(avail)),
	}
	for k := range avail {
		if avail[k] {
			c.Outputs[k] = r.compressedTxOut()
		}
	}
	c.Height = r.varint32()
	if err := r.done(); err != nil {
		return nil, err
	}
	c.Cleanup()
	if c.IsPruned() {
		return nil, database.Corrupt(nil, ErrPrunedCoins)
	}
	return c, nil
}

// CoinsStatsHasher accumulates coin set statistics one transaction at a
// time, in key order. The serialized hash matches bitcoind's gettxoutsetinfo.
type CoinsStatsHasher struct {
	stats CoinsStats
	h     hash.Hash
	buf   []byte
}

func NewCoinsStatsHasher(bestBlock chainhash.Hash) *CoinsStatsHasher {
	csh := &CoinsStatsHasher{
		stats: CoinsStats{BestBlock: bestBlock},
		h:     sha256.New(),
	}
	csh.h.Write(bestBlock[:])
	return csh
}

// Add folds txId and its coins into the statistics. valueSize is the size of
// the stored record.
func (csh *CoinsStatsHasher) Add(txId chainhash.Hash, c *Coins, valueSize int) error {
	b := csh.buf[:0]
	b = append(b, txId[:]...)
	b = AppendVarInt(b, uint64(uint32(c.Version)))
	if c.Coinbase {
		b = append(b, 'c')
	} else {
		b = append(b, 'n')
	}
	b = AppendVarInt(b, uint64(c.Height))
	csh.h.Write(b)
	for k, out := range c.Outputs {
		if out == nil {
			continue
		}
		csh.buf = AppendVarInt(b[:0], uint64(k)+1)
		csh.h.Write(csh.buf)
		if err := wire.WriteTxOut(csh.h, 0, 0, out); err != nil {
			return fmt.Errorf("hash output %v:%v: %w", txId, k, err)
		}
		csh.stats.TransactionOutputs++
		csh.stats.TotalAmount += btcutil.Amount(out.Value)
	}
	csh.buf = AppendVarInt(b[:0], 0)
	csh.h.Write(csh.buf)

	csh.stats.Transactions++
	csh.stats.SerializedSize += uint64(chainhash.HashSize + valueSize)
	return nil
}

// Stats returns the accumulated statistics.
func (csh *CoinsStatsHasher) Stats() *CoinsStats {
	s := csh.stats
	s.HashSerialized = chainhash.HashH(csh.h.Sum(nil))
	return &s
}
