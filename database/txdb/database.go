// Copyright (c) 2025-2026 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package txdb defines the persistent chain metadata of a node: the coin
// set, the block index, the transaction and address indexes and named
// flags, together with the exact byte encodings used to store them.
package txdb

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/juju/loggo/v2"

	"github.com/hemilabs/txdb/database"
)

const logLevel = "INFO"

var log = loggo.GetLogger("txdb")

func init() {
	if err := loggo.ConfigureLoggers(logLevel); err != nil {
		panic(err)
	}
}

// CoinsDatabase is the unspent output set plus the hash of the block the set
// reflects.
type CoinsDatabase interface {
	database.Database

	CoinsByTxId(ctx context.Context, txId chainhash.Hash) (*Coins, error)
	CoinsExistByTxId(ctx context.Context, txId chainhash.Hash) (bool, error)
	BestBlock(ctx context.Context) (*chainhash.Hash, error)

	// CoinsBatchWrite applies all changes in cm and sets the best block in
	// one atomic write. Nil and pruned entries are deleted. cm is emptied
	// once the write has been committed and left untouched on error.
	CoinsBatchWrite(ctx context.Context, cm CoinsMap, bestBlock chainhash.Hash) error

	// CoinsStats walks the entire coin set.
	CoinsStats(ctx context.Context) (*CoinsStats, error)
}

// BlockDatabase holds the block index, block file statistics, the optional
// transaction and address indexes and named flags.
type BlockDatabase interface {
	database.Database

	// Block index
	BlockIndexInsert(ctx context.Context, bis []*DiskBlockIndex) error
	BlockIndexByHash(ctx context.Context, hash chainhash.Hash) (*DiskBlockIndex, error)
	BlockIndexLoad(ctx context.Context) ([]*DiskBlockIndex, error)

	// Block files
	BlockFileInfoByNumber(ctx context.Context, file uint32) (*BlockFileInfo, error)
	BlockFileInfoUpdate(ctx context.Context, file uint32, bfi *BlockFileInfo) error
	LastBlockFile(ctx context.Context) (uint32, error)
	LastBlockFileUpdate(ctx context.Context, file uint32) error

	// Reindexing
	Reindexing(ctx context.Context) (bool, error)
	ReindexingUpdate(ctx context.Context, reindexing bool) error

	// Transaction index
	TxIndexByTxId(ctx context.Context, txId chainhash.Hash) (*DiskTxPos, error)
	TxIndexInsert(ctx context.Context, entries []TxIndexEntry) error

	// Address index
	AddrIndexByAddress(ctx context.Context, addr AddressId) ([]ExtDiskTxPos, error)
	AddrIndexAppend(ctx context.Context, entries []AddrIndexEntry) error

	// Flags
	Flag(ctx context.Context, name string) (bool, error)
	FlagUpdate(ctx context.Context, name string, value bool) error
}

// CoinsMap is a set of coin changes keyed by transaction id.
type CoinsMap map[chainhash.Hash]*Coins

// CoinsStats summarizes the coin set.
type CoinsStats struct {
	BestBlock          chainhash.Hash
	Transactions       uint64
	TransactionOutputs uint64
	SerializedSize     uint64
	HashSerialized     chainhash.Hash
	TotalAmount        btcutil.Amount
}

type TxIndexEntry struct {
	TxId chainhash.Hash
	Pos  DiskTxPos
}

type AddrIndexEntry struct {
	Address AddressId
	Pos     ExtDiskTxPos
}

// AddressId identifies an address by the HASH160 of its output script or
// public key.
type AddressId [20]byte

// NewAddressIdFromScript returns the HASH160 of script.
func NewAddressIdFromScript(script []byte) AddressId {
	var a AddressId
	copy(a[:], btcutil.Hash160(script))
	return a
}

// NewAddressIdFromString decodes a 40 character hex string.
func NewAddressIdFromString(s string) (AddressId, error) {
	var a AddressId
	b, err := hex.DecodeString(s)
	if err != nil {
		return a, err
	}
	if len(b) != len(a) {
		return a, fmt.Errorf("invalid address id length: %v", len(b))
	}
	copy(a[:], b)
	return a, nil
}

func (a AddressId) String() string {
	return hex.EncodeToString(a[:])
}

// BlockStatus describes validation progress and data availability of a block.
type BlockStatus uint32

const (
	BlockValidUnknown      BlockStatus = 0
	BlockValidHeader       BlockStatus = 1
	BlockValidTree         BlockStatus = 2
	BlockValidTransactions BlockStatus = 3
	BlockValidChain        BlockStatus = 4
	BlockValidScripts      BlockStatus = 5
	BlockValidMask         BlockStatus = BlockValidHeader | BlockValidTree |
		BlockValidTransactions | BlockValidChain | BlockValidScripts

	BlockHaveData BlockStatus = 8  // full block available in blk*.dat
	BlockHaveUndo BlockStatus = 16 // undo data available in rev*.dat
	BlockHaveMask BlockStatus = BlockHaveData | BlockHaveUndo

	BlockFailedValid BlockStatus = 32 // stage after last reached validness failed
	BlockFailedChild BlockStatus = 64 // descends from failed block
	BlockFailedMask  BlockStatus = BlockFailedValid | BlockFailedChild
)

// IsValid returns true when the block reached at least level and has not
// failed.
func (s BlockStatus) IsValid(level BlockStatus) bool {
	if s&BlockFailedMask != 0 {
		return false
	}
	return s&BlockValidMask >= level
}

func (s BlockStatus) HaveData() bool { return s&BlockHaveData != 0 }
func (s BlockStatus) HaveUndo() bool { return s&BlockHaveUndo != 0 }
func (s BlockStatus) Failed() bool   { return s&BlockFailedMask != 0 }

func (s BlockStatus) String() string {
	var valid string
	switch s & BlockValidMask {
	case BlockValidUnknown:
		valid = "unknown"
	case BlockValidHeader:
		valid = "header"
	case BlockValidTree:
		valid = "tree"
	case BlockValidTransactions:
		valid = "transactions"
	case BlockValidChain:
		valid = "chain"
	case BlockValidScripts:
		valid = "scripts"
	default:
		valid = fmt.Sprintf("valid(%d)", s&BlockValidMask)
	}
	if s.HaveData() {
		valid += "|data"
	}
	if s.HaveUndo() {
		valid += "|undo"
	}
	if s&BlockFailedValid != 0 {
		valid += "|failed"
	}
	if s&BlockFailedChild != 0 {
		valid += "|failedchild"
	}
	return valid
}
