// Copyright (c) 2025-2026 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package level

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hemilabs/txdb/database"
	"github.com/hemilabs/txdb/database/txdb"
)

// Block tree keys
const (
	blockIndexPrefix = 'b' // 'b' + hash -> block index record
	fileInfoPrefix   = 'f' // 'f' + BE file number -> block file info
	lastBlockID      = 'l' // 'l' -> LE last block file number
	reindexID        = 'R' // 'R' -> '1' while reindexing
	txIndexPrefix    = 't' // 't' + txid -> tx position
	addrIndexPrefix  = 'a' // 'a' + address -> position list
	flagPrefix       = 'F' // 'F' + CompactSize name -> '1' or '0'
)

var (
	lastBlockKey = []byte{lastBlockID}
	reindexKey   = []byte{reindexID}
)

func hashKey(prefix byte, hash chainhash.Hash) []byte {
	key := make([]byte, 1+chainhash.HashSize)
	key[0] = prefix
	copy(key[1:], hash[:])
	return key
}

func fileInfoKey(file uint32) []byte {
	key := make([]byte, 5)
	key[0] = fileInfoPrefix
	binary.BigEndian.PutUint32(key[1:], file)
	return key
}

func addrIndexKey(addr txdb.AddressId) []byte {
	return append([]byte{addrIndexPrefix}, addr[:]...)
}

func flagKey(name string) []byte {
	key := txdb.AppendCompactSize([]byte{flagPrefix}, uint64(len(name)))
	return append(key, name...)
}

type blockTreeDB struct {
	*store

	cfg   *Config
	cache *lowIQMap // nil when disabled
}

var _ txdb.BlockDatabase = (*blockTreeDB)(nil)

// NewBlockTreeDB opens the blocks/index store under the configured home
// directory.
func NewBlockTreeDB(ctx context.Context, cfg *Config) (*blockTreeDB, error) {
	log.Tracef("NewBlockTreeDB")
	defer log.Tracef("NewBlockTreeDB exit")

	cfg, err := cfg.parse()
	if err != nil {
		return nil, err
	}
	cacheSize, _ := cacheSplit(cfg.cacheSize)
	s, err := openStore(ctx, cfg, BlockIndexDir, "blocktree", cacheSize)
	if err != nil {
		return nil, err
	}
	bt := &blockTreeDB{store: s, cfg: cfg}
	if cfg.BlockIndexCacheSize > 0 {
		bt.cache = lowIQMapNew(cfg.BlockIndexCacheSize)
	}
	return bt, nil
}

// Collectors returns the prometheus collectors of the block tree store.
func (bt *blockTreeDB) Collectors() []prometheus.Collector {
	return bt.metrics.collectors()
}

// CacheStats returns block index cache statistics.
func (bt *blockTreeDB) CacheStats() CacheStats {
	if bt.cache == nil {
		return CacheStats{}
	}
	return bt.cache.Stats()
}

func (bt *blockTreeDB) BlockIndexInsert(ctx context.Context, bis []*txdb.DiskBlockIndex) error {
	log.Tracef("BlockIndexInsert")
	defer log.Tracef("BlockIndexInsert exit")

	bt.mtx.Lock()
	defer bt.mtx.Unlock()

	b, err := bt.newBatch(ctx)
	if err != nil {
		return err
	}
	hashes := make([]chainhash.Hash, 0, len(bis))
	for _, bi := range bis {
		hash := bi.Hash()
		hashes = append(hashes, hash)
		b.put(ctx, hashKey(blockIndexPrefix, hash), txdb.EncodeDiskBlockIndex(bi))
	}
	if err := bt.write(ctx, "block index insert", b); err != nil {
		return err
	}

	// Records are rewritten when their status changes.
	if bt.cache != nil {
		for _, hash := range hashes {
			bt.cache.Del(hash)
		}
	}
	return nil
}

func (bt *blockTreeDB) BlockIndexByHash(ctx context.Context, hash chainhash.Hash) (*txdb.DiskBlockIndex, error) {
	log.Tracef("BlockIndexByHash")
	defer log.Tracef("BlockIndexByHash exit")

	var gen uint64
	if bt.cache != nil {
		if bi, ok := bt.cache.Get(hash); ok {
			return bi, nil
		}
		gen = bt.cache.Generation()
	}

	key := hashKey(blockIndexPrefix, hash)
	value, err := bt.get(ctx, "block index", key)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, database.BlockNotFoundError{Hash: hash}
		}
		return nil, err
	}
	bi, err := txdb.DecodeDiskBlockIndex(value)
	if err != nil {
		return nil, bt.corrupt(key, err)
	}
	if bi.Hash() != hash {
		return nil, bt.corrupt(key, fmt.Errorf("record hashes to %v", bi.Hash()))
	}

	if bt.cache != nil {
		c := *bi
		bt.cache.PutGen(gen, hash, &c)
	}
	return bi, nil
}

// BlockIndexLoad returns every decodable block index record. Records that
// fail to decode, or that are stored under a key that is not their hash, are
// returned as joined corrupt record errors next to the good records.
// Cancelling ctx aborts the scan.
func (bt *blockTreeDB) BlockIndexLoad(ctx context.Context) ([]*txdb.DiskBlockIndex, error) {
	log.Tracef("BlockIndexLoad")
	defer log.Tracef("BlockIndexLoad exit")

	start := time.Now()
	it, err := bt.db.NewIterator(ctx, []byte{blockIndexPrefix})
	if err != nil {
		return nil, database.StoreError{Op: "block index load", Err: err}
	}
	defer it.Close(ctx)

	var (
		records []*txdb.DiskBlockIndex
		errs    []error
	)
	for it.Next(ctx) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		key := it.Key(ctx)
		if len(key) != 1+chainhash.HashSize {
			errs = append(errs, bt.corrupt(key,
				fmt.Errorf("invalid key length %v", len(key))))
			continue
		}
		bi, err := txdb.DecodeDiskBlockIndex(it.Value(ctx))
		if err != nil {
			errs = append(errs, bt.corrupt(key, err))
			continue
		}
		hash := bi.Hash()
		if !bytes.Equal(key[1:], hash[:]) {
			errs = append(errs, bt.corrupt(key,
				fmt.Errorf("record hashes to %v", hash)))
			continue
		}
		records = append(records, bi)
	}
	if err := it.Err(); err != nil {
		return nil, database.StoreError{Op: "block index load", Err: err}
	}
	bt.metrics.scanned(start)

	log.Debugf("Loaded %v block index records in %v", len(records),
		time.Since(start))
	return records, errors.Join(errs...)
}

func (bt *blockTreeDB) BlockFileInfoByNumber(ctx context.Context, file uint32) (*txdb.BlockFileInfo, error) {
	log.Tracef("BlockFileInfoByNumber")
	defer log.Tracef("BlockFileInfoByNumber exit")

	key := fileInfoKey(file)
	value, err := bt.get(ctx, "block file info", key)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, database.NotFoundError(fmt.Sprintf("block file info not found: %v", file))
		}
		return nil, err
	}
	bfi, err := txdb.DecodeBlockFileInfo(value)
	if err != nil {
		return nil, bt.corrupt(key, err)
	}
	return bfi, nil
}

func (bt *blockTreeDB) BlockFileInfoUpdate(ctx context.Context, file uint32, bfi *txdb.BlockFileInfo) error {
	log.Tracef("BlockFileInfoUpdate")
	defer log.Tracef("BlockFileInfoUpdate exit")

	return bt.putOne(ctx, "block file info update", fileInfoKey(file),
		txdb.EncodeBlockFileInfo(bfi))
}

func (bt *blockTreeDB) LastBlockFile(ctx context.Context) (uint32, error) {
	log.Tracef("LastBlockFile")
	defer log.Tracef("LastBlockFile exit")

	value, err := bt.get(ctx, "last block file", lastBlockKey)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return 0, database.NotFoundError("last block file not set")
		}
		return 0, err
	}
	if len(value) != 4 {
		return 0, bt.corrupt(lastBlockKey,
			fmt.Errorf("invalid length %v", len(value)))
	}
	return binary.LittleEndian.Uint32(value), nil
}

func (bt *blockTreeDB) LastBlockFileUpdate(ctx context.Context, file uint32) error {
	log.Tracef("LastBlockFileUpdate")
	defer log.Tracef("LastBlockFileUpdate exit")

	return bt.putOne(ctx, "last block file update", lastBlockKey,
		binary.LittleEndian.AppendUint32(nil, file))
}

// Reindexing reports whether a reindex is in progress.
func (bt *blockTreeDB) Reindexing(ctx context.Context) (bool, error) {
	log.Tracef("Reindexing")
	defer log.Tracef("Reindexing exit")

	return bt.has(ctx, "reindexing", reindexKey)
}

func (bt *blockTreeDB) ReindexingUpdate(ctx context.Context, reindexing bool) error {
	log.Tracef("ReindexingUpdate")
	defer log.Tracef("ReindexingUpdate exit")

	bt.mtx.Lock()
	defer bt.mtx.Unlock()

	b, err := bt.newBatch(ctx)
	if err != nil {
		return err
	}
	if reindexing {
		b.put(ctx, reindexKey, []byte{'1'})
	} else {
		b.del(ctx, reindexKey)
	}
	return bt.write(ctx, "reindexing update", b)
}

func (bt *blockTreeDB) TxIndexByTxId(ctx context.Context, txId chainhash.Hash) (*txdb.DiskTxPos, error) {
	log.Tracef("TxIndexByTxId")
	defer log.Tracef("TxIndexByTxId exit")

	key := hashKey(txIndexPrefix, txId)
	value, err := bt.get(ctx, "tx index", key)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, database.NotFoundError(fmt.Sprintf("tx not indexed: %v", txId))
		}
		return nil, err
	}
	pos, err := txdb.DecodeDiskTxPos(value)
	if err != nil {
		return nil, bt.corrupt(key, err)
	}
	return &pos, nil
}

func (bt *blockTreeDB) TxIndexInsert(ctx context.Context, entries []txdb.TxIndexEntry) error {
	log.Tracef("TxIndexInsert")
	defer log.Tracef("TxIndexInsert exit")

	bt.mtx.Lock()
	defer bt.mtx.Unlock()

	b, err := bt.newBatch(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		b.put(ctx, hashKey(txIndexPrefix, e.TxId), e.Pos.Value())
	}
	return bt.write(ctx, "tx index insert", b)
}

// AddrIndexByAddress returns the positions recorded for addr in insertion
// order. An unknown address yields an empty list.
func (bt *blockTreeDB) AddrIndexByAddress(ctx context.Context, addr txdb.AddressId) ([]txdb.ExtDiskTxPos, error) {
	log.Tracef("AddrIndexByAddress")
	defer log.Tracef("AddrIndexByAddress exit")

	key := addrIndexKey(addr)
	value, err := bt.get(ctx, "addr index", key)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return []txdb.ExtDiskTxPos{}, nil
		}
		return nil, err
	}
	list, err := txdb.DecodeAddrIndex(value)
	if err != nil {
		return nil, bt.corrupt(key, err)
	}
	return list, nil
}

// AddrIndexAppend appends positions to the lists of their addresses. The
// stored lists are read, extended and written back in one batch while the
// writer lock is held. Entries for the same address are appended in the
// order given. A corrupt stored list aborts the whole append.
func (bt *blockTreeDB) AddrIndexAppend(ctx context.Context, entries []txdb.AddrIndexEntry) error {
	log.Tracef("AddrIndexAppend")
	defer log.Tracef("AddrIndexAppend exit")

	var (
		order []txdb.AddressId
		adds  = make(map[txdb.AddressId][]txdb.ExtDiskTxPos)
	)
	for _, e := range entries {
		if _, ok := adds[e.Address]; !ok {
			order = append(order, e.Address)
		}
		adds[e.Address] = append(adds[e.Address], e.Pos)
	}

	bt.mtx.Lock()
	defer bt.mtx.Unlock()

	b, err := bt.newBatch(ctx)
	if err != nil {
		return err
	}
	for _, addr := range order {
		key := addrIndexKey(addr)
		value, err := bt.get(ctx, "addr index append", key)
		var list []txdb.ExtDiskTxPos
		switch {
		case err == nil:
			list, err = txdb.DecodeAddrIndex(value)
			if err != nil {
				return bt.corrupt(key, err)
			}
		case errors.Is(err, database.ErrNotFound):
		default:
			return err
		}
		list = append(list, adds[addr]...)
		b.put(ctx, key, txdb.EncodeAddrIndex(list))
	}
	return bt.write(ctx, "addr index append", b)
}

// Flag returns the named flag. A flag that was never written is not found.
func (bt *blockTreeDB) Flag(ctx context.Context, name string) (bool, error) {
	log.Tracef("Flag")
	defer log.Tracef("Flag exit")

	key := flagKey(name)
	value, err := bt.get(ctx, "flag", key)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return false, database.NotFoundError(fmt.Sprintf("flag not found: %v", name))
		}
		return false, err
	}
	if len(value) == 1 {
		switch value[0] {
		case '1':
			return true, nil
		case '0':
			return false, nil
		}
	}
	return false, bt.corrupt(key, fmt.Errorf("invalid flag value %x", value))
}

func (bt *blockTreeDB) FlagUpdate(ctx context.Context, name string, value bool) error {
	log.Tracef("FlagUpdate")
	defer log.Tracef("FlagUpdate exit")

	v := []byte{'0'}
	if value {
		v[0] = '1'
	}
	return bt.putOne(ctx, "flag update", flagKey(name), v)
}

// putOne writes a single key through a batch so that it is counted and
// synced like every other write.
func (bt *blockTreeDB) putOne(ctx context.Context, op string, key, value []byte) error {
	bt.mtx.Lock()
	defer bt.mtx.Unlock()

	b, err := bt.newBatch(ctx)
	if err != nil {
		return err
	}
	b.put(ctx, key, value)
	return bt.write(ctx, op, b)
}
