// Copyright (c) 2025-2026 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package kvdb

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

// Assert required interfaces
var (
	_ Batch    = (*badgerBatch)(nil)
	_ Database = (*badgerDB)(nil)
	_ Iterator = (*badgerIterator)(nil)
)

type badgerDB struct {
	mtx sync.RWMutex // guards db against Close

	db  *badger.DB
	opt badger.Options

	cfg *Config
}

func NewBadgerDB(cfg *Config) (Database, error) {
	if cfg == nil {
		return nil, ErrInvalidConfig
	}
	home := cfg.Home
	if cfg.Memory {
		home = "" // badger refuses a directory in memory mode
	}
	opt := badger.DefaultOptions(home).
		WithLoggingLevel(badger.ERROR).
		WithCompression(options.None).
		WithInMemory(cfg.Memory).
		WithSyncWrites(cfg.Sync)
	if cfg.CacheSize > 0 {
		opt = opt.WithBlockCacheSize(cfg.CacheSize / 2)
	}
	return &badgerDB{
		cfg: cfg,
		opt: opt,
	}, nil
}

func (b *badgerDB) Open(_ context.Context) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	if b.db != nil {
		return ErrDBOpen
	}
	db, err := badger.Open(b.opt)
	if err != nil {
		return fmt.Errorf("badger open: %w", xerr(err))
	}
	b.db = db
	return nil
}

func (b *badgerDB) Close(_ context.Context) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	if b.db == nil {
		return ErrDBClosed
	}
	err := b.db.Close()
	b.db = nil
	return xerr(err)
}

func (b *badgerDB) Del(_ context.Context, key []byte) error {
	b.mtx.RLock()
	defer b.mtx.RUnlock()

	if b.db == nil {
		return ErrDBClosed
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return xerr(err)
	}
	return nil
}

func (b *badgerDB) Has(ctx context.Context, key []byte) (bool, error) {
	_, err := b.Get(ctx, key)
	if errors.Is(err, ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (b *badgerDB) Get(_ context.Context, key []byte) ([]byte, error) {
	b.mtx.RLock()
	defer b.mtx.RUnlock()

	if b.db == nil {
		return nil, ErrDBClosed
	}
	var val []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, xerr(err)
	}
	return val, nil
}

func (b *badgerDB) Put(_ context.Context, key, value []byte) error {
	b.mtx.RLock()
	defer b.mtx.RUnlock()

	if b.db == nil {
		return ErrDBClosed
	}
	return xerr(b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	}))
}

func (b *badgerDB) NewBatch(_ context.Context) (Batch, error) {
	b.mtx.RLock()
	defer b.mtx.RUnlock()

	if b.db == nil {
		return nil, ErrDBClosed
	}
	return &badgerBatch{}, nil
}

// Write applies the batch inside a single badger transaction. Batches that
// exceed badger's transaction limits fail as a whole.
func (b *badgerDB) Write(_ context.Context, batch Batch) error {
	b.mtx.RLock()
	defer b.mtx.RUnlock()

	if b.db == nil {
		return ErrDBClosed
	}
	bb, ok := batch.(*badgerBatch)
	if !ok {
		return ErrInvalidBatch
	}
	return xerr(b.db.Update(func(txn *badger.Txn) error {
		for _, op := range bb.ops {
			var err error
			if op.del {
				err = txn.Delete(op.key)
			} else {
				err = txn.Set(op.key, op.value)
			}
			if err != nil {
				return err
			}
		}
		return nil
	}))
}

func (b *badgerDB) NewIterator(_ context.Context, prefix []byte) (Iterator, error) {
	b.mtx.RLock()
	defer b.mtx.RUnlock()

	if b.db == nil {
		return nil, ErrDBClosed
	}
	tx := b.db.NewTransaction(false)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	return &badgerIterator{
		tx:     tx,
		it:     tx.NewIterator(opts),
		prefix: prefix,
	}, nil
}

// Batches

type badgerOp struct {
	key   []byte
	value []byte
	del   bool
}

// badgerBatch records operations until Write. Keys and values are copied
// since callers commonly reuse buffers.
type badgerBatch struct {
	ops []badgerOp
}

func (bb *badgerBatch) Put(_ context.Context, key, value []byte) {
	bb.ops = append(bb.ops, badgerOp{
		key:   append([]byte{}, key...),
		value: append([]byte{}, value...),
	})
}

func (bb *badgerBatch) Del(_ context.Context, key []byte) {
	bb.ops = append(bb.ops, badgerOp{
		key: append([]byte{}, key...),
		del: true,
	})
}

func (bb *badgerBatch) Len() int {
	return len(bb.ops)
}

func (bb *badgerBatch) Reset(_ context.Context) {
	bb.ops = bb.ops[:0]
}

// Iterations

type badgerIterator struct {
	tx     *badger.Txn
	it     *badger.Iterator
	prefix []byte

	first bool
	value []byte
	err   error
}

func (bi *badgerIterator) Next(_ context.Context) bool {
	if bi.err != nil {
		return false
	}
	if !bi.first {
		bi.first = true
		bi.it.Rewind()
	} else {
		bi.it.Next()
	}
	if !bi.it.ValidForPrefix(bi.prefix) {
		return false
	}
	bi.value, bi.err = bi.it.Item().ValueCopy(nil)
	return bi.err == nil
}

func (bi *badgerIterator) Key(_ context.Context) []byte {
	return bi.it.Item().Key()
}

func (bi *badgerIterator) Value(_ context.Context) []byte {
	return bi.value
}

func (bi *badgerIterator) Err() error {
	return xerr(bi.err)
}

func (bi *badgerIterator) Close(_ context.Context) {
	bi.it.Close()
	bi.tx.Discard()
}
