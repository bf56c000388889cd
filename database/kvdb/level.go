// Copyright (c) 2025-2026 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package kvdb

import (
	"context"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Assert required interfaces
var (
	_ Batch    = (*levelBatch)(nil)
	_ Database = (*levelDB)(nil)
	_ Iterator = (*levelIterator)(nil)
)

type levelDB struct {
	mtx sync.RWMutex // guards db against Close

	db *leveldb.DB
	wo *opt.WriteOptions

	cfg *Config
}

func NewLevelDB(cfg *Config) (Database, error) {
	if cfg == nil {
		return nil, ErrInvalidConfig
	}
	return &levelDB{
		cfg: cfg,
		wo:  &opt.WriteOptions{Sync: cfg.Sync},
	}, nil
}

// levelOptions splits the cache budget the same way bitcoind does: half
// goes to the block cache and a quarter to the write buffer.
func levelOptions(cfg *Config) *opt.Options {
	o := &opt.Options{
		Filter:                 filter.NewBloomFilter(10),
		BlockCacheEvictRemoved: true,
		Compression:            opt.NoCompression,
	}
	if cfg.CacheSize > 0 {
		o.BlockCacheCapacity = int(cfg.CacheSize / 2)
		o.WriteBuffer = int(cfg.CacheSize / 4)
	}
	return o
}

func (b *levelDB) Open(_ context.Context) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	if b.db != nil {
		return ErrDBOpen
	}
	var (
		ldb *leveldb.DB
		err error
	)
	if b.cfg.Memory {
		ldb, err = leveldb.Open(storage.NewMemStorage(), levelOptions(b.cfg))
	} else {
		ldb, err = leveldb.OpenFile(b.cfg.Home, levelOptions(b.cfg))
	}
	if err != nil {
		return fmt.Errorf("leveldb open: %w", err)
	}
	b.db = ldb
	return nil
}

func (b *levelDB) Close(_ context.Context) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	if b.db == nil {
		return ErrDBClosed
	}
	err := b.db.Close()
	b.db = nil
	return xerr(err)
}

func (b *levelDB) Del(_ context.Context, key []byte) error {
	b.mtx.RLock()
	defer b.mtx.RUnlock()

	if b.db == nil {
		return ErrDBClosed
	}
	return xerr(b.db.Delete(key, b.wo))
}

func (b *levelDB) Has(_ context.Context, key []byte) (bool, error) {
	b.mtx.RLock()
	defer b.mtx.RUnlock()

	if b.db == nil {
		return false, ErrDBClosed
	}
	has, err := b.db.Has(key, nil)
	return has, xerr(err)
}

func (b *levelDB) Get(_ context.Context, key []byte) ([]byte, error) {
	b.mtx.RLock()
	defer b.mtx.RUnlock()

	if b.db == nil {
		return nil, ErrDBClosed
	}
	value, err := b.db.Get(key, nil)
	return value, xerr(err)
}

func (b *levelDB) Put(_ context.Context, key, value []byte) error {
	b.mtx.RLock()
	defer b.mtx.RUnlock()

	if b.db == nil {
		return ErrDBClosed
	}
	return xerr(b.db.Put(key, value, b.wo))
}

func (b *levelDB) NewBatch(_ context.Context) (Batch, error) {
	b.mtx.RLock()
	defer b.mtx.RUnlock()

	if b.db == nil {
		return nil, ErrDBClosed
	}
	return &levelBatch{wb: new(leveldb.Batch)}, nil
}

func (b *levelDB) Write(_ context.Context, batch Batch) error {
	b.mtx.RLock()
	defer b.mtx.RUnlock()

	if b.db == nil {
		return ErrDBClosed
	}
	lb, ok := batch.(*levelBatch)
	if !ok {
		return ErrInvalidBatch
	}
	return xerr(b.db.Write(lb.wb, b.wo))
}

func (b *levelDB) NewIterator(_ context.Context, prefix []byte) (Iterator, error) {
	b.mtx.RLock()
	defer b.mtx.RUnlock()

	if b.db == nil {
		return nil, ErrDBClosed
	}
	var r *util.Range
	if len(prefix) > 0 {
		r = util.BytesPrefix(prefix)
	}
	return &levelIterator{it: b.db.NewIterator(r, nil)}, nil
}

// Batches

type levelBatch struct {
	wb *leveldb.Batch
}

func (lb *levelBatch) Put(_ context.Context, key, value []byte) {
	lb.wb.Put(key, value)
}

func (lb *levelBatch) Del(_ context.Context, key []byte) {
	lb.wb.Delete(key)
}

func (lb *levelBatch) Len() int {
	return lb.wb.Len()
}

func (lb *levelBatch) Reset(_ context.Context) {
	lb.wb.Reset()
}

// Iterations

type levelIterator struct {
	it iterator.Iterator
}

func (li *levelIterator) Next(_ context.Context) bool {
	return li.it.Next()
}

func (li *levelIterator) Key(_ context.Context) []byte {
	return li.it.Key()
}

func (li *levelIterator) Value(_ context.Context) []byte {
	return li.it.Value()
}

func (li *levelIterator) Err() error {
	return xerr(li.it.Error())
}

func (li *levelIterator) Close(_ context.Context) {
	li.it.Release()
}
