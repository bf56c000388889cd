// Copyright (c) 2025-2026 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package kvdb

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// Assert required interfaces
var (
	_ Batch    = (*pebbleBatch)(nil)
	_ Database = (*pebbleDB)(nil)
	_ Iterator = (*pebbleIterator)(nil)
)

type pebbleDB struct {
	mtx sync.RWMutex // guards db against Close

	db *pebble.DB
	wo *pebble.WriteOptions

	cfg *Config
}

func NewPebbleDB(cfg *Config) (Database, error) {
	if cfg == nil {
		return nil, ErrInvalidConfig
	}
	wo := pebble.NoSync
	if cfg.Sync {
		wo = pebble.Sync
	}
	return &pebbleDB{
		cfg: cfg,
		wo:  wo,
	}, nil
}

func (b *pebbleDB) Open(_ context.Context) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	if b.db != nil {
		return ErrDBOpen
	}
	opts := &pebble.Options{
		Levels: []pebble.LevelOptions{
			{Compression: pebble.NoCompression},
		},
	}
	if b.cfg.CacheSize > 0 {
		cache := pebble.NewCache(b.cfg.CacheSize)
		defer cache.Unref()
		opts.Cache = cache
	}
	home := b.cfg.Home
	if b.cfg.Memory {
		opts.FS = vfs.NewMem()
		home = "mem"
	}
	pdb, err := pebble.Open(home, opts)
	if err != nil {
		return fmt.Errorf("pebble open: %w", err)
	}
	b.db = pdb
	return nil
}

func (b *pebbleDB) Close(_ context.Context) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	if b.db == nil {
		return ErrDBClosed
	}
	err := b.db.Close()
	b.db = nil
	return xerr(err)
}

func (b *pebbleDB) Del(_ context.Context, key []byte) error {
	b.mtx.RLock()
	defer b.mtx.RUnlock()

	if b.db == nil {
		return ErrDBClosed
	}
	return xerr(b.db.Delete(key, b.wo))
}

func (b *pebbleDB) Has(_ context.Context, key []byte) (bool, error) {
	b.mtx.RLock()
	defer b.mtx.RUnlock()

	if b.db == nil {
		return false, ErrDBClosed
	}
	_, closer, err := b.db.Get(key)
	if err != nil {
		err = xerr(err)
		if errors.Is(err, ErrKeyNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := closer.Close(); err != nil {
		return false, err
	}
	return true, nil
}

func (b *pebbleDB) Get(_ context.Context, key []byte) ([]byte, error) {
	b.mtx.RLock()
	defer b.mtx.RUnlock()

	if b.db == nil {
		return nil, ErrDBClosed
	}
	value, closer, err := b.db.Get(key)
	if err != nil {
		return nil, xerr(err)
	}
	// pebble invalidates value once closer is closed
	v := make([]byte, len(value))
	copy(v, value)
	if err := closer.Close(); err != nil {
		return nil, err
	}
	return v, nil
}

func (b *pebbleDB) Put(_ context.Context, key, value []byte) error {
	b.mtx.RLock()
	defer b.mtx.RUnlock()

	if b.db == nil {
		return ErrDBClosed
	}
	return xerr(b.db.Set(key, value, b.wo))
}

func (b *pebbleDB) NewBatch(_ context.Context) (Batch, error) {
	b.mtx.RLock()
	defer b.mtx.RUnlock()

	if b.db == nil {
		return nil, ErrDBClosed
	}
	return &pebbleBatch{wb: b.db.NewBatch()}, nil
}

func (b *pebbleDB) Write(_ context.Context, batch Batch) error {
	b.mtx.RLock()
	defer b.mtx.RUnlock()

	if b.db == nil {
		return ErrDBClosed
	}
	pb, ok := batch.(*pebbleBatch)
	if !ok {
		return ErrInvalidBatch
	}
	defer func() {
		if err := pb.wb.Close(); err != nil {
			log.Errorf("batch close: %v", err)
		}
	}()
	if pb.err != nil {
		return pb.err
	}
	return xerr(pb.wb.Commit(b.wo))
}

func (b *pebbleDB) NewIterator(_ context.Context, prefix []byte) (Iterator, error) {
	b.mtx.RLock()
	defer b.mtx.RUnlock()

	if b.db == nil {
		return nil, ErrDBClosed
	}
	start, limit := prefixRange(prefix)
	it, err := b.db.NewIter(&pebble.IterOptions{
		LowerBound: start,
		UpperBound: limit,
	})
	if err != nil {
		return nil, xerr(err)
	}
	return &pebbleIterator{it: it}, nil
}

// Batches

type pebbleBatch struct {
	wb  *pebble.Batch
	n   int
	err error // first staging error, returned by Write
}

func (pb *pebbleBatch) Put(_ context.Context, key, value []byte) {
	if err := pb.wb.Set(key, value, nil); err != nil && pb.err == nil {
		pb.err = err
	}
	pb.n++
}

func (pb *pebbleBatch) Del(_ context.Context, key []byte) {
	if err := pb.wb.Delete(key, nil); err != nil && pb.err == nil {
		pb.err = err
	}
	pb.n++
}

func (pb *pebbleBatch) Len() int {
	return pb.n
}

func (pb *pebbleBatch) Reset(_ context.Context) {
	pb.wb.Reset()
	pb.n = 0
	pb.err = nil
}

// Iterations

// pebble iterators must be positioned with First before use; started tracks
// whether that happened.
type pebbleIterator struct {
	it      *pebble.Iterator
	started bool
}

func (pi *pebbleIterator) Next(_ context.Context) bool {
	if !pi.started {
		pi.started = true
		return pi.it.First()
	}
	return pi.it.Next()
}

func (pi *pebbleIterator) Key(_ context.Context) []byte {
	return pi.it.Key()
}

func (pi *pebbleIterator) Value(_ context.Context) []byte {
	return pi.it.Value()
}

func (pi *pebbleIterator) Err() error {
	return xerr(pi.it.Error())
}

func (pi *pebbleIterator) Close(_ context.Context) {
	if err := pi.it.Close(); err != nil {
		log.Errorf("iterator close: %v", err)
	}
}
