// Copyright (c) 2025-2026 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package level

import (
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/hemilabs/txdb/database/txdb"
)

type CacheStats struct {
	Hits   int
	Misses int
	Purges int
	Size   int
}

// lowIQMap is a count bounded block index cache. When full an arbitrary
// entry is evicted.
type lowIQMap struct {
	mtx sync.RWMutex

	count int

	m map[chainhash.Hash]*txdb.DiskBlockIndex

	// gen is bumped by every Del.
	gen uint64

	// stats
	hits   int
	misses int
	purges int
}

// Generation returns a token for PutGen. Obtain it before reading the record
// from the store.
func (l *lowIQMap) Generation() uint64 {
	l.mtx.RLock()
	defer l.mtx.RUnlock()

	return l.gen
}

// PutGen inserts v only when nothing was deleted since gen was obtained. A
// record read before a concurrent rewrite therefore never enters the cache.
func (l *lowIQMap) PutGen(gen uint64, hash chainhash.Hash, v *txdb.DiskBlockIndex) bool {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	if l.gen != gen {
		return false
	}
	l.put(hash, v)
	return true
}

func (l *lowIQMap) put(hash chainhash.Hash, v *txdb.DiskBlockIndex) {
	if _, ok := l.m[hash]; ok {
		return
	}

	if len(l.m) >= l.count {
		// evict entry
		for k := range l.m {
			delete(l.m, k)
			l.purges++
			break
		}
	}

	l.m[hash] = v
}

// Get returns a copy of the cached record.
func (l *lowIQMap) Get(hash chainhash.Hash) (*txdb.DiskBlockIndex, bool) {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	bi, ok := l.m[hash]
	if !ok {
		l.misses++
		return nil, false
	}
	l.hits++
	c := *bi
	return &c, true
}

func (l *lowIQMap) Del(hash chainhash.Hash) {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	delete(l.m, hash)
	l.gen++
}

func (l *lowIQMap) Stats() CacheStats {
	l.mtx.RLock()
	defer l.mtx.RUnlock()

	return CacheStats{
		Hits:   l.hits,
		Misses: l.misses,
		Purges: l.purges,
		Size:   len(l.m),
	}
}

func lowIQMapNew(count int) *lowIQMap {
	return &lowIQMap{
		count: count,
		m:     make(map[chainhash.Hash]*txdb.DiskBlockIndex, count),
	}
}
