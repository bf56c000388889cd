// Copyright (c) 2025-2026 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package memory is a map backed coin set. It stores encoded records so that
// statistics and isolation match the persistent store.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/hemilabs/txdb/database"
	"github.com/hemilabs/txdb/database/txdb"
)

type memory struct {
	mtx sync.RWMutex

	coins  map[chainhash.Hash][]byte
	best   *chainhash.Hash
	closed bool
}

var _ txdb.CoinsDatabase = (*memory)(nil)

func New() txdb.CoinsDatabase {
	return &memory{
		coins: make(map[chainhash.Hash][]byte),
	}
}

var errClosed = database.StoreError{Op: "memory", Err: fmt.Errorf("closed")}

func (m *memory) Close(_ context.Context) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.closed {
		return errClosed
	}
	m.closed = true
	return nil
}

func (m *memory) CoinsByTxId(_ context.Context, txId chainhash.Hash) (*txdb.Coins, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	if m.closed {
		return nil, errClosed
	}
	value, ok := m.coins[txId]
	if !ok {
		return nil, database.NotFoundError(fmt.Sprintf("coins not found: %v", txId))
	}
	c, err := txdb.DecodeCoins(value)
	if err != nil {
		return nil, database.Corrupt(txId[:], err)
	}
	return c, nil
}

func (m *memory) CoinsExistByTxId(_ context.Context, txId chainhash.Hash) (bool, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	if m.closed {
		return false, errClosed
	}
	_, ok := m.coins[txId]
	return ok, nil
}

func (m *memory) BestBlock(_ context.Context) (*chainhash.Hash, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	if m.closed {
		return nil, errClosed
	}
	if m.best == nil {
		return nil, database.UninitializedError("best block not set")
	}
	best := *m.best
	return &best, nil
}

func (m *memory) CoinsBatchWrite(_ context.Context, cm txdb.CoinsMap, bestBlock chainhash.Hash) error {
	// Encode everything before touching the set.
	puts := make(map[chainhash.Hash][]byte, len(cm))
	for txId, c := range cm {
		if c == nil || c.IsPruned() {
			puts[txId] = nil
			continue
		}
		value, err := txdb.EncodeCoins(c)
		if err != nil {
			return fmt.Errorf("encode coins %v: %w", txId, err)
		}
		puts[txId] = value
	}

	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.closed {
		return errClosed
	}
	for txId, value := range puts {
		if value == nil {
			delete(m.coins, txId)
			continue
		}
		m.coins[txId] = value
	}
	m.best = &bestBlock

	clear(cm)
	return nil
}

func (m *memory) CoinsStats(ctx context.Context) (*txdb.CoinsStats, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	if m.closed {
		return nil, errClosed
	}
	var best chainhash.Hash
	if m.best != nil {
		best = *m.best
	}
	csh := txdb.NewCoinsStatsHasher(best)
	keys := slices.SortedFunc(maps.Keys(m.coins), func(a, b chainhash.Hash) int {
		return bytes.Compare(a[:], b[:])
	})
	for _, txId := range keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		value := m.coins[txId]
		c, err := txdb.DecodeCoins(value)
		if err != nil {
			return nil, database.Corrupt(txId[:], err)
		}
		if err := csh.Add(txId, c, len(value)); err != nil {
			return nil, err
		}
	}
	return csh.Stats(), nil
}
