// Copyright (c) 2025-2026 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package level

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hemilabs/txdb/database"
	"github.com/hemilabs/txdb/database/txdb"
)

// Chainstate keys
const (
	coinsPrefix = 'c' // 'c' + txid -> coins
	bestBlockID = 'B' // 'B' -> best block hash
)

var bestBlockKey = []byte{bestBlockID}

func coinsKey(txId chainhash.Hash) []byte {
	key := make([]byte, 1+chainhash.HashSize)
	key[0] = coinsPrefix
	copy(key[1:], txId[:])
	return key
}

type coinsDB struct {
	*store

	cfg *Config
}

var _ txdb.CoinsDatabase = (*coinsDB)(nil)

// NewCoinsDB opens the chainstate store under the configured home directory.
func NewCoinsDB(ctx context.Context, cfg *Config) (*coinsDB, error) {
	log.Tracef("NewCoinsDB")
	defer log.Tracef("NewCoinsDB exit")

	cfg, err := cfg.parse()
	if err != nil {
		return nil, err
	}
	_, cacheSize := cacheSplit(cfg.cacheSize)
	s, err := openStore(ctx, cfg, ChainstateDir, "chainstate", cacheSize)
	if err != nil {
		return nil, err
	}
	return &coinsDB{store: s, cfg: cfg}, nil
}

// Collectors returns the prometheus collectors of the chainstate store.
func (c *coinsDB) Collectors() []prometheus.Collector {
	return c.metrics.collectors()
}

func (c *coinsDB) CoinsByTxId(ctx context.Context, txId chainhash.Hash) (*txdb.Coins, error) {
	log.Tracef("CoinsByTxId")
	defer log.Tracef("CoinsByTxId exit")

	key := coinsKey(txId)
	value, err := c.get(ctx, "coins", key)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, database.NotFoundError(fmt.Sprintf("coins not found: %v", txId))
		}
		return nil, err
	}
	coins, err := txdb.DecodeCoins(value)
	if err != nil {
		return nil, c.corrupt(key, err)
	}
	return coins, nil
}

func (c *coinsDB) CoinsExistByTxId(ctx context.Context, txId chainhash.Hash) (bool, error) {
	log.Tracef("CoinsExistByTxId")
	defer log.Tracef("CoinsExistByTxId exit")

	return c.has(ctx, "coins exist", coinsKey(txId))
}

func (c *coinsDB) BestBlock(ctx context.Context) (*chainhash.Hash, error) {
	log.Tracef("BestBlock")
	defer log.Tracef("BestBlock exit")

	value, err := c.get(ctx, "best block", bestBlockKey)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, database.UninitializedError("best block not set")
		}
		return nil, err
	}
	hash, err := chainhash.NewHash(value)
	if err != nil {
		return nil, c.corrupt(bestBlockKey, err)
	}
	return hash, nil
}

func (c *coinsDB) CoinsBatchWrite(ctx context.Context, cm txdb.CoinsMap, bestBlock chainhash.Hash) error {
	log.Tracef("CoinsBatchWrite")
	defer log.Tracef("CoinsBatchWrite exit")

	c.mtx.Lock()
	defer c.mtx.Unlock()

	b, err := c.newBatch(ctx)
	if err != nil {
		return err
	}
	for txId, coins := range cm {
		key := coinsKey(txId)
		if coins == nil || coins.IsPruned() {
			b.del(ctx, key)
			continue
		}
		value, err := txdb.EncodeCoins(coins)
		if err != nil {
			return fmt.Errorf("encode coins %v: %w", txId, err)
		}
		b.put(ctx, key, value)
	}
	b.put(ctx, bestBlockKey, bestBlock[:])

	if err := c.write(ctx, "coins batch write", b); err != nil {
		return err
	}
	log.Debugf("Committed coins: %v changed %v deleted, best block %v",
		b.puts-1, b.deletes, bestBlock)

	clear(cm)
	return nil
}

// CoinsStats walks a snapshot of the chainstate. The best block key sorts
// before all coins keys so the best block and the coins come from the same
// snapshot. A store without a best block reports the zero hash.
func (c *coinsDB) CoinsStats(ctx context.Context) (*txdb.CoinsStats, error) {
	log.Tracef("CoinsStats")
	defer log.Tracef("CoinsStats exit")

	start := time.Now()
	it, err := c.db.NewIterator(ctx, nil)
	if err != nil {
		return nil, database.StoreError{Op: "coins stats", Err: err}
	}
	defer it.Close(ctx)

	var csh *txdb.CoinsStatsHasher
	for it.Next(ctx) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		key := it.Key(ctx)
		value := it.Value(ctx)
		switch {
		case bytes.Equal(key, bestBlockKey):
			hash, err := chainhash.NewHash(value)
			if err != nil {
				return nil, c.corrupt(key, err)
			}
			csh = txdb.NewCoinsStatsHasher(*hash)

		case len(key) == 1+chainhash.HashSize && key[0] == coinsPrefix:
			if csh == nil {
				csh = txdb.NewCoinsStatsHasher(chainhash.Hash{})
			}
			coins, err := txdb.DecodeCoins(value)
			if err != nil {
				return nil, c.corrupt(key, err)
			}
			var txId chainhash.Hash
			copy(txId[:], key[1:])
			if err := csh.Add(txId, coins, len(value)); err != nil {
				return nil, err
			}

		case len(key) > 0 && key[0] == coinsPrefix:
			return nil, c.corrupt(key, fmt.Errorf("invalid key length %v",
				len(key)))
		}
	}
	if err := it.Err(); err != nil {
		return nil, database.StoreError{Op: "coins stats", Err: err}
	}
	if csh == nil {
		csh = txdb.NewCoinsStatsHasher(chainhash.Hash{})
	}
	c.metrics.scanned(start)

	return csh.Stats(), nil
}
