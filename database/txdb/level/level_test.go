// Copyright (c) 2025-2026 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package level

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
	"github.com/go-test/deep"
	cp "github.com/otiai10/copy"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/hemilabs/txdb/database"
	"github.com/hemilabs/txdb/database/kvdb"
	"github.com/hemilabs/txdb/database/txdb"
	itu "github.com/hemilabs/txdb/internal/testutil"
)

func init() {
	Welcome = false
}

type engineTest struct {
	name   string
	engine string
	memory bool
}

func engineMatrix() []engineTest {
	var tests []engineTest
	for _, e := range kvdb.Engines() {
		tests = append(tests,
			engineTest{name: e, engine: e},
			engineTest{name: e + "/memory", engine: e, memory: true})
	}
	return tests
}

func testConfig(t *testing.T, et engineTest) *Config {
	cfg := NewDefaultConfig(t.TempDir())
	cfg.Engine = et.engine
	cfg.Memory = et.memory
	return cfg
}

func openCoins(t *testing.T, cfg *Config) *coinsDB {
	t.Helper()
	c, err := NewCoinsDB(t.Context(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func openBlockTree(t *testing.T, cfg *Config) *blockTreeDB {
	t.Helper()
	bt, err := NewBlockTreeDB(t.Context(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	return bt
}

func closeDB(t *testing.T, db database.Database) {
	t.Helper()
	if err := db.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func p2pkh(fill byte) []byte {
	s := append([]byte{0x76, 0xa9, 0x14}, itu.FillBytes(string([]byte{fill}), 20)...)
	return append(s, 0x88, 0xac)
}

func testCoins(height uint32, values ...int64) *txdb.Coins {
	c := &txdb.Coins{Version: 1, Height: height}
	for k, v := range values {
		c.Outputs = append(c.Outputs, wire.NewTxOut(v, p2pkh(byte(k))))
	}
	return c
}

func sortedKeys(cm txdb.CoinsMap) []chainhash.Hash {
	keys := slices.Collect(maps.Keys(cm))
	slices.SortFunc(keys, func(a, b chainhash.Hash) int {
		return bytes.Compare(a[:], b[:])
	})
	return keys
}

func TestConfig(t *testing.T) {
	tests := []struct {
		size string
		want int64
		err  bool
	}{
		{size: "", want: 100 * 1024 * 1024},
		{size: "1MiB", want: minCacheSize},
		{size: "64MiB", want: 64 * 1024 * 1024},
		{size: "1TiB", want: maxCacheSize},
		{size: "lots", err: true},
	}
	for _, tt := range tests {
		t.Run(tt.size, func(t *testing.T) {
			ucfg := NewDefaultConfig("~/txdb")
			ucfg.CacheSize = tt.size
			cfg, err := ucfg.parse()
			if tt.err {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if cfg.cacheSize != tt.want {
				t.Fatalf("got %v, wanted %v", cfg.cacheSize, tt.want)
			}
			if cfg.home == cfg.Home {
				t.Fatalf("home not expanded: %v", cfg.home)
			}
			if ucfg.home != "" || ucfg.cacheSize != 0 {
				t.Fatal("caller config modified")
			}
		})
	}

	if _, err := (&Config{}).parse(); err == nil {
		t.Fatal("expected missing home error")
	}

	bt, coins := cacheSplit(100 * 1024 * 1024)
	if bt != maxBlockTreeCache || coins != (100*1024*1024-maxBlockTreeCache)/2 {
		t.Fatalf("cache split %v %v", bt, coins)
	}
	bt, coins = cacheSplit(minCacheSize)
	if bt != minCacheSize/8 || coins != (minCacheSize-minCacheSize/8)/2 {
		t.Fatalf("cache split %v %v", bt, coins)
	}
}

func TestConcurrentOpen(t *testing.T) {
	for _, et := range engineMatrix() {
		t.Run(et.name, func(t *testing.T) {
			cfg := testConfig(t, et)
			openFn := [2]func() (database.Database, error){
				func() (database.Database, error) {
					return NewCoinsDB(t.Context(), cfg)
				},
				func() (database.Database, error) {
					return NewBlockTreeDB(t.Context(), cfg)
				},
			}
			var (
				wg   sync.WaitGroup
				dbs  [2]database.Database
				errs [2]error
			)
			for i := range openFn {
				wg.Add(1)
				go func() {
					defer wg.Done()
					dbs[i], errs[i] = openFn[i]()
				}()
			}
			wg.Wait()
			for i := range dbs {
				if errs[i] != nil {
					t.Fatal(errs[i])
				}
				closeDB(t, dbs[i])
			}
			if cfg.home != "" || cfg.cacheSize != 0 {
				t.Fatal("caller config modified")
			}
		})
	}
}

func TestCoinsExample(t *testing.T) {
	for _, et := range engineMatrix() {
		t.Run(et.name, func(t *testing.T) {
			ctx := t.Context()
			c := openCoins(t, testConfig(t, et))
			defer closeDB(t, c)

			if _, err := c.BestBlock(ctx); !errors.Is(err, database.ErrUninitialized) {
				t.Fatalf("expected uninitialized, got %v", err)
			}

			txA := itu.RepeatHash(0xaa)
			coins := testCoins(100, 5000, 6000)
			cm := txdb.CoinsMap{txA: coins}
			if err := c.CoinsBatchWrite(ctx, cm, itu.RepeatHash(0xbb)); err != nil {
				t.Fatal(err)
			}
			if len(cm) != 0 {
				t.Fatalf("map not emptied: %v", len(cm))
			}

			got, err := c.CoinsByTxId(ctx, txA)
			if err != nil {
				t.Fatal(err)
			}
			if diff := deep.Equal(got, coins); len(diff) > 0 {
				t.Fatalf("unexpected coins:\n%v\n%v", diff, spew.Sdump(got))
			}
			best, err := c.BestBlock(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if *best != itu.RepeatHash(0xbb) {
				t.Fatalf("best block %v", best)
			}

			// Pruned coins are deleted.
			coins.Spend(0)
			coins.Spend(1)
			cm = txdb.CoinsMap{txA: coins}
			if err := c.CoinsBatchWrite(ctx, cm, itu.RepeatHash(0xcc)); err != nil {
				t.Fatal(err)
			}
			ok, err := c.CoinsExistByTxId(ctx, txA)
			if err != nil {
				t.Fatal(err)
			}
			if ok {
				t.Fatal("coins still present")
			}
			if _, err := c.CoinsByTxId(ctx, txA); !errors.Is(err, database.ErrNotFound) {
				t.Fatalf("expected not found, got %v", err)
			}
			best, err = c.BestBlock(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if *best != itu.RepeatHash(0xcc) {
				t.Fatalf("best block %v", best)
			}

			// Nil entries are deleted too.
			txB := itu.RepeatHash(0xab)
			if err := c.CoinsBatchWrite(ctx, txdb.CoinsMap{txB: testCoins(1, 1)},
				itu.RepeatHash(0xcc)); err != nil {
				t.Fatal(err)
			}
			if err := c.CoinsBatchWrite(ctx, txdb.CoinsMap{txB: nil},
				itu.RepeatHash(0xcc)); err != nil {
				t.Fatal(err)
			}
			if ok, _ := c.CoinsExistByTxId(ctx, txB); ok {
				t.Fatal("nil entry not deleted")
			}
		})
	}
}

func TestCoinsStats(t *testing.T) {
	for _, et := range engineMatrix() {
		t.Run(et.name, func(t *testing.T) {
			ctx := t.Context()
			c := openCoins(t, testConfig(t, et))
			defer closeDB(t, c)

			empty, err := c.CoinsStats(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if empty.Transactions != 0 || empty.BestBlock != (chainhash.Hash{}) {
				t.Fatalf("unexpected empty stats %v", spew.Sdump(empty))
			}

			best := itu.RepeatHash(0xbb)
			cm := make(txdb.CoinsMap)
			for i := range 50 {
				cm[itu.FillHash(fmt.Sprintf("tx%v", i))] = testCoins(uint32(i), 1000, int64(i))
			}
			// Hash in key order, independently of the store.
			csh := txdb.NewCoinsStatsHasher(best)
			for _, txId := range sortedKeys(cm) {
				b, err := txdb.EncodeCoins(cm[txId])
				if err != nil {
					t.Fatal(err)
				}
				if err := csh.Add(txId, cm[txId], len(b)); err != nil {
					t.Fatal(err)
				}
			}
			want := csh.Stats()

			if err := c.CoinsBatchWrite(ctx, cm, best); err != nil {
				t.Fatal(err)
			}
			got, err := c.CoinsStats(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if diff := deep.Equal(got, want); len(diff) > 0 {
				t.Fatalf("unexpected stats:\n%v\n%v", diff, spew.Sdump(got))
			}
			if got.Transactions != 50 || got.TransactionOutputs != 100 {
				t.Fatalf("unexpected counts %v", spew.Sdump(got))
			}

			cctx, cancel := context.WithCancel(ctx)
			cancel()
			if _, err := c.CoinsStats(cctx); !errors.Is(err, context.Canceled) {
				t.Fatalf("expected canceled, got %v", err)
			}
		})
	}
}

// faultDB fails every batch write with more than limit operations, without
// applying any of it.
type faultDB struct {
	kvdb.Database
	limit atomic.Int64
}

var errInjected = errors.New("injected fault")

func (f *faultDB) Write(ctx context.Context, b kvdb.Batch) error {
	if l := f.limit.Load(); l >= 0 && int64(b.Len()) > l {
		return errInjected
	}
	return f.Database.Write(ctx, b)
}

func faultConfig(t *testing.T, et engineTest) (*Config, *faultDB) {
	cfg := testConfig(t, et)
	fdb := &faultDB{}
	fdb.limit.Store(-1)
	cfg.wrapDB = func(db kvdb.Database) kvdb.Database {
		fdb.Database = db
		return fdb
	}
	return cfg, fdb
}

func TestCoinsBatchAtomic(t *testing.T) {
	for _, et := range engineMatrix() {
		t.Run(et.name, func(t *testing.T) {
			ctx := t.Context()
			cfg, fdb := faultConfig(t, et)
			c := openCoins(t, cfg)
			defer closeDB(t, c)

			first := itu.RepeatHash(0x01)
			if err := c.CoinsBatchWrite(ctx, txdb.CoinsMap{first: testCoins(1, 1)},
				itu.RepeatHash(0xbb)); err != nil {
				t.Fatal(err)
			}

			fdb.limit.Store(5)
			cm := make(txdb.CoinsMap)
			for i := range 10 {
				cm[itu.FillHash(fmt.Sprintf("fault%v", i))] = testCoins(2, 7)
			}
			cm[first] = nil
			err := c.CoinsBatchWrite(ctx, cm, itu.RepeatHash(0xcc))
			if !errors.Is(err, database.ErrStore) || !errors.Is(err, errInjected) {
				t.Fatalf("expected store error, got %v", err)
			}
			if len(cm) != 11 {
				t.Fatalf("map must survive a failed write, got %v", len(cm))
			}

			// Nothing of the failed batch is visible.
			best, err := c.BestBlock(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if *best != itu.RepeatHash(0xbb) {
				t.Fatalf("best block %v", best)
			}
			if ok, _ := c.CoinsExistByTxId(ctx, first); !ok {
				t.Fatal("delete of failed batch applied")
			}
			for txId := range cm {
				if txId == first {
					continue
				}
				if ok, _ := c.CoinsExistByTxId(ctx, txId); ok {
					t.Fatalf("put of failed batch applied: %v", txId)
				}
			}

			// Retrying the same map succeeds.
			fdb.limit.Store(-1)
			if err := c.CoinsBatchWrite(ctx, cm, itu.RepeatHash(0xcc)); err != nil {
				t.Fatal(err)
			}
			stats, err := c.CoinsStats(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if stats.Transactions != 10 || stats.BestBlock != itu.RepeatHash(0xcc) {
				t.Fatalf("unexpected stats %v", spew.Sdump(stats))
			}
		})
	}
}

func TestCoinsCorrupt(t *testing.T) {
	ctx := t.Context()
	c := openCoins(t, testConfig(t, engineTest{engine: kvdb.EngineLevel, memory: true}))
	defer closeDB(t, c)

	txId := itu.RepeatHash(0xaa)
	key := coinsKey(txId)
	if err := c.db.Put(ctx, key, []byte{0x01, 0x04}); err != nil {
		t.Fatal(err)
	}
	_, err := c.CoinsByTxId(ctx, txId)
	var cre database.CorruptRecordError
	if !errors.As(err, &cre) {
		t.Fatalf("expected corrupt record, got %v", err)
	}
	if string(cre.Key) != string(key) {
		t.Fatalf("corrupt key %x, wanted %x", cre.Key, key)
	}
	if _, err := c.CoinsStats(ctx); !errors.Is(err, database.ErrCorruptRecord) {
		t.Fatalf("expected corrupt record, got %v", err)
	}

	if err := c.db.Put(ctx, bestBlockKey, []byte{0xbb}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.BestBlock(ctx); !errors.Is(err, database.ErrCorruptRecord) {
		t.Fatalf("expected corrupt record, got %v", err)
	}
	if got := testutil.ToFloat64(c.metrics.corrupt); got != 3 {
		t.Fatalf("corrupt records %v", got)
	}
}

func TestCoinsStatsBadKey(t *testing.T) {
	for _, et := range engineMatrix() {
		t.Run(et.name, func(t *testing.T) {
			ctx := t.Context()
			c := openCoins(t, testConfig(t, et))
			defer closeDB(t, c)

			if err := c.CoinsBatchWrite(ctx, txdb.CoinsMap{
				itu.RepeatHash(0xaa): testCoins(1, 10),
			}, itu.RepeatHash(0xbb)); err != nil {
				t.Fatal(err)
			}
			key := coinsKey(itu.RepeatHash(0x11))[:chainhash.HashSize]
			value, err := txdb.EncodeCoins(testCoins(1, 5))
			if err != nil {
				t.Fatal(err)
			}
			if err := c.db.Put(ctx, key, value); err != nil {
				t.Fatal(err)
			}

			_, err = c.CoinsStats(ctx)
			var cre database.CorruptRecordError
			if !errors.As(err, &cre) {
				t.Fatalf("expected corrupt record, got %v", err)
			}
			if !bytes.Equal(cre.Key, key) {
				t.Fatalf("corrupt key %x, wanted %x", cre.Key, key)
			}
		})
	}
}

func TestUseAfterClose(t *testing.T) {
	for _, et := range engineMatrix() {
		t.Run(et.name, func(t *testing.T) {
			ctx := t.Context()
			cfg := testConfig(t, et)
			c := openCoins(t, cfg)
			if err := c.Close(ctx); err != nil {
				t.Fatal(err)
			}
			if _, err := c.CoinsExistByTxId(ctx, itu.RepeatHash(1)); !errors.Is(err, database.ErrStore) {
				t.Fatalf("expected store error, got %v", err)
			}
			if _, err := c.CoinsByTxId(ctx, itu.RepeatHash(1)); !errors.Is(err, database.ErrStore) {
				t.Fatalf("expected store error, got %v", err)
			}
			err := c.CoinsBatchWrite(ctx, txdb.CoinsMap{}, itu.RepeatHash(2))
			if !errors.Is(err, database.ErrStore) {
				t.Fatalf("expected store error, got %v", err)
			}
			if _, err := c.CoinsStats(ctx); !errors.Is(err, database.ErrStore) {
				t.Fatalf("expected store error, got %v", err)
			}
			if err := c.Close(ctx); !errors.Is(err, database.ErrStore) {
				t.Fatalf("expected store error, got %v", err)
			}

			bt := openBlockTree(t, cfg)
			if err := bt.Close(ctx); err != nil {
				t.Fatal(err)
			}
			if _, err := bt.BlockIndexByHash(ctx, itu.RepeatHash(1)); !errors.Is(err, database.ErrStore) {
				t.Fatalf("expected store error, got %v", err)
			}
			if _, err := bt.BlockIndexLoad(ctx); !errors.Is(err, database.ErrStore) {
				t.Fatalf("expected store error, got %v", err)
			}
			if err := bt.FlagUpdate(ctx, "txindex", true); !errors.Is(err, database.ErrStore) {
				t.Fatalf("expected store error, got %v", err)
			}
		})
	}
}

func TestReopen(t *testing.T) {
	for _, engine := range kvdb.Engines() {
		t.Run(engine, func(t *testing.T) {
			ctx := t.Context()
			home := t.TempDir()
			cfg := NewDefaultConfig(home)
			cfg.Engine = engine

			c := openCoins(t, cfg)
			bt := openBlockTree(t, cfg)
			txId := itu.RepeatHash(0xaa)
			if err := c.CoinsBatchWrite(ctx, txdb.CoinsMap{txId: testCoins(5, 50)},
				itu.RepeatHash(0xbb)); err != nil {
				t.Fatal(err)
			}
			if err := bt.FlagUpdate(ctx, "txindex", true); err != nil {
				t.Fatal(err)
			}
			closeDB(t, c)
			closeDB(t, bt)
			if err := c.Close(ctx); err == nil {
				t.Fatal("expected error on second close")
			}

			// Open a copy of the closed stores.
			snapshot := filepath.Join(t.TempDir(), "snapshot")
			if err := cp.Copy(home, snapshot); err != nil {
				t.Fatal(err)
			}
			scfg := NewDefaultConfig(snapshot)
			scfg.Engine = engine
			c = openCoins(t, scfg)
			bt = openBlockTree(t, scfg)
			if ok, err := c.CoinsExistByTxId(ctx, txId); err != nil || !ok {
				t.Fatalf("coins lost: %v %v", ok, err)
			}
			if v, err := bt.Flag(ctx, "txindex"); err != nil || !v {
				t.Fatalf("flag lost: %v %v", v, err)
			}

			// Version mismatch refuses to open.
			if err := c.db.Put(ctx, versionKey, txdb.AppendVarInt(nil, ldbVersion+1)); err != nil {
				t.Fatal(err)
			}
			closeDB(t, c)
			closeDB(t, bt)
			if _, err := NewCoinsDB(ctx, scfg); !errors.Is(err, ErrVersion) {
				t.Fatalf("expected version error, got %v", err)
			}
			// The failed open released the engine.
			scfg.Wipe = true
			c = openCoins(t, scfg)
			if ok, _ := c.CoinsExistByTxId(ctx, txId); ok {
				t.Fatal("wipe left coins behind")
			}
			closeDB(t, c)
		})
	}
}

func TestMetrics(t *testing.T) {
	ctx := t.Context()
	cfg := testConfig(t, engineTest{engine: kvdb.EnginePebble, memory: true})
	cfg.PromNamespace = "test"
	c := openCoins(t, cfg)
	defer closeDB(t, c)

	cm := txdb.CoinsMap{
		itu.RepeatHash(1): testCoins(1, 1),
		itu.RepeatHash(2): testCoins(1, 1),
		itu.RepeatHash(3): nil,
	}
	if err := c.CoinsBatchWrite(ctx, cm, itu.RepeatHash(0xbb)); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(c.metrics.batches); got != 1 {
		t.Fatalf("batches %v", got)
	}
	if got := testutil.ToFloat64(c.metrics.puts); got != 3 {
		t.Fatalf("puts %v", got)
	}
	if got := testutil.ToFloat64(c.metrics.deletes); got != 1 {
		t.Fatalf("deletes %v", got)
	}
	if len(c.Collectors()) != 5 {
		t.Fatalf("collectors %v", len(c.Collectors()))
	}
	if n := testutil.CollectAndCount(c.metrics.batches, "test_chainstate_batches_total"); n != 1 {
		t.Fatalf("metric count %v", n)
	}
}

func TestDump(t *testing.T) {
	ctx := t.Context()
	c := openCoins(t, testConfig(t, engineTest{engine: kvdb.EngineBadger, memory: true}))
	defer closeDB(t, c)

	cm := txdb.CoinsMap{
		itu.RepeatHash(2): testCoins(1, 1),
		itu.RepeatHash(1): testCoins(1, 1),
	}
	if err := c.CoinsBatchWrite(ctx, cm, itu.RepeatHash(0xbb)); err != nil {
		t.Fatal(err)
	}

	var keys []string
	err := c.Dump(ctx, nil, func(key, _ []byte) error {
		keys = append(keys, string(key[:1]))
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if diff := deep.Equal(keys, []string{"B", "V", "c", "c"}); len(diff) > 0 {
		t.Fatalf("unexpected keys %v: %v", keys, diff)
	}

	var first []byte
	stop := errors.New("stop")
	err = c.Dump(ctx, []byte{coinsPrefix}, func(key, _ []byte) error {
		first = bytes.Clone(key)
		return stop
	})
	if !errors.Is(err, stop) {
		t.Fatalf("expected stop, got %v", err)
	}
	if !bytes.Equal(first, coinsKey(itu.RepeatHash(1))) {
		t.Fatalf("first key %x", first)
	}
}
