// Copyright (c) 2025-2026 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
	"github.com/go-test/deep"

	"github.com/hemilabs/txdb/database"
	"github.com/hemilabs/txdb/database/kvdb"
	"github.com/hemilabs/txdb/database/txdb"
	"github.com/hemilabs/txdb/database/txdb/level"
	"github.com/hemilabs/txdb/internal/testutil"
)

func testCoins(height uint32, values ...int64) *txdb.Coins {
	c := &txdb.Coins{Version: 1, Height: height}
	for k, v := range values {
		script := append([]byte{0x76, 0xa9, 0x14},
			testutil.FillBytes(fmt.Sprintf("%v", k), 20)...)
		c.Outputs = append(c.Outputs, wire.NewTxOut(v, append(script, 0x88, 0xac)))
	}
	return c
}

func TestMemory(t *testing.T) {
	ctx := t.Context()
	m := New()

	if _, err := m.BestBlock(ctx); !errors.Is(err, database.ErrUninitialized) {
		t.Fatalf("expected uninitialized, got %v", err)
	}

	txA := testutil.RepeatHash(0xaa)
	coins := testCoins(7, 100, 200)
	cm := txdb.CoinsMap{txA: coins}
	if err := m.CoinsBatchWrite(ctx, cm, testutil.RepeatHash(0xbb)); err != nil {
		t.Fatal(err)
	}
	if len(cm) != 0 {
		t.Fatal("map not emptied")
	}

	// Stored coins do not alias the caller's.
	coins.Outputs[0].Value = 1
	got, err := m.CoinsByTxId(ctx, txA)
	if err != nil {
		t.Fatal(err)
	}
	if got.Outputs[0].Value != 100 {
		t.Fatalf("aliased coins %v", spew.Sdump(got))
	}

	coins.Spend(0)
	coins.Spend(1)
	if err := m.CoinsBatchWrite(ctx, txdb.CoinsMap{txA: coins},
		testutil.RepeatHash(0xcc)); err != nil {
		t.Fatal(err)
	}
	if ok, _ := m.CoinsExistByTxId(ctx, txA); ok {
		t.Fatal("pruned coins present")
	}
	if _, err := m.CoinsByTxId(ctx, txA); !errors.Is(err, database.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	best, err := m.BestBlock(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if *best != testutil.RepeatHash(0xcc) {
		t.Fatalf("best block %v", best)
	}

	if err := m.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(ctx); !errors.Is(err, database.ErrStore) {
		t.Fatalf("expected store error, got %v", err)
	}
	if _, err := m.BestBlock(ctx); !errors.Is(err, database.ErrStore) {
		t.Fatalf("expected store error, got %v", err)
	}
}

// TestMemoryMatchesLevel applies the same changes to both coin sets and
// compares their statistics.
func TestMemoryMatchesLevel(t *testing.T) {
	ctx := t.Context()
	level.Welcome = false
	cfg := level.NewDefaultConfig(t.TempDir())
	cfg.Engine = kvdb.EnginePebble
	cfg.Memory = true
	ldb, err := level.NewCoinsDB(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if err := ldb.Close(context.Background()); err != nil {
			t.Fatal(err)
		}
	}()
	m := New()

	for round := range 3 {
		changes := func() txdb.CoinsMap {
			cm := make(txdb.CoinsMap)
			for i := range 20 {
				txId := testutil.FillHash(fmt.Sprintf("%v", i))
				if (i+round)%3 == 0 {
					cm[txId] = nil
					continue
				}
				cm[txId] = testCoins(uint32(round), int64(i), int64(round+1))
			}
			return cm
		}
		best := testutil.RepeatHash(byte(round))
		for _, db := range []txdb.CoinsDatabase{m, ldb} {
			if err := db.CoinsBatchWrite(ctx, changes(), best); err != nil {
				t.Fatal(err)
			}
		}

		want, err := ldb.CoinsStats(ctx)
		if err != nil {
			t.Fatal(err)
		}
		got, err := m.CoinsStats(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if diff := deep.Equal(got, want); len(diff) > 0 {
			t.Fatalf("round %v: unexpected stats:\n%v\n%v", round, diff,
				spew.Sdump(got))
		}
	}
}
