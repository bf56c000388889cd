// Copyright (c) 2025-2026 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package level implements the coin set and block metadata stores on top of
// an ordered key-value engine. Each store owns a private engine instance in
// its own directory, chainstate and blocks/index respectively.
package level

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/juju/loggo/v2"
	"github.com/mitchellh/go-homedir"

	"github.com/hemilabs/txdb/database"
	"github.com/hemilabs/txdb/database/kvdb"
	"github.com/hemilabs/txdb/database/txdb"
)

const (
	ldbVersion = 1

	logLevel = "INFO"

	ChainstateDir = "chainstate"

	DefaultCacheSize           = "100MiB"
	DefaultBlockIndexCacheSize = 10000 // records

	minCacheSize      = 4 * humanize.MiByte
	maxCacheSize      = 4 * humanize.GiByte
	maxBlockTreeCache = 2 * humanize.MiByte
)

// BlockIndexDir is relative to the home directory.
var BlockIndexDir = filepath.Join("blocks", "index")

var (
	log = loggo.GetLogger("level")

	Welcome = true

	ErrVersion = errors.New("database version mismatch")

	versionKey = []byte{'V'}
)

func init() {
	if err := loggo.ConfigureLoggers(logLevel); err != nil {
		panic(err)
	}
}

type Config struct {
	Home                string // home directory, ~ is expanded
	Engine              string // key-value engine: level, pebble or badger
	CacheSize           string // total engine cache budget, e.g. 100MiB
	BlockIndexCacheSize int    // block index records kept in memory, 0 disables
	Memory              bool   // keep stores in memory
	Wipe                bool   // erase existing stores on open
	Sync                bool   // fsync every committed batch
	PromNamespace       string // prometheus namespace

	home      string // expanded home
	cacheSize int64  // parsed and clamped cache budget

	// wrapDB lets tests interpose on the engine.
	wrapDB func(kvdb.Database) kvdb.Database
}

func NewDefaultConfig(home string) *Config {
	return &Config{
		Home:                home,
		Engine:              kvdb.EngineLevel,
		CacheSize:           DefaultCacheSize,
		BlockIndexCacheSize: DefaultBlockIndexCacheSize,
	}
}

// parse returns a copy of cfg with the home directory expanded and the cache
// size parsed and clamped to 4MiB...4GiB. cfg itself is not modified so one
// Config may open several stores concurrently.
func (cfg *Config) parse() (*Config, error) {
	pc := *cfg
	if !pc.Memory {
		if pc.Home == "" {
			return nil, errors.New("home directory required")
		}
		h, err := homedir.Expand(pc.Home)
		if err != nil {
			return nil, fmt.Errorf("home dir: %w", err)
		}
		pc.home = h
	}

	cs := pc.CacheSize
	if cs == "" {
		cs = DefaultCacheSize
	}
	size, err := humanize.ParseBytes(cs)
	if err != nil {
		return nil, fmt.Errorf("cache size: %w", err)
	}
	size = max(size, minCacheSize)
	size = min(size, maxCacheSize)
	pc.cacheSize = int64(size)
	return &pc, nil
}

// cacheSplit divides the cache budget between the two stores the way
// bitcoind does: an eighth for the block tree, capped at 2MiB, and half of
// the remainder for the coin set.
func cacheSplit(total int64) (blockTree, coins int64) {
	blockTree = min(total/8, maxBlockTreeCache)
	coins = (total - blockTree) / 2
	return blockTree, coins
}

// store is one engine instance with single writer discipline. Writers must
// hold mtx for the entire read-modify-write cycle. Reads do not lock, the
// engines provide snapshot reads and atomic batch visibility.
type store struct {
	mtx sync.Mutex

	db      kvdb.Database
	name    string
	metrics *metrics
}

func openStore(ctx context.Context, cfg *Config, dir, subsystem string, cacheSize int64) (*store, error) {
	log.Tracef("openStore %v", dir)
	defer log.Tracef("openStore %v exit", dir)

	home := filepath.Join(cfg.home, dir)
	if !cfg.Memory {
		if cfg.Wipe {
			log.Infof("Wiping %v", home)
			if err := os.RemoveAll(home); err != nil {
				return nil, fmt.Errorf("wipe %v: %w", dir, err)
			}
		}
		if err := os.MkdirAll(home, 0o700); err != nil {
			return nil, fmt.Errorf("mkdir: %w", err)
		}
	}

	db, err := kvdb.New(&kvdb.Config{
		Engine:    cfg.Engine,
		Home:      home,
		CacheSize: cacheSize,
		Memory:    cfg.Memory,
		Sync:      cfg.Sync,
	})
	if err != nil {
		return nil, fmt.Errorf("%v: %w", dir, err)
	}
	if cfg.wrapDB != nil {
		db = cfg.wrapDB(db)
	}
	if err := db.Open(ctx); err != nil {
		return nil, database.StoreError{Op: "open " + dir, Err: err}
	}
	s := &store{
		db:      db,
		name:    dir,
		metrics: newMetrics(cfg.PromNamespace, subsystem),
	}

	unwind := true
	defer func() {
		if unwind {
			if err := db.Close(ctx); err != nil {
				log.Errorf("unwind %v: %v", dir, err)
			}
		}
	}()

	if err := s.checkVersion(ctx); err != nil {
		return nil, err
	}
	if Welcome {
		log.Infof("Opened %v: engine %v cache %v", dir, engineName(cfg.Engine),
			humanize.IBytes(uint64(cacheSize)))
	}

	unwind = false
	return s, nil
}

func engineName(engine string) string {
	if engine == "" {
		return kvdb.EngineLevel
	}
	return engine
}

// checkVersion stamps new stores with the current version and refuses to open
// stores written by a different version.
func (s *store) checkVersion(ctx context.Context) error {
	value, err := s.get(ctx, "version", versionKey)
	if err != nil {
		if !errors.Is(err, database.ErrNotFound) {
			return err
		}
		v := txdb.AppendVarInt(nil, ldbVersion)
		if err := s.db.Put(ctx, versionKey, v); err != nil {
			return database.StoreError{Op: "version", Err: err}
		}
		return nil
	}
	version, err := txdb.DecodeVarInt(value)
	if err != nil {
		return s.corrupt(versionKey, err)
	}
	if version != ldbVersion {
		return fmt.Errorf("%w: %v wanted %v got %v", ErrVersion, s.name,
			ldbVersion, version)
	}
	return nil
}

// Close closes the engine. Calling Close more than once is an error.
func (s *store) Close(ctx context.Context) error {
	log.Tracef("Close %v", s.name)
	defer log.Tracef("Close %v exit", s.name)

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if err := s.db.Close(ctx); err != nil {
		return database.StoreError{Op: "close " + s.name, Err: err}
	}
	return nil
}

func (s *store) get(ctx context.Context, op string, key []byte) ([]byte, error) {
	value, err := s.db.Get(ctx, key)
	if err != nil {
		if errors.Is(err, kvdb.ErrKeyNotFound) {
			return nil, database.NotFoundError(fmt.Sprintf("%v: %x not found",
				op, key))
		}
		return nil, database.StoreError{Op: op, Err: err}
	}
	return value, nil
}

func (s *store) has(ctx context.Context, op string, key []byte) (bool, error) {
	ok, err := s.db.Has(ctx, key)
	if err != nil {
		return false, database.StoreError{Op: op, Err: err}
	}
	return ok, nil
}

// corrupt counts and returns a corrupt record error for key.
func (s *store) corrupt(key []byte, err error) error {
	s.metrics.corrupt.Inc()
	return database.Corrupt(key, err)
}

// batch counts staged operations for metrics.
type batch struct {
	kvdb.Batch
	puts    int
	deletes int
}

func (b *batch) put(ctx context.Context, key, value []byte) {
	b.Put(ctx, key, value)
	b.puts++
}

func (b *batch) del(ctx context.Context, key []byte) {
	b.Del(ctx, key)
	b.deletes++
}

func (s *store) newBatch(ctx context.Context) (*batch, error) {
	b, err := s.db.NewBatch(ctx)
	if err != nil {
		return nil, database.StoreError{Op: "new batch", Err: err}
	}
	return &batch{Batch: b}, nil
}

// write commits b. The caller must hold mtx.
func (s *store) write(ctx context.Context, op string, b *batch) error {
	if err := s.db.Write(ctx, b.Batch); err != nil {
		return database.StoreError{Op: op, Err: err}
	}
	s.metrics.committed(b.puts, b.deletes)
	return nil
}

// Dump calls fn for every key that starts with prefix, in key order, on a
// snapshot of the store. A nil prefix walks the entire store.
func (s *store) Dump(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error {
	log.Tracef("Dump %v", s.name)
	defer log.Tracef("Dump %v exit", s.name)

	it, err := s.db.NewIterator(ctx, prefix)
	if err != nil {
		return database.StoreError{Op: "dump", Err: err}
	}
	defer it.Close(ctx)

	for it.Next(ctx) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(it.Key(ctx), it.Value(ctx)); err != nil {
			return err
		}
	}
	if err := it.Err(); err != nil {
		return database.StoreError{Op: "dump", Err: err}
	}
	return nil
}
