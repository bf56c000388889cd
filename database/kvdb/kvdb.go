// Copyright (c) 2025-2026 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package kvdb wraps ordered key-value engines behind one small interface:
// point reads and writes, atomic batches and prefix iteration in byte order.
//
// Callers multiplex logical tables inside a single engine instance by using a
// one byte tag as the first byte of every key.
package kvdb

import (
	"context"
	"errors"
	"fmt"

	"github.com/juju/loggo/v2"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const logLevel = "INFO"

var log = loggo.GetLogger("kvdb")

func init() {
	if err := loggo.ConfigureLoggers(logLevel); err != nil {
		panic(err)
	}
}

// Engines
const (
	EngineLevel  = "level"
	EnginePebble = "pebble"
	EngineBadger = "badger"
)

// Engines returns all supported engine names.
func Engines() []string {
	return []string{EngineLevel, EnginePebble, EngineBadger}
}

type Database interface {
	Open(context.Context) error
	Close(context.Context) error

	// Basic KV
	Del(ctx context.Context, key []byte) error
	Has(ctx context.Context, key []byte) (bool, error)
	Get(ctx context.Context, key []byte) ([]byte, error)
	Put(ctx context.Context, key []byte, value []byte) error

	// Batches are applied all or nothing.
	NewBatch(ctx context.Context) (Batch, error)
	Write(ctx context.Context, b Batch) error

	// NewIterator returns an iterator over all keys that start with
	// prefix, in byte order. A nil prefix iterates the entire database.
	// The iterator observes the database as it was when it was created.
	NewIterator(ctx context.Context, prefix []byte) (Iterator, error)
}

// Batch collects puts and deletes. Operations are applied in order, a later
// operation on the same key wins. A batch must not be reused after Write.
type Batch interface {
	Put(ctx context.Context, key, value []byte)
	Del(ctx context.Context, key []byte)
	Len() int
	Reset(ctx context.Context)
}

// Iterator walks keys in byte order. It starts before the first key, call
// Next to advance. Key and Value are only valid until the next call to Next.
type Iterator interface {
	Next(ctx context.Context) bool
	Key(ctx context.Context) []byte
	Value(ctx context.Context) []byte
	Err() error
	Close(ctx context.Context)
}

type Config struct {
	Engine    string // level, pebble or badger
	Home      string // database directory, ignored when Memory is set
	CacheSize int64  // engine cache budget in bytes, 0 is engine default
	Memory    bool   // keep everything in memory
	Sync      bool   // fsync every write
}

func DefaultConfig(engine, home string) *Config {
	return &Config{
		Engine: engine,
		Home:   home,
	}
}

// New returns an unopened database for cfg.Engine.
func New(cfg *Config) (Database, error) {
	if cfg == nil {
		return nil, ErrInvalidConfig
	}
	if !cfg.Memory && cfg.Home == "" {
		return nil, fmt.Errorf("%w: home required", ErrInvalidConfig)
	}
	switch cfg.Engine {
	case EngineLevel, "":
		return NewLevelDB(cfg)
	case EnginePebble:
		return NewPebbleDB(cfg)
	case EngineBadger:
		return NewBadgerDB(cfg)
	}
	return nil, fmt.Errorf("%w: unknown engine %q", ErrInvalidConfig, cfg.Engine)
}

// prefixRange returns the [start, limit) range that covers prefix. The limit
// is nil when prefix is all 0xff or empty.
func prefixRange(prefix []byte) (start, limit []byte) {
	if len(prefix) == 0 {
		return nil, nil
	}
	r := util.BytesPrefix(prefix)
	return r.Start, r.Limit
}

var (
	ErrDBClosed      = errors.New("database closed")
	ErrDBOpen        = errors.New("database already open")
	ErrKeyNotFound   = errors.New("key not found")
	ErrInvalidConfig = errors.New("invalid config")
	ErrInvalidBatch  = errors.New("invalid batch")
)
