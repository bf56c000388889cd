// Copyright (c) 2025-2026 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package kvdb

import (
	"errors"

	"github.com/cockroachdb/pebble"
	"github.com/dgraph-io/badger/v4"
	"github.com/syndtr/goleveldb/leveldb"
)

// Translate specific dbs' errors into kvdb errors
func xerr(err error) error {
	switch {
	case err == nil:
		return nil

	// badger
	case errors.Is(err, badger.ErrDBClosed):
		err = ErrDBClosed
	case errors.Is(err, badger.ErrKeyNotFound):
		err = ErrKeyNotFound

	// leveldb
	case errors.Is(err, leveldb.ErrClosed):
		err = ErrDBClosed
	case errors.Is(err, leveldb.ErrNotFound):
		err = ErrKeyNotFound

	// pebble
	case errors.Is(err, pebble.ErrClosed):
		err = ErrDBClosed
	case errors.Is(err, pebble.ErrNotFound):
		err = ErrKeyNotFound
	}
	return err
}
