// Copyright (c) 2024-2026 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

type Database interface {
	Close(ctx context.Context) error // Close database
}

// NotFoundError is returned when a key is absent. Absence is a normal outcome
// and callers are expected to test for it with errors.Is.
type NotFoundError string

func (nfe NotFoundError) Error() string {
	return string(nfe)
}

func (nfe NotFoundError) Is(target error) bool {
	_, ok := target.(NotFoundError)
	return ok
}

type BlockNotFoundError struct {
	chainhash.Hash
}

func (bnfe BlockNotFoundError) Error() string {
	return fmt.Sprintf("block not found: %v", bnfe.Hash)
}

func (bnfe BlockNotFoundError) Is(target error) bool {
	switch target.(type) {
	case BlockNotFoundError, NotFoundError:
		return true
	}
	return false
}

// CorruptRecordError is returned when a present key carries a value that
// cannot be decoded. It is fatal to the read path.
type CorruptRecordError struct {
	Key []byte
	Err error
}

func (cre CorruptRecordError) Error() string {
	if cre.Err == nil {
		return fmt.Sprintf("corrupt record %x", cre.Key)
	}
	return fmt.Sprintf("corrupt record %x: %v", cre.Key, cre.Err)
}

func (cre CorruptRecordError) Unwrap() error {
	return cre.Err
}

func (cre CorruptRecordError) Is(target error) bool {
	_, ok := target.(CorruptRecordError)
	return ok
}

// StoreError wraps a failure of the backing store.
type StoreError struct {
	Op  string
	Err error
}

func (se StoreError) Error() string {
	return fmt.Sprintf("store %v: %v", se.Op, se.Err)
}

func (se StoreError) Unwrap() error {
	return se.Err
}

func (se StoreError) Is(target error) bool {
	_, ok := target.(StoreError)
	return ok
}

// UninitializedError is returned when a required scalar was never written.
type UninitializedError string

func (ue UninitializedError) Error() string {
	return string(ue)
}

func (ue UninitializedError) Is(target error) bool {
	_, ok := target.(UninitializedError)
	return ok
}

var (
	ErrNotFound      = NotFoundError("not found")
	ErrBlockNotFound BlockNotFoundError
	ErrCorruptRecord CorruptRecordError
	ErrStore         StoreError
	ErrUninitialized = UninitializedError("uninitialized")
)

// Corrupt is a convenience constructor for CorruptRecordError. The key is
// copied since it usually comes from an iterator. When err already is a
// CorruptRecordError without a key the key is filled in instead of nesting.
func Corrupt(key []byte, err error) error {
	var k []byte
	if key != nil {
		k = make([]byte, len(key))
		copy(k, key)
	}
	var cre CorruptRecordError
	if errors.As(err, &cre) && cre.Key == nil {
		cre.Key = k
		return cre
	}
	return CorruptRecordError{Key: k, Err: err}
}
