// Copyright (c) 2024-2026 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package database

import (
	"errors"
	"fmt"
	"testing"

	"github.com/hemilabs/txdb/internal/testutil"
)

func TestErrors(t *testing.T) {
	var err error
	hash := testutil.String2Hash("000000000000098faa89ab34c3ec0e6e037698e3e54c8d1bbb9dcfe0054a8e7a")
	err = BlockNotFoundError{*hash}
	if !errors.Is(err, ErrBlockNotFound) {
		t.Fatalf("expected block not found, got %T", err)
	}
	err = fmt.Errorf("wrap %w", err)
	if !errors.Is(err, ErrBlockNotFound) {
		t.Fatalf("expected wrapped block not found, got %T", err)
	}
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected block not found to be not found, got %T", err)
	}
	var e BlockNotFoundError
	if !errors.As(err, &e) {
		t.Fatalf("expected wrapped block not found, got %T %v", err, err)
	}
	if e.Hash != *hash {
		t.Fatalf("got %v, wanted %v", e.Hash, hash)
	}
	err = errors.New("moo")
	if errors.Is(err, ErrBlockNotFound) {
		t.Fatalf("did not expected block not found, got %T", err)
	}
}

func TestCorruptRecord(t *testing.T) {
	key := []byte{'c', 1, 2, 3}
	cause := errors.New("short read")
	err := fmt.Errorf("coins: %w", Corrupt(key, cause))
	key[1] = 0xff // must not alias

	if !errors.Is(err, ErrCorruptRecord) {
		t.Fatalf("expected corrupt record, got %T", err)
	}
	if !errors.Is(err, cause) {
		t.Fatal("expected cause to unwrap")
	}
	var cre CorruptRecordError
	if !errors.As(err, &cre) {
		t.Fatalf("expected corrupt record, got %T", err)
	}
	if cre.Key[1] != 1 {
		t.Fatalf("key aliased: %x", cre.Key)
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrStore) {
		t.Fatal("corrupt record must not match other classes")
	}

	// A keyless decode error picks up the key instead of nesting.
	err = Corrupt([]byte{'b'}, Corrupt(nil, cause))
	if !errors.As(err, &cre) {
		t.Fatalf("expected corrupt record, got %T", err)
	}
	if string(cre.Key) != "b" || cre.Err != cause {
		t.Fatalf("unexpected corrupt record %v", cre)
	}
}

func TestStoreAndUninitialized(t *testing.T) {
	cause := errors.New("disk on fire")
	err := fmt.Errorf("write: %w", StoreError{Op: "write", Err: cause})
	if !errors.Is(err, ErrStore) {
		t.Fatalf("expected store error, got %T", err)
	}
	if !errors.Is(err, cause) {
		t.Fatal("expected cause to unwrap")
	}

	err = fmt.Errorf("best block: %w", UninitializedError("best block not set"))
	if !errors.Is(err, ErrUninitialized) {
		t.Fatalf("expected uninitialized, got %T", err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatal("uninitialized is not not found")
	}
}
