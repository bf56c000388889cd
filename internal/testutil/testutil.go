// Copyright (c) 2025-2026 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package testutil

import (
	"crypto/rand"
	"encoding/hex"
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// FillBytes returns a byte slice with a length of n, containing the prefix and
// remaining bytes filled with underscores.
func FillBytes(prefix string, n int) []byte {
	if n < 0 {
		n = 0
	}
	if len(prefix) > n {
		prefix = prefix[:n]
	}

	result := make([]byte, n)
	copy(result, prefix)
	for i := len(prefix); i < len(result); i++ {
		result[i] = '_'
	}
	return result
}

// FillHash returns a hash that is the prefix padded with underscores.
func FillHash(prefix string) chainhash.Hash {
	var h chainhash.Hash
	copy(h[:], FillBytes(prefix, chainhash.HashSize))
	return h
}

// RepeatHash returns a hash with every byte set to b, e.g. 0xaa..aa.
func RepeatHash(b byte) chainhash.Hash {
	var h chainhash.Hash
	for k := range h {
		h[k] = b
	}
	return h
}

// RandomBytes returns a random byte slice of size n.
func RandomBytes(count int) []byte {
	b := make([]byte, count)
	_, err := rand.Read(b)
	if err != nil {
		panic(err)
	}
	return b
}

// RandomHash returns a random hash.
func RandomHash() *chainhash.Hash {
	b := RandomBytes(len(chainhash.Hash{}))
	h, err := chainhash.NewHash(b)
	if err != nil {
		panic(err)
	}
	return h
}

// String2Hash converts a string into a hash.
func String2Hash(s string) *chainhash.Hash {
	h, err := chainhash.NewHashFromStr(s)
	if err != nil {
		panic(err)
	}
	return h
}

// DecodeHex returns the bytes represented by a hexadecimal string.
func DecodeHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

// ErrorIsOneOf verifies if err is one of the provided error types.
func ErrorIsOneOf(err error, errs []error) bool {
	for _, v := range errs {
		if errors.Is(err, v) {
			return true
		}
	}
	return false
}
