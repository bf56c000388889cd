// Copyright (c) 2025-2026 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package txdb

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// Compressed transaction outputs follow bitcoind's CTxOutCompressor: a
// VARINT compressed amount followed by a compressed script.
//
// Script compression special cases:
//
//	0x00 + 20 bytes:  pay to pubkey hash
//	0x01 + 20 bytes:  pay to script hash
//	0x02 + 32 bytes:  pay to compressed pubkey, even y
//	0x03 + 32 bytes:  pay to compressed pubkey, odd y
//	0x04 + 32 bytes:  pay to uncompressed pubkey, even y
//	0x05 + 32 bytes:  pay to uncompressed pubkey, odd y
//
// Any other script is stored as VARINT(len + 6) followed by the raw bytes.

const (
	numSpecialScripts = 6

	// maxScriptSize mirrors the consensus limit. Larger scripts are
	// unspendable and decompress to a lone OP_RETURN.
	maxScriptSize = 10000
)

var ErrInvalidScript = errors.New("invalid compressed script")

// CompressAmount shrinks amounts that end in zeros, which most do.
func CompressAmount(n uint64) uint64 {
	if n == 0 {
		return 0
	}
	e := uint64(0)
	for n%10 == 0 && e < 9 {
		n /= 10
		e++
	}
	if e < 9 {
		d := n % 10
		n /= 10
		return 1 + (n*9+d-1)*10 + e
	}
	return 1 + (n-1)*10 + 9
}

// DecompressAmount reverses CompressAmount.
func DecompressAmount(x uint64) uint64 {
	if x == 0 {
		return 0
	}
	x--
	e := x % 10
	x /= 10
	var n uint64
	if e < 9 {
		d := (x % 9) + 1
		x /= 9
		n = x*10 + d
	} else {
		n = x + 1
	}
	for ; e > 0; e-- {
		n *= 10
	}
	return n
}

func isToKeyId(s []byte) bool {
	return len(s) == 25 && s[0] == txscript.OP_DUP &&
		s[1] == txscript.OP_HASH160 && s[2] == txscript.OP_DATA_20 &&
		s[23] == txscript.OP_EQUALVERIFY && s[24] == txscript.OP_CHECKSIG
}

func isToScriptId(s []byte) bool {
	return len(s) == 23 && s[0] == txscript.OP_HASH160 &&
		s[1] == txscript.OP_DATA_20 && s[22] == txscript.OP_EQUAL
}

func isToCompressedPubKey(s []byte) bool {
	return len(s) == 35 && s[0] == txscript.OP_DATA_33 &&
		s[34] == txscript.OP_CHECKSIG && (s[1] == 0x02 || s[1] == 0x03)
}

func isToUncompressedPubKey(s []byte) bool {
	if len(s) != 67 || s[0] != txscript.OP_DATA_65 ||
		s[66] != txscript.OP_CHECKSIG || s[1] != 0x04 {
		return false
	}
	// Only keys that are on the curve can be rebuilt from x and parity.
	_, err := btcec.ParsePubKey(s[1:66])
	return err == nil
}

// compressScript returns the special form of script or nil when the script
// has to be stored verbatim.
func compressScript(s []byte) []byte {
	switch {
	case isToKeyId(s):
		return append([]byte{0x00}, s[3:23]...)
	case isToScriptId(s):
		return append([]byte{0x01}, s[2:22]...)
	case isToCompressedPubKey(s):
		return append([]byte{s[1]}, s[2:34]...)
	case isToUncompressedPubKey(s):
		return append([]byte{0x04 | (s[65] & 0x01)}, s[2:34]...)
	}
	return nil
}

func specialScriptSize(kind uint64) int {
	if kind == 0 || kind == 1 {
		return 20
	}
	return 32
}

func decompressScript(kind uint64, b []byte) ([]byte, error) {
	switch kind {
	case 0x00:
		return txscript.NewScriptBuilder().AddOp(txscript.OP_DUP).
			AddOp(txscript.OP_HASH160).AddData(b).
			AddOp(txscript.OP_EQUALVERIFY).AddOp(txscript.OP_CHECKSIG).
			Script()
	case 0x01:
		return txscript.NewScriptBuilder().AddOp(txscript.OP_HASH160).
			AddData(b).AddOp(txscript.OP_EQUAL).Script()
	case 0x02, 0x03:
		pk := append([]byte{byte(kind)}, b...)
		return txscript.NewScriptBuilder().AddData(pk).
			AddOp(txscript.OP_CHECKSIG).Script()
	case 0x04, 0x05:
		pk, err := btcec.ParsePubKey(append([]byte{byte(kind - 2)}, b...))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidScript, err)
		}
		return txscript.NewScriptBuilder().
			AddData(pk.SerializeUncompressed()).
			AddOp(txscript.OP_CHECKSIG).Script()
	}
	return nil, fmt.Errorf("%w: kind %v", ErrInvalidScript, kind)
}

// appendCompressedTxOut appends the compressed form of txOut to b.
func appendCompressedTxOut(b []byte, txOut *wire.TxOut) []byte {
	b = AppendVarInt(b, CompressAmount(uint64(txOut.Value)))
	if cs := compressScript(txOut.PkScript); cs != nil {
		return append(b, cs...)
	}
	b = AppendVarInt(b, uint64(len(txOut.PkScript))+numSpecialScripts)
	return append(b, txOut.PkScript...)
}

// compressedTxOut decodes a compressed transaction output.
func (r *reader) compressedTxOut() *wire.TxOut {
	amount := DecompressAmount(r.varint())
	kind := r.varint()
	if r.err != nil {
		return nil
	}
	if kind < numSpecialScripts {
		b := r.bytes(specialScriptSize(kind))
		if r.err != nil {
			return nil
		}
		script, err := decompressScript(kind, b)
		if err != nil {
			r.err = err
			return nil
		}
		return wire.NewTxOut(int64(amount), script)
	}
	size := kind - numSpecialScripts
	if size > uint64(r.remaining()) {
		r.err = fmt.Errorf("script size %v: %w", size, ErrInvalidScript)
		return nil
	}
	script := r.bytes(int(size))
	if size > maxScriptSize {
		script = []byte{txscript.OP_RETURN}
	}
	return wire.NewTxOut(int64(amount), script)
}
