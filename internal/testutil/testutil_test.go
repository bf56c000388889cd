// Copyright (c) 2025-2026 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package testutil

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

func TestFillBytes(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		n      int
		want   []byte
	}{
		{
			name: "empty",
			n:    0,
			want: []byte{},
		},
		{
			name: "empty prefix",
			n:    32,
			want: []byte("________________________________"),
		},
		{
			name:   "with prefix",
			prefix: "test",
			n:      32,
			want:   []byte("test____________________________"),
		},
		{
			name:   "prefix longer than n",
			prefix: "test",
			n:      3,
			want:   []byte("tes"),
		},
		{
			name:   "negative",
			prefix: "test",
			n:      -1,
			want:   []byte{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FillBytes(tt.prefix, tt.n)
			if !bytes.Equal(got, tt.want) {
				t.Fatalf("got %q, wanted %q", got, tt.want)
			}
		})
	}
}

func TestHashes(t *testing.T) {
	h := FillHash("moo")
	if !bytes.Equal(h[:3], []byte("moo")) || h[31] != '_' {
		t.Fatalf("unexpected fill hash %x", h)
	}
	r := RepeatHash(0xaa)
	for k := range r {
		if r[k] != 0xaa {
			t.Fatalf("unexpected repeat hash %x", r)
		}
	}
	if *RandomHash() == *RandomHash() {
		t.Fatal("random hashes collided")
	}
	s := "000000000019d6689c085ae165831e934ff763ae46a2a6c172b3f1b60a8ce26f"
	if String2Hash(s).String() != s {
		t.Fatal("string hash round trip")
	}
}

func TestErrorIsOneOf(t *testing.T) {
	a := errors.New("a")
	b := errors.New("b")
	if !ErrorIsOneOf(fmt.Errorf("wrapped: %w", b), []error{a, b}) {
		t.Fatal("expected match")
	}
	if ErrorIsOneOf(errors.New("c"), []error{a, b}) {
		t.Fatal("unexpected match")
	}
}
