// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package index

import (
	"testing"

	"github.com/SteveYurongSu/Oak/internal/kvcodec"
)

func TestLookupRoutesToCoveringChunk(t *testing.T) {
	x := New[int64](kvcodec.Int64Comparator{})

	chunkA := "chunkA" // any stand-in; the index never dereferences it
	chunkB := "chunkB"
	chunkC := "chunkC"

	x.Insert(0, chunkA)
	x.Insert(100, chunkB)
	x.Insert(200, chunkC)

	cases := []struct {
		key  int64
		want any
	}{
		{0, chunkA},
		{50, chunkA},
		{100, chunkB},
		{150, chunkB},
		{200, chunkC},
		{10_000, chunkC},
	}
	for _, c := range cases {
		if got := x.Lookup(c.key); got != c.want {
			t.Errorf("Lookup(%d) = %v, want %v", c.key, got, c.want)
		}
	}
}

func TestLookupEmptyIndex(t *testing.T) {
	x := New[int64](kvcodec.Int64Comparator{})
	if got := x.Lookup(42); got != nil {
		t.Fatalf("Lookup on empty index = %v, want nil", got)
	}
}

func TestReplaceRoutesToReplacement(t *testing.T) {
	x := New[int64](kvcodec.Int64Comparator{})
	original := "original"
	x.Insert(0, original)

	if got := x.Lookup(50); got != original {
		t.Fatalf("Lookup before replace = %v, want %v", got, original)
	}

	left, right := "left", "right"
	x.Replace(0, original, []struct {
		MinKey int64
		Chunk  any
	}{
		{MinKey: 0, Chunk: left},
		{MinKey: 50, Chunk: right},
	})

	if got := x.Lookup(10); got != left {
		t.Fatalf("Lookup(10) after replace = %v, want %v", got, left)
	}
	if got := x.Lookup(60); got != right {
		t.Fatalf("Lookup(60) after replace = %v, want %v", got, right)
	}
}

func TestFirstLastAfterBefore(t *testing.T) {
	x := New[int64](kvcodec.Int64Comparator{})
	chunkA, chunkB, chunkC := "chunkA", "chunkB", "chunkC"
	x.Insert(0, chunkA)
	x.Insert(100, chunkB)
	x.Insert(200, chunkC)

	if got := x.First(); got != chunkA {
		t.Fatalf("First() = %v, want %v", got, chunkA)
	}
	if got := x.Last(); got != chunkC {
		t.Fatalf("Last() = %v, want %v", got, chunkC)
	}
	if got := x.After(0); got != chunkB {
		t.Fatalf("After(0) = %v, want %v", got, chunkB)
	}
	if got := x.After(200); got != nil {
		t.Fatalf("After(200) = %v, want nil", got)
	}
	if got := x.Before(200); got != chunkB {
		t.Fatalf("Before(200) = %v, want %v", got, chunkB)
	}
	if got := x.Before(0); got != nil {
		t.Fatalf("Before(0) = %v, want nil", got)
	}
}

func TestFirstLastOnEmptyIndex(t *testing.T) {
	x := New[int64](kvcodec.Int64Comparator{})
	if got := x.First(); got != nil {
		t.Fatalf("First() on empty index = %v, want nil", got)
	}
	if got := x.Last(); got != nil {
		t.Fatalf("Last() on empty index = %v, want nil", got)
	}
}
