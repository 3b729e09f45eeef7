// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package oakmap

import (
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/SteveYurongSu/Oak/internal/kvcodec"
)

func newTestMap(t *testing.T) *Map[int64, int64] {
	t.Helper()
	m := New[int64, int64](0, kvcodec.Int64Comparator{}, kvcodec.Int64Serializer{}, kvcodec.Int64Serializer{}, Options{ChunkCapacity: 64})
	t.Cleanup(m.Close)
	return m
}

func TestPutGetRoundTrip(t *testing.T) {
	m := newTestMap(t)

	if _, found, err := m.Get(5); err != nil || found {
		t.Fatalf("get on empty map: found=%v err=%v", found, err)
	}

	if err := m.Put(5, 500); err != nil {
		t.Fatal(err)
	}

	got, found, err := m.Get(5)
	if err != nil || !found {
		t.Fatalf("get after put: found=%v err=%v", found, err)
	}
	if got != 500 {
		t.Fatalf("got %d, want 500", got)
	}

	if err := m.Put(5, 999); err != nil {
		t.Fatal(err)
	}
	got, _, _ = m.Get(5)
	if got != 999 {
		t.Fatalf("got %d after overwrite, want 999", got)
	}
}

func TestPutIfAbsent(t *testing.T) {
	m := newTestMap(t)

	stored, err := m.PutIfAbsent(1, 10)
	if err != nil || !stored {
		t.Fatalf("first PutIfAbsent: stored=%v err=%v", stored, err)
	}

	stored, err = m.PutIfAbsent(1, 20)
	if err != nil || stored {
		t.Fatalf("second PutIfAbsent: stored=%v err=%v", stored, err)
	}

	got, _, _ := m.Get(1)
	if got != 10 {
		t.Fatalf("got %d, want 10 (PutIfAbsent must not overwrite)", got)
	}
}

func TestRemove(t *testing.T) {
	m := newTestMap(t)
	if err := m.Put(2, 20); err != nil {
		t.Fatal(err)
	}

	removed, err := m.Remove(2)
	if err != nil || !removed {
		t.Fatalf("remove: removed=%v err=%v", removed, err)
	}

	if _, found, err := m.Get(2); err != nil || found {
		t.Fatalf("get after remove: found=%v err=%v", found, err)
	}

	removed, err = m.Remove(2)
	if err != nil || removed {
		t.Fatalf("remove of already-removed key: removed=%v err=%v", removed, err)
	}
}

func TestCompute(t *testing.T) {
	m := newTestMap(t)
	if err := m.Put(3, 1); err != nil {
		t.Fatal(err)
	}

	found, err := m.Compute(3, func(buf []byte) {
		for i := range buf {
			buf[i] = 0xFF
		}
	})
	if err != nil || !found {
		t.Fatalf("compute: found=%v err=%v", found, err)
	}

	found, err = m.Compute(999, func([]byte) {})
	if err != nil || found {
		t.Fatalf("compute on missing key: found=%v err=%v", found, err)
	}
}

func TestAscendDescend(t *testing.T) {
	m := newTestMap(t)
	for _, k := range []int64{50, 10, 30, 20, 40} {
		if err := m.Put(k, k*10); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := m.Remove(30); err != nil {
		t.Fatal(err)
	}

	it, err := m.Ascend(nil)
	if err != nil {
		t.Fatal(err)
	}
	var gotKeys []int64
	for {
		k, v, found, err := it.Next()
		if err != nil {
			t.Fatal(err)
		}
		if !found {
			break
		}
		if v != k*10 {
			t.Fatalf("Ascend key %d: value %d, want %d", k, v, k*10)
		}
		gotKeys = append(gotKeys, k)
	}
	wantAsc := []int64{10, 20, 40, 50}
	if len(gotKeys) != len(wantAsc) {
		t.Fatalf("Ascend keys = %v, want %v", gotKeys, wantAsc)
	}
	for i, k := range wantAsc {
		if gotKeys[i] != k {
			t.Fatalf("Ascend keys = %v, want %v", gotKeys, wantAsc)
		}
	}

	from := int64(20)
	it, err = m.Ascend(&from)
	if err != nil {
		t.Fatal(err)
	}
	k, _, found, err := it.Next()
	if err != nil || !found || k != 20 {
		t.Fatalf("Ascend(from=20) first key = %d, found=%v err=%v, want 20", k, found, err)
	}

	dit, err := m.Descend(nil)
	if err != nil {
		t.Fatal(err)
	}
	gotKeys = nil
	for {
		k, _, found, err := dit.Next()
		if err != nil {
			t.Fatal(err)
		}
		if !found {
			break
		}
		gotKeys = append(gotKeys, k)
	}
	wantDesc := []int64{50, 40, 20, 10}
	if len(gotKeys) != len(wantDesc) {
		t.Fatalf("Descend keys = %v, want %v", gotKeys, wantDesc)
	}
	for i, k := range wantDesc {
		if gotKeys[i] != k {
			t.Fatalf("Descend keys = %v, want %v", gotKeys, wantDesc)
		}
	}
}

func TestAscendDescendEmptyMap(t *testing.T) {
	m := newTestMap(t)

	it, err := m.Ascend(nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, found, err := it.Next(); err != nil || found {
		t.Fatalf("Ascend on empty map: found=%v err=%v", found, err)
	}

	dit, err := m.Descend(nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, found, err := dit.Next(); err != nil || found {
		t.Fatalf("Descend on empty map: found=%v err=%v", found, err)
	}
}

func TestLargeValueRoundTripsCompressed(t *testing.T) {
	m := New[int64, []byte](0, kvcodec.Int64Comparator{}, kvcodec.Int64Serializer{}, kvcodec.BytesSerializer{}, Options{ChunkCapacity: 64})
	t.Cleanup(m.Close)

	big := make([]byte, 4096)
	for i := range big {
		big[i] = byte(i % 7) // repetitive enough to actually compress
	}

	if err := m.Put(1, big); err != nil {
		t.Fatal(err)
	}

	got, found, err := m.Get(1)
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if string(got) != string(big) {
		t.Fatal("large value round trip mismatch")
	}

	found, err = m.Compute(1, func(buf []byte) {
		for i := range buf {
			buf[i] = 0xAB
		}
	})
	if err != nil || !found {
		t.Fatalf("compute on compressed value: found=%v err=%v", found, err)
	}

	got, _, err = m.Get(1)
	if err != nil {
		t.Fatal(err)
	}
	for i, b := range got {
		if b != 0xAB {
			t.Fatalf("byte %d = %x after compute, want 0xAB", i, b)
		}
	}
}

func TestConcurrentPutGet(t *testing.T) {
	m := newTestMap(t)

	var g errgroup.Group
	for i := 0; i < 32; i++ {
		i := i
		g.Go(func() error {
			return m.Put(int64(i), int64(i)*10)
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 32; i++ {
		got, found, err := m.Get(int64(i))
		if err != nil || !found {
			t.Fatalf("key %d missing: found=%v err=%v", i, found, err)
		}
		if got != int64(i)*10 {
			t.Fatalf("key %d = %d, want %d", i, got, int64(i)*10)
		}
	}
}
