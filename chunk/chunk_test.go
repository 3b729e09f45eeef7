// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package chunk

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	"github.com/SteveYurongSu/Oak/internal/blockstore"
	"github.com/SteveYurongSu/Oak/internal/chunkfmt"
	"github.com/SteveYurongSu/Oak/internal/kvcodec"
)

func newTestChunk(t *testing.T, maxItems int) *Chunk[int64] {
	t.Helper()
	store := blockstore.NewStore(1 << 16)
	c := New[int64](maxItems, 0, store, kvcodec.Int64Comparator{}, kvcodec.Int64Serializer{}, nil)
	c.Normalize()
	return c
}

func putLive(t *testing.T, c *Chunk[int64], key int64, val int64) {
	t.Helper()
	slot, err := c.AllocateEntryAndKey(key)
	if err != nil {
		t.Fatalf("AllocateEntryAndKey(%d): %v", key, err)
	}
	linked, err := c.LinkEntry(slot, key)
	if err != nil {
		t.Fatalf("LinkEntry(%d): %v", key, err)
	}
	if linked != slot {
		t.Fatalf("key %d already linked at %d, want %d", key, linked, slot)
	}

	blockID, pos, window, err := c.store.AllocateSlice(8, false)
	if err != nil {
		t.Fatalf("AllocateSlice: %v", err)
	}
	kvcodec.Int64Serializer{}.Serialize(val, window)
	ref := c.entries.ValueRef(slot)
	newRef := chunkfmt.Ref{BlockID: blockID, Length: 8, Pos: pos}
	if outcome, _ := c.PointToValue(slot, OpPut, ref, newRef, nil); outcome != OutcomeSuccess {
		t.Fatalf("PointToValue(%d): outcome %v", key, outcome)
	}
}

// S1: a fresh chunk reports no live entries and a miss on any lookup.
func TestEmptyChunkLookupMisses(t *testing.T) {
	c := newTestChunk(t, 64)
	_, found, err := c.Lookup(42)
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("lookup found a key in an empty chunk")
	}
	if got := c.Statistics().GetCompactedCount(); got != 0 {
		t.Fatalf("live count = %d, want 0", got)
	}
}

// S2: inserting a key makes it visible to Lookup with the value just
// attached, and re-inserting the same key links to the same slot.
func TestInsertThenLookup(t *testing.T) {
	c := newTestChunk(t, 64)
	putLive(t, c, 10, 100)

	res, found, err := c.Lookup(10)
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatal("lookup missed a just-inserted key")
	}
	if res.Value.Deleted() {
		t.Fatal("lookup returned a deleted value for a live key")
	}

	slot, err := c.AllocateEntryAndKey(10)
	if err != nil {
		t.Fatal(err)
	}
	linked, err := c.LinkEntry(slot, 10)
	if err != nil {
		t.Fatal(err)
	}
	if linked == slot {
		t.Fatal("LinkEntry created a duplicate slot for an existing key")
	}
}

// S3: removing a key's value makes it report found with a deleted marker,
// and the live count drops.
func TestRemoveMarksDeleted(t *testing.T) {
	c := newTestChunk(t, 64)
	putLive(t, c, 7, 1)

	res, found, err := c.Lookup(7)
	if err != nil || !found {
		t.Fatalf("lookup before remove: found=%v err=%v", found, err)
	}

	outcome, _ := c.PointToValue(res.Slot, OpRemove, res.Value, chunkfmt.Ref{}, nil)
	if outcome != OutcomeSuccess {
		t.Fatalf("remove outcome = %v, want success", outcome)
	}

	res2, found, err := c.Lookup(7)
	if err != nil || !found {
		t.Fatalf("lookup after remove: found=%v err=%v", found, err)
	}
	if !res2.Value.Deleted() {
		t.Fatal("value not marked deleted after remove")
	}
	if got := c.Statistics().GetCompactedCount(); got != 0 {
		t.Fatalf("live count after remove = %d, want 0", got)
	}
}

// S4: concurrent inserts of distinct keys all become visible, and racing
// inserts of the same key converge to exactly one linked slot.
func TestConcurrentInsertsConverge(t *testing.T) {
	c := newTestChunk(t, 512)

	var g errgroup.Group
	for i := 0; i < 16; i++ {
		i := i
		g.Go(func() error {
			slot, err := c.AllocateEntryAndKey(int64(i))
			if err != nil {
				return err
			}
			_, err = c.LinkEntry(slot, int64(i))
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 16; i++ {
		if _, found, err := c.Lookup(int64(i)); err != nil || !found {
			t.Fatalf("key %d missing after concurrent insert: found=%v err=%v", i, found, err)
		}
	}

	contested := int64(1000)
	slots := make([]int, 8)
	g = errgroup.Group{}
	for i := range slots {
		i := i
		g.Go(func() error {
			slot, err := c.AllocateEntryAndKey(contested)
			if err != nil {
				return err
			}
			linked, err := c.LinkEntry(slot, contested)
			slots[i] = linked
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	for i := 1; i < len(slots); i++ {
		if slots[i] != slots[0] {
			t.Fatalf("racing inserts of the same key linked to different slots: %v", slots)
		}
	}
}

// S5: ascending and descending iteration both skip deleted entries and
// agree on the set of live keys, in opposite order.
func TestIteratorsAgreeOnLiveKeys(t *testing.T) {
	c := newTestChunk(t, 64)
	for _, k := range []int64{5, 1, 9, 3, 7} {
		putLive(t, c, k, k)
	}
	res, _, _ := c.Lookup(3)
	c.PointToValue(res.Slot, OpRemove, res.Value, chunkfmt.Ref{}, nil)

	var ascending []int64
	it := c.NewAscender()
	for {
		_, key, found, err := it.Next()
		if err != nil {
			t.Fatal(err)
		}
		if !found {
			break
		}
		ascending = append(ascending, key)
	}
	want := []int64{1, 5, 7, 9}
	if diff := cmp.Diff(want, ascending); diff != "" {
		t.Fatalf("ascending keys mismatch (-want +got):\n%s", diff)
	}

	desc, err := NewDescender[int64](c, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	var descending []int64
	for {
		_, key, found := desc.Next()
		if !found {
			break
		}
		descending = append(descending, key)
	}
	wantDescending := []int64{9, 7, 5, 1}
	if diff := cmp.Diff(wantDescending, descending); diff != "" {
		t.Fatalf("descending keys mismatch (-want +got):\n%s", diff)
	}
}

// S6: a bounded descender yields only keys at or below (or strictly below)
// the given anchor, in descending order.
func TestDescenderHonorsFromAndInclusive(t *testing.T) {
	c := newTestChunk(t, 64)
	for _, k := range []int64{10, 20, 30, 40, 50} {
		putLive(t, c, k, k)
	}

	collect := func(from int64, inclusive bool) []int64 {
		desc, err := NewDescender[int64](c, &from, inclusive)
		if err != nil {
			t.Fatal(err)
		}
		var got []int64
		for {
			_, key, found := desc.Next()
			if !found {
				break
			}
			got = append(got, key)
		}
		return got
	}

	if diff := cmp.Diff([]int64{30, 20, 10}, collect(35, true)); diff != "" {
		t.Fatalf("from=35 inclusive=true mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int64{30, 20, 10}, collect(30, true)); diff != "" {
		t.Fatalf("from=30 inclusive=true mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int64{20, 10}, collect(30, false)); diff != "" {
		t.Fatalf("from=30 inclusive=false mismatch (-want +got):\n%s", diff)
	}
}

// S6: the lifecycle state machine only allows the documented transitions,
// and Freeze drains pending operations before returning.
func TestLifecycleTransitions(t *testing.T) {
	c := newTestChunk(t, 8)
	if c.State() != StateNormal {
		t.Fatalf("state after Normalize = %v, want normal", c.State())
	}

	if err := c.Publish(); err != nil {
		t.Fatalf("publish on normal chunk: %v", err)
	}
	done := make(chan struct{})
	go func() {
		c.Freeze()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("freeze returned while an operation was still published")
	default:
	}
	c.Unpublish()
	<-done

	if c.State() != StateFrozen {
		t.Fatalf("state after freeze = %v, want frozen", c.State())
	}
	if err := c.Publish(); err == nil {
		t.Fatal("publish succeeded on a frozen chunk")
	}
	if !c.Release() {
		t.Fatal("release failed on a frozen chunk")
	}
	if c.State() != StateReleased {
		t.Fatalf("state after release = %v, want released", c.State())
	}
}

// Inserting strictly decreasing keys always splices behind the sorted
// prefix, so sortedCount stops growing after the very first insert while
// entryIndex keeps climbing - spec §4.8 condition (b), S>0 ∧ 2S<E.
func TestShouldRebalanceOnSmallSortedPrefix(t *testing.T) {
	c := newTestChunk(t, 16)
	for i := int64(10); i >= 4; i-- {
		putLive(t, c, i, i)
	}
	if !c.ShouldRebalance() {
		t.Fatal("chunk with a shrinking sorted-prefix ratio did not flag for rebalance")
	}
}

func TestShouldRebalanceFalseWhenSortedAndSparse(t *testing.T) {
	c := newTestChunk(t, 16)
	for i := int64(0); i < 2; i++ {
		putLive(t, c, i, i)
	}
	if c.ShouldRebalance() {
		t.Fatal("a nearly-empty, fully-sorted chunk flagged for rebalance")
	}
}

func TestShouldRebalanceFalseWhenAlreadyEngaged(t *testing.T) {
	c := newTestChunk(t, 16)
	for i := int64(10); i >= 4; i-- {
		putLive(t, c, i, i)
	}
	if !c.Engage("some-rebalancer") {
		t.Fatal("engage failed on an unengaged chunk")
	}
	if c.ShouldRebalance() {
		t.Fatal("an already-engaged chunk flagged for rebalance again")
	}
}

func TestCopyPartNoKeysCompacts(t *testing.T) {
	src := newTestChunk(t, 64)
	for i := int64(0); i < 10; i++ {
		putLive(t, src, i, i)
	}
	res, _, _ := src.Lookup(3)
	src.PointToValue(res.Slot, OpRemove, res.Value, chunkfmt.Ref{}, nil)
	src.Freeze()

	dst := New[int64](64, src.MinKey(), src.store, kvcodec.Int64Comparator{}, kvcodec.Int64Serializer{}, nil)
	if err := CopyPartNoKeys[int64](dst, src); err != nil {
		t.Fatal(err)
	}
	dst.Normalize()

	if got := dst.Statistics().GetCompactedCount(); got != 9 {
		t.Fatalf("compacted live count = %d, want 9", got)
	}
	if _, found, _ := dst.Lookup(3); found {
		t.Fatal("compacted chunk still has the deleted key")
	}
	if _, found, _ := dst.Lookup(5); !found {
		t.Fatal("compacted chunk lost a live key")
	}

	srcRes, _, _ := src.Lookup(5)
	dstRes, _, _ := dst.Lookup(5)
	srcRef := src.KeyRefAt(srcRes.Slot)
	dstRef := dst.KeyRefAt(dstRes.Slot)
	if srcRef != dstRef {
		t.Fatalf("compacted key ref = %+v, want it to share src's ref %+v", dstRef, srcRef)
	}
}
