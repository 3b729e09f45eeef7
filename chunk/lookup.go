// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package chunk

import "github.com/SteveYurongSu/Oak/internal/chunkfmt"

// LookupResult is what Lookup returns for a found key.
type LookupResult struct {
	Slot  int
	Value chunkfmt.Ref // zero value (Deleted()==true) if logically absent
}

// keyBytes resolves the live off-heap bytes backing slot's key reference.
func (c *Chunk[K]) keyBytes(slot int) ([]byte, error) {
	ref := c.entries.KeyRef(slot)
	return c.store.Resolve(ref.BlockID, ref.Pos, int(ref.Length), true)
}

// compareKeyAt returns cmp.CompareSerialized(key, slot's serialized key):
// negative if key sorts before slot's key, zero if equal, positive if after.
func (c *Chunk[K]) compareKeyAt(slot int, key K) (int, error) {
	b, err := c.keyBytes(slot)
	if err != nil {
		return 0, err
	}
	return c.cmp.CompareSerialized(key, b), nil
}

// binaryFind returns the slot index of the largest sorted-prefix entry whose
// key is strictly less than key, or the head slot (0) if none qualifies.
// Callers walk forward from the returned slot's successor, so an entry equal
// to key is always reached by that walk.
func (c *Chunk[K]) binaryFind(key K) (int, error) {
	s := c.entries.SortedCount()
	if s == 0 {
		return 0, nil
	}

	cmp1, err := c.compareKeyAt(1, key)
	if err != nil {
		return 0, err
	}
	if cmp1 <= 0 {
		return 0, nil
	}

	cmpLast, err := c.compareKeyAt(int(s), key)
	if err != nil {
		return 0, err
	}
	if cmpLast > 0 {
		return int(s), nil
	}

	lo, hi := 1, int(s)
	for lo < hi {
		mid := lo + (hi-lo+1)/2
		c2, err := c.compareKeyAt(mid, key)
		if err != nil {
			return 0, err
		}
		if c2 > 0 {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo, nil
}

// Lookup returns the slot holding key and its current value reference, or
// found=false if key is absent from the chunk. A found slot with
// Value.Deleted()==true means the key was once present but its value has
// since been detached (or its header marks it logically deleted).
func (c *Chunk[K]) Lookup(key K) (result LookupResult, found bool, err error) {
	anchor, err := c.binaryFind(key)
	if err != nil {
		return LookupResult{}, false, err
	}

	cur := anchor
	for {
		nxt := c.entries.Next(cur)
		if nxt == 0 {
			return LookupResult{}, false, nil
		}

		cmpv, err := c.compareKeyAt(int(nxt), key)
		if err != nil {
			return LookupResult{}, false, err
		}
		switch {
		case cmpv < 0:
			return LookupResult{}, false, nil
		case cmpv == 0:
			slot := int(nxt)
			ref := c.entries.ValueRef(slot)
			if ref.Deleted() || c.headers[slot].IsDeleted() {
				return LookupResult{Slot: slot}, true, nil
			}
			return LookupResult{Slot: slot, Value: ref}, true, nil
		default:
			cur = int(nxt)
		}
	}
}
