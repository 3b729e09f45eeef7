// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package chunk

import "github.com/SteveYurongSu/Oak/internal/chunkfmt"

// AllocateEntryAndKey reserves a fresh slot and serializes key into it. The
// slot is not yet linked into the list; the caller must follow with
// LinkEntry. Returns ErrChunkFull if the entry array has no room left.
func (c *Chunk[K]) AllocateEntryAndKey(key K) (slot int, err error) {
	_, slot, err = c.entries.AllocSlot()
	if err != nil {
		return 0, err
	}

	c.entries.SetValueRefPlain(slot, chunkfmt.Ref{}) // DELETED_VALUE

	size := c.keySer.CalculateSize(key)
	blockID, pos, window, err := c.store.AllocateSlice(size, true)
	if err != nil {
		return 0, err
	}
	c.keySer.Serialize(key, window)

	ref := chunkfmt.Ref{BlockID: blockID, Length: uint32(size), Pos: pos}
	if err := chunkfmt.ValidateKeyRef(ref); err != nil {
		return 0, err
	}
	c.entries.SetKeyRefPlain(slot, ref)

	return slot, nil
}

// LinkEntry splices slot (already allocated via AllocateEntryAndKey, and
// holding key) into the sorted linked list. If another goroutine already
// linked an entry for the same key, LinkEntry loses the race and returns
// that entry's slot instead; the caller abandons slot (its key allocation
// becomes garbage reclaimed only at chunk release).
func (c *Chunk[K]) LinkEntry(slot int, key K) (linked int, err error) {
	for {
		anchor, err := c.binaryFind(key)
		if err != nil {
			return 0, err
		}

		prev := anchor
		for {
			curr := c.entries.Next(prev)
			if curr == 0 {
				if c.spliceAfter(prev, curr, slot, key) {
					return slot, nil
				}
				break
			}

			cmpv, err := c.compareKeyAt(int(curr), key)
			if err != nil {
				return 0, err
			}
			switch {
			case cmpv < 0:
				if c.spliceAfter(prev, curr, slot, key) {
					return slot, nil
				}
				prev = anchor // re-walk from the anchor on CAS loss
				goto retryWalk
			case cmpv == 0:
				return int(curr), nil
			default:
				prev = int(curr)
			}
		}
	retryWalk:
	}
}

// spliceAfter attempts to link slot between prev and curr. next must equal
// curr at the moment of the CAS for the splice to be linearizable.
func (c *Chunk[K]) spliceAfter(prev int, curr uint32, slot int, key K) bool {
	c.entries.SetNextPlain(slot, curr)
	if !c.entries.CASNext(prev, curr, uint32(slot)) {
		return false
	}

	s := c.entries.SortedCount()
	if int64(slot) == s+1 {
		lastOK := true
		if s > 0 {
			cmpv, err := c.compareKeyAt(int(s), key)
			lastOK = err == nil && cmpv >= 0
		}
		if lastOK {
			c.entries.CASSortedCount(s, s+1) // benign on failure
		}
	}
	return true
}

// OpKind selects point_to_value's dispatch behavior on a CAS loss.
type OpKind int

const (
	OpPut OpKind = iota
	OpPutIfAbsent
	OpRemove
	OpCompute
	OpNoOp
)

// Outcome is the result of a PointToValue attempt.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFail
	OutcomeRetry
)

// PointToValue attempts to transition slot's value reference from old to
// new. For OpCompute, old/new are ignored: the in-place compute function
// runs directly under the slot's value header lock instead of CASing a
// reference, since compute mutates the existing value's bytes rather than
// replacing the reference.
func (c *Chunk[K]) PointToValue(slot int, kind OpKind, old, new chunkfmt.Ref, computeFn func()) (Outcome, chunkfmt.Ref) {
	if kind == OpCompute {
		return c.computeInPlace(slot, computeFn)
	}

	if c.entries.CASValueRef(slot, old, new) {
		c.onValueTransition(slot, old, new)
		return OutcomeSuccess, new
	}

	cur := c.entries.ValueRef(slot)
	if cur == new {
		return OutcomeSuccess, cur // another thread helped
	}
	if cur.Deleted() {
		return OutcomeRetry, cur // retry with old <- DELETED_VALUE
	}

	switch kind {
	case OpRemove:
		return OutcomeSuccess, cur // some other value is present; nothing to remove for our view
	case OpPutIfAbsent:
		return OutcomeFail, cur
	default: // OpPut, OpNoOp: restart at the caller with the observed value
		return OutcomeRetry, cur
	}
}

func (c *Chunk[K]) computeInPlace(slot int, fn func()) (Outcome, chunkfmt.Ref) {
	cur := c.entries.ValueRef(slot)
	if cur.Deleted() {
		return OutcomeRetry, cur
	}
	switch c.headers[slot].Compute(fn) {
	case 0: // valhdr.ComputeOK
		return OutcomeSuccess, cur
	case 1: // valhdr.ComputeDeleted
		return OutcomeRetry, cur
	default: // valhdr.ComputeRetry: lock contention
		return OutcomeRetry, cur
	}
}

// ValueCompressed reports whether slot's stored value bytes are
// zappy-compressed, per the last SetValueCompressed call for that slot.
func (c *Chunk[K]) ValueCompressed(slot int) bool { return c.headers[slot].IsCompressed() }

// SetValueCompressed records whether slot's current value reference points
// at zappy-compressed bytes. Callers must call this after a successful
// PointToValue that installed the reference; it carries no bearing on the
// CAS itself.
func (c *Chunk[K]) SetValueCompressed(slot int, compressed bool) {
	c.headers[slot].SetCompressed(compressed)
}

func (c *Chunk[K]) onValueTransition(slot int, old, new chunkfmt.Ref) {
	wasValid := !old.Deleted()
	isValid := !new.Deleted()
	switch {
	case !wasValid && isValid:
		c.stats.addedCount.Add(1)
		c.stats.liveCount.Add(1)
		c.stats.externalSize.Add(int64(new.Length))
		c.headers[slot].Init()
	case wasValid && !isValid:
		c.stats.liveCount.Add(-1)
		c.stats.externalSize.Add(-int64(old.Length))
		c.headers[slot].MarkDeleted()
	}
}
