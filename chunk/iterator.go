// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package chunk

import "github.com/SteveYurongSu/Oak/internal/chunkerr"

// maxDescendStackSlack is added to MaxItems to bound the explicit stack a
// descending iterator builds while walking forward. A chunk never holds
// more than MaxItems entries, so exceeding the bound means the walk revisited
// slots (a corrupted, cyclic list) and surfaces as ErrStackOverflow, per
// spec.md §7, rather than growing unbounded.
const maxDescendStackSlack = 64

// Ascender walks a chunk's entries from low key to high key, skipping
// logically deleted entries as it goes. It holds no lock: a concurrent
// writer may link new entries ahead of the cursor, which the iterator will
// or will not observe depending on timing, matching the chunk's wait-free
// concurrency model.
type Ascender[K any] struct {
	c    *Chunk[K]
	cur  int
	from K
	has  bool // has means a from bound is set; otherwise start from slot 0
}

// NewAscender returns an iterator over c starting from the head. If from is
// set via WithFrom it starts at the first live entry >= from; the bound is
// always inclusive, there is no option to start strictly after from.
func (c *Chunk[K]) NewAscender() *Ascender[K] {
	return &Ascender[K]{c: c}
}

// WithFrom restarts the ascender to begin at from.
func (it *Ascender[K]) WithFrom(from K) *Ascender[K] {
	it.from = from
	it.has = true
	it.cur = 0
	return it
}

// Next advances to the next live entry and returns it, or found=false once
// the list is exhausted.
func (it *Ascender[K]) Next() (result LookupResult, key K, found bool, err error) {
	seeking := false
	if it.cur == 0 && it.has {
		seeking = true
		anchor, err := it.c.binaryFind(it.from)
		if err != nil {
			return LookupResult{}, key, false, err
		}
		it.cur = anchor
		it.has = false // consumed; subsequent Next calls walk forward plainly
	}

	for {
		nxt := it.c.entries.Next(it.cur)
		if nxt == 0 {
			return LookupResult{}, key, false, nil
		}
		it.cur = int(nxt)

		ref := it.c.entries.ValueRef(it.cur)
		if ref.Deleted() || it.c.headers[it.cur].IsDeleted() {
			continue
		}

		k, err := it.c.decodeKeyAt(it.cur)
		if err != nil {
			return LookupResult{}, key, false, err
		}
		if seeking && it.c.cmp.Compare(k, it.from) < 0 {
			continue // unsorted entries between the anchor and from
		}
		return LookupResult{Slot: it.cur, Value: ref}, k, true, nil
	}
}

// decodeKeyAt resolves and deserializes the key stored at slot.
func (c *Chunk[K]) decodeKeyAt(slot int) (K, error) {
	b, err := c.keyBytes(slot)
	if err != nil {
		var zero K
		return zero, err
	}
	return c.keySer.Deserialize(b), nil
}

// Descender walks a chunk's entries from high key to low key. Since the
// entry list only links forward, it walks the whole list forward once,
// pushing every live slot that satisfies the from/inclusive bound onto an
// explicit stack in ascending key order, then pops the stack to yield them
// in descending order - the same "walk forward, then unwind" approach a
// single-direction linked list forces regardless of the underlying
// language, mirrored here with a capacity-checked slice instead of
// recursion so a pathologically long chunk cannot blow the Go goroutine
// stack.
type Descender[K any] struct {
	stack []descEntry[K]
}

type descEntry[K any] struct {
	slot int
	key  K
}

// NewDescender materializes a descending iterator over the live entries of
// c with key <= from (or key < from when inclusive is false); from == nil
// means unbounded, yielding every live entry, highest key first. It returns
// ErrStackOverflow if more live entries qualify than MaxItems plus
// maxDescendStackSlack, which only a corrupted (cyclic) list can produce.
func NewDescender[K any](c *Chunk[K], from *K, inclusive bool) (*Descender[K], error) {
	limit := int(c.MaxItems()) + maxDescendStackSlack

	d := &Descender[K]{}
	cur := 0
	for {
		nxt := c.entries.Next(cur)
		if nxt == 0 {
			break
		}
		cur = int(nxt)

		ref := c.entries.ValueRef(cur)
		if ref.Deleted() || c.headers[cur].IsDeleted() {
			continue
		}

		k, err := c.decodeKeyAt(cur)
		if err != nil {
			return nil, err
		}

		if from != nil {
			cmpv := c.cmp.Compare(k, *from)
			if cmpv > 0 || (cmpv == 0 && !inclusive) {
				continue
			}
		}

		if len(d.stack) >= limit {
			return nil, &chunkerr.ErrStackOverflow{Bound: limit}
		}
		d.stack = append(d.stack, descEntry[K]{slot: cur, key: k})
	}
	return d, nil
}

// Next pops the next entry in descending key order, or found=false once
// the stack is empty.
func (d *Descender[K]) Next() (slot int, key K, found bool) {
	if len(d.stack) == 0 {
		var zero K
		return 0, zero, false
	}
	top := d.stack[len(d.stack)-1]
	d.stack = d.stack[:len(d.stack)-1]
	return top.slot, top.key, true
}
