// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package index implements the chunk index: the structure that glues a
// map's chunks together into one ordered key space and routes a key to the
// chunk responsible for it.
//
// spec.md describes this only as "an enclosing skip-list-like chunk
// index". The teacher's closest analog is dbm.DB's acache/_root directory
// of top-level B-tree roots (dbm/dbm.go), but that directory is guarded by
// the DB's single mutex; here the index must support the same wait-free
// reads and lock-free writes the chunk itself promises, so the structure
// is a genuine lock-free skip list instead - node shape and random level
// selection grounded on memtable.SkipList
// (PriyanshuSharma23-FlashLog/memtable/skip_list.go), forward-pointer CAS
// discipline grounded on the chunk's own splice-and-retry idiom
// (chunk/insert.go).
package index

import (
	"math/rand/v2"
	"sync/atomic"

	"github.com/SteveYurongSu/Oak/internal/kvcodec"
)

const maxLevel = 16

// node is one skip-list entry: a chunk's minKey and a pointer to the chunk
// itself, linked at 1..len(forward) levels. Deleted nodes are marked rather
// than unlinked in place, so an in-flight reader walking forward[level]
// never follows a pointer into freed memory - the same
// mark-then-physically-unlink two-step the chunk uses for its own next
// pointer (chunk.MarkAndGetNext).
type node[K any] struct {
	key     K
	chunk   any // *chunk.Chunk[K]; any avoids an import cycle with package chunk
	forward []atomic.Pointer[node[K]]
	marked  atomic.Bool
}

func newNode[K any](key K, c any, level int) *node[K] {
	return &node[K]{key: key, chunk: c, forward: make([]atomic.Pointer[node[K]], level+1)}
}

// Index is a lock-free skip list of (minKey, chunk) pairs covering the
// entire key space of a map. Index holds chunk values as `any` so this
// package has no dependency on package chunk, which in turn may reference
// package index through the rebalancer; callers type-assert back to
// *chunk.Chunk[K], which is always safe since Index[K] is only ever
// constructed and used with one K by oakmap.Map[K, V].
type Index[K any] struct {
	head  *node[K]
	cmp   kvcodec.Comparator[K]
	level atomic.Int32
}

// New creates an empty index. The head sentinel holds K's zero value, which
// is never compared: walks only compare the keys of the nodes after it.
func New[K any](cmp kvcodec.Comparator[K]) *Index[K] {
	return &Index[K]{head: newNode[K](*new(K), nil, maxLevel-1), cmp: cmp}
}

func randomLevel() int {
	level := 0
	for rand.Uint32()&1 == 0 && level < maxLevel-1 {
		level++
	}
	return level
}

// findPredecessors returns, for each level 0..index.level, the rightmost
// unmarked node whose key is < key (or the head sentinel).
func (x *Index[K]) findPredecessors(key K) [maxLevel]*node[K] {
	var preds [maxLevel]*node[K]
	cur := x.head
	for level := int(x.level.Load()); level >= 0; level-- {
		for {
			next := cur.forward[level].Load()
			if next == nil || next.marked.Load() {
				if next != nil && next.marked.Load() {
					cur.forward[level].CompareAndSwap(next, next.forward[level].Load())
					continue
				}
				break
			}
			if x.cmp.Compare(next.key, key) >= 0 {
				break
			}
			cur = next
		}
		preds[level] = cur
	}
	return preds
}

// Insert adds a (minKey, c) pair to the index. c is stored opaquely; the
// caller (oakmap.Map) is responsible for passing a *chunk.Chunk[K].
func (x *Index[K]) Insert(minKey K, c any) {
	level := randomLevel()
	for {
		// Raise x.level to at least level, so findPredecessors fills preds
		// for every level this node links at; the level only grows.
		l := x.level.Load()
		if int32(level) <= l || x.level.CompareAndSwap(l, int32(level)) {
			break
		}
	}

	n := newNode[K](minKey, c, level)
	for {
		preds := x.findPredecessors(minKey)
		for lvl := 0; lvl <= level; lvl++ {
			n.forward[lvl].Store(preds[lvl].forward[lvl].Load())
		}
		if preds[0].forward[0].CompareAndSwap(n.forward[0].Load(), n) {
			for lvl := 1; lvl <= level; lvl++ {
				for {
					cur := preds[lvl].forward[lvl].Load()
					n.forward[lvl].Store(cur)
					if preds[lvl].forward[lvl].CompareAndSwap(cur, n) {
						break
					}
					preds = x.findPredecessors(minKey)
				}
			}
			return
		}
		// level-0 CAS lost the race to a concurrent insert/replace; retry whole.
	}
}

// Lookup returns the chunk whose key range contains key: the chunk
// associated with the largest minKey <= key. It returns nil if the index is
// empty (the map has not published its first chunk yet).
func (x *Index[K]) Lookup(key K) any {
	cur := x.head
	for level := int(x.level.Load()); level >= 0; level-- {
		for {
			next := cur.forward[level].Load()
			if next == nil || next.marked.Load() || x.cmp.Compare(next.key, key) > 0 {
				break
			}
			cur = next
		}
	}
	if cur == x.head {
		return nil
	}
	return cur.chunk
}

// First returns the chunk with the smallest minKey in the index, or nil if
// the index is empty.
func (x *Index[K]) First() any {
	n := x.head.forward[0].Load()
	for n != nil && n.marked.Load() {
		n = n.forward[0].Load()
	}
	if n == nil {
		return nil
	}
	return n.chunk
}

// Last returns the chunk with the largest minKey in the index, or nil if
// the index is empty. It walks the level-0 list end to end, same as a plain
// singly linked list - the skip list's upper levels exist to accelerate
// Lookup/Insert, not a tail-anchored traversal.
func (x *Index[K]) Last() any {
	cur := x.head
	var last *node[K]
	for {
		next := cur.forward[0].Load()
		if next == nil {
			break
		}
		if !next.marked.Load() {
			last = next
		}
		cur = next
	}
	if last == nil {
		return nil
	}
	return last.chunk
}

// After returns the chunk whose minKey is the smallest key strictly greater
// than key, or nil if key's chunk is the last one. Used to advance an
// ascending map-level iterator across a chunk boundary once its current
// chunk is exhausted.
func (x *Index[K]) After(key K) any {
	preds := x.findPredecessors(key)
	n := preds[0].forward[0].Load()
	for n != nil && (n.marked.Load() || x.cmp.Compare(n.key, key) <= 0) {
		n = n.forward[0].Load()
	}
	if n == nil {
		return nil
	}
	return n.chunk
}

// Before returns the chunk whose minKey is the largest key strictly less
// than key, or nil if key's chunk is the first one. Used to step a
// descending map-level iterator across a chunk boundary.
func (x *Index[K]) Before(key K) any {
	preds := x.findPredecessors(key)
	if preds[0] == x.head {
		return nil
	}
	return preds[0].chunk
}

// Replace atomically swaps old (a chunk the rebalancer just froze) for one
// or more replacement chunks, each keyed by its own minKey. The old node is
// marked deleted first, which stops Lookup and findPredecessors from
// returning it even before it is physically unlinked; unlinking then
// happens lazily, the next time a walk passes through it (the same pattern
// findPredecessors already applies on every call).
func (x *Index[K]) Replace(oldMinKey K, old any, news []struct {
	MinKey K
	Chunk  any
}) {
	cur := x.head
	for {
		next := cur.forward[0].Load()
		if next == nil {
			break
		}
		if next.chunk == old {
			next.marked.Store(true)
			break
		}
		cur = next
	}

	for _, n := range news {
		x.Insert(n.MinKey, n.Chunk)
	}
}
