// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package chunkfmt implements the entry array and the packed key/value
// reference codec shared by every chunk: a flat, fixed-width slot layout
// where each slot's "next" pointer and key/value references are read and
// CAS'd atomically.
//
// The teacher's Allocator (lldb/falloc.go) packs a block handle, a content
// length and a byte offset into a tagged on-disk block. Here the same triple
// - block id, length, byte position - is packed into a 64-bit in-memory
// reference so it can be read and compare-and-swapped as a single atomic
// word, the way lldb packs handle and size information into the 7-byte
// on-disk fields it marshals with h2b/b2h.
//
// Resolved open question: the source chunk this package is modeled after
// lays next/value-ref/key-ref out as consecutive 32-bit words in one flat
// array and asserts arrayOffset%8==0 so the value and key references - each
// two words - can be read with a single 64-bit load. A 6-word stride with a
// 1-word head sentinel makes that assertion false for every slot (6 is even,
// so word offset 1 is always odd). Go has no portable way to assert byte
// alignment of a []uint32 subslice for 64-bit atomics, and doing the packing
// via unsafe pointer arithmetic would reintroduce exactly the hazard the
// assertion existed to catch. This package instead keeps "next" in its own
// atomic.Uint32 array and each reference in its own atomic.Uint64 array,
// parallel by slot index. The bit layout of a reference is unchanged from
// the spec (block|length in the high word, byte position in the low word);
// only the storage - one array per field instead of one flat interleaved
// array - differs, and it removes the alignment hazard entirely.
package chunkfmt

import (
	"sync/atomic"

	"github.com/SteveYurongSu/Oak/internal/chunkerr"
)

// Stride is the word width of one entry slot in the source layout this
// package models (next, value ref hi/lo, key ref hi/lo, padding). It is kept
// as the unit of entryIndex, which counts words: a slot's number is its
// entryIndex divided by Stride, so slots are numbered 1, 2, 3, ... even
// though the backing storage below is no longer one flat []uint32.
// sortedCount counts slots and does not use Stride.
const Stride = 6

// InvalidBlockID is the reserved block id meaning "no slice allocated here".
const InvalidBlockID uint32 = 0

// DeletedValue is the sentinel value reference meaning "logically deleted".
// It is exactly the zero Ref, whose block id is InvalidBlockID.
const DeletedValue uint64 = 0

// Encoding limits from the spec's data model.
const (
	MaxValueBlock  = 511
	MaxValueLength = 1<<23 - 1 // 8 MiB - 1
	MaxKeyBlock    = 65535
	MaxKeyLength   = 1<<16 - 1 // 64 KiB - 1
)

// Ref is a decoded (block id, length, byte position) triple locating a slice
// in off-heap memory.
type Ref struct {
	BlockID uint32
	Length  uint32
	Pos     uint32
}

// Deleted reports whether r is logically absent: either the literal
// DELETED_VALUE sentinel or any reference whose block id is invalid.
func (r Ref) Deleted() bool { return r.BlockID == InvalidBlockID }

// EncodeValueRef packs r using the value reference layout: word1 =
// (block<<23)|(length&0x7FFFFF), word2 = pos.
func EncodeValueRef(r Ref) uint64 {
	word1 := (r.BlockID << 23) | (r.Length & MaxValueLength)
	return uint64(word1)<<32 | uint64(r.Pos)
}

// DecodeValueRef is the inverse of EncodeValueRef.
func DecodeValueRef(v uint64) Ref {
	word1 := uint32(v >> 32)
	return Ref{
		BlockID: word1 >> 23,
		Length:  word1 & MaxValueLength,
		Pos:     uint32(v),
	}
}

// ValidateValueRef enforces the encoding limits, failing loudly (per the
// error handling design, encoding-limit violations are a programmer error).
func ValidateValueRef(r Ref) error {
	if r.BlockID > MaxValueBlock {
		return &chunkerr.ErrInvalid{Msg: "value block id out of range", Arg: r.BlockID}
	}
	if r.Length > MaxValueLength {
		return &chunkerr.ErrInvalid{Msg: "value length out of range", Arg: r.Length}
	}
	return nil
}

// EncodeKeyRef packs r using the key reference layout: word1 =
// (block<<16)|(length&0xFFFF), word2 = pos.
func EncodeKeyRef(r Ref) uint64 {
	word1 := (r.BlockID << 16) | (r.Length & MaxKeyLength)
	return uint64(word1)<<32 | uint64(r.Pos)
}

// DecodeKeyRef is the inverse of EncodeKeyRef.
func DecodeKeyRef(v uint64) Ref {
	word1 := uint32(v >> 32)
	return Ref{
		BlockID: word1 >> 16,
		Length:  word1 & MaxKeyLength,
		Pos:     uint32(v),
	}
}

// ValidateKeyRef enforces the encoding limits for key references.
func ValidateKeyRef(r Ref) error {
	if r.BlockID > MaxKeyBlock {
		return &chunkerr.ErrInvalid{Msg: "key block id out of range", Arg: r.BlockID}
	}
	if r.Length > MaxKeyLength {
		return &chunkerr.ErrInvalid{Msg: "key length out of range", Arg: r.Length}
	}
	return nil
}

// EntryArray is the chunk's flat slot storage. Slot 0 is the head sentinel:
// only its Next field is meaningful. Slots 1..maxItems hold real entries.
type EntryArray struct {
	maxItems int64

	entryIndex  atomic.Int64 // word-unit allocation cursor, bumped by Stride
	sortedCount atomic.Int64 // count of slots in the sorted, linked prefix

	next     []atomic.Uint32
	valueRef []atomic.Uint64
	keyRef   []atomic.Uint64
}

// NewEntryArray allocates storage for a chunk holding up to maxItems live
// entries plus the head sentinel at slot 0.
func NewEntryArray(maxItems int) *EntryArray {
	n := maxItems + 1
	a := &EntryArray{
		maxItems: int64(maxItems),
		next:     make([]atomic.Uint32, n),
		valueRef: make([]atomic.Uint64, n),
		keyRef:   make([]atomic.Uint64, n),
	}
	a.entryIndex.Store(Stride) // slot 0 is the head sentinel, never handed out by AllocSlot
	return a
}

// MaxItems returns the configured entry capacity (excluding the head slot).
func (a *EntryArray) MaxItems() int64 { return a.maxItems }

// arrayLen is the capacity expressed in the same word units as entryIndex,
// matching the spec's "ei+Stride > array_len" capacity check.
func (a *EntryArray) arrayLen() int64 { return (a.maxItems + 1) * Stride }

// AllocSlot reserves the next free slot by bumping entryIndex, returning its
// word-index (ei) and slot number, or ErrChunkFull if the array is full.
func (a *EntryArray) AllocSlot() (ei int64, slot int, err error) {
	ei = a.entryIndex.Add(Stride) - Stride
	if ei+Stride > a.arrayLen() {
		return 0, 0, &chunkerr.ErrChunkFull{EntryIndex: ei, Capacity: a.arrayLen()}
	}
	return ei, SlotOf(ei), nil
}

// SlotOf converts a word-index (ei) into its slot number.
func SlotOf(ei int64) int { return int(ei / Stride) }

// EntryIndexOf converts a slot number back into its word-index (ei).
func EntryIndexOf(slot int) int64 { return int64(slot) * Stride }

// EntryIndex atomically loads the allocation cursor (word units).
func (a *EntryArray) EntryIndex() int64 { return a.entryIndex.Load() }

// SetEntryIndexUnsafe writes entryIndex without CAS. Only the sorted-copy
// path (building a fresh chunk nothing else observes yet) may call this.
func (a *EntryArray) SetEntryIndexUnsafe(ei int64) { a.entryIndex.Store(ei) }

// UsedSlots returns the count of real (non-head-sentinel) slots handed out
// by AllocSlot so far.
func (a *EntryArray) UsedSlots() int64 { return a.entryIndex.Load()/Stride - 1 }

// SortedCount atomically loads the sorted-prefix length, in slots.
func (a *EntryArray) SortedCount() int64 { return a.sortedCount.Load() }

// CASSortedCount attempts to extend the sorted prefix. Failure is benign.
func (a *EntryArray) CASSortedCount(old, new int64) bool {
	return a.sortedCount.CompareAndSwap(old, new)
}

// SetSortedCountUnsafe writes sortedCount without CAS; only the sorted-copy
// path may call this, per invariant.
func (a *EntryArray) SetSortedCountUnsafe(v int64) { a.sortedCount.Store(v) }

// Next atomically loads slot's next pointer (a slot number, 0 = terminator).
func (a *EntryArray) Next(slot int) uint32 { return a.next[slot].Load() }

// CASNext attempts to splice slot's next pointer from old to new.
func (a *EntryArray) CASNext(slot int, old, new uint32) bool {
	return a.next[slot].CompareAndSwap(old, new)
}

// SetNextPlain writes slot's next pointer without CAS. Callers must only use
// this before the slot is linked into the list (it is not yet visible to
// other goroutines).
func (a *EntryArray) SetNextPlain(slot int, v uint32) { a.next[slot].Store(v) }

// ValueRef atomically loads and decodes slot's value reference.
func (a *EntryArray) ValueRef(slot int) Ref {
	return DecodeValueRef(a.valueRef[slot].Load())
}

// CASValueRef attempts a double-word compare-and-swap on slot's value
// reference, from old to new.
func (a *EntryArray) CASValueRef(slot int, old, new Ref) bool {
	return a.valueRef[slot].CompareAndSwap(EncodeValueRef(old), EncodeValueRef(new))
}

// SetValueRefPlain writes slot's value reference without CAS. Used to
// initialize a freshly allocated slot before it is linked.
func (a *EntryArray) SetValueRefPlain(slot int, r Ref) {
	a.valueRef[slot].Store(EncodeValueRef(r))
}

// KeyRef atomically loads and decodes slot's key reference. Once set it
// never changes for the remaining life of the chunk.
func (a *EntryArray) KeyRef(slot int) Ref {
	return DecodeKeyRef(a.keyRef[slot].Load())
}

// SetKeyRefPlain writes slot's key reference. Callers must only use this
// once, before the slot is linked into the list.
func (a *EntryArray) SetKeyRefPlain(slot int, r Ref) {
	a.keyRef[slot].Store(EncodeKeyRef(r))
}
