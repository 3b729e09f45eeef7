// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package chunkerr collects the typed errors raised by the chunk, block
// allocator and index packages. Every error carries the offending value so
// callers and tests can inspect it without string matching.
package chunkerr

import "fmt"

// ErrChunkFull is returned by AllocateEntryAndKey when the entry array has no
// more room for a new slot. Callers must trigger a rebalance and retry on a
// successor chunk.
type ErrChunkFull struct {
	EntryIndex int64 // the cursor value that would have overflowed
	Capacity   int64 // usable capacity in words
}

func (e *ErrChunkFull) Error() string {
	return fmt.Sprintf("chunk: full, entryIndex %d exceeds capacity %d", e.EntryIndex, e.Capacity)
}

// ErrFrozen is returned by Publish when the chunk is no longer accepting new
// operations. Callers must re-resolve the key through the index and retry
// until it routes them to the successor chunk.
type ErrFrozen struct {
	State string
}

func (e *ErrFrozen) Error() string {
	return fmt.Sprintf("chunk: publish refused, state is %s", e.State)
}

// ErrInvalid reports a programmer error: a value outside of the limits the
// encoding can represent. It is only ever raised in debug assertions; letting
// it through in production is undefined behavior, per design.
type ErrInvalid struct {
	Msg string
	Arg any
}

func (e *ErrInvalid) Error() string {
	return fmt.Sprintf("chunk: invalid argument: %s (%v)", e.Msg, e.Arg)
}

// ErrNoSpace is returned by the block allocator when no arena has room for a
// request of the given size.
type ErrNoSpace struct {
	Size   int
	ForKey bool
}

func (e *ErrNoSpace) Error() string {
	kind := "value"
	if e.ForKey {
		kind = "key"
	}
	return fmt.Sprintf("blockstore: no space for %s slice of %d bytes", kind, e.Size)
}

// ErrBlockRange is returned when a block id falls outside the id space the
// pool (key or value) is configured for.
type ErrBlockRange struct {
	BlockID uint32
	Max     uint32
}

func (e *ErrBlockRange) Error() string {
	return fmt.Sprintf("blockstore: block id %d out of range [1,%d]", e.BlockID, e.Max)
}

// ErrStackOverflow indicates the descending iterator's explicit stack grew
// past the chunk's maximum slot count. This can only happen if the linked
// list invariant (acyclic, bounded by entryIndex/stride) was violated
// elsewhere, so it is a bug, not a recoverable condition.
type ErrStackOverflow struct {
	Bound int
}

func (e *ErrStackOverflow) Error() string {
	return fmt.Sprintf("chunk: descending iterator stack exceeded bound %d, corrupted chunk", e.Bound)
}
