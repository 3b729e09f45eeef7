// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package blockstore is the chunk's off-heap block allocator: the external
// collaborator spec.md §6 describes only by contract (AllocateSlice /
// ReleaseSlice / Resolve). It is modeled on lldb.Allocator (lldb/falloc.go):
// content lives in fixed blocks sub-allocated by a free list table
// (internal/flt, modeled on lldb/flt.go), and - like lldb.Allocator's
// optional Snappy compression of used block content - large slices may
// optionally be stored zappy-compressed.
//
// Unlike lldb.Allocator, a Store's blocks are in-memory arenas, not regions
// of a single on-disk Filer: durability is an explicit non-goal (SPEC_FULL.md
// §1), so there is nothing here analogous to lldb's block tags, relocation
// blocks or hole punching.
package blockstore

import (
	"sync"

	"github.com/cznic/zappy"

	"github.com/SteveYurongSu/Oak/internal/chunkerr"
	"github.com/SteveYurongSu/Oak/internal/flt"
)

// Arena byte capacity and the block id ceilings mirror the chunk's encoding
// limits (spec.md §3): 511 value blocks, 65535 key blocks.
const (
	DefaultArenaSize = 4 << 20
	MaxValueBlockID  = 511
	MaxKeyBlockID    = 65535
)

type arena struct {
	buf  []byte
	bump int
	flt  *flt.Table
}

func newArena(size int) *arena {
	return &arena{buf: make([]byte, size), flt: flt.NewPowersOf2(size)}
}

// alloc sub-allocates size bytes from the arena, growing the bump pointer or
// reusing a released offset of the matching size class. It returns the
// offset and the window into the arena's backing array.
func (a *arena) alloc(size int) (pos int, window []byte, ok bool) {
	class, classSize := a.flt.ClassFor(size)
	if size > classSize {
		return 0, nil, false
	}
	if off, found := a.flt.Pop(class); found {
		return off, a.buf[off : off+size], true
	}
	if a.bump+classSize > len(a.buf) {
		return 0, nil, false
	}
	off := a.bump
	a.bump += classSize
	return off, a.buf[off : off+size], true
}

func (a *arena) release(pos, size int) {
	class, _ := a.flt.ClassFor(size)
	a.flt.Push(class, pos)
}

// pool is one of the two block id spaces (keys or values): a growable list
// of arenas plus the free-list bookkeeping for each.
type pool struct {
	mu        sync.Mutex
	arenaSize int
	maxBlocks uint32
	arenas    []*arena // arenas[i] is block id i+1
}

func newPool(arenaSize int, maxBlocks uint32) *pool {
	return &pool{arenaSize: arenaSize, maxBlocks: maxBlocks}
}

func (p *pool) allocate(size int) (blockID uint32, pos uint32, window []byte, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, a := range p.arenas {
		if off, w, ok := a.alloc(size); ok {
			return uint32(i + 1), uint32(off), w, nil
		}
	}

	if uint32(len(p.arenas)) >= p.maxBlocks {
		return 0, 0, nil, &chunkerr.ErrNoSpace{Size: size}
	}

	a := newArena(p.arenaSize)
	off, w, ok := a.alloc(size)
	if !ok {
		return 0, 0, nil, &chunkerr.ErrNoSpace{Size: size}
	}
	p.arenas = append(p.arenas, a)
	return uint32(len(p.arenas)), uint32(off), w, nil
}

func (p *pool) release(blockID, pos uint32, size int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, err := p.arenaFor(blockID)
	if err != nil {
		return err
	}
	a.release(int(pos), size)
	return nil
}

func (p *pool) resolve(blockID, pos uint32, length int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, err := p.arenaFor(blockID)
	if err != nil {
		return nil, err
	}
	return a.buf[pos : pos+uint32(length)], nil
}

func (p *pool) arenaFor(blockID uint32) (*arena, error) {
	if blockID == 0 || blockID > uint32(len(p.arenas)) {
		return nil, &chunkerr.ErrBlockRange{BlockID: blockID, Max: p.maxBlocks}
	}
	return p.arenas[blockID-1], nil
}

// Store is the block allocator shared by every chunk of a map: one pool for
// key slices, one for value slices, matching the disjoint id spaces the
// reference codec (internal/chunkfmt) assumes.
type Store struct {
	keys   *pool
	values *pool
}

// NewStore creates a Store with the given per-arena byte capacity.
func NewStore(arenaSize int) *Store {
	if arenaSize <= 0 {
		arenaSize = DefaultArenaSize
	}
	return &Store{
		keys:   newPool(arenaSize, MaxKeyBlockID),
		values: newPool(arenaSize, MaxValueBlockID),
	}
}

// AllocateSlice reserves size bytes from the key or value pool and returns
// the owning block id, the byte position within that block, and a direct
// window the caller may write into.
func (s *Store) AllocateSlice(size int, forKey bool) (blockID uint32, pos uint32, window []byte, err error) {
	if forKey {
		return s.keys.allocate(size)
	}
	return s.values.allocate(size)
}

// ReleaseSlice returns a previously allocated slice to its pool's free list.
func (s *Store) ReleaseSlice(blockID, pos uint32, size int, forKey bool) error {
	if forKey {
		return s.keys.release(blockID, pos, size)
	}
	return s.values.release(blockID, pos, size)
}

// Resolve returns the live byte window for a previously allocated slice.
func (s *Store) Resolve(blockID, pos uint32, length int, forKey bool) ([]byte, error) {
	if forKey {
		return s.keys.resolve(blockID, pos, length)
	}
	return s.values.resolve(blockID, pos, length)
}

// AllocateCompressed zappy-compresses data and stores it as a value slice,
// falling back to storing it uncompressed when compression does not save at
// least one byte - the same "only keep it if it helps" rule
// lldb.Allocator.makeUsedBlock applies to Snappy-compressed content.
func (s *Store) AllocateCompressed(data []byte) (blockID uint32, pos uint32, storedLen uint32, compressed bool, err error) {
	enc, err := zappy.Encode(nil, data)
	if err != nil {
		return 0, 0, 0, false, err
	}

	payload := data
	compressed = false
	if len(enc) < len(data) {
		payload = enc
		compressed = true
	}

	blockID, pos, window, err := s.values.allocate(len(payload))
	if err != nil {
		return 0, 0, 0, false, err
	}
	copy(window, payload)
	return blockID, pos, uint32(len(payload)), compressed, nil
}

// ResolveCompressed reads back a value slice stored by AllocateCompressed.
func (s *Store) ResolveCompressed(blockID, pos uint32, storedLen uint32, compressed bool) ([]byte, error) {
	raw, err := s.values.resolve(blockID, pos, int(storedLen))
	if err != nil {
		return nil, err
	}
	if !compressed {
		return raw, nil
	}
	return zappy.Decode(nil, raw)
}
