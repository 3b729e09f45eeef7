// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package oakmap is the enclosing map spec.md §1 describes: the public API
// gluing the chunk index, the block allocator and the rebalancer worker
// pool into a single ordered, concurrent key-value store.
//
// Its shape mirrors dbm.DB (dbm/dbm.go): a constructor taking the
// collaborators it owns, Get/Set/Delete-style top-level operations that
// internally resolve to a lower-level structure (dbm resolves to a B-tree
// root per array; oakmap resolves to a chunk via the index), and a Close
// that tears down background work - here the rebalancer pool's context
// rather than a Filer.
package oakmap

import (
	"context"

	"go.uber.org/zap"

	"github.com/SteveYurongSu/Oak/chunk"
	"github.com/SteveYurongSu/Oak/internal/blockstore"
	"github.com/SteveYurongSu/Oak/internal/chunkfmt"
	"github.com/SteveYurongSu/Oak/internal/index"
	"github.com/SteveYurongSu/Oak/internal/kvcodec"
	"github.com/SteveYurongSu/Oak/internal/rebalancer"
)

// Options configures a Map's resource limits. Zero values fall back to
// defaults comparable to dbm's own "0 means default" option convention
// (dbm/options.go).
type Options struct {
	ChunkCapacity  int // max live entries per chunk
	ArenaSize      int // bytes per off-heap arena
	Workers        int // rebalancer worker pool size
	RebalanceQueue int // rebalancer submission queue depth
	Logger         *zap.Logger
}

// compressionThreshold is the minimum serialized value size, in bytes, that
// triggers zappy compression before storing (internal/blockstore's
// AllocateCompressed/ResolveCompressed): small values rarely compress enough
// to be worth paying an Encode/Decode round trip on every write and read.
const compressionThreshold = 256

func (o Options) withDefaults() Options {
	if o.ChunkCapacity <= 0 {
		o.ChunkCapacity = 4096
	}
	if o.ArenaSize <= 0 {
		o.ArenaSize = blockstore.DefaultArenaSize
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.RebalanceQueue <= 0 {
		o.RebalanceQueue = 256
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Map is a concurrent ordered key-value store built from chunks linked
// through a lock-free index, with rebalancing (split/compact) handled by a
// background worker pool. K is the key type; V is the value type, encoded
// to and from off-heap bytes with a kvcodec.Serializer[V].
type Map[K, V any] struct {
	idx     *index.Index[K]
	store   *blockstore.Store
	cmp     kvcodec.Comparator[K]
	keySer  kvcodec.Serializer[K]
	valSer  kvcodec.Serializer[V]
	pool    *rebalancer.Pool[K]
	cancel  context.CancelFunc
	log     *zap.Logger
	opts    Options
	minKey  K
}

// New creates a Map rooted at a single initial chunk covering the entire
// key space (minKey is the lower bound every real key must compare >=
// against; pass the type's natural zero/minimum).
func New[K, V any](minKey K, cmp kvcodec.Comparator[K], keySer kvcodec.Serializer[K], valSer kvcodec.Serializer[V], opts Options) *Map[K, V] {
	opts = opts.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	store := blockstore.NewStore(opts.ArenaSize)
	idx := index.New[K](cmp)

	m := &Map[K, V]{
		idx:    idx,
		store:  store,
		cmp:    cmp,
		keySer: keySer,
		valSer: valSer,
		cancel: cancel,
		log:    opts.Logger,
		opts:   opts,
		minKey: minKey,
	}
	m.pool = rebalancer.NewPool[K](ctx, opts.Workers, opts.RebalanceQueue, opts.ChunkCapacity, cmp, keySer, store, idx, opts.Logger)

	root := chunk.New[K](opts.ChunkCapacity, minKey, store, cmp, keySer, nil)
	root.Normalize()
	idx.Insert(minKey, root)

	return m
}

// Close stops the rebalancer worker pool by canceling its context. It
// returns without waiting for an in-flight rebalance to finish.
func (m *Map[K, V]) Close() { m.cancel() }

// resolveChunk returns the chunk the index currently routes key to, or nil
// if the index is empty. It makes a single index lookup; callers whose
// Publish on the returned chunk fails call it again.
func (m *Map[K, V]) resolveChunk(key K) *chunk.Chunk[K] {
	c := m.idx.Lookup(key)
	if c == nil {
		return nil
	}
	return c.(*chunk.Chunk[K])
}

// Get returns the value stored for key, or found=false if it is absent or
// has been logically deleted.
func (m *Map[K, V]) Get(key K) (value V, found bool, err error) {
	var zero V
	c := m.resolveChunk(key)
	if c == nil {
		return zero, false, nil
	}

	res, found, err := c.Lookup(key)
	if err != nil || !found || res.Value.Deleted() {
		return zero, false, err
	}

	b, err := m.resolveValueBytes(c, res.Slot, res.Value)
	if err != nil {
		return zero, false, err
	}
	return m.valSer.Deserialize(b), true, nil
}

// resolveValueBytes returns the live bytes backing slot's value reference,
// inflating them first if they were stored zappy-compressed.
func (m *Map[K, V]) resolveValueBytes(c *chunk.Chunk[K], slot int, ref chunkfmt.Ref) ([]byte, error) {
	if c.ValueCompressed(slot) {
		return m.store.ResolveCompressed(ref.BlockID, ref.Pos, ref.Length, true)
	}
	return m.store.Resolve(ref.BlockID, ref.Pos, int(ref.Length), false)
}

// Put unconditionally stores value for key, replacing any prior value.
func (m *Map[K, V]) Put(key K, value V) error {
	_, err := m.put(key, value, chunk.OpPut)
	return err
}

// PutIfAbsent stores value for key only if key currently has no live value,
// reporting whether the store happened.
func (m *Map[K, V]) PutIfAbsent(key K, value V) (stored bool, err error) {
	return m.put(key, value, chunk.OpPutIfAbsent)
}

func (m *Map[K, V]) put(key K, value V, kind chunk.OpKind) (bool, error) {
	size := m.valSer.CalculateSize(value)

	for {
		c := m.resolveChunk(key)
		if c == nil {
			return false, nil
		}
		if err := c.Publish(); err != nil {
			continue // frozen; re-resolve through the index and retry
		}

		ok, err := m.putPublished(c, key, value, size, kind)
		c.Unpublish()
		if err != nil {
			return false, err
		}
		switch ok {
		case chunk.OutcomeSuccess:
			m.maybeSample(c)
			return true, nil
		case chunk.OutcomeFail:
			return false, nil
		default: // OutcomeRetry
			continue
		}
	}
}

func (m *Map[K, V]) putPublished(c *chunk.Chunk[K], key K, value V, size int, kind chunk.OpKind) (chunk.Outcome, error) {
	res, found, err := c.Lookup(key)
	if err != nil {
		return chunk.OutcomeRetry, err
	}

	if kind == chunk.OpPutIfAbsent && found && !res.Value.Deleted() {
		return chunk.OutcomeFail, nil
	}

	slot := res.Slot
	if !found {
		slot, err = c.AllocateEntryAndKey(key)
		if err != nil {
			return chunk.OutcomeRetry, err
		}
		slot, err = c.LinkEntry(slot, key)
		if err != nil {
			return chunk.OutcomeRetry, err
		}
		res.Value = chunkfmt.Ref{} // DELETED_VALUE; another thread may have linked first
	}
	if kind == chunk.OpPutIfAbsent {
		res.Value = chunkfmt.Ref{} // only an absent value may be replaced
	}

	blockID, pos, storedLen, compressed, err := m.storeValue(value, size)
	if err != nil {
		return chunk.OutcomeRetry, err
	}
	newRef := chunkfmt.Ref{BlockID: blockID, Length: storedLen, Pos: pos}
	if err := chunkfmt.ValidateValueRef(newRef); err != nil {
		return chunk.OutcomeRetry, err
	}

	outcome, _ := c.PointToValue(slot, kind, res.Value, newRef, nil)
	if outcome == chunk.OutcomeSuccess {
		c.SetValueCompressed(slot, compressed)
	}
	return outcome, nil
}

// storeValue serializes value into the block store, zappy-compressing it
// first when size is at least compressionThreshold.
func (m *Map[K, V]) storeValue(value V, size int) (blockID, pos, storedLen uint32, compressed bool, err error) {
	if size < compressionThreshold {
		var window []byte
		blockID, pos, window, err = m.store.AllocateSlice(size, false)
		if err != nil {
			return 0, 0, 0, false, err
		}
		m.valSer.Serialize(value, window)
		return blockID, pos, uint32(size), false, nil
	}

	buf := make([]byte, size)
	m.valSer.Serialize(value, buf)
	blockID, pos, storedLen, compressed, err = m.store.AllocateCompressed(buf)
	return blockID, pos, storedLen, compressed, err
}

// Remove detaches key's current value, reporting whether a live value was
// actually removed.
func (m *Map[K, V]) Remove(key K) (removed bool, err error) {
	for {
		c := m.resolveChunk(key)
		if c == nil {
			return false, nil
		}
		if err := c.Publish(); err != nil {
			continue
		}

		res, found, lerr := c.Lookup(key)
		if lerr != nil || !found || res.Value.Deleted() {
			c.Unpublish()
			return false, lerr
		}

		outcome, _ := c.PointToValue(res.Slot, chunk.OpRemove, res.Value, chunkfmt.Ref{}, nil)
		c.Unpublish()

		switch outcome {
		case chunk.OutcomeSuccess:
			m.maybeSample(c)
			return true, nil
		default:
			continue
		}
	}
}

// Compute runs fn in place against key's current value's stored bytes,
// without copying them out - spec.md's in-place compute primitive, exposed
// here as a closure over a caller-provided mutator rather than a
// byte-buffer callback, since V is the map's already-typed value. fn must
// only mutate buf's contents, never retain it past return. A value stored
// zappy-compressed is the exception: fn runs on a decompressed copy, which
// is then compressed and stored as a new value reference.
func (m *Map[K, V]) Compute(key K, fn func(buf []byte)) (found bool, err error) {
	for {
		c := m.resolveChunk(key)
		if c == nil {
			return false, nil
		}
		if err := c.Publish(); err != nil {
			continue
		}

		res, lfound, lerr := c.Lookup(key)
		if lerr != nil || !lfound || res.Value.Deleted() {
			c.Unpublish()
			return false, lerr
		}

		if c.ValueCompressed(res.Slot) {
			outcome, cerr := m.computeCompressed(c, res, fn)
			c.Unpublish()
			if cerr != nil {
				return false, cerr
			}
			switch outcome {
			case chunk.OutcomeSuccess:
				return true, nil
			case chunk.OutcomeRetry:
				continue
			default:
				return false, nil
			}
		}

		computeFn := func() {
			buf, rerr := m.store.Resolve(res.Value.BlockID, res.Value.Pos, int(res.Value.Length), false)
			if rerr == nil {
				fn(buf)
			}
		}
		outcome, _ := c.PointToValue(res.Slot, chunk.OpCompute, chunkfmt.Ref{}, chunkfmt.Ref{}, computeFn)
		c.Unpublish()

		switch outcome {
		case chunk.OutcomeSuccess:
			return true, nil
		case chunk.OutcomeRetry:
			continue
		default:
			return false, nil
		}
	}
}

// computeCompressed handles Compute against a zappy-compressed value: it
// decompresses into a scratch buffer, runs fn, then re-compresses and CASes
// in a fresh value reference, since mutating compressed bytes in place would
// corrupt them.
func (m *Map[K, V]) computeCompressed(c *chunk.Chunk[K], res chunk.LookupResult, fn func(buf []byte)) (chunk.Outcome, error) {
	raw, err := m.store.ResolveCompressed(res.Value.BlockID, res.Value.Pos, res.Value.Length, true)
	if err != nil {
		return chunk.OutcomeFail, err
	}
	buf := make([]byte, len(raw))
	copy(buf, raw)
	fn(buf)

	blockID, pos, storedLen, compressed, err := m.store.AllocateCompressed(buf)
	if err != nil {
		return chunk.OutcomeFail, err
	}
	newRef := chunkfmt.Ref{BlockID: blockID, Length: storedLen, Pos: pos}
	if err := chunkfmt.ValidateValueRef(newRef); err != nil {
		return chunk.OutcomeFail, err
	}

	outcome, _ := c.PointToValue(res.Slot, chunk.OpPut, res.Value, newRef, nil)
	if outcome == chunk.OutcomeSuccess {
		c.SetValueCompressed(res.Slot, compressed)
	}
	return outcome, nil
}

// MapAscender chains per-chunk ascending iterators across chunk boundaries,
// in key order, skipping logically deleted entries - the enclosing map's
// counterpart to chunk.Ascender.
type MapAscender[K, V any] struct {
	m  *Map[K, V]
	c  *chunk.Chunk[K]
	it *chunk.Ascender[K]
}

// Ascend returns an iterator over live entries in ascending key order,
// starting at from (nil means the start of the key space).
func (m *Map[K, V]) Ascend(from *K) (*MapAscender[K, V], error) {
	var c *chunk.Chunk[K]
	if from != nil {
		c = m.resolveChunk(*from)
	} else if first := m.idx.First(); first != nil {
		c = first.(*chunk.Chunk[K])
	}
	if c == nil {
		return &MapAscender[K, V]{m: m}, nil
	}

	it := c.NewAscender()
	if from != nil {
		it = it.WithFrom(*from)
	}
	return &MapAscender[K, V]{m: m, c: c, it: it}, nil
}

// Next returns the next live entry in ascending key order, or found=false
// once every chunk has been exhausted.
func (a *MapAscender[K, V]) Next() (key K, value V, found bool, err error) {
	var zero V
	for a.c != nil {
		res, k, ok, nerr := a.it.Next()
		if nerr != nil {
			return key, zero, false, nerr
		}
		if !ok {
			next := a.m.idx.After(a.c.MinKey())
			if next == nil {
				a.c = nil
				break
			}
			a.c = next.(*chunk.Chunk[K])
			a.it = a.c.NewAscender()
			continue
		}

		b, rerr := a.m.resolveValueBytes(a.c, res.Slot, res.Value)
		if rerr != nil {
			return key, zero, false, rerr
		}
		return k, a.m.valSer.Deserialize(b), true, nil
	}
	return key, zero, false, nil
}

// MapDescender chains per-chunk descending iterators across chunk
// boundaries, in reverse key order - the enclosing map's counterpart to
// chunk.Descender.
type MapDescender[K, V any] struct {
	m  *Map[K, V]
	c  *chunk.Chunk[K]
	it *chunk.Descender[K]
}

// Descend returns an iterator over live entries in descending key order,
// starting at and including from (nil means the end of the key space).
func (m *Map[K, V]) Descend(from *K) (*MapDescender[K, V], error) {
	var c *chunk.Chunk[K]
	if from != nil {
		c = m.resolveChunk(*from)
	} else if last := m.idx.Last(); last != nil {
		c = last.(*chunk.Chunk[K])
	}
	if c == nil {
		return &MapDescender[K, V]{m: m}, nil
	}

	it, err := chunk.NewDescender[K](c, from, true)
	if err != nil {
		return nil, err
	}
	return &MapDescender[K, V]{m: m, c: c, it: it}, nil
}

// Next returns the next live entry in descending key order, or found=false
// once every chunk has been exhausted.
func (d *MapDescender[K, V]) Next() (key K, value V, found bool, err error) {
	var zero V
	for d.c != nil {
		slot, k, ok := d.it.Next()
		if !ok {
			prev := d.m.idx.Before(d.c.MinKey())
			if prev == nil {
				d.c = nil
				break
			}
			prevChunk := prev.(*chunk.Chunk[K])
			it, derr := chunk.NewDescender[K](prevChunk, nil, false)
			if derr != nil {
				return key, zero, false, derr
			}
			d.c = prevChunk
			d.it = it
			continue
		}

		ref := d.c.ValueRefAt(slot)
		b, rerr := d.m.resolveValueBytes(d.c, slot, ref)
		if rerr != nil {
			return key, zero, false, rerr
		}
		return k, d.m.valSer.Deserialize(b), true, nil
	}
	return key, zero, false, nil
}

// maybeSample probabilistically submits c for rebalance evaluation, per
// spec.md §4.8's sampling discipline.
func (m *Map[K, V]) maybeSample(c *chunk.Chunk[K]) {
	if chunk.ShouldSample() {
		m.pool.Submit(c)
	}
}
