// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package flt is a free list table for fixed-size-class allocation, modeled
// on lldb/flt.go's canned FLTPowersOf2 free list table. The teacher's FLT
// keeps, per size class, the handle of the head of a doubly linked list of
// free blocks persisted to a Filer; here the table is purely in-memory (the
// allocator it backs has no on-disk representation - see SPEC_FULL.md §1),
// so each size class keeps a simple LIFO stack of free offsets instead of a
// persisted linked list head.
package flt

// Table partitions byte offsets into power-of-two size classes and tracks a
// free stack per class, exactly the role lldb.newCannedFLT(FLTPowersOf2)
// plays for the on-disk allocator.
type Table struct {
	classSizes []int
	free       [][]int
}

// NewPowersOf2 builds a table whose size classes are the powers of two from
// 1 up to the first one >= maxSize.
func NewPowersOf2(maxSize int) *Table {
	t := &Table{}
	for sz := 1; ; sz <<= 1 {
		t.classSizes = append(t.classSizes, sz)
		t.free = append(t.free, nil)
		if sz >= maxSize {
			break
		}
	}
	return t
}

// ClassFor returns the index of, and the usable size of, the smallest size
// class able to hold size bytes. If size exceeds every class, it returns the
// largest class, whose size is then smaller than size.
func (t *Table) ClassFor(size int) (class int, classSize int) {
	for i, sz := range t.classSizes {
		if sz >= size {
			return i, sz
		}
	}
	last := len(t.classSizes) - 1
	return last, t.classSizes[last]
}

// Pop removes and returns a free offset for the given size class, if any.
func (t *Table) Pop(class int) (offset int, ok bool) {
	lst := t.free[class]
	if len(lst) == 0 {
		return 0, false
	}
	n := len(lst) - 1
	offset = lst[n]
	t.free[class] = lst[:n]
	return offset, true
}

// Push returns offset to the free stack for the given size class.
func (t *Table) Push(class int, offset int) {
	t.free[class] = append(t.free[class], offset)
}

// MaxClassSize returns the size of the largest size class the table knows.
func (t *Table) MaxClassSize() int {
	return t.classSizes[len(t.classSizes)-1]
}
