// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package kvcodec provides the comparator and serializer collaborators
// spec.md §6 describes by contract only. The ordering rules follow the
// scalar collation dbm/doc.go documents for its multidimensional array
// subscripts (numbers collate before []byte, which collates before strings);
// here each Comparator is specialized to a single Go type, since a chunk's
// entries all share one key type.
package kvcodec

import (
	"bytes"
	"encoding/binary"
	"strings"
)

// Comparator is a total order over keys of type K, with a fast path that
// compares a live key against another key's already-serialized bytes
// without deserializing them - the lookup/binary-find hot path.
type Comparator[K any] interface {
	Compare(a, b K) int
	CompareSerialized(a K, b []byte) int
}

// Serializer writes values of type V into caller-provided off-heap windows.
type Serializer[V any] interface {
	CalculateSize(v V) int
	Serialize(v V, out []byte)
	Deserialize(in []byte) V
}

// Int64Comparator orders int64 keys numerically. Keys are serialized
// big-endian with the sign bit flipped, so CompareSerialized can fall back
// to a plain byte compare instead of decoding.
type Int64Comparator struct{}

func (Int64Comparator) Compare(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func (Int64Comparator) CompareSerialized(a int64, b []byte) int {
	var buf [8]byte
	Int64Serializer{}.Serialize(a, buf[:])
	return bytes.Compare(buf[:], b)
}

// Int64Serializer encodes int64 keys/values as 8 bytes, big-endian with the
// sign bit flipped so that unsigned byte-wise comparison matches signed
// numeric order.
type Int64Serializer struct{}

func (Int64Serializer) CalculateSize(int64) int { return 8 }

func (Int64Serializer) Serialize(v int64, out []byte) {
	binary.BigEndian.PutUint64(out, uint64(v)^signBit)
}

func (Int64Serializer) Deserialize(in []byte) int64 {
	return int64(binary.BigEndian.Uint64(in) ^ signBit)
}

const signBit = uint64(1) << 63

// BytesComparator orders []byte keys lexicographically.
type BytesComparator struct{}

func (BytesComparator) Compare(a, b []byte) int           { return bytes.Compare(a, b) }
func (BytesComparator) CompareSerialized(a, b []byte) int { return bytes.Compare(a, b) }

// BytesSerializer copies []byte values verbatim.
type BytesSerializer struct{}

func (BytesSerializer) CalculateSize(v []byte) int    { return len(v) }
func (BytesSerializer) Serialize(v []byte, out []byte) { copy(out, v) }
func (BytesSerializer) Deserialize(in []byte) []byte {
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

// StringComparator orders strings lexicographically, after numbers and
// before nothing, per the collation order dbm documents.
type StringComparator struct{}

func (StringComparator) Compare(a, b string) int { return strings.Compare(a, b) }
func (StringComparator) CompareSerialized(a string, b []byte) int {
	return bytes.Compare([]byte(a), b)
}

// StringSerializer encodes strings as their raw UTF-8 bytes.
type StringSerializer struct{}

func (StringSerializer) CalculateSize(v string) int     { return len(v) }
func (StringSerializer) Serialize(v string, out []byte) { copy(out, v) }
func (StringSerializer) Deserialize(in []byte) string   { return string(in) }
