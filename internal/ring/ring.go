// Package ring provides a growable, sorted buffer used anywhere the engine
// needs an ordered sequence with cheap prefix eviction and binary-search
// insert: the consistency tracker's two latch maps (ordered by target VLSN
// and by maximum lag) and the handshake's bounded window of recently
// passed transactions are both built on it.
//
// Both call sites are append-heavy and evict-from-front-heavy (a latch key
// is almost always a new maximum, and eviction always removes a matched
// prefix), so the backing store is a plain slice plus a read cursor rather
// than a power-of-two masked ring: Insert grows or shifts with append/copy,
// and RemoveBefore just advances the cursor, compacting only once the
// discarded prefix would otherwise dominate the backing array.
package ring

import (
	"sort"

	"golang.org/x/exp/constraints"
)

// Buffer is a sorted, growable buffer over an ordered element type.
// Elements are expected to be inserted in (or near) sorted order via
// Search+Insert; RemoveBefore evicts a sorted prefix in amortized O(1).
//
// The zero value is not usable; construct with NewBuffer.
type Buffer[E constraints.Ordered] struct {
	s []E // s[r:] holds the live, sorted elements
	r int
}

// NewBuffer returns an empty Buffer with an initial backing capacity of
// size, which must be positive.
func NewBuffer[E constraints.Ordered](size int) *Buffer[E] {
	if size <= 0 {
		panic(`ring: size must be positive`)
	}
	return &Buffer[E]{s: make([]E, 0, size)}
}

// Len returns the number of elements currently stored.
func (x *Buffer[E]) Len() int {
	return len(x.s) - x.r
}

// Cap returns the current backing capacity (grows automatically on Insert).
func (x *Buffer[E]) Cap() int {
	return cap(x.s)
}

// Get returns the element at logical index i, where 0 is the oldest
// (smallest, assuming sorted insertion) element.
func (x *Buffer[E]) Get(i int) E {
	if i < 0 || i >= x.Len() {
		panic(`ring: get: index out of range`)
	}
	return x.s[x.r+i]
}

// Slice copies the buffer's contents, oldest first, into a new slice.
func (x *Buffer[E]) Slice() (b []E) {
	if l := x.Len(); l != 0 {
		b = make([]E, l)
		copy(b, x.s[x.r:])
	}
	return b
}

// RemoveBefore evicts the first index elements (the oldest index entries).
// Once the evicted prefix reaches half the backing array, the live
// elements are compacted down to index 0 so repeated eviction doesn't leak
// capacity under sustained append/evict traffic.
func (x *Buffer[E]) RemoveBefore(index int) {
	if index < 0 || index > x.Len() {
		panic(`ring: remove before: index out of range`)
	}
	x.r += index
	if x.r > 0 && x.r*2 >= len(x.s) {
		x.compact()
	}
}

func (x *Buffer[E]) compact() {
	n := copy(x.s, x.s[x.r:])
	x.s = x.s[:n]
	x.r = 0
}

// Search returns the smallest index i such that Get(i) >= value, assuming
// the buffer's contents are sorted ascending (the insertion discipline this
// package is designed around).
func (x *Buffer[E]) Search(value E) int {
	return sort.Search(x.Len(), func(i int) bool {
		return x.Get(i) >= value
	})
}

// Insert places value at logical index, growing the backing array if
// needed. Callers maintaining sort order should pass index = x.Search(value).
func (x *Buffer[E]) Insert(index int, value E) {
	l := x.Len()
	if index < 0 || index > l {
		panic(`ring: insert: index out of range`)
	}

	pos := x.r + index
	if pos == len(x.s) {
		x.s = append(x.s, value)
		return
	}

	var zero E
	x.s = append(x.s, zero)
	copy(x.s[pos+1:], x.s[pos:len(x.s)-1])
	x.s[pos] = value
}

// InsertSorted inserts value at its sorted position via Search+Insert. This
// is the common case; Insert is exposed separately for callers (the
// consistency tracker) that Search first and insert only when the key is
// not already present.
func (x *Buffer[E]) InsertSorted(value E) {
	x.Insert(x.Search(value), value)
}

// Bounded wraps a Buffer to cap it at a fixed number of most-recent entries,
// evicting the oldest on overflow. Used for the handshake's window of
// recently passed transactions, where only the last N matter.
type Bounded[E constraints.Ordered] struct {
	buf   *Buffer[E]
	limit int
}

// NewBounded returns a Bounded buffer that never holds more than limit
// elements, evicting the oldest (smallest, under sorted insertion) once
// full.
func NewBounded[E constraints.Ordered](limit int) *Bounded[E] {
	if limit <= 0 {
		panic(`ring: bounded: limit must be positive`)
	}
	return &Bounded[E]{buf: NewBuffer[E](limit), limit: limit}
}

// Add inserts value in sorted order, evicting the oldest entry if the
// buffer is now over limit.
func (b *Bounded[E]) Add(value E) {
	b.buf.InsertSorted(value)
	if over := b.buf.Len() - b.limit; over > 0 {
		b.buf.RemoveBefore(over)
	}
}

// Len returns the number of elements currently held (<= limit).
func (b *Bounded[E]) Len() int { return b.buf.Len() }

// Slice copies the buffer's contents, oldest first.
func (b *Bounded[E]) Slice() []E { return b.buf.Slice() }

// Contains reports whether value is present.
func (b *Bounded[E]) Contains(value E) bool {
	i := b.buf.Search(value)
	return i < b.buf.Len() && b.buf.Get(i) == value
}
