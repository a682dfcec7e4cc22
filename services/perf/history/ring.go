// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package history provides the bounded windows used across the performance
// subsystem: heap snapshot windows, regression result histories, and the
// orchestrator's report history.
package history

// DefaultCapacity is used when a non-positive capacity is requested.
const DefaultCapacity = 100

// Ring is a fixed-capacity FIFO window. Pushing into a full ring drops the
// oldest element.
//
// # Thread Safety
//
// NOT safe for concurrent use. Owners guard it with their own lock.
type Ring[T any] struct {
	items []T
	start int
	n     int
}

// NewRing creates a ring holding at most capacity elements.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring[T]{items: make([]T, capacity)}
}

// Push appends v, evicting the oldest element when full.
//
// # Outputs
//
//   - T: The evicted element (zero value if none).
//   - bool: True if an element was evicted.
func (r *Ring[T]) Push(v T) (T, bool) {
	var dropped T
	if r.n == len(r.items) {
		dropped = r.items[r.start]
		r.items[r.start] = v
		r.start = (r.start + 1) % len(r.items)
		return dropped, true
	}
	r.items[(r.start+r.n)%len(r.items)] = v
	r.n++
	return dropped, false
}

// Oldest returns the oldest element.
func (r *Ring[T]) Oldest() (T, bool) {
	var zero T
	if r.n == 0 {
		return zero, false
	}
	return r.items[r.start], true
}

// Newest returns the most recently pushed element.
func (r *Ring[T]) Newest() (T, bool) {
	var zero T
	if r.n == 0 {
		return zero, false
	}
	return r.items[(r.start+r.n-1)%len(r.items)], true
}

// At returns the i-th element counting from the oldest.
func (r *Ring[T]) At(i int) (T, bool) {
	var zero T
	if i < 0 || i >= r.n {
		return zero, false
	}
	return r.items[(r.start+i)%len(r.items)], true
}

// Items returns a copy of all elements, oldest first.
func (r *Ring[T]) Items() []T {
	return r.Tail(r.n)
}

// Tail returns a copy of the newest k elements, oldest first. A
// non-positive k or an empty ring yields nil.
func (r *Ring[T]) Tail(k int) []T {
	if k <= 0 || r.n == 0 {
		return nil
	}
	if k > r.n {
		k = r.n
	}
	out := make([]T, k)
	offset := r.n - k
	for i := range out {
		out[i] = r.items[(r.start+offset+i)%len(r.items)]
	}
	return out
}

// Len returns the number of stored elements.
func (r *Ring[T]) Len() int { return r.n }

// Cap returns the capacity.
func (r *Ring[T]) Cap() int { return len(r.items) }

// Full reports whether the next Push will evict.
func (r *Ring[T]) Full() bool { return r.n == len(r.items) }

// Reset drops all elements and releases references to them.
func (r *Ring[T]) Reset() {
	clear(r.items)
	r.start = 0
	r.n = 0
}
