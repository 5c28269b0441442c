// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package history provides bounded, oldest-evicted-first buffers used by the
// engine wherever terminal records are retained for diagnostics: finished
// work items, memory samples, leak reports, and completed workflows.
package history

import "sync"

// Ring is a fixed-size circular buffer.
//
// # Description
//
// Provides O(1) append and bounded memory usage. When full, the oldest
// entry is evicted. Insertion order is preserved: Snapshot returns entries
// oldest first.
//
// # Thread Safety
//
// NOT safe for concurrent use; callers must synchronize, or use Log which
// wraps a Ring with a mutex.
type Ring[T any] struct {
	data  []T
	head  int // next write position
	tail  int // oldest element position
	count int
	cap   int
	full  bool
}

// NewRing creates a ring with the given capacity.
//
// # Inputs
//
//   - capacity: Maximum number of entries to retain. Values <= 0 fall back
//     to a default of 100.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 100 // Default
	}
	return &Ring[T]{
		data: make([]T, capacity),
		cap:  capacity,
	}
}

// Append adds an entry, evicting the oldest when full.
func (r *Ring[T]) Append(entry T) {
	r.data[r.head] = entry
	r.head = (r.head + 1) % r.cap

	if r.full {
		r.tail = (r.tail + 1) % r.cap
	} else {
		r.count++
		if r.count == r.cap {
			r.full = true
		}
	}
}

// Len returns the number of retained entries.
func (r *Ring[T]) Len() int {
	return r.count
}

// Cap returns the maximum number of entries.
func (r *Ring[T]) Cap() int {
	return r.cap
}

// Oldest returns the oldest entry without removing it.
//
// # Outputs
//
//   - T: The oldest entry.
//   - bool: False if the ring is empty.
func (r *Ring[T]) Oldest() (T, bool) {
	var zero T
	if r.count == 0 {
		return zero, false
	}
	return r.data[r.tail], true
}

// Newest returns the most recently appended entry without removing it.
func (r *Ring[T]) Newest() (T, bool) {
	var zero T
	if r.count == 0 {
		return zero, false
	}
	idx := (r.head - 1 + r.cap) % r.cap
	return r.data[idx], true
}

// Snapshot returns a copy of all entries, oldest first.
func (r *Ring[T]) Snapshot() []T {
	out := make([]T, 0, r.count)
	for i := 0; i < r.count; i++ {
		out = append(out, r.data[(r.tail+i)%r.cap])
	}
	return out
}

// Clear removes all entries.
func (r *Ring[T]) Clear() {
	var zero T
	for i := range r.data {
		r.data[i] = zero // Release references
	}
	r.head = 0
	r.tail = 0
	r.count = 0
	r.full = false
}

// Log is a concurrency-safe Ring.
//
// # Description
//
// The engine's history surfaces are written by owner goroutines and read by
// observers; Log confines that synchronization in one place.
//
// # Thread Safety
//
// Safe for concurrent use.
type Log[T any] struct {
	mu   sync.Mutex
	ring *Ring[T]
}

// NewLog creates a concurrency-safe bounded log.
func NewLog[T any](capacity int) *Log[T] {
	return &Log[T]{ring: NewRing[T](capacity)}
}

// Append adds an entry, evicting the oldest when full.
func (l *Log[T]) Append(entry T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ring.Append(entry)
}

// Len returns the number of retained entries.
func (l *Log[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ring.Len()
}

// Snapshot returns a copy of all entries, oldest first.
func (l *Log[T]) Snapshot() []T {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ring.Snapshot()
}

// Newest returns the most recently appended entry.
func (l *Log[T]) Newest() (T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ring.Newest()
}

// Clear removes all entries.
func (l *Log[T]) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ring.Clear()
}
