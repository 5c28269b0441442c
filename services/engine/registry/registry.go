// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry tracks live objects by opaque identity without owning
// them.
//
// Observations are weak: tracking an object does not keep it alive, and
// the registry can tell whether a tracked object has since been reclaimed.
// The memory supervisor reads the registry to distinguish "object whose
// owner simply forgot to report disposal" from "object genuinely still
// alive past its lifetime policy".
//
// Entries accumulate as objects are reclaimed; dead entries are dropped by
// passive compaction every compactEvery insertions and on explicit
// Compact calls.
package registry

import (
	"sync"
	"time"
	"weak"
)

// compactEvery is how many insertions pass between passive compactions.
const compactEvery = 64

// Class distinguishes long-lived services from transient view-models.
// It is an opaque label to the registry; lifetime policy keyed on it lives
// in the memory supervisor.
type Class = string

// Entry describes one tracked object.
type Entry struct {
	// ID is the caller-chosen identity.
	ID string

	// Class is the declared class name of the object.
	Class Class

	// CreatedAt is when tracking began.
	CreatedAt time.Time

	// Alive reports whether the object was still reachable when the
	// Entry snapshot was taken.
	Alive bool
}

// entry is the internal record; alive closes over a typed weak pointer.
type entry struct {
	class     Class
	createdAt time.Time
	alive     func() bool
}

// Registry is a concurrency-safe collection of weak observations keyed by
// caller-chosen identifiers.
//
// Thread Safety: Safe for concurrent use.
type Registry struct {
	mu         sync.Mutex
	entries    map[string]*entry
	insertions int
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
	}
}

// Track registers a weak, non-owning observation of obj under id.
//
// Description:
//
//	The registry holds only a weak pointer: tracking never extends the
//	object's lifetime. Re-tracking an existing id replaces the previous
//	observation. Every compactEvery insertions, entries whose objects
//	have been reclaimed are dropped.
//
// Inputs:
//   - r: The registry.
//   - id: Caller-chosen identity. Must be non-empty to be useful.
//   - obj: Pointer to the object to observe. Must not be nil.
//   - class: Declared class name used by lifetime policy.
//
// Thread Safety: Safe for concurrent use.
func Track[T any](r *Registry, id string, obj *T, class Class) {
	wp := weak.Make(obj)
	r.track(id, class, func() bool { return wp.Value() != nil })
}

func (r *Registry) track(id string, class Class, alive func() bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[id] = &entry{
		class:     class,
		createdAt: time.Now(),
		alive:     alive,
	}

	r.insertions++
	if r.insertions%compactEvery == 0 {
		r.compactLocked()
	}
}

// Untrack removes the observation for id, if present.
func (r *Registry) Untrack(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// Contains reports whether id is currently tracked (alive or not).
func (r *Registry) Contains(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[id]
	return ok
}

// Alive reports whether id is tracked and its object is still reachable.
func (r *Registry) Alive(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	return ok && e.alive()
}

// Len returns the number of tracked entries, dead ones included.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// AliveCount returns the number of tracked objects still reachable.
func (r *Registry) AliveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.entries {
		if e.alive() {
			n++
		}
	}
	return n
}

// Info returns a snapshot of the entry for id.
func (r *Registry) Info(id string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}
	return Entry{
		ID:        id,
		Class:     e.class,
		CreatedAt: e.createdAt,
		Alive:     e.alive(),
	}, true
}

// Snapshot returns a copy of every entry.
func (r *Registry) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Entry, 0, len(r.entries))
	for id, e := range r.entries {
		out = append(out, Entry{
			ID:        id,
			Class:     e.class,
			CreatedAt: e.createdAt,
			Alive:     e.alive(),
		})
	}
	return out
}

// Classes returns the number of still-alive objects per class.
func (r *Registry) Classes() map[Class]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[Class]int)
	for _, e := range r.entries {
		if e.alive() {
			out[e.class]++
		}
	}
	return out
}

// Compact drops entries whose objects have been reclaimed.
//
// Outputs:
//   - int: Number of entries dropped.
func (r *Registry) Compact() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.compactLocked()
}

func (r *Registry) compactLocked() int {
	dropped := 0
	for id, e := range r.entries {
		if !e.alive() {
			delete(r.entries, id)
			dropped++
		}
	}
	return dropped
}
