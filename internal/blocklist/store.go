// Package blocklist holds the bounded digest set consulted on every execution
// attempt.
//
// The control plane is the only writer. Readers run on the decision path and
// must never block, so every Store keeps Contains lock-free.
package blocklist

import (
	"errors"
	"sync"
	"sync/atomic"

	"execfence/internal/digest"
)

// DefaultCapacity is the entry limit used when none is configured.
const DefaultCapacity = 1024

// ErrCapacityExceeded is returned when inserting into a full store.
var ErrCapacityExceeded = errors.New("blocklist capacity exceeded")

// Store is a bounded digest presence set.
type Store interface {
	// Insert adds d. Re-inserting a present digest succeeds without
	// consuming capacity.
	Insert(d digest.Digest) error
	// Delete removes d. Removing an absent digest is not an error.
	Delete(d digest.Digest) error
	// Contains reports whether d is present. It never blocks.
	Contains(d digest.Digest) bool
	// Len returns the number of entries.
	Len() int
	// Capacity returns the maximum number of entries.
	Capacity() int
}

type digestSet map[digest.Digest]struct{}

// MemStore is an in-process Store. Each write publishes a fresh immutable set,
// so a reader sees either the set before or after a write and never a partial
// one.
type MemStore struct {
	mu       sync.Mutex // serializes writers only
	set      atomic.Pointer[digestSet]
	capacity int
}

// NewMemStore creates a store holding at most capacity digests.
func NewMemStore(capacity int) *MemStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	s := &MemStore{capacity: capacity}
	empty := make(digestSet)
	s.set.Store(&empty)
	return s
}

// Insert implements Store.
func (s *MemStore) Insert(d digest.Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := *s.set.Load()
	if _, ok := cur[d]; ok {
		return nil
	}
	if len(cur) >= s.capacity {
		return ErrCapacityExceeded
	}
	next := make(digestSet, len(cur)+1)
	for k := range cur {
		next[k] = struct{}{}
	}
	next[d] = struct{}{}
	s.set.Store(&next)
	return nil
}

// Delete implements Store.
func (s *MemStore) Delete(d digest.Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := *s.set.Load()
	if _, ok := cur[d]; !ok {
		return nil
	}
	next := make(digestSet, len(cur))
	for k := range cur {
		if k != d {
			next[k] = struct{}{}
		}
	}
	s.set.Store(&next)
	return nil
}

// Contains implements Store.
func (s *MemStore) Contains(d digest.Digest) bool {
	_, ok := (*s.set.Load())[d]
	return ok
}

// Len implements Store.
func (s *MemStore) Len() int {
	return len(*s.set.Load())
}

// Capacity implements Store.
func (s *MemStore) Capacity() int {
	return s.capacity
}
