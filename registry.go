// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package collectives

import (
	"sync"

	"github.com/gomlx/collectives/comms"
	"github.com/gomlx/collectives/types/tensors"
	"github.com/pkg/errors"
)

// WorkRegistry tracks the pending asynchronous collective operation of each
// tensor storage: a mapping from tensors.StorageKey to the comms.Work handle
// returned by the transport.
//
// At most one Work is associated with a given storage at any time.
// Registering the same (storage, work) pair again is a no-op: coalesced and
// in-place collectives can legitimately produce the same storage more than
// once from one transport call. Registering a *different* work for a storage
// that already has one pending is a caller bug (a second collective was
// dispatched onto the same storage without an intervening Wait) and fails.
//
// Work handles are compared by identity, so implementations must be
// comparable (pointer types are).
//
// All methods are safe for concurrent use. Waiting on a popped Work happens
// outside the registry's lock, so a slow collective never blocks other
// registrations.
type WorkRegistry struct {
	mu      sync.Mutex
	pending map[tensors.StorageKey]comms.Work
}

// NewWorkRegistry returns an empty registry.
func NewWorkRegistry() *WorkRegistry {
	return &WorkRegistry{pending: make(map[tensors.StorageKey]comms.Work)}
}

// Register associates work as the pending operation of the given storage.
//
// If the storage already has the same work pending, Register is a no-op.
// If it has a different work pending, Register returns an error and leaves
// the previous association untouched.
func (r *WorkRegistry) Register(key tensors.StorageKey, work comms.Work) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, found := r.pending[key]
	if found {
		if stored == work {
			return nil
		}
		return errors.Errorf("tensor storage %s is already associated with a different collective operation", key)
	}
	r.pending[key] = work
	return nil
}

// Pop removes and returns the pending Work of the given storage, or nil if
// there is none. Popping an absent key is not an error: it is the expected
// state after a first Wait, or for tensors that never had an asynchronous
// producer.
func (r *WorkRegistry) Pop(key tensors.StorageKey) comms.Work {
	r.mu.Lock()
	defer r.mu.Unlock()
	work, found := r.pending[key]
	if !found {
		return nil
	}
	delete(r.pending, key)
	return work
}

// IsEmpty reports whether the registry has no pending operations.
func (r *WorkRegistry) IsEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending) == 0
}

// Drain discards all pending entries and returns how many were abandoned.
//
// Drain never waits on, or otherwise touches, the abandoned Work handles:
// by teardown time the owning transport may already be gone, and poking it
// risks undefined behavior. The handles are deliberately leaked; the caller
// decides what to do with the count (see Shutdown).
func (r *WorkRegistry) Drain() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.pending)
	clear(r.pending)
	return n
}
