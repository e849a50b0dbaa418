package ble

import (
	"context"
	"errors"
	"sync"
)

// OpKind names the GATT operations that wait on a callback.
type OpKind int

const (
	OpConnect OpKind = iota
	OpDisconnect
	OpDiscoverServices
	OpRead
	OpWrite
	OpWriteDescriptor
)

func (k OpKind) String() string {
	switch k {
	case OpConnect:
		return "connect"
	case OpDisconnect:
		return "disconnect"
	case OpDiscoverServices:
		return "discoverServices"
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpWriteDescriptor:
		return "writeDescriptor"
	}
	return "unknown"
}

var errSlotCancelled = errors.New("slot cancelled")

// Slot is a single-assignment result for one outstanding operation.
type Slot struct {
	reg  *Registry
	kind OpKind

	once  sync.Once
	done  chan struct{}
	value any
	err   error
}

func (s *Slot) complete(value any, err error) bool {
	completed := false
	s.once.Do(func() {
		s.value, s.err = value, err
		close(s.done)
		completed = true
	})
	return completed
}

// Wait blocks until the slot is resolved or ctx ends. A slot abandoned by
// ctx is detached from the registry so a late resolution finds nothing.
func (s *Slot) Wait(ctx context.Context) (any, error) {
	select {
	case <-s.done:
		s.reg.detach(s)
		if errors.Is(s.err, errSlotCancelled) {
			return nil, wrapError(KindCancelled, s.err)
		}
		return s.value, s.err
	case <-ctx.Done():
		s.reg.detach(s)
		return nil, ctx.Err()
	}
}

// Registry holds at most one open Slot per OpKind. Driver callbacks resolve
// slots; callers wait on them.
type Registry struct {
	mu    sync.Mutex
	slots map[OpKind]*Slot
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{slots: make(map[OpKind]*Slot)}
}

// Open creates a fresh slot for kind, cancelling any previous one.
func (r *Registry) Open(kind OpKind) *Slot {
	s := &Slot{reg: r, kind: kind, done: make(chan struct{})}
	r.mu.Lock()
	prev := r.slots[kind]
	r.slots[kind] = s
	r.mu.Unlock()
	if prev != nil {
		prev.complete(nil, errSlotCancelled)
	}
	return s
}

// Resolve completes the open slot of kind. It reports false, and does
// nothing else, when no slot is open or the slot was already resolved.
func (r *Registry) Resolve(kind OpKind, value any, err error) bool {
	r.mu.Lock()
	s := r.slots[kind]
	r.mu.Unlock()
	if s == nil {
		return false
	}
	return s.complete(value, err)
}

// Await waits on the currently open slot of kind.
func (r *Registry) Await(ctx context.Context, kind OpKind) (any, error) {
	r.mu.Lock()
	s := r.slots[kind]
	r.mu.Unlock()
	if s == nil {
		return nil, NewError(KindInternal, kind.String()+" slot was never opened")
	}
	return s.Wait(ctx)
}

// IsOpen reports whether a slot of kind is open.
func (r *Registry) IsOpen(kind OpKind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.slots[kind] != nil
}

// ResetAll cancels and forgets every open slot.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	open := r.slots
	r.slots = make(map[OpKind]*Slot)
	r.mu.Unlock()
	for _, s := range open {
		s.complete(nil, errSlotCancelled)
	}
}

// detach forgets s if it is still the open slot of its kind.
func (r *Registry) detach(s *Slot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.slots[s.kind] == s {
		delete(r.slots, s.kind)
	}
}
