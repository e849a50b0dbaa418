package ble

import (
	"sync"
)

// ConnectionState is the link state reported by the driver.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateUnknown
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	}
	return "unknown"
}

// mapConnectionState converts a native state code.
func mapConnectionState(native int) ConnectionState {
	switch native {
	case NativeStateDisconnected:
		return StateDisconnected
	case NativeStateConnecting:
		return StateConnecting
	case NativeStateConnected:
		return StateConnected
	case NativeStateDisconnecting:
		return StateDisconnecting
	}
	return StateUnknown
}

// Broadcast fans values out to subscribers. Each subscriber has a bounded
// buffer; when it is full the oldest buffered value is dropped. The last
// replay values are delivered to new subscribers.
type Broadcast[T any] struct {
	mu     sync.Mutex
	size   int
	replay int
	recent []T
	subs   map[int]chan T
	next   int
	closed bool
}

// NewBroadcast creates a Broadcast. size and replay below 1 and 0 are raised.
func NewBroadcast[T any](size, replay int) *Broadcast[T] {
	if size < 1 {
		size = 1
	}
	if replay < 0 {
		replay = 0
	}
	if replay > size {
		replay = size
	}
	return &Broadcast[T]{size: size, replay: replay, subs: make(map[int]chan T)}
}

// Subscribe returns a channel of future values, preceded by the replay
// backlog, and a function that ends the subscription.
func (b *Broadcast[T]) Subscribe() (<-chan T, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscribeLocked(b.recent)
}

func (b *Broadcast[T]) subscribeLocked(backlog []T) (<-chan T, func()) {
	ch := make(chan T, b.size)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	for _, v := range backlog {
		offerDropOldest(ch, v)
	}
	id := b.next
	b.next++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Publish delivers v to every subscriber without blocking.
func (b *Broadcast[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if b.replay > 0 {
		b.recent = append(b.recent, v)
		if len(b.recent) > b.replay {
			b.recent = b.recent[len(b.recent)-b.replay:]
		}
	}
	for _, ch := range b.subs {
		offerDropOldest(ch, v)
	}
}

// Close ends every subscription.
func (b *Broadcast[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

func offerDropOldest[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// StateStream holds the current connection state and notifies watchers of
// every change. Watchers that fall behind only see the latest state.
type StateStream struct {
	mu      sync.Mutex
	current ConnectionState
	subs    *Broadcast[ConnectionState]
}

// NewStateStream starts at StateDisconnected.
func NewStateStream() *StateStream {
	return &StateStream{current: StateDisconnected, subs: NewBroadcast[ConnectionState](1, 0)}
}

// Current returns the latest state.
func (s *StateStream) Current() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Watch returns a channel that first yields the current state and then
// every subsequent one.
func (s *StateStream) Watch() (<-chan ConnectionState, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs.mu.Lock()
	defer s.subs.mu.Unlock()
	ch, cancel := s.subs.subscribeLocked([]ConnectionState{s.current})
	return ch, cancel
}

func (s *StateStream) set(state ConnectionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = state
	s.subs.Publish(state)
}

// Close ends every watcher.
func (s *StateStream) Close() { s.subs.Close() }
