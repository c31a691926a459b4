package event

import (
	"context"
	"sync"
)

// Stream is a typed publish/subscribe channel for a single kind of event.
// Subscribers are invoked synchronously, in no particular order, outside of
// the stream's lock so handlers may subscribe or unsubscribe reentrantly.
type Stream[T any] struct {
	mu   sync.Mutex
	subs map[int]func(T)
	next int
}

func NewStream[T any]() *Stream[T] {
	return &Stream[T]{subs: make(map[int]func(T))}
}

// Subscribe registers fn and returns a function that removes it again.
// Unsubscribing twice is harmless.
func (s *Stream[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Once registers fn for a single delivery. The id is fixed before the handler
// is visible to Emit, so a concurrent emission cannot observe a half-built
// registration.
func (s *Stream[T]) Once(fn func(T)) (unsubscribe func()) {
	var once sync.Once
	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = func(v T) {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			fn(v)
		})
	}
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Stream[T]) Emit(v T) {
	s.mu.Lock()
	fns := make([]func(T), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

// Wait blocks until the stream emits a value satisfying pred, or until ctx is
// done. The caller bounds the wait through the context deadline.
func Wait[T any](ctx context.Context, s *Stream[T], pred func(T) bool) (T, error) {
	ch := make(chan T, 1)
	unsub := s.Subscribe(func(v T) {
		if pred(v) {
			select {
			case ch <- v:
			default:
			}
		}
	})
	defer unsub()

	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
