package pipeline

import (
	"errors"
	"sync"
)

// ErrStreamClosed is returned when writing to a closed stream.
var ErrStreamClosed = errors.New("stream is closed")

// Stream is a single-producer/single-consumer object pipe with blocking
// read/write semantics and a terminal closed state. A bounded stream blocks
// writers while full; an unbounded stream never blocks writers.
//
// Stream implements engine.ObjectReader and engine.ObjectWriter.
type Stream struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	items    []interface{}
	max      int // <= 0 means unbounded
	closed   bool
}

// NewStream creates an unbounded stream.
func NewStream() *Stream {
	return NewBoundedStream(0)
}

// NewBoundedStream creates a stream holding at most max objects.
// max <= 0 means unbounded.
func NewBoundedStream(max int) *Stream {
	s := &Stream{max: max}
	s.notEmpty = sync.NewCond(&s.mu)
	s.notFull = sync.NewCond(&s.mu)
	return s
}

// Write appends an object, blocking while the stream is full.
// It returns ErrStreamClosed if the stream has been closed.
func (s *Stream) Write(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if s.closed {
			return ErrStreamClosed
		}
		if s.max <= 0 || len(s.items) < s.max {
			break
		}
		s.notFull.Wait()
	}

	s.items = append(s.items, v)
	s.notEmpty.Signal()
	return nil
}

// Read removes and returns the oldest object, blocking while the stream is
// empty and open. It returns (nil, false) once the stream is closed and
// drained.
func (s *Stream) Read() (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.items) == 0 && !s.closed {
		s.notEmpty.Wait()
	}
	if len(s.items) == 0 {
		return nil, false
	}
	return s.popLocked(), true
}

// TryRead removes and returns the oldest object without blocking.
// The second return value is false if nothing was immediately available.
func (s *Stream) TryRead() (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.items) == 0 {
		return nil, false
	}
	return s.popLocked(), true
}

// ReadAll blocks until the stream is closed, then returns every object that
// had not yet been read, in write order.
func (s *Stream) ReadAll() []interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	for !s.closed {
		s.notEmpty.Wait()
	}
	out := s.items
	s.items = nil
	s.notFull.Broadcast()
	return out
}

// Drain returns every currently buffered object without waiting for close.
func (s *Stream) Drain() []interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.items
	s.items = nil
	s.notFull.Broadcast()
	return out
}

func (s *Stream) popLocked() interface{} {
	v := s.items[0]
	s.items = s.items[1:]
	s.notFull.Signal()
	return v
}

// Close transitions the stream to its terminal state. Blocked readers wake
// and drain; subsequent writes fail. Close is idempotent.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	s.notEmpty.Broadcast()
	s.notFull.Broadcast()
}

// IsClosed reports whether Close has been called.
func (s *Stream) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Len returns the number of buffered objects.
func (s *Stream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// MaxCapacity returns the configured bound, or 0 for unbounded.
func (s *Stream) MaxCapacity() int {
	return s.max
}
