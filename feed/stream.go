package feed

import "sync"

// Stream is a lazy, possibly-infinite, non-restartable sequence of items.
//
// Producers publish without ever blocking: when the buffer is full the
// oldest buffered item is dropped and counted, so a slow consumer degrades
// to fresher-data-only instead of stalling the transport. Consumers range
// over Items, which is closed exactly once when the stream ends; Err then
// reports the terminal error, if any. Close is safe from either side and
// idempotent.
type Stream struct {
	mu      sync.Mutex
	items   chan Item
	done    chan struct{}
	closed  bool
	err     error
	dropped uint64
}

const defaultStreamBuffer = 64

// NewStream creates a stream with the given buffer capacity. Non-positive
// capacities fall back to the default.
func NewStream(buffer int) *Stream {
	if buffer <= 0 {
		buffer = defaultStreamBuffer
	}
	return &Stream{
		items: make(chan Item, buffer),
		done:  make(chan struct{}),
	}
}

// Items is the consumer side; it is closed when the stream terminates.
func (s *Stream) Items() <-chan Item {
	return s.items
}

// Done is closed when the stream terminates. Producer pumps select on it to
// stop promptly.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Publish enqueues an item, evicting the oldest buffered one when full.
// It reports false once the stream is closed.
func (s *Stream) Publish(item Item) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	for {
		select {
		case s.items <- item:
			return true
		default:
		}
		select {
		case <-s.items:
			s.dropped++
		default:
		}
	}
}

// Close terminates the stream without an error.
func (s *Stream) Close() {
	s.CloseWithError(nil)
}

// CloseWithError terminates the stream and records the terminal error. Only
// the first close wins.
func (s *Stream) CloseWithError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.done)
	close(s.items)
}

// Err returns the terminal error recorded at close, if any.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Dropped returns how many buffered items were evicted for slow consumers.
func (s *Stream) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}
