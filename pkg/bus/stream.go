package bus

import (
	"sync"

	"github.com/google/uuid"
)

// Stream is a fixed-capacity queue feeding one remote consumer, such as
// a websocket client. When the queue is full the newest message is
// dropped; a stream that keeps overflowing is unregistered and C is
// closed.
type Stream struct {
	ID uuid.UUID

	// C delivers messages. It is closed when the stream is unregistered.
	C <-chan Message

	ch     chan Message
	topics map[string]bool

	mu        sync.Mutex
	overflows int
	closed    bool
}

type offerResult int

const (
	offerSent offerResult = iota
	offerSkipped
	offerDropped
	offerDead
)

// OpenStream registers a stream. With no topics it receives every
// message.
func (b *Bus) OpenStream(topics ...string) *Stream {
	ch := make(chan Message, b.opts.StreamBuffer)
	s := &Stream{ID: uuid.New(), C: ch, ch: ch}
	if len(topics) > 0 {
		s.topics = make(map[string]bool, len(topics))
		for _, t := range topics {
			s.topics[t] = true
		}
	}

	b.mu.Lock()
	b.streams[s.ID] = s
	b.mu.Unlock()
	return s
}

// CloseStream unregisters s and closes its channel. Safe to call more
// than once.
func (b *Bus) CloseStream(s *Stream) {
	b.mu.Lock()
	delete(b.streams, s.ID)
	b.mu.Unlock()

	s.close()
}

// Closed reports whether the stream has been unregistered.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// offer performs a non-blocking send. maxOverflows consecutive drops mark
// the stream dead.
func (s *Stream) offer(msg Message, maxOverflows int) offerResult {
	if s.topics != nil && !s.topics[msg.Topic] {
		return offerSkipped
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return offerSkipped
	}

	select {
	case s.ch <- msg:
		s.overflows = 0
		return offerSent
	default:
	}

	s.overflows++
	if s.overflows >= maxOverflows {
		return offerDead
	}
	return offerDropped
}

func (s *Stream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
