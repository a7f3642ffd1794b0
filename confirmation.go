package confirm

import (
	"fmt"
	"sync"
)

// Confirmation is a broker acknowledgment (Ack=true) or negative acknowledgment (Ack=false)
// for the publish identified by DeliveryTag. When Multiple is set it covers every outstanding
// publish with a sequence number up to and including DeliveryTag.
type Confirmation struct {
	DeliveryTag uint64
	Ack         bool
	Multiple    bool
}

func (c Confirmation) String() string {
	kind := "ack"
	if !c.Ack {
		kind = "nack"
	}
	if c.Multiple {
		return fmt.Sprintf("%s up to seq %d", kind, c.DeliveryTag)
	}
	return fmt.Sprintf("%s seq %d", kind, c.DeliveryTag)
}

// ConfirmationStream turns handler style acknowledgment callbacks into the ordered
// channel consumed by a [Resolver]. Ack and Nack may be used directly as OnAck/OnNack handlers.
//
// Calls are serialized, so confirmations are delivered in the order the handlers were invoked.
// The zero value is not usable, use [NewConfirmationStream].
type ConfirmationStream struct {
	mu     sync.Mutex
	ch     chan Confirmation
	stop   chan struct{}
	once   sync.Once
	closed bool
	err    error
}

// NewConfirmationStream creates a stream buffering up to size confirmations.
func NewConfirmationStream(size int) *ConfirmationStream {
	if size < 0 {
		size = 0
	}
	return &ConfirmationStream{
		ch:   make(chan Confirmation, size),
		stop: make(chan struct{}),
	}
}

// Ack delivers a positive acknowledgment. It reports false if the stream is already closed.
func (s *ConfirmationStream) Ack(tag uint64, multiple bool) bool {
	return s.send(Confirmation{DeliveryTag: tag, Ack: true, Multiple: multiple})
}

// Nack delivers a negative acknowledgment. It reports false if the stream is already closed.
func (s *ConfirmationStream) Nack(tag uint64, multiple bool) bool {
	return s.send(Confirmation{DeliveryTag: tag, Ack: false, Multiple: multiple})
}

func (s *ConfirmationStream) send(c Confirmation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	select {
	case s.ch <- c:
		return true
	case <-s.stop:
		return false
	}
}

// Close ends the stream. Confirmations already buffered are still delivered, after which
// the channel returned by Confirmations is closed. reason may be nil for a clean shutdown.
// Only the first call has an effect.
func (s *ConfirmationStream) Close(reason error) {
	s.once.Do(func() {
		close(s.stop) // unblock a sender waiting on a full buffer
		s.mu.Lock()
		defer s.mu.Unlock()
		s.closed = true
		s.err = reason
		close(s.ch)
	})
}

// Confirmations returns the ordered confirmation channel.
func (s *ConfirmationStream) Confirmations() <-chan Confirmation {
	return s.ch
}

// Err returns the reason passed to Close.
func (s *ConfirmationStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
