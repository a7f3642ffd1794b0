// Package confirmtest provides an in-memory confirm.Transport for tests.
package confirmtest

import (
	"context"
	"errors"
	"sync"

	"github.com/oagudo/confirm"
)

// ErrPublishFailed is returned by Publish when the transport is configured to fail.
var ErrPublishFailed = errors.New("confirmtest: publish failed")

// Mode selects how the Transport answers publishes.
type Mode int

const (
	// Manual leaves confirmations to the test, via Ack, Nack and Close.
	Manual Mode = iota
	// AutoAck acknowledges every publish as soon as it is sent.
	AutoAck
	// AutoNack rejects every publish as soon as it is sent.
	AutoNack
)

// Published is a message recorded by the Transport.
type Published struct {
	SequenceNumber uint64
	Message        *confirm.Message
}

// Transport is an in-memory confirm.Transport. Sequence numbers start at 1.
type Transport struct {
	mode   Mode
	stream *confirm.ConfirmationStream

	mu         sync.Mutex
	next       uint64
	published  []Published
	released   []uint64
	publishErr error
}

// Option configures a Transport.
type Option func(*Transport)

// WithMode sets how publishes are confirmed. Default is Manual.
func WithMode(mode Mode) Option {
	return func(t *Transport) {
		t.mode = mode
	}
}

// WithPublishError makes every Publish fail with err.
func WithPublishError(err error) Option {
	return func(t *Transport) {
		t.publishErr = err
	}
}

// WithStartSequence sets the first sequence number handed out. Default is 1.
func WithStartSequence(seq uint64) Option {
	return func(t *Transport) {
		t.next = seq - 1
	}
}

// NewTransport creates a Transport buffering up to 1024 confirmations.
func NewTransport(opts ...Option) *Transport {
	t := &Transport{
		stream: confirm.NewConfirmationStream(1024),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// NextSequenceNumber implements confirm.Transport.
func (t *Transport) NextSequenceNumber() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	return t.next
}

// Publish implements confirm.Transport.
func (t *Transport) Publish(_ context.Context, seq uint64, msg *confirm.Message) error {
	t.mu.Lock()
	if t.publishErr != nil {
		t.mu.Unlock()
		return t.publishErr
	}
	t.published = append(t.published, Published{SequenceNumber: seq, Message: msg})
	t.mu.Unlock()

	switch t.mode {
	case AutoAck:
		t.stream.Ack(seq, false)
	case AutoNack:
		t.stream.Nack(seq, false)
	}
	return nil
}

// Release implements confirm.Transport.
func (t *Transport) Release(seq uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.released = append(t.released, seq)
}

// Confirmations implements confirm.Transport.
func (t *Transport) Confirmations() <-chan confirm.Confirmation {
	return t.stream.Confirmations()
}

// Err implements confirm.Transport.
func (t *Transport) Err() error {
	return t.stream.Err()
}

// Ack acknowledges tag, or every publish up to tag when multiple is set.
func (t *Transport) Ack(tag uint64, multiple bool) {
	t.stream.Ack(tag, multiple)
}

// Nack rejects tag, or every publish up to tag when multiple is set.
func (t *Transport) Nack(tag uint64, multiple bool) {
	t.stream.Nack(tag, multiple)
}

// Close simulates the broker closing the channel with reason.
func (t *Transport) Close(reason error) {
	t.stream.Close(reason)
}

// Published returns the messages sent so far, in publish order.
func (t *Transport) Published() []Published {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Published(nil), t.published...)
}

// Released returns the sequence numbers given back without publishing.
func (t *Transport) Released() []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]uint64(nil), t.released...)
}
