package confirm

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrNegativeAcknowledged is returned when the broker rejected a publish (basic.nack).
	// It is an application level failure: the message was not accepted and is not retried here.
	ErrNegativeAcknowledged = errors.New("publish negatively acknowledged by broker")

	// ErrTimeout is returned when a publish was neither confirmed nor rejected within the configured timeout.
	// The outcome is unknown; the pending entry stays registered and may still resolve later.
	ErrTimeout = errors.New("timed out waiting for publish confirmation")

	// ErrChannelClosed is returned for every publish still pending when the broker channel terminates.
	ErrChannelClosed = errors.New("channel closed before publish was confirmed")
)

// DuplicateKeyError indicates that a sequence number was registered twice before being resolved.
// This is an invariant violation upstream (sequence number reuse) and must never be retried.
type DuplicateKeyError struct {
	SequenceNumber uint64
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("duplicate sequence number %d", e.SequenceNumber)
}

// PublishError is returned by [Publisher.PublishAndAwaitConfirmation] when a message was not confirmed.
// It carries the message and sequence number of the failed publish and the reason.
type PublishError struct {
	MessageID      uuid.UUID
	SequenceNumber uint64
	Err            error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publishing message %s (seq %d): %v", e.MessageID, e.SequenceNumber, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// NackError describes a negative acknowledgment received from the broker.
// It matches [ErrNegativeAcknowledged] with errors.Is.
type NackError struct {
	DeliveryTag uint64
	Multiple    bool
}

func (e *NackError) Error() string {
	if e.Multiple {
		return fmt.Sprintf("broker rejected publishes up to seq %d", e.DeliveryTag)
	}
	return fmt.Sprintf("broker rejected publish seq %d", e.DeliveryTag)
}

func (e *NackError) Unwrap() error {
	return ErrNegativeAcknowledged
}

// UnknownTagError reports a confirmation that did not match any pending publish,
// e.g. the broker acknowledged a tag whose caller already gave up.
type UnknownTagError struct {
	Confirmation Confirmation
}

func (e *UnknownTagError) Error() string {
	return fmt.Sprintf("no pending publish for %s", e.Confirmation)
}

// ChannelClosedError wraps [ErrChannelClosed] with the reason the transport reported, if any.
type ChannelClosedError struct {
	Reason error
}

func (e *ChannelClosedError) Error() string {
	if e.Reason == nil {
		return ErrChannelClosed.Error()
	}
	return fmt.Sprintf("%v: %v", ErrChannelClosed, e.Reason)
}

func (e *ChannelClosedError) Unwrap() []error {
	if e.Reason == nil {
		return []error{ErrChannelClosed}
	}
	return []error{ErrChannelClosed, e.Reason}
}
