package confirm

import "context"

// Transport is a broker channel in confirm mode.
//
// Implementations must be safe for concurrent use. NextSequenceNumber and Publish
// must agree: the message passed to Publish with a given sequence number is the one
// the broker will confirm with that delivery tag. Every reserved sequence number is
// followed by exactly one call to Publish or Release.
type Transport interface {
	// NextSequenceNumber reserves the sequence number of the next publish.
	// Numbers start at 1 and increase monotonically for the lifetime of the channel.
	NextSequenceNumber() uint64

	// Publish sends msg under the reserved sequence number. It does not wait for a confirmation.
	Publish(ctx context.Context, seq uint64, msg *Message) error

	// Release gives back a reserved sequence number that will not be published.
	Release(seq uint64)

	ConfirmationSource
}

// ConfirmationSource delivers broker acknowledgments. It is implemented by every
// [Transport] and by [ConfirmationStream].
type ConfirmationSource interface {
	// Confirmations returns acknowledgments in the order the broker emitted them.
	// The channel is closed when the broker channel terminates.
	Confirmations() <-chan Confirmation

	// Err returns the reason the channel terminated, if known.
	// It is only meaningful once Confirmations has been closed.
	Err() error
}
