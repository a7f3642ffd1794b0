// Package confirm correlates broker publisher confirms with the publishes they confirm.
//
// A broker channel in confirm mode numbers every publish with a sequence number and later
// acknowledges (ack) or rejects (nack) it, possibly several at once with a cumulative
// acknowledgment. This package tracks every outstanding publish and gives each caller a
// definitive answer for its own message:
//
//  1. The [Publisher] reserves the next sequence number from the [Transport], registers the
//     publish in a [Registry] and only then hands the message to the transport.
//  2. A [Resolver] consumes the transport's acknowledgments in broker order and resolves the
//     matching registry entries, one at a time or as a contiguous range.
//  3. The caller's wait returns nil when the broker accepted the message, or an error matching
//     ErrNegativeAcknowledged, ErrTimeout or ErrChannelClosed.
//
// [AMQPTransport] adapts a RabbitMQ channel; package confirmtest provides an in-memory
// transport for tests and package metrics exports Prometheus metrics through an [Observer].
package confirm
