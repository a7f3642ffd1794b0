package confirm

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// PublishIDHeader carries the sequence number a message was published under.
const PublishIDHeader = "publishId"

// amqpChannel is the subset of *amqp.Channel used by AMQPTransport.
type amqpChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	GetNextPublishSeqNo() uint64
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPTransport is a [Transport] over a RabbitMQ channel in confirm mode.
//
// The broker numbers publishes on a channel in the order they are sent, so a reservation
// made by NextSequenceNumber holds the channel until the matching Publish or Release.
// Concurrent publishers sharing one AMQPTransport are therefore sent one at a time;
// use one channel per publisher for parallel throughput.
type AMQPTransport struct {
	ch     amqpChannel
	conn   io.Closer
	stream *ConfirmationStream
	logger *zap.Logger

	bufferSize int

	mu       sync.Mutex // held from NextSequenceNumber until Publish or Release
	reserved uint64
	done     chan struct{}
}

// AMQPOption is a function that configures an AMQPTransport instance.
type AMQPOption func(*AMQPTransport)

// WithAMQPLogger sets the logger. Default is a no-op logger.
func WithAMQPLogger(logger *zap.Logger) AMQPOption {
	return func(t *AMQPTransport) {
		t.logger = logger
	}
}

// WithConfirmBufferSize sets how many confirmations may be buffered between the broker
// connection and the resolver. It should be at least the expected number of publishes in flight.
// Default is 1024.
func WithConfirmBufferSize(size int) AMQPOption {
	return func(t *AMQPTransport) {
		if size > 0 {
			t.bufferSize = size
		}
	}
}

// WithConnection makes the transport own conn: Close also closes the connection.
func WithConnection(conn *amqp.Connection) AMQPOption {
	return func(t *AMQPTransport) {
		if conn != nil {
			t.conn = conn
		}
	}
}

// NewAMQPTransport puts ch in confirm mode and starts forwarding its confirmations.
// The channel must not be used for publishing by anything else.
func NewAMQPTransport(ch *amqp.Channel, opts ...AMQPOption) (*AMQPTransport, error) {
	return newAMQPTransport(ch, opts...)
}

func newAMQPTransport(ch amqpChannel, opts ...AMQPOption) (*AMQPTransport, error) {
	t := &AMQPTransport{
		ch:         ch,
		logger:     zap.NewNop(),
		bufferSize: 1024,
		done:       make(chan struct{}),
	}

	for _, opt := range opts {
		opt(t)
	}

	t.stream = NewConfirmationStream(t.bufferSize)

	// listeners must be registered before confirm mode is enabled
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, t.bufferSize))
	closes := ch.NotifyClose(make(chan *amqp.Error, 1))

	err := ch.Confirm(false)
	if err != nil {
		return nil, fmt.Errorf("enabling publisher confirms: %w", err)
	}

	go t.forward(confirms, closes)

	return t, nil
}

func (t *AMQPTransport) forward(confirms <-chan amqp.Confirmation, closes <-chan *amqp.Error) {
	defer close(t.done)

	for c := range confirms {
		if c.Ack {
			t.stream.Ack(c.DeliveryTag, false)
		} else {
			t.stream.Nack(c.DeliveryTag, false)
		}
	}

	var reason error
	if amqpErr, ok := <-closes; ok && amqpErr != nil {
		reason = amqpErr
	}
	t.logger.Info("amqp channel closed", zap.Error(reason))
	t.stream.Close(reason)
}

// NextSequenceNumber reserves the channel's next delivery tag.
// The channel stays reserved until Publish or Release is called with it.
func (t *AMQPTransport) NextSequenceNumber() uint64 {
	t.mu.Lock()
	t.reserved = t.ch.GetNextPublishSeqNo()
	return t.reserved
}

// Release gives back a reservation without publishing.
func (t *AMQPTransport) Release(seq uint64) {
	t.checkReservation(seq)
	t.mu.Unlock()
}

// Publish sends msg under the reserved sequence number and releases the reservation.
func (t *AMQPTransport) Publish(ctx context.Context, seq uint64, msg *Message) error {
	t.checkReservation(seq)
	defer t.mu.Unlock()

	err := t.ch.PublishWithContext(ctx, msg.Exchange, msg.RoutingKey, msg.Mandatory, false, toPublishing(seq, msg))
	if err != nil {
		return fmt.Errorf("publishing to exchange %q: %w", msg.Exchange, err)
	}

	return nil
}

func (t *AMQPTransport) checkReservation(seq uint64) {
	if seq != t.reserved {
		panic(fmt.Sprintf("confirm: sequence number %d used while %d is reserved", seq, t.reserved))
	}
}

// Confirmations implements ConfirmationSource.
func (t *AMQPTransport) Confirmations() <-chan Confirmation {
	return t.stream.Confirmations()
}

// Err returns the error the broker closed the channel with, nil after a clean close.
func (t *AMQPTransport) Err() error {
	return t.stream.Err()
}

// Done is closed once the broker channel has terminated and all its confirmations were forwarded.
func (t *AMQPTransport) Done() <-chan struct{} {
	return t.done
}

// Close closes the channel, and the connection if the transport owns it.
func (t *AMQPTransport) Close() error {
	err := t.ch.Close()
	if t.conn != nil {
		err = multierr.Append(err, t.conn.Close())
	}
	return err
}

func toPublishing(seq uint64, msg *Message) amqp.Publishing {
	headers := make(amqp.Table, len(msg.Headers)+1)
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[PublishIDHeader] = strconv.FormatUint(seq, 10)

	deliveryMode := amqp.Transient
	if msg.Persistent {
		deliveryMode = amqp.Persistent
	}

	return amqp.Publishing{
		Headers:      headers,
		ContentType:  msg.ContentType,
		DeliveryMode: deliveryMode,
		MessageId:    msg.ID.String(),
		Timestamp:    msg.CreatedAt,
		Body:         msg.Body,
	}
}
