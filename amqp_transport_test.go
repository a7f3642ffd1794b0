package confirm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublish struct {
	exchange   string
	key        string
	mandatory  bool
	publishing amqp.Publishing
}

type fakeChannel struct {
	confirmErr error
	publishErr error
	closeErr   error

	mu         sync.Mutex
	confirming bool
	next       uint64
	confirms   chan amqp.Confirmation
	closes     chan *amqp.Error
	published  []fakePublish
	closed     bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{next: 1}
}

func (f *fakeChannel) Confirm(_ bool) error {
	if f.confirmErr != nil {
		return f.confirmErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirming = true
	return nil
}

func (f *fakeChannel) NotifyPublish(c chan amqp.Confirmation) chan amqp.Confirmation {
	f.confirms = c
	return c
}

func (f *fakeChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	f.closes = c
	return c
}

func (f *fakeChannel) GetNextPublishSeqNo() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.next
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, mandatory, _ bool, msg amqp.Publishing) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, fakePublish{exchange: exchange, key: key, mandatory: mandatory, publishing: msg})
	f.next++
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return f.closeErr
}

// shutdown mimics the broker closing the channel: the close reason is delivered
// before the confirmation listener is closed.
func (f *fakeChannel) shutdown(reason *amqp.Error) {
	if reason != nil {
		f.closes <- reason
	}
	close(f.confirms)
	close(f.closes)
}

func (f *fakeChannel) publishes() []fakePublish {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakePublish(nil), f.published...)
}

type fakeCloser struct {
	err    error
	closed bool
}

func (f *fakeCloser) Close() error {
	f.closed = true
	return f.err
}

func TestAMQPTransportEnablesConfirms(t *testing.T) {
	ch := newFakeChannel()

	tr, err := newAMQPTransport(ch)
	require.NoError(t, err)

	assert.True(t, ch.confirming)
	assert.NotNil(t, ch.confirms)
	assert.NotNil(t, ch.closes)
	assert.Equal(t, uint64(1), tr.NextSequenceNumber())
	tr.Release(1)
}

func TestAMQPTransportConfirmError(t *testing.T) {
	ch := newFakeChannel()
	ch.confirmErr = errors.New("confirm not supported")

	_, err := newAMQPTransport(ch)

	assert.ErrorIs(t, err, ch.confirmErr)
}

func TestAMQPTransportPublish(t *testing.T) {
	ch := newFakeChannel()
	tr, err := newAMQPTransport(ch)
	require.NoError(t, err)

	createdAt := time.Date(2022, 10, 26, 14, 26, 51, 0, time.UTC)
	msg := NewMessage([]byte(`{"eventType":"person_modified"}`),
		WithExchange("Vendeq.Api.Common.Messages:AuditEvent"),
		WithRoutingKey("rk"),
		WithMandatory(),
		WithContentType("application/vnd.masstransit+json"),
		WithHeader("trace_id", "abc"),
		WithCreatedAt(createdAt))

	seq := tr.NextSequenceNumber()
	require.NoError(t, tr.Publish(context.Background(), seq, msg))

	published := ch.publishes()
	require.Len(t, published, 1)
	got := published[0]
	assert.Equal(t, "Vendeq.Api.Common.Messages:AuditEvent", got.exchange)
	assert.Equal(t, "rk", got.key)
	assert.True(t, got.mandatory)
	assert.Equal(t, msg.ID.String(), got.publishing.MessageId)
	assert.Equal(t, "application/vnd.masstransit+json", got.publishing.ContentType)
	assert.Equal(t, amqp.Persistent, got.publishing.DeliveryMode)
	assert.Equal(t, createdAt, got.publishing.Timestamp)
	assert.Equal(t, msg.Body, got.publishing.Body)
	assert.Equal(t, amqp.Table{"trace_id": "abc", PublishIDHeader: "1"}, got.publishing.Headers)

	// the reservation was released by Publish
	assert.Equal(t, uint64(2), tr.NextSequenceNumber())
	tr.Release(2)
}

func TestAMQPTransportPublishTransient(t *testing.T) {
	p := toPublishing(9, NewMessage(nil, WithTransient()))

	assert.Equal(t, amqp.Transient, p.DeliveryMode)
	assert.Equal(t, "9", p.Headers[PublishIDHeader])
}

func TestAMQPTransportPublishError(t *testing.T) {
	ch := newFakeChannel()
	ch.publishErr = amqp.ErrClosed
	tr, err := newAMQPTransport(ch)
	require.NoError(t, err)

	seq := tr.NextSequenceNumber()
	err = tr.Publish(context.Background(), seq, NewMessage(nil, WithExchange("audit")))

	assert.ErrorIs(t, err, amqp.ErrClosed)
	assert.Equal(t, seq, tr.NextSequenceNumber())
	tr.Release(seq)
}

func TestAMQPTransportReservationSerializesPublishers(t *testing.T) {
	ch := newFakeChannel()
	tr, err := newAMQPTransport(ch)
	require.NoError(t, err)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seq := tr.NextSequenceNumber()
			assert.NoError(t, tr.Publish(context.Background(), seq, NewMessage(nil)))
		}()
	}
	wg.Wait()

	published := ch.publishes()
	require.Len(t, published, n)
	for i, pub := range published {
		// each message carries the delivery tag the broker assigns it
		assert.Equal(t, toPublishing(uint64(i+1), NewMessage(nil)).Headers[PublishIDHeader], pub.publishing.Headers[PublishIDHeader])
	}
}

func TestAMQPTransportMismatchedSequencePanics(t *testing.T) {
	ch := newFakeChannel()
	tr, err := newAMQPTransport(ch)
	require.NoError(t, err)

	seq := tr.NextSequenceNumber()
	assert.Panics(t, func() {
		_ = tr.Publish(context.Background(), seq+1, NewMessage(nil))
	})
	tr.Release(seq)
}

func TestAMQPTransportWithPublisher(t *testing.T) {
	ch := newFakeChannel()
	tr, err := newAMQPTransport(ch)
	require.NoError(t, err)
	p := NewPublisher(tr)

	acked := make(chan error, 1)
	go func() {
		acked <- p.PublishAndAwaitConfirmation(context.Background(), NewMessage([]byte("one")))
	}()
	require.Eventually(t, func() bool { return p.Pending() == 1 }, time.Second, time.Millisecond)
	ch.confirms <- amqp.Confirmation{DeliveryTag: 1, Ack: true}

	select {
	case err := <-acked:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("publish not confirmed")
	}

	nacked := make(chan error, 1)
	go func() {
		nacked <- p.PublishAndAwaitConfirmation(context.Background(), NewMessage([]byte("two")))
	}()
	require.Eventually(t, func() bool { return p.Pending() == 1 }, time.Second, time.Millisecond)
	ch.confirms <- amqp.Confirmation{DeliveryTag: 2, Ack: false}

	select {
	case err := <-nacked:
		assert.ErrorIs(t, err, ErrNegativeAcknowledged)
	case <-time.After(time.Second):
		t.Fatal("publish not rejected")
	}

	require.NoError(t, p.Close(context.Background()))
}

func TestAMQPTransportChannelClosed(t *testing.T) {
	ch := newFakeChannel()
	tr, err := newAMQPTransport(ch)
	require.NoError(t, err)
	p := NewPublisher(tr)

	result := make(chan error, 1)
	go func() {
		result <- p.PublishAndAwaitConfirmation(context.Background(), NewMessage([]byte("payload")))
	}()
	require.Eventually(t, func() bool { return p.Pending() == 1 }, time.Second, time.Millisecond)

	reason := &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no exchange 'audit'", Server: true}
	ch.shutdown(reason)

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrChannelClosed)
		var amqpErr *amqp.Error
		require.ErrorAs(t, err, &amqpErr)
		assert.Equal(t, amqp.NotFound, amqpErr.Code)
	case <-time.After(time.Second):
		t.Fatal("pending publish not released on channel close")
	}

	select {
	case <-tr.Done():
	case <-time.After(time.Second):
		t.Fatal("transport did not stop")
	}
	assert.Equal(t, reason, tr.Err())
}

func TestAMQPTransportCleanClose(t *testing.T) {
	ch := newFakeChannel()
	tr, err := newAMQPTransport(ch)
	require.NoError(t, err)

	ch.shutdown(nil)

	<-tr.Done()
	assert.NoError(t, tr.Err())
	_, open := <-tr.Confirmations()
	assert.False(t, open)
}

func TestAMQPTransportClose(t *testing.T) {
	ch := newFakeChannel()
	ch.closeErr = errors.New("channel close failed")
	conn := &fakeCloser{err: errors.New("connection close failed")}

	tr, err := newAMQPTransport(ch)
	require.NoError(t, err)
	tr.conn = conn

	err = tr.Close()

	assert.True(t, ch.closed)
	assert.True(t, conn.closed)
	assert.ErrorIs(t, err, ch.closeErr)
	assert.ErrorIs(t, err, conn.err)
}
